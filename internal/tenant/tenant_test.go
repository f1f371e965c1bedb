package tenant

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLoadEnvReadsPrefixedVariables(t *testing.T) {
	env := map[string]string{
		"ADA_TENANT_TENANT_A_REGION":      "eu",
		"ADA_TENANT_TENANT_A_CURRENCY":    "EUR",
		"ADA_TENANT_TENANT_A_WH_DATABASE": "SPEND_DB",
		"ADA_TENANT_TENANT_A_WH_SECRET":   "hunter2",
	}
	reg, err := LoadEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}, []string{"tenant-a"})
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	got, err := reg.Resolve(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Region != "eu" || got.Currency != "EUR" || got.Warehouse.Database != "SPEND_DB" {
		t.Fatalf("tenant = %+v", got)
	}
	if got.PromptPack != "default" {
		t.Fatalf("PromptPack = %q, want default", got.PromptPack)
	}
}

func TestLoadEnvRequiresDatabase(t *testing.T) {
	_, err := LoadEnv(func(string) (string, bool) { return "", false }, []string{"tenantA"})
	if err == nil {
		t.Fatal("LoadEnv() expected error for tenant without database")
	}
}

func TestParseYAML(t *testing.T) {
	reg, err := ParseYAML([]byte(`
tenants:
  - id: tenantA
    currency: USD
    prompt_pack: procurement
    warehouse:
      account: acme
      database: ACME_DB
      role: ANALYST
`))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	got, err := reg.Resolve(context.Background(), "tenantA")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.PromptPack != "procurement" || got.Warehouse.Role != "ANALYST" {
		t.Fatalf("tenant = %+v", got)
	}
	if ids := reg.IDs(); len(ids) != 1 || ids[0] != "tenantA" {
		t.Fatalf("IDs() = %v", ids)
	}
}

func TestParseYAMLRejectsDuplicates(t *testing.T) {
	_, err := ParseYAML([]byte(`
tenants:
  - {id: a, warehouse: {database: X}}
  - {id: a, warehouse: {database: Y}}
`))
	if err == nil {
		t.Fatal("ParseYAML() expected duplicate error")
	}
}

func TestResolveUnknownTenant(t *testing.T) {
	reg, _ := NewRegistry()
	if _, err := reg.Resolve(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve() error = %v, want ErrNotFound", err)
	}
}

func TestLogValueRedactsSecret(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("run", "tenant", Tenant{ID: "a", Warehouse: Warehouse{Database: "DB", Secret: "hunter2"}})
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("log output leaked secret: %s", buf.String())
	}
}
