package warehouse

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/adaql/ada/internal/tenant"
)

func TestDefaultRulesApplyInOrder(t *testing.T) {
	got := DefaultRules().Apply(`SELECT "A" FROM DATA_SPEND s JOIN TXT_DATA_POINT p ON s.id = p.id`,
		tenant.Tenant{Warehouse: tenant.Warehouse{Database: "ACME_DB"}})
	want := `USE DATABASE "ACME_DB";SELECT A FROM DATA.SPEND s JOIN TXT_DATA_POINT p ON s.id = p.id`
	if got != want {
		t.Fatalf("Apply() = %q\nwant      %q", got, want)
	}
}

func TestDuckDBDefaultRulesSkipDatabasePrefix(t *testing.T) {
	got := DuckDB{}.DefaultRules().Apply("SELECT 1", tenant.Tenant{Warehouse: tenant.Warehouse{Database: "X"}})
	if got != "SELECT 1" {
		t.Fatalf("Apply() = %q", got)
	}
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte(`
rules:
  - kind: replace
    old: SALES_
    new: SALES.
  - kind: prefix
    new: "USE SCHEMA {schema};"
`))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	got := rules.Apply("SELECT * FROM SALES_ORDERS", tenant.Tenant{Warehouse: tenant.Warehouse{Schema: "PUBLIC"}})
	if got != "USE SCHEMA PUBLIC;SELECT * FROM SALES.ORDERS" {
		t.Fatalf("Apply() = %q", got)
	}
}

func TestParseRulesRejectsBadRules(t *testing.T) {
	for _, body := range []string{
		"rules: [{kind: rot13, old: a}]",
		"rules: [{kind: replace}]",
		"rules: [{kind: prefix, new: ' '}]",
		"rules: {",
	} {
		if _, err := ParseRules([]byte(body)); err == nil {
			t.Fatalf("ParseRules(%q) expected error", body)
		}
	}
}

func TestLoadRulesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - kind: strip\n    old: '`'\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	if got := rules.Apply("SELECT `a`", tenant.Tenant{}); got != "SELECT a" {
		t.Fatalf("Apply() = %q", got)
	}
}

func TestSplitStatements(t *testing.T) {
	got := SplitStatements(`USE DATABASE "X";  SELECT 1 ;; `)
	want := []string{`USE DATABASE "X"`, "SELECT 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("SplitStatements() = %q", got)
	}
}

func TestNewDialect(t *testing.T) {
	if d, err := NewDialect("snowflake", ""); err != nil || d.Name() != "snowflake" {
		t.Fatalf("NewDialect(snowflake) = %v, %v", d, err)
	}
	if _, err := NewDialect("oracle", ""); err == nil {
		t.Fatal("NewDialect(oracle) expected error")
	}
	if _, err := (Snowflake{}).Open(tenant.Tenant{ID: "t"}); err == nil {
		t.Fatal("Open() expected error without account")
	}
}
