package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("tenant not found")

// Warehouse holds the credentials used to open warehouse sessions for a tenant.
type Warehouse struct {
	Account   string `yaml:"account"`
	Database  string `yaml:"database"`
	Warehouse string `yaml:"warehouse"`
	Role      string `yaml:"role"`
	User      string `yaml:"user"`
	Secret    string `yaml:"secret"`
	Schema    string `yaml:"schema"`
}

// Tenant is immutable for the lifetime of a pipeline run.
type Tenant struct {
	ID         string    `yaml:"id"`
	Region     string    `yaml:"region"`
	Currency   string    `yaml:"currency"`
	Language   string    `yaml:"language"`
	PromptPack string    `yaml:"prompt_pack"`
	Warehouse  Warehouse `yaml:"warehouse"`
}

// LogValue keeps warehouse credentials out of structured logs.
func (t Tenant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.ID),
		slog.String("region", t.Region),
		slog.String("warehouse_account", t.Warehouse.Account),
		slog.String("warehouse_database", t.Warehouse.Database),
	)
}

func (t Tenant) String() string {
	return t.ID
}

func (t Tenant) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(t.Warehouse.Database) == "" {
		return fmt.Errorf("tenant %s: warehouse database is required", t.ID)
	}
	return nil
}

type Resolver interface {
	Resolve(ctx context.Context, id string) (Tenant, error)
}

// Registry is a fixed, read-only set of tenants.
type Registry struct {
	tenants map[string]Tenant
}

func NewRegistry(tenants ...Tenant) (*Registry, error) {
	r := &Registry{tenants: make(map[string]Tenant, len(tenants))}
	for _, t := range tenants {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tenants[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant %q", t.ID)
		}
		if t.PromptPack == "" {
			t.PromptPack = "default"
		}
		r.tenants[t.ID] = t
	}
	return r, nil
}

func (r *Registry) Resolve(_ context.Context, id string) (Tenant, error) {
	t, ok := r.tenants[strings.TrimSpace(id)]
	if !ok {
		return Tenant{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadEnv reads every listed tenant from ADA_TENANT_<ID>_* variables.
func LoadEnv(lookup func(string) (string, bool), ids []string) (*Registry, error) {
	tenants := make([]Tenant, 0, len(ids))
	for _, id := range ids {
		prefix := "ADA_TENANT_" + envKey(id) + "_"
		get := func(name string) string {
			raw, _ := lookup(prefix + name)
			return strings.TrimSpace(raw)
		}
		tenants = append(tenants, Tenant{
			ID:         id,
			Region:     get("REGION"),
			Currency:   get("CURRENCY"),
			Language:   get("LANGUAGE"),
			PromptPack: get("PROMPT_PACK"),
			Warehouse: Warehouse{
				Account:   get("WH_ACCOUNT"),
				Database:  get("WH_DATABASE"),
				Warehouse: get("WH_WAREHOUSE"),
				Role:      get("WH_ROLE"),
				User:      get("WH_USER"),
				Secret:    get("WH_SECRET"),
				Schema:    get("WH_SCHEMA"),
			},
		})
	}
	return NewRegistry(tenants...)
}

type fileDocument struct {
	Tenants []Tenant `yaml:"tenants"`
}

// LoadFile reads tenants from a YAML document with a top-level "tenants" list.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return ParseYAML(raw)
}

func ParseYAML(raw []byte) (*Registry, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode tenants: %w", err)
	}
	return NewRegistry(doc.Tenants...)
}

func envKey(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}
