package warehouse

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adaql/ada/internal/tenant"
)

type RuleKind string

const (
	RuleReplace RuleKind = "replace"
	RuleStrip   RuleKind = "strip"
	RulePrefix  RuleKind = "prefix"
)

// Rule is one step of the rewrite table. Prefix templates may reference
// {database} and {schema}.
type Rule struct {
	Kind RuleKind `yaml:"kind"`
	Old  string   `yaml:"old"`
	New  string   `yaml:"new"`
}

// Rules are applied in declaration order.
type Rules []Rule

// DefaultRules is the rewrite table used with Snowflake when no rules file
// is configured.
func DefaultRules() Rules {
	return Rules{
		{Kind: RuleReplace, Old: "DATA_", New: "DATA."},
		{Kind: RuleReplace, Old: "TXT_DATA.POINT", New: "TXT_DATA_POINT"},
		{Kind: RuleStrip, Old: `"`},
		{Kind: RulePrefix, New: `USE DATABASE "{database}";`},
	}
}

func (r Rules) Apply(sqlText string, t tenant.Tenant) string {
	out := sqlText
	for _, rule := range r {
		switch rule.Kind {
		case RuleReplace:
			out = strings.ReplaceAll(out, rule.Old, rule.New)
		case RuleStrip:
			out = strings.ReplaceAll(out, rule.Old, "")
		case RulePrefix:
			prefix := strings.NewReplacer(
				"{database}", t.Warehouse.Database,
				"{schema}", t.Warehouse.Schema,
			).Replace(rule.New)
			out = prefix + out
		}
	}
	return out
}

func (r Rules) Validate() error {
	for i, rule := range r {
		switch rule.Kind {
		case RuleReplace:
			if rule.Old == "" {
				return fmt.Errorf("rule %d: replace requires old", i)
			}
		case RuleStrip:
			if rule.Old == "" {
				return fmt.Errorf("rule %d: strip requires old", i)
			}
		case RulePrefix:
			if strings.TrimSpace(rule.New) == "" {
				return fmt.Errorf("rule %d: prefix requires new", i)
			}
		default:
			return fmt.Errorf("rule %d: unknown kind %q", i, rule.Kind)
		}
	}
	return nil
}

// ParseRules decodes a YAML document of the form `rules: [{kind, old, new}]`.
func ParseRules(body []byte) (Rules, error) {
	var doc struct {
		Rules Rules `yaml:"rules"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode rewrite rules: %w", err)
	}
	if err := doc.Rules.Validate(); err != nil {
		return nil, err
	}
	return doc.Rules, nil
}

func LoadRules(path string) (Rules, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rewrite rules: %w", err)
	}
	return ParseRules(body)
}

// SplitStatements splits a script on ';' and drops empty statements.
func SplitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
