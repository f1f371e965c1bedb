package warehouse

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/snowflakedb/gosnowflake"

	"github.com/adaql/ada/internal/tenant"
)

// Dialect opens a connection pool for a tenant and classifies failures of
// dry runs.
type Dialect interface {
	Name() string
	Open(t tenant.Tenant) (*sql.DB, error)
	DefaultRules() Rules
}

func NewDialect(name, duckdbPath string) (Dialect, error) {
	switch name {
	case "snowflake":
		return Snowflake{}, nil
	case "duckdb":
		return DuckDB{Path: duckdbPath}, nil
	default:
		return nil, fmt.Errorf("unknown warehouse dialect %q", name)
	}
}

type Snowflake struct{}

func (Snowflake) Name() string { return "snowflake" }

func (Snowflake) Open(t tenant.Tenant) (*sql.DB, error) {
	wh := t.Warehouse
	if wh.Account == "" || wh.User == "" {
		return nil, fmt.Errorf("tenant %s: snowflake account and user are required", t.ID)
	}
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   wh.Account,
		User:      wh.User,
		Password:  wh.Secret,
		Database:  wh.Database,
		Schema:    wh.Schema,
		Warehouse: wh.Warehouse,
		Role:      wh.Role,
	})
	if err != nil {
		return nil, fmt.Errorf("tenant %s: build snowflake dsn: %w", t.ID, err)
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: open snowflake: %w", t.ID, err)
	}
	return db, nil
}

func (Snowflake) DefaultRules() Rules { return DefaultRules() }

// DuckDB runs tenant queries against a local database file. A {tenant}
// placeholder in Path is replaced by the tenant id; an empty Path is an
// in-memory database.
type DuckDB struct {
	Path string
}

func (DuckDB) Name() string { return "duckdb" }

func (d DuckDB) Open(t tenant.Tenant) (*sql.DB, error) {
	path := strings.ReplaceAll(d.Path, "{tenant}", t.ID)
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: open duckdb: %w", t.ID, err)
	}
	return db, nil
}

// DuckDB has no USE DATABASE; the prefix rule is left out.
func (DuckDB) DefaultRules() Rules {
	rules := DefaultRules()
	return rules[:len(rules)-1]
}

// isTransportError reports failures that say nothing about the SQL itself.
func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		// 390xxx are login and session failures.
		return sfErr.Number >= 390000 && sfErr.Number < 391000
	}
	return false
}
