// Package warehouse runs tenant SQL asynchronously against the tenant's
// warehouse. A Session owns one connection, is fetched at most once and must
// be closed by whoever submitted it.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/observability"
	"github.com/adaql/ada/internal/tenant"
)

// MaxRows caps every fetch.
const MaxRows = 50

const source = "warehouse"

var (
	ErrNotReady       = errors.New("warehouse session is still running")
	ErrAlreadyFetched = errors.New("warehouse session already fetched")
	ErrSessionClosed  = errors.New("warehouse session closed")
)

type State string

const (
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFailed  State = "failed"
)

type Status struct {
	State   State
	Message string
}

type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

type Config struct {
	PollInterval time.Duration
	PollTimeout  time.Duration
	RowLimit     int
}

// Driver keeps one connection pool per tenant.
type Driver struct {
	dialect Dialect
	rules   Rules
	cfg     Config
	logger  *slog.Logger

	mu    sync.Mutex
	pools map[string]*sql.DB
}

// New builds a driver. Nil rules select the dialect's default rewrite table.
func New(dialect Dialect, rules Rules, cfg Config, logger *slog.Logger) *Driver {
	if rules == nil {
		rules = dialect.DefaultRules()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 120 * time.Second
	}
	if cfg.RowLimit <= 0 || cfg.RowLimit > MaxRows {
		cfg.RowLimit = MaxRows
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		dialect: dialect,
		rules:   rules,
		cfg:     cfg,
		logger:  logger,
		pools:   make(map[string]*sql.DB),
	}
}

func (d *Driver) Sanitize(sqlText string, t tenant.Tenant) string {
	return d.rules.Apply(sqlText, t)
}

func (d *Driver) pool(t tenant.Tenant) (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if db, ok := d.pools[t.ID]; ok {
		return db, nil
	}
	db, err := d.dialect.Open(t)
	if err != nil {
		return nil, err
	}
	d.pools[t.ID] = db
	return db, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for id, db := range d.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool %s: %w", id, err))
		}
		delete(d.pools, id)
	}
	return errors.Join(errs...)
}

// Session is a statement running on a dedicated connection.
type Session struct {
	conn   *sql.Conn
	cancel context.CancelFunc
	done   chan struct{}

	rows *sql.Rows
	err  error

	fetched atomic.Bool
	closed  atomic.Bool
	once    sync.Once
}

// Submit sanitizes sqlText, splits it into statements and starts running them
// in the background. Leading statements switch context; the last one is the
// query whose rows are fetched.
func (d *Driver) Submit(ctx context.Context, t tenant.Tenant, sqlText string) (*Session, error) {
	statements := SplitStatements(d.Sanitize(sqlText, t))
	if len(statements) == 0 {
		return nil, apperr.Validation("sql", "is empty")
	}
	db, err := d.pool(t)
	if err != nil {
		return nil, apperr.Fatal("open warehouse", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, apperr.FromCall(source, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{conn: conn, cancel: cancel, done: make(chan struct{})}
	go s.run(runCtx, statements)
	observability.ObserveWarehouseStatement("submit", "ok")
	return s, nil
}

func (s *Session) run(ctx context.Context, statements []string) {
	defer close(s.done)
	last := len(statements) - 1
	for _, stmt := range statements[:last] {
		if _, err := s.conn.ExecContext(ctx, stmt); err != nil {
			s.err = err
			return
		}
	}
	s.rows, s.err = s.conn.QueryContext(ctx, statements[last])
}

// Poll never blocks.
func (s *Session) Poll() Status {
	if s.closed.Load() {
		return Status{State: StateFailed, Message: ErrSessionClosed.Error()}
	}
	select {
	case <-s.done:
	default:
		return Status{State: StateRunning}
	}
	if s.err != nil {
		return Status{State: StateFailed, Message: s.err.Error()}
	}
	return Status{State: StateSuccess}
}

// Fetch reads at most limit rows (capped at MaxRows). It succeeds at most
// once per session.
func (s *Session) Fetch(limit int) (Result, error) {
	if s.closed.Load() {
		return Result{}, ErrSessionClosed
	}
	select {
	case <-s.done:
	default:
		return Result{}, ErrNotReady
	}
	if s.err != nil {
		return Result{}, s.err
	}
	if !s.fetched.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyFetched
	}
	if limit <= 0 || limit > MaxRows {
		limit = MaxRows
	}
	defer func() { _ = s.rows.Close() }()

	columns, err := s.rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("query columns: %w", err)
	}
	rows := make([][]any, 0)
	for len(rows) < limit && s.rows.Next() {
		values := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range values {
			targets[i] = &values[i]
		}
		if err := s.rows.Scan(targets...); err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		rows = append(rows, normalizeValues(values))
	}
	if err := s.rows.Err(); err != nil {
		return Result{}, err
	}
	return Result{Columns: columns, Rows: rows}, nil
}

// Close cancels a running statement and releases the connection. It is safe
// to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.done
		if s.rows != nil {
			_ = s.rows.Close()
		}
		err = s.conn.Close()
	})
	return err
}

// Execute submits sqlText, polls until it finishes and fetches the bounded
// result. The session is closed on every path.
func (d *Driver) Execute(ctx context.Context, t tenant.Tenant, sqlText string) (Result, error) {
	session, err := d.Submit(ctx, t, sqlText)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = session.Close() }()

	timer := time.NewTimer(d.cfg.PollTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status := session.Poll()
		switch status.State {
		case StateSuccess:
			result, err := session.Fetch(d.cfg.RowLimit)
			if err != nil {
				observability.ObserveWarehouseStatement("fetch", "failed")
				return Result{}, apperr.Upstream(source, err)
			}
			observability.ObserveWarehouseStatement("fetch", "ok")
			return result, nil
		case StateFailed:
			observability.ObserveWarehouseStatement("poll", "failed")
			return Result{}, apperr.Upstream(source, errors.New(status.Message))
		}

		select {
		case <-ctx.Done():
			return Result{}, apperr.FromCall(source, ctx.Err())
		case <-timer.C:
			observability.ObserveWarehouseStatement("poll", "timeout")
			d.logger.Warn("warehouse statement exceeded poll budget", "tenant_id", t.ID, "budget", d.cfg.PollTimeout)
			return Result{}, apperr.UpstreamTimeout(source, context.DeadlineExceeded)
		case <-ticker.C:
		}
	}
}

type VerdictKind string

const (
	Valid   VerdictKind = "valid"
	Invalid VerdictKind = "invalid"
	Failed  VerdictKind = "error"
)

type Verdict struct {
	Kind   VerdictKind
	Errors []string
}

// Validate dry-runs sqlText with EXPLAIN within the poll budget. Failures that
// are not about the statement itself (transport, credentials, deadlines)
// yield Failed.
func (d *Driver) Validate(ctx context.Context, t tenant.Tenant, sqlText string) Verdict {
	statements := SplitStatements(d.Sanitize(sqlText, t))
	if len(statements) == 0 {
		return Verdict{Kind: Invalid, Errors: []string{"empty statement"}}
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.PollTimeout)
	defer cancel()

	db, err := d.pool(t)
	if err != nil {
		return d.failed(t, err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return d.failed(t, err)
	}
	defer func() { _ = conn.Close() }()

	last := len(statements) - 1
	for _, stmt := range statements[:last] {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return d.verdict(ctx, t, err)
		}
	}
	rows, err := conn.QueryContext(ctx, "EXPLAIN "+strings.TrimSpace(statements[last]))
	if err != nil {
		return d.verdict(ctx, t, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return d.verdict(ctx, t, err)
	}
	if err := ctx.Err(); err != nil {
		return d.failed(t, err)
	}
	observability.ObserveWarehouseStatement("validate", "valid")
	return Verdict{Kind: Valid}
}

// verdict classifies a dry-run error. Errors raised after ctx ended are
// cancellation noise from the driver, not statement errors.
func (d *Driver) verdict(ctx context.Context, t tenant.Tenant, err error) Verdict {
	if ctx.Err() != nil {
		return d.failed(t, fmt.Errorf("%w: %w", ctx.Err(), err))
	}
	if isTransportError(err) {
		return d.failed(t, err)
	}
	observability.ObserveWarehouseStatement("validate", "invalid")
	return Verdict{Kind: Invalid, Errors: []string{err.Error()}}
}

func (d *Driver) failed(t tenant.Tenant, err error) Verdict {
	observability.ObserveWarehouseStatement("validate", "error")
	d.logger.Warn("warehouse validation unavailable", "tenant_id", t.ID, "error", err)
	return Verdict{Kind: Failed, Errors: []string{err.Error()}}
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case time.Time:
			normalized[i] = typed.UTC().Format(time.RFC3339Nano)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
