package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/snowflakedb/gosnowflake"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/tenant"
)

type mockDialect struct {
	db    *sql.DB
	opens int
}

func (m *mockDialect) Name() string { return "mock" }

func (m *mockDialect) Open(tenant.Tenant) (*sql.DB, error) {
	m.opens++
	return m.db, nil
}

func (m *mockDialect) DefaultRules() Rules { return DefaultRules() }

var acme = tenant.Tenant{ID: "acme", Warehouse: tenant.Warehouse{Database: "ACME"}}

func newMockDriver(t *testing.T, cfg Config) (*Driver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	return New(&mockDialect{db: db}, nil, cfg, nil), mock
}

func numberedRows(n int) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"vendor", "spend"})
	for i := 0; i < n; i++ {
		rows.AddRow(fmt.Sprintf("v%d", i), []byte("10.5"))
	}
	return rows
}

func TestExecuteSanitizesSplitsAndCapsRows(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec(regexp.QuoteMeta(`USE DATABASE "ACME"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT vendor, spend FROM DATA.SPEND JOIN TXT_DATA_POINT`)).
		WillReturnRows(numberedRows(80))

	result, err := driver.Execute(context.Background(), acme, `SELECT "vendor", "spend" FROM DATA_SPEND JOIN TXT_DATA_POINT`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != MaxRows {
		t.Fatalf("rows = %d, want %d", len(result.Rows), MaxRows)
	}
	if len(result.Columns) != 2 || len(result.Rows[0]) != len(result.Columns) {
		t.Fatalf("columns = %v row = %v", result.Columns, result.Rows[0])
	}
	if result.Rows[0][1] != "10.5" {
		t.Fatalf("byte values not normalized: %#v", result.Rows[0][1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestExecuteRespectsConfiguredRowLimit(t *testing.T) {
	driver, mock := newMockDriver(t, Config{RowLimit: 5})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(numberedRows(10))

	result, err := driver.Execute(context.Background(), acme, "SELECT 1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 5 {
		t.Fatalf("rows = %d, want 5", len(result.Rows))
	}
}

func TestExecuteSurfacesStatementErrorVerbatim(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT broken").WillReturnError(errors.New("syntax"))

	_, err := driver.Execute(context.Background(), acme, "SELECT broken")
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Fatalf("KindOf() = %q (err %v)", apperr.KindOf(err), err)
	}
	if apperr.Message(err) != "syntax" {
		t.Fatalf("Message() = %q", apperr.Message(err))
	}
}

func TestExecuteSurfacesFetchError(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(
		sqlmock.NewRows([]string{"a"}).AddRow(1).RowError(0, errors.New("syntax")),
	)

	_, err := driver.Execute(context.Background(), acme, "SELECT 1")
	if apperr.Message(err) != "syntax" {
		t.Fatalf("Execute() error = %v", err)
	}
}

func TestExecuteTimesOutAfterPollBudget(t *testing.T) {
	driver, mock := newMockDriver(t, Config{PollTimeout: 20 * time.Millisecond})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT slow").WillDelayFor(time.Second).WillReturnRows(numberedRows(1))

	start := time.Now()
	_, err := driver.Execute(context.Background(), acme, "SELECT slow")
	if apperr.KindOf(err) != apperr.KindUpstreamTimeout {
		t.Fatalf("KindOf() = %q (err %v)", apperr.KindOf(err), err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("Close() did not cancel the running statement")
	}
}

func TestSessionFetchesExactlyOnce(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(numberedRows(3))

	session, err := driver.Submit(context.Background(), acme, "SELECT 1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	defer func() { _ = session.Close() }()

	waitFor(t, session, StateSuccess)
	first, err := session.Fetch(MaxRows)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(first.Rows) != 3 {
		t.Fatalf("rows = %d", len(first.Rows))
	}
	if _, err := session.Fetch(MaxRows); !errors.Is(err, ErrAlreadyFetched) {
		t.Fatalf("second Fetch() error = %v, want ErrAlreadyFetched", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1").WillReturnRows(numberedRows(1))

	session, err := driver.Submit(context.Background(), acme, "SELECT 1")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := session.Fetch(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Fetch() after close error = %v", err)
	}
}

func TestPollReportsRunningWithoutBlocking(t *testing.T) {
	driver, mock := newMockDriver(t, Config{})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT slow").WillDelayFor(200 * time.Millisecond).WillReturnRows(numberedRows(1))

	session, err := driver.Submit(context.Background(), acme, "SELECT slow")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	defer func() { _ = session.Close() }()
	if got := session.Poll(); got.State != StateRunning {
		t.Fatalf("Poll() = %+v, want running", got)
	}
	if _, err := session.Fetch(1); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Fetch() error = %v, want ErrNotReady", err)
	}
}

func TestDriverReusesTenantPool(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	dialect := &mockDialect{db: db}
	driver := New(dialect, Rules{}, Config{PollInterval: time.Millisecond}, nil)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT 1").WillReturnRows(numberedRows(1))
		if _, err := driver.Execute(context.Background(), acme, "SELECT 1"); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if dialect.opens != 1 {
		t.Fatalf("opens = %d, want 1", dialect.opens)
	}
	mock.ExpectClose()
	if err := driver.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestValidateVerdicts(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want VerdictKind
	}{
		{name: "valid", want: Valid},
		{name: "compilation error", err: errors.New("SQL compilation error: invalid identifier 'X'"), want: Invalid},
		{name: "network", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, want: Failed},
		{name: "login", err: &gosnowflake.SnowflakeError{Number: 390100, Message: "Incorrect username or password"}, want: Failed},
		{name: "deadline", err: context.DeadlineExceeded, want: Failed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			driver, mock := newMockDriver(t, Config{})
			mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
			expect := mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN SELECT x FROM DATA.T"))
			if tc.err != nil {
				expect.WillReturnError(tc.err)
			} else {
				expect.WillReturnRows(sqlmock.NewRows([]string{"plan"}).AddRow("scan"))
			}

			verdict := driver.Validate(context.Background(), acme, "SELECT x FROM DATA_T;")
			if verdict.Kind != tc.want {
				t.Fatalf("Validate() = %+v, want %s", verdict, tc.want)
			}
			if tc.want == Invalid && verdict.Errors[0] != tc.err.Error() {
				t.Fatalf("Errors = %v", verdict.Errors)
			}
		})
	}
}

func TestValidateFailsWhenDryRunExceedsPollBudget(t *testing.T) {
	driver, mock := newMockDriver(t, Config{PollTimeout: 50 * time.Millisecond})
	mock.ExpectExec("USE DATABASE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN SELECT x FROM DATA.T")).
		WillDelayFor(2 * time.Second).
		WillReturnRows(sqlmock.NewRows([]string{"plan"}).AddRow("scan"))

	start := time.Now()
	verdict := driver.Validate(context.Background(), acme, "SELECT x FROM DATA_T;")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Validate() took %s with a 50ms budget", elapsed)
	}
	if verdict.Kind != Failed {
		t.Fatalf("Validate() = %+v, want %s", verdict, Failed)
	}
}

func TestDuckDBExecuteAndValidate(t *testing.T) {
	dialect, err := NewDialect("duckdb", "")
	if err != nil {
		t.Fatalf("NewDialect() error = %v", err)
	}
	driver := New(dialect, nil, Config{PollInterval: time.Millisecond}, nil)
	defer func() { _ = driver.Close() }()
	local := tenant.Tenant{ID: "local", Warehouse: tenant.Warehouse{Database: "memory"}}

	result, err := driver.Execute(context.Background(), local, `SELECT 42 AS "answer";`)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(result.Rows) != 1 || fmt.Sprint(result.Rows[0][0]) != "42" || result.Columns[0] != "answer" {
		t.Fatalf("result = %+v", result)
	}
	if v := driver.Validate(context.Background(), local, "SELECT 1"); v.Kind != Valid {
		t.Fatalf("Validate(valid) = %+v", v)
	}
	if v := driver.Validate(context.Background(), local, "SELEC 1"); v.Kind != Invalid {
		t.Fatalf("Validate(invalid) = %+v", v)
	}
}

func waitFor(t *testing.T, session *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := session.Poll(); got.State == want {
			return
		} else if got.State == StateFailed {
			t.Fatalf("Poll() = %+v", got)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("session did not reach %s", want)
}
