package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	// Registers the "pgx" database/sql driver. Redshift speaks the
	// postgres wire protocol.
	_ "github.com/jackc/pgx/v5/stdlib"

	"blueshift/internal/metrics"
)

// StatementError is a driver failure annotated with the statement text.
type StatementError struct {
	Stmt string
	Err  error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement failed: %v (statement: %s)", e.Err, e.Stmt)
}

func (e *StatementError) Unwrap() error { return e.Err }

// TimeoutError reports a statement cancelled by the per-statement timeout.
type TimeoutError struct {
	Stmt  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("statement timed out after %s (statement: %s)", e.After, e.Stmt)
}

// ExecOpts configures statement execution.
type ExecOpts struct {
	// Timeout bounds each statement individually.
	Timeout time.Duration
}

// Execute runs each statement sequentially on tx. A statement that
// exceeds opts.Timeout is cancelled at the driver level and reported as a
// *TimeoutError; any other driver failure is a *StatementError. The first
// failure stops the sequence.
func Execute(ctx context.Context, tx *sql.Tx, opts ExecOpts, stmts ...string) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	for _, stmt := range stmts {
		stmtCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := tx.ExecContext(stmtCtx, stmt)
		deadlineHit := stmtCtx.Err() == context.DeadlineExceeded
		cancel()

		if err == nil {
			continue
		}
		if deadlineHit {
			metrics.IncCounter(metrics.ImportsTimeout, 1, nil)
			return &TimeoutError{Stmt: stmt, After: timeout}
		}
		return &StatementError{Stmt: stmt, Err: err}
	}
	return nil
}

// ConnString converts a descriptor jdbc-url plus credentials into a
// driver connection string. Producers carry JDBC-style URLs; anything
// already in postgres:// form passes through with credentials applied.
func ConnString(jdbcURL, username, password string) (string, error) {
	raw := strings.TrimPrefix(jdbcURL, "jdbc:")
	if !strings.HasPrefix(raw, "postgresql://") && !strings.HasPrefix(raw, "postgres://") {
		return "", errors.Errorf("unsupported warehouse url %q", jdbcURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parsing warehouse url %q", jdbcURL)
	}
	if username != "" {
		u.User = url.UserPassword(username, password)
	}
	return u.String(), nil
}

// openDB is a seam for tests; production uses database/sql with the pgx
// driver.
type openDB func(dsn string) (*sql.DB, error)

func defaultOpenDB(dsn string) (*sql.DB, error) {
	return sql.Open("pgx", dsn)
}

// withConnection opens a connection with an explicit transaction, runs
// body, commits on success and rolls back on failure. Commit/rollback
// meters and the open-connection gauge are maintained here.
func withConnection(ctx context.Context, open openDB, dsn string, body func(tx *sql.Tx) error) error {
	db, err := open(dsn)
	if err != nil {
		return errors.Wrap(err, "opening warehouse connection")
	}
	defer db.Close()

	metrics.AddGauge(metrics.OpenConnections, 1, nil)
	defer metrics.AddGauge(metrics.OpenConnections, -1, nil)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}

	if err := body(tx); err != nil {
		_ = tx.Rollback()
		metrics.IncCounter(metrics.ImportsRollback, 1, nil)
		return err
	}
	if err := tx.Commit(); err != nil {
		metrics.IncCounter(metrics.ImportsRollback, 1, nil)
		return &StatementError{Stmt: "COMMIT", Err: err}
	}
	metrics.IncCounter(metrics.ImportsCommit, 1, nil)
	return nil
}
