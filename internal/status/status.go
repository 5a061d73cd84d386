// Package status stamps per-file lifecycle labels into the side status
// database. Producers insert rows as pending/transferred; this system
// advances them through processing, upserted or failed.
package status

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"blueshift/internal/config"
)

// Status is a file lifecycle label.
type Status string

const (
	Pending     Status = "pending"
	Transferred Status = "transferred"
	Processing  Status = "processing"
	Upserted    Status = "upserted"
	Failed      Status = "failed"
)

var valid = map[Status]bool{
	Pending:     true,
	Transferred: true,
	Processing:  true,
	Upserted:    true,
	Failed:      true,
}

// Marker stamps one file's lifecycle label. The watcher holds a nil
// Marker when no status DB is configured.
type Marker interface {
	Mark(ctx context.Context, filename string, s Status) error
}

// Store is the pgxpool-backed Marker. The pool is safe to share across
// watchers.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	table  string
}

// New connects the status database.
func New(ctx context.Context, cfg *config.StatusDB) (*Store, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(cfg.User), url.QueryEscape(cfg.Password), cfg.Host, cfg.Port, cfg.DBName)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting status db")
	}
	return &Store{pool: pool, schema: cfg.Schema, table: cfg.Table}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// buildMarkSQL is pure so the statement shape is testable without a
// database.
func buildMarkSQL(schema, table string) string {
	return fmt.Sprintf("UPDATE %s.%s SET status = $1, updated_at = now() WHERE filename = $2", schema, table)
}

// Mark sets filename's label. Exactly one row must match; anything else
// is an error.
func (s *Store) Mark(ctx context.Context, filename string, st Status) error {
	if !valid[st] {
		return errors.Errorf("status: invalid label %q", st)
	}
	tag, err := s.pool.Exec(ctx, buildMarkSQL(s.schema, s.table), string(st), filename)
	if err != nil {
		return errors.Wrapf(err, "stamping %s as %s", filename, st)
	}
	if tag.RowsAffected() != 1 {
		return errors.Errorf("status: stamping %s as %s updated %d rows, want 1", filename, st, tag.RowsAffected())
	}
	return nil
}

var _ Marker = (*Store)(nil)
