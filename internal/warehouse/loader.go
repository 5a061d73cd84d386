package warehouse

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"blueshift/internal/descriptor"
	"blueshift/internal/metrics"
)

// Loader runs one strategy's statement sequence inside a single
// transaction against the descriptor's warehouse.
type Loader struct {
	// Auth renders the COPY credential clause; defaults to DefaultAuth.
	Auth AuthFunc

	// OpenDB is a test seam; defaults to database/sql with the pgx driver.
	OpenDB func(dsn string) (*sql.DB, error)
}

// NewLoader builds a production Loader.
func NewLoader() *Loader {
	return &Loader{Auth: DefaultAuth, OpenDB: defaultOpenDB}
}

// LoadTable applies env-var templating to the descriptor's dynamic
// fields, expands the strategy into its statement sequence, and runs it
// transactionally with the descriptor's per-statement timeout. The
// connection-and-transaction phase is observed on the import timer whether
// it commits or fails; errors resolving credentials, building statements
// or parsing the warehouse URL return before timing starts.
func (l *Loader) LoadTable(ctx context.Context, d *descriptor.Descriptor, manifestURL string) error {
	rendered := d.Rendered()

	auth := l.Auth
	if auth == nil {
		auth = DefaultAuth
	}
	authClause, err := auth()
	if err != nil {
		return errors.Wrap(err, "resolving copy credentials")
	}

	stmts, err := BuildStatements(rendered, manifestURL, authClause)
	if err != nil {
		return err
	}

	dsn, err := ConnString(rendered.JDBCURL, rendered.Username, rendered.Password)
	if err != nil {
		return err
	}

	open := l.OpenDB
	if open == nil {
		open = defaultOpenDB
	}

	opts := ExecOpts{Timeout: time.Duration(rendered.ExecuteOpts.TimeoutMillis) * time.Millisecond}
	labels := metrics.Labels{"table": rendered.QualifiedTable(), "strategy": string(rendered.Strategy)}

	start := time.Now()
	defer func() {
		metrics.ObserveHistogram(metrics.ImportDuration, time.Since(start).Seconds(), labels)
	}()

	return withConnection(ctx, open, dsn, func(tx *sql.Tx) error {
		return Execute(ctx, tx, opts, stmts...)
	})
}

// BuildStatements expands the descriptor's strategy into its ordered
// statement sequence. Pure: callers supply the manifest URL and the
// rendered auth clause.
func BuildStatements(d *descriptor.Descriptor, manifestURL, auth string) ([]string, error) {
	staging := stagingTable(d)
	rnums := rnumsTable(d)

	mergeTail := func(head []string) []string {
		return append(head,
			createRnums(d),
			dedupRnums(d),
			dropRowNum(d),
			mergeFromRnums(d),
			dropTable(staging),
			dropTable(rnums),
		)
	}

	switch d.Strategy {
	case descriptor.StrategyMerge:
		return mergeTail([]string{
			createStaging(d),
			copyFromManifest(d, staging, manifestURL, auth),
		}), nil

	case descriptor.StrategyDeleteNullHashMerge:
		return mergeTail([]string{
			createStaging(d),
			copyFromManifest(d, staging, manifestURL, auth),
			deleteNullHash(d, nullHashJoinColumns),
		}), nil

	case descriptor.StrategyDeleteNullHashMergeCustomer:
		return mergeTail([]string{
			createStaging(d),
			copyFromManifest(d, staging, manifestURL, auth),
			deleteNullHash(d, nullHashCustomerJoinColumns),
		}), nil

	case descriptor.StrategyReplace:
		return []string{
			truncateTarget(d),
			copyFromManifest(d, d.QualifiedTable(), manifestURL, auth),
		}, nil

	case descriptor.StrategyAppend:
		return []string{
			createStaging(d),
			copyFromManifest(d, staging, manifestURL, auth),
			appendFromStaging(d),
			dropTable(staging),
		}, nil

	case descriptor.StrategyAdd:
		return []string{
			createStaging(d),
			copyFromManifest(d, staging, manifestURL, auth),
			addFromStaging(d),
			dropTable(staging),
		}, nil
	}

	return nil, errors.Errorf("unknown strategy %q", d.Strategy)
}
