package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"blueshift/internal/descriptor"
)

// LoadError is one row of the warehouse's stl_load_errors table,
// collapsed to the most recent load per file.
type LoadError struct {
	Query      int64
	Filename   string
	LineNumber int64
	ColName    string
	Reason     string
}

// buildLoadErrorsQuery selects, for each file URL, the error row from that
// file's most recent failing query. Redshift pads stl_load_errors text
// columns, hence the TRIMs.
func buildLoadErrorsQuery(fileURLs []string) (string, []interface{}) {
	placeholders := make([]string, len(fileURLs))
	args := make([]interface{}, len(fileURLs))
	for i, u := range fileURLs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = u
	}
	in := strings.Join(placeholders, ", ")

	q := fmt.Sprintf(
		"SELECT query, TRIM(filename) AS filename, line_number, TRIM(colname) AS colname, TRIM(err_reason) AS err_reason"+
			" FROM stl_load_errors"+
			" WHERE TRIM(filename) IN (%s)"+
			" AND query IN (SELECT MAX(query) FROM stl_load_errors WHERE TRIM(filename) IN (%s) GROUP BY TRIM(filename))",
		in, in)
	return q, args
}

// QueryLoadErrors fetches the latest stl_load_errors rows for the given
// file URLs using the descriptor's warehouse connection.
func (l *Loader) QueryLoadErrors(ctx context.Context, d *descriptor.Descriptor, fileURLs []string) ([]LoadError, error) {
	if len(fileURLs) == 0 {
		return nil, nil
	}
	rendered := d.Rendered()
	dsn, err := ConnString(rendered.JDBCURL, rendered.Username, rendered.Password)
	if err != nil {
		return nil, err
	}

	open := l.OpenDB
	if open == nil {
		open = defaultOpenDB
	}
	db, err := open(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening warehouse connection")
	}
	defer db.Close()

	query, args := buildLoadErrorsQuery(fileURLs)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying stl_load_errors")
	}
	defer rows.Close()

	var out []LoadError
	for rows.Next() {
		var le LoadError
		if err := rows.Scan(&le.Query, &le.Filename, &le.LineNumber, &le.ColName, &le.Reason); err != nil {
			return nil, errors.Wrap(err, "scanning stl_load_errors row")
		}
		out = append(out, le)
	}
	return out, rows.Err()
}
