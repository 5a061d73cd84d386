// Package warehouse builds and executes the SQL that moves staged object
// store files into the target table: pure statement builders, a
// transactional executor with per-statement timeouts, and the per-strategy
// load sequences.
package warehouse

import (
	"fmt"
	"strings"

	"blueshift/internal/descriptor"
)

// Identifiers are interpolated unquoted: the descriptor is trusted, and
// quoting would break round-trip compatibility with the existing
// descriptor corpus.

func stagingTable(d *descriptor.Descriptor) string {
	return d.Table + "_staging"
}

func rnumsTable(d *descriptor.Descriptor) string {
	return stagingTable(d) + "_rnums"
}

// createStaging clones the target's shape into a session-scoped table.
func createStaging(d *descriptor.Descriptor) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (LIKE %s INCLUDING DEFAULTS)",
		stagingTable(d), d.QualifiedTable())
}

// copyFromManifest bulk-loads the manifest's files into table. auth is the
// rendered COPY credential clause (IAM_ROLE or CREDENTIALS).
func copyFromManifest(d *descriptor.Descriptor, table, manifestURL, auth string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s (%s) FROM '%s' %s", table, strings.Join(d.Columns, ", "), manifestURL, auth)
	for _, opt := range d.Options {
		b.WriteString(" ")
		b.WriteString(opt)
	}
	b.WriteString(" manifest")
	return b.String()
}

func truncateTarget(d *descriptor.Descriptor) string {
	return "TRUNCATE TABLE " + d.QualifiedTable()
}

// selectFromStaging renders the SELECT body reading rows out of staging,
// honoring the descriptor's staging-select override.
func selectFromStaging(d *descriptor.Descriptor, staging string) string {
	sel := d.StagingSelect
	if sel == nil {
		return "SELECT * FROM " + staging
	}
	switch sel.Mode {
	case descriptor.SelectTemplate:
		return strings.ReplaceAll(sel.Template, "{{table}}", staging)
	case descriptor.SelectDistinct:
		return "SELECT DISTINCT * FROM " + staging
	case descriptor.SelectDistinctHash:
		// Collapse rows identical up to hash, keeping max(hash).
		var cols []string
		for _, c := range d.FullColumns {
			if c != "hash" {
				cols = append(cols, c)
			}
		}
		grouped := strings.Join(cols, ", ")
		return fmt.Sprintf("SELECT %s, max(hash) AS hash FROM %s GROUP BY %s", grouped, staging, grouped)
	}
	return "SELECT * FROM " + staging
}

// createRnums numbers staged rows so later-loaded duplicates win the
// per-key dedup. A staging-select override becomes an aliased subquery.
func createRnums(d *descriptor.Descriptor) string {
	source := stagingTable(d)
	if d.StagingSelect != nil {
		source = fmt.Sprintf("(%s) %s_src", selectFromStaging(d, stagingTable(d)), d.Table)
	}
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s AS SELECT row_number() OVER (PARTITION BY 1) AS row_num, * FROM %s",
		rnumsTable(d), source)
}

// dedupRnums keeps, per primary-key tuple, only the row with the highest
// row number.
func dedupRnums(d *descriptor.Descriptor) string {
	return fmt.Sprintf("DELETE FROM %s WHERE row_num NOT IN (SELECT MAX(row_num) FROM %s GROUP BY %s)",
		rnumsTable(d), rnumsTable(d), strings.Join(d.PKColumns, ", "))
}

func dropRowNum(d *descriptor.Descriptor) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN row_num", rnumsTable(d))
}

// mergeFromRnums upserts deduplicated staged rows into the target.
//
// Join predicate: pk-nulls columns compare NULL-safe through COALESCE; the
// rest compare directly. The column literal update_ts is replaced with
// getdate() in both branches.
func mergeFromRnums(d *descriptor.Descriptor) string {
	target := d.QualifiedTable()
	src := rnumsTable(d)

	nullable := map[string]bool{}
	for _, c := range d.PKNulls {
		nullable[c] = true
	}
	var on []string
	for _, pk := range d.PKColumns {
		if nullable[pk] {
			on = append(on, fmt.Sprintf("COALESCE(%s.%s,'') = COALESCE(%s.%s,'')", target, pk, src, pk))
		} else {
			on = append(on, fmt.Sprintf("%s.%s = %s.%s", target, pk, src, pk))
		}
	}

	var sets, values []string
	for _, c := range d.FullColumns {
		if c == "update_ts" {
			sets = append(sets, c+" = getdate()")
			values = append(values, "getdate()")
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s.%s", c, src, c))
		values = append(values, fmt.Sprintf("%s.%s", src, c))
	}

	return fmt.Sprintf("MERGE INTO %s USING %s ON %s WHEN MATCHED THEN UPDATE SET %s WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		target, src,
		strings.Join(on, " AND "),
		strings.Join(sets, ", "),
		strings.Join(d.FullColumns, ", "),
		strings.Join(values, ", "))
}

// nullHashJoinColumns are the columns a staged row must share with a
// target row for that target row to be eligible for null-hash deletion.
var nullHashJoinColumns = []string{"report_date", "data_source", "data_type", "partner_company_id"}

// customer-keyed variant: partner_order_id replaces report_date.
var nullHashCustomerJoinColumns = []string{"partner_order_id", "data_source", "data_type", "partner_company_id"}

// deleteNullHash removes target rows that collide with staged rows on the
// join columns and carry a NULL hash, optionally restricted to the
// descriptor's data sources.
func deleteNullHash(d *descriptor.Descriptor, joinColumns []string) string {
	target := d.QualifiedTable()
	staging := stagingTable(d)

	var on []string
	for _, c := range joinColumns {
		on = append(on, fmt.Sprintf("%s.%s = %s.%s", target, c, staging, c))
	}
	stmt := fmt.Sprintf("DELETE FROM %s USING %s WHERE %s AND %s.hash IS NULL",
		target, staging, strings.Join(on, " AND "), target)

	if len(d.DeleteNullHashMergeDataSources) > 0 {
		quoted := make([]string, len(d.DeleteNullHashMergeDataSources))
		for i, ds := range d.DeleteNullHashMergeDataSources {
			quoted[i] = "'" + ds + "'"
		}
		stmt += fmt.Sprintf(" AND %s.data_source IN (%s)", target, strings.Join(quoted, ", "))
	}
	return stmt
}

// appendFromStaging inserts staged rows whose primary keys are absent from
// the target.
func appendFromStaging(d *descriptor.Descriptor) string {
	target := d.QualifiedTable()
	staging := stagingTable(d)

	var absent []string
	for _, pk := range d.PKColumns {
		absent = append(absent, fmt.Sprintf("%s.%s = %s.%s", target, pk, staging, pk))
	}
	return fmt.Sprintf("INSERT INTO %s %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s)",
		target, selectFromStaging(d, staging), target, strings.Join(absent, " AND "))
}

// addFromStaging inserts every staged row unconditionally.
func addFromStaging(d *descriptor.Descriptor) string {
	return fmt.Sprintf("INSERT INTO %s %s", d.QualifiedTable(), selectFromStaging(d, stagingTable(d)))
}

func dropTable(name string) string {
	return "DROP TABLE " + name
}
