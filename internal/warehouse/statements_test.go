package warehouse

import (
	"strings"
	"testing"

	"blueshift/internal/descriptor"
)

func mergeDescriptor(t *testing.T) *descriptor.Descriptor {
	t.Helper()
	d, err := descriptor.Parse([]byte(`
{:table "events"
 :schema "public"
 :columns ["id" "v" "update_ts"]
 :full-columns ["id" "v" "update_ts"]
 :pk-columns ["id" "region"]
 :pk-nulls ["region"]
 :data-pattern ".*\\.gz$"
 :options ["GZIP" "TRIMBLANKS"]
 :strategy :merge}`))
	if err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	return d
}

func TestCreateStaging(t *testing.T) {
	d := mergeDescriptor(t)
	got := createStaging(d)
	want := "CREATE TEMPORARY TABLE events_staging (LIKE public.events INCLUDING DEFAULTS)"
	if got != want {
		t.Fatalf("createStaging:\n got %q\nwant %q", got, want)
	}
}

func TestCopyFromManifest_AppendsOptionsAndManifestKeyword(t *testing.T) {
	d := mergeDescriptor(t)
	got := copyFromManifest(d, "events_staging", "s3://b/abc.manifest", "IAM_ROLE 'arn:aws:iam::1:role/r'")
	want := "COPY events_staging (id, v, update_ts) FROM 's3://b/abc.manifest' IAM_ROLE 'arn:aws:iam::1:role/r' GZIP TRIMBLANKS manifest"
	if got != want {
		t.Fatalf("copyFromManifest:\n got %q\nwant %q", got, want)
	}
}

func TestCreateRnums_DefaultSelect(t *testing.T) {
	d := mergeDescriptor(t)
	got := createRnums(d)
	want := "CREATE TEMPORARY TABLE events_staging_rnums AS SELECT row_number() OVER (PARTITION BY 1) AS row_num, * FROM events_staging"
	if got != want {
		t.Fatalf("createRnums:\n got %q\nwant %q", got, want)
	}
}

func TestDedupRnums_KeepsMaxRowNumPerKey(t *testing.T) {
	d := mergeDescriptor(t)
	got := dedupRnums(d)
	want := "DELETE FROM events_staging_rnums WHERE row_num NOT IN (SELECT MAX(row_num) FROM events_staging_rnums GROUP BY id, region)"
	if got != want {
		t.Fatalf("dedupRnums:\n got %q\nwant %q", got, want)
	}
}

func TestMergeFromRnums_NullSafeJoinAndUpdateTS(t *testing.T) {
	d := mergeDescriptor(t)
	got := mergeFromRnums(d)

	if !strings.Contains(got, "MERGE INTO public.events USING events_staging_rnums ON ") {
		t.Fatalf("merge head missing: %q", got)
	}
	if !strings.Contains(got, "public.events.id = events_staging_rnums.id") {
		t.Fatalf("direct pk comparison missing: %q", got)
	}
	if !strings.Contains(got, "COALESCE(public.events.region,'') = COALESCE(events_staging_rnums.region,'')") {
		t.Fatalf("null-safe pk comparison missing: %q", got)
	}
	if !strings.Contains(got, "UPDATE SET id = events_staging_rnums.id, v = events_staging_rnums.v, update_ts = getdate()") {
		t.Fatalf("update branch wrong: %q", got)
	}
	if !strings.Contains(got, "INSERT (id, v, update_ts) VALUES (events_staging_rnums.id, events_staging_rnums.v, getdate())") {
		t.Fatalf("insert branch wrong: %q", got)
	}
}

func TestDeleteNullHash_Variants(t *testing.T) {
	d, err := descriptor.Parse([]byte(`
{:table "spend"
 :columns ["a"]
 :pk-columns ["a"]
 :data-pattern ".*"
 :strategy :delete-null-hash-merge
 :delete-null-hash-merge-data-sources ["ds1" "ds2"]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	std := deleteNullHash(d, nullHashJoinColumns)
	if !strings.Contains(std, "DELETE FROM spend USING spend_staging WHERE ") {
		t.Fatalf("delete head: %q", std)
	}
	for _, col := range []string{"report_date", "data_source", "data_type", "partner_company_id"} {
		if !strings.Contains(std, "spend."+col+" = spend_staging."+col) {
			t.Fatalf("join column %s missing: %q", col, std)
		}
	}
	if !strings.Contains(std, "spend.hash IS NULL") {
		t.Fatalf("hash predicate missing: %q", std)
	}
	if !strings.Contains(std, "spend.data_source IN ('ds1', 'ds2')") {
		t.Fatalf("data-source restriction missing: %q", std)
	}

	cust := deleteNullHash(d, nullHashCustomerJoinColumns)
	if !strings.Contains(cust, "spend.partner_order_id = spend_staging.partner_order_id") {
		t.Fatalf("customer variant should join on partner_order_id: %q", cust)
	}
	if strings.Contains(cust, "report_date") {
		t.Fatalf("customer variant must not join on report_date: %q", cust)
	}
}

func TestSelectFromStaging_Policies(t *testing.T) {
	parse := func(extra string) *descriptor.Descriptor {
		d, err := descriptor.Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :full-columns ["a" "b" "hash"] :data-pattern ".*"` + extra + `}`))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return d
	}

	if got := selectFromStaging(parse(""), "t_staging"); got != "SELECT * FROM t_staging" {
		t.Fatalf("default select: %q", got)
	}
	if got := selectFromStaging(parse(" :staging-select distinct"), "t_staging"); got != "SELECT DISTINCT * FROM t_staging" {
		t.Fatalf("distinct select: %q", got)
	}
	got := selectFromStaging(parse(" :staging-select distinct-hash"), "t_staging")
	want := "SELECT a, b, max(hash) AS hash FROM t_staging GROUP BY a, b"
	if got != want {
		t.Fatalf("distinct-hash select:\n got %q\nwant %q", got, want)
	}
	got = selectFromStaging(parse(` :staging-select "SELECT a FROM {{table}} WHERE a > 0"`), "t_staging")
	if got != "SELECT a FROM t_staging WHERE a > 0" {
		t.Fatalf("template select: %q", got)
	}
}

func TestAppendFromStaging_AntiJoin(t *testing.T) {
	d, err := descriptor.Parse([]byte(`{:table "t" :columns ["a" "b"] :pk-columns ["a"] :data-pattern ".*" :strategy :append}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := appendFromStaging(d)
	want := "INSERT INTO t SELECT * FROM t_staging WHERE NOT EXISTS (SELECT 1 FROM t WHERE t.a = t_staging.a)"
	if got != want {
		t.Fatalf("appendFromStaging:\n got %q\nwant %q", got, want)
	}
}

func TestAddFromStaging_Unconditional(t *testing.T) {
	d, err := descriptor.Parse([]byte(`{:table "t" :columns ["a"] :data-pattern ".*" :strategy :add}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := addFromStaging(d); got != "INSERT INTO t SELECT * FROM t_staging" {
		t.Fatalf("addFromStaging: %q", got)
	}
}

func TestTruncateAndDrop(t *testing.T) {
	d := mergeDescriptor(t)
	if got := truncateTarget(d); got != "TRUNCATE TABLE public.events" {
		t.Fatalf("truncate: %q", got)
	}
	if got := dropTable("events_staging"); got != "DROP TABLE events_staging" {
		t.Fatalf("drop: %q", got)
	}
}
