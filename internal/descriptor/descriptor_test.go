package descriptor

import (
	"fmt"
	"testing"
)

const mergeManifest = `
{:table "events"
 :schema "public"
 :jdbc-url "jdbc:postgresql://wh:5439/analytics"
 :username "loader"
 :password "{{BLUESHIFT_TEST_WH_PASSWORD}}"
 :columns ["id" "v" "update_ts"]
 :full-columns ["id" "v" "update_ts"]
 :pk-columns ["id"]
 :data-pattern ".*\\.gz$"
 :options ["GZIP" "TRIMBLANKS"]
 :strategy :merge}
`

func TestParse_MergeManifest(t *testing.T) {
	d, err := Parse([]byte(mergeManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Strategy != StrategyMerge {
		t.Fatalf("strategy: got %q", d.Strategy)
	}
	if d.QualifiedTable() != "public.events" {
		t.Fatalf("qualified table: got %q", d.QualifiedTable())
	}
	if !d.DataRegexp.MatchString("reports/2024/a.gz") {
		t.Fatalf("data-pattern should match .gz keys")
	}
	if d.DataRegexp.MatchString("reports/manifest.edn") {
		t.Fatalf("data-pattern should not match the descriptor")
	}
	if d.ExecuteOpts.TimeoutMillis != DefaultTimeoutMillis {
		t.Fatalf("timeout default: got %d", d.ExecuteOpts.TimeoutMillis)
	}
}

func TestParse_DefaultsStrategyToMerge(t *testing.T) {
	d, err := Parse([]byte(`{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Strategy != StrategyMerge {
		t.Fatalf("strategy default: got %q", d.Strategy)
	}
	if len(d.FullColumns) != 1 || d.FullColumns[0] != "a" {
		t.Fatalf("full-columns default: got %v", d.FullColumns)
	}
}

func TestParse_StagingSelectForms(t *testing.T) {
	base := `{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :staging-select %s}`

	tests := []struct {
		name string
		form string
		mode StagingSelectMode
	}{
		{"symbol_distinct", "distinct", SelectDistinct},
		{"symbol_distinct_hash", "distinct-hash", SelectDistinctHash},
		{"template_string", `"SELECT a FROM {{table}} WHERE a IS NOT NULL"`, SelectTemplate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := Parse([]byte(fmt.Sprintf(base, tc.form)))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if d.StagingSelect == nil || d.StagingSelect.Mode != tc.mode {
				t.Fatalf("staging-select: got %+v", d.StagingSelect)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing_table", `{:columns ["a"] :data-pattern ".*"}`},
		{"missing_columns", `{:table "t" :data-pattern ".*"}`},
		{"bad_pattern", `{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern "("}`},
		{"merge_without_pk", `{:table "t" :columns ["a"] :data-pattern ".*" :strategy :merge}`},
		{"append_without_pk", `{:table "t" :columns ["a"] :data-pattern ".*" :strategy :append}`},
		{"unknown_strategy", `{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :strategy :upsert}`},
		{"pk_nulls_not_subset", `{:table "t" :columns ["a"] :pk-columns ["a"] :pk-nulls ["b"] :data-pattern ".*"}`},
		{"template_without_table", `{:table "t" :columns ["a"] :pk-columns ["a"] :data-pattern ".*" :staging-select "SELECT 1"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.in)); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestParse_ReplaceWithoutPKIsValid(t *testing.T) {
	if _, err := Parse([]byte(`{:table "t" :columns ["a"] :data-pattern ".*" :strategy :replace}`)); err != nil {
		t.Fatalf("replace should not require pk-columns: %v", err)
	}
}

func TestRendered_AppliesTemplatingToDynamicFields(t *testing.T) {
	t.Setenv("BLUESHIFT_TEST_WH_PASSWORD", "hunter2")

	d, err := Parse([]byte(mergeManifest))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := d.Rendered()
	if r.Password != "hunter2" {
		t.Fatalf("password templating: got %q", r.Password)
	}
	if d.Password == "hunter2" {
		t.Fatalf("Rendered must not mutate the receiver")
	}
}
