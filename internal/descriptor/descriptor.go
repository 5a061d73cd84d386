// Package descriptor parses and validates the per-directory control record
// (manifest.edn). Producers drop one descriptor per load directory; it
// names the target table, the warehouse connection, which sibling keys are
// data files, and the merge strategy.
package descriptor

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"olympos.io/encoding/edn"

	"blueshift/internal/templating"
)

// Strategy selects the statement sequence used to ingest staged rows.
type Strategy string

const (
	StrategyMerge                       Strategy = "merge"
	StrategyDeleteNullHashMerge         Strategy = "delete-null-hash-merge"
	StrategyDeleteNullHashMergeCustomer Strategy = "delete-null-hash-merge-customer"
	StrategyReplace                     Strategy = "replace"
	StrategyAppend                      Strategy = "append"
	StrategyAdd                         Strategy = "add"
)

var strategies = map[Strategy]bool{
	StrategyMerge:                       true,
	StrategyDeleteNullHashMerge:         true,
	StrategyDeleteNullHashMergeCustomer: true,
	StrategyReplace:                     true,
	StrategyAppend:                      true,
	StrategyAdd:                         true,
}

// DefaultTimeoutMillis is the per-statement execution timeout applied when
// the descriptor carries no execute-opts.
const DefaultTimeoutMillis = 3_600_000

// StagingSelectMode distinguishes the recognized staging-select forms.
type StagingSelectMode string

const (
	SelectTemplate     StagingSelectMode = "template"
	SelectDistinct     StagingSelectMode = "distinct"
	SelectDistinctHash StagingSelectMode = "distinct-hash"
)

// StagingSelect overrides the SELECT body applied to the staging table
// before rows reach the target. A template form contains {{table}} which
// is substituted with the staging table name.
type StagingSelect struct {
	Mode     StagingSelectMode
	Template string
}

// ExecuteOpts carries statement-execution configuration.
type ExecuteOpts struct {
	TimeoutMillis int64 `edn:"timeout-millis"`
}

// Descriptor is the validated control record for one load directory.
type Descriptor struct {
	Table    string `edn:"table"`
	Schema   string `edn:"schema"`
	JDBCURL  string `edn:"jdbc-url"`
	Username string `edn:"username"`
	Password string `edn:"password"`

	Columns     []string `edn:"columns"`
	FullColumns []string `edn:"full-columns"`
	PKColumns   []string `edn:"pk-columns"`
	PKNulls     []string `edn:"pk-nulls"`

	DataPattern string      `edn:"data-pattern"`
	RawStrategy edn.Keyword `edn:"strategy"`
	Options     []string    `edn:"options"`

	RawStagingSelect               interface{} `edn:"staging-select"`
	DeleteNullHashMergeDataSources []string    `edn:"delete-null-hash-merge-data-sources"`

	AddStatus   bool     `edn:"add-status"`
	DataSources []string `edn:"data-sources"`

	ExecuteOpts ExecuteOpts `edn:"execute-opts"`

	// Derived during validation.
	Strategy      Strategy       `edn:"-"`
	DataRegexp    *regexp.Regexp `edn:"-"`
	StagingSelect *StagingSelect `edn:"-"`
}

// Parse decodes descriptor bytes and validates them.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := edn.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "decoding descriptor")
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Descriptor) validate() error {
	if d.Table == "" {
		return errors.New("descriptor: table is required")
	}
	if len(d.Columns) == 0 {
		return errors.New("descriptor: columns must not be empty")
	}
	if len(d.FullColumns) == 0 {
		d.FullColumns = d.Columns
	}
	if d.DataPattern == "" {
		return errors.New("descriptor: data-pattern is required")
	}
	re, err := regexp.Compile(d.DataPattern)
	if err != nil {
		return errors.Wrapf(err, "descriptor: data-pattern %q", d.DataPattern)
	}
	d.DataRegexp = re

	d.Strategy = StrategyMerge
	if d.RawStrategy != "" {
		d.Strategy = Strategy(d.RawStrategy)
	}
	if !strategies[d.Strategy] {
		return errors.Errorf("descriptor: unknown strategy %q", d.Strategy)
	}
	if d.Strategy.NeedsPK() && len(d.PKColumns) == 0 {
		return errors.Errorf("descriptor: strategy %s requires pk-columns", d.Strategy)
	}
	pks := map[string]bool{}
	for _, c := range d.PKColumns {
		pks[c] = true
	}
	for _, c := range d.PKNulls {
		if !pks[c] {
			return errors.Errorf("descriptor: pk-nulls column %q is not in pk-columns", c)
		}
	}

	sel, err := parseStagingSelect(d.RawStagingSelect)
	if err != nil {
		return err
	}
	d.StagingSelect = sel

	if d.ExecuteOpts.TimeoutMillis <= 0 {
		d.ExecuteOpts.TimeoutMillis = DefaultTimeoutMillis
	}
	return nil
}

// NeedsPK reports whether the strategy joins on primary-key columns.
func (s Strategy) NeedsPK() bool {
	switch s {
	case StrategyMerge, StrategyDeleteNullHashMerge, StrategyDeleteNullHashMergeCustomer, StrategyAppend:
		return true
	}
	return false
}

func parseStagingSelect(raw interface{}) (*StagingSelect, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if !strings.Contains(v, "{{table}}") {
			return nil, errors.Errorf("descriptor: staging-select template %q must reference {{table}}", v)
		}
		return &StagingSelect{Mode: SelectTemplate, Template: v}, nil
	case edn.Symbol:
		switch v {
		case "distinct":
			return &StagingSelect{Mode: SelectDistinct}, nil
		case "distinct-hash":
			return &StagingSelect{Mode: SelectDistinctHash}, nil
		}
		return nil, errors.Errorf("descriptor: unknown staging-select symbol %q", v)
	case edn.Keyword:
		// Accept :distinct / :distinct-hash for operator convenience.
		switch v {
		case "distinct":
			return &StagingSelect{Mode: SelectDistinct}, nil
		case "distinct-hash":
			return &StagingSelect{Mode: SelectDistinctHash}, nil
		}
		return nil, errors.Errorf("descriptor: unknown staging-select keyword %q", v)
	}
	return nil, errors.Errorf("descriptor: unsupported staging-select value %v", raw)
}

// QualifiedTable returns schema.table, or table alone when no schema is
// set.
func (d *Descriptor) QualifiedTable() string {
	if d.Schema != "" {
		return d.Schema + "." + d.Table
	}
	return d.Table
}

// Rendered returns a copy with {{ENV}} templating applied to the dynamic
// fields: table, schema, jdbc-url, username, password.
func (d *Descriptor) Rendered() *Descriptor {
	out := *d
	out.Table = templating.Render(d.Table)
	out.Schema = templating.Render(d.Schema)
	out.JDBCURL = templating.Render(d.JDBCURL)
	out.Username = templating.Render(d.Username)
	out.Password = templating.Render(d.Password)
	return &out
}
