// Package watcher drives ingestion: a BucketWatcher discovers load
// directories, a spawner starts one KeyWatcher per directory, and each
// KeyWatcher runs its directory's load state machine.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"strings"
	"time"

	"blueshift/internal/descriptor"
	"blueshift/internal/metrics"
	"blueshift/internal/s3"
	"blueshift/internal/status"
	"blueshift/internal/warehouse"
)

// Kind tags the load-cycle state union.
type Kind string

const (
	StateScan         Kind = "scan"
	StateLoad         Kind = "load"
	StateDelete       Kind = "delete"
	StateSTLLoadError Kind = "stl-load-error"
)

// State is one directory's position in its load cycle. Pause tells the
// enclosing watcher to sleep one poll interval before re-entering.
type State struct {
	Kind       Kind
	Pause      bool
	Descriptor *descriptor.Descriptor
	Files      []string
}

func scanState() State {
	return State{Kind: StateScan, Pause: true}
}

// TableLoader is the warehouse surface the state machine drives.
// *warehouse.Loader implements it.
type TableLoader interface {
	LoadTable(ctx context.Context, d *descriptor.Descriptor, manifestURL string) error
	QueryLoadErrors(ctx context.Context, d *descriptor.Descriptor, fileURLs []string) ([]warehouse.LoadError, error)
}

// Machine advances one directory through scan/load/delete/stl-load-error.
// It is owned and driven by exactly one KeyWatcher.
type Machine struct {
	store  s3.Store
	loader TableLoader
	marker status.Marker // nil disables lifecycle stamping
	dir    string
	log    *slog.Logger

	// now is a seam for the dated errors/ prefix.
	now func() time.Time
}

// NewMachine builds a state machine for one load directory.
func NewMachine(store s3.Store, loader TableLoader, marker status.Marker, dir string, log *slog.Logger) *Machine {
	return &Machine{
		store:  store,
		loader: loader,
		marker: marker,
		dir:    dir,
		log:    log.With("bucket", store.Bucket(), "directory", dir),
		now:    time.Now,
	}
}

// Step advances the machine by one transition.
func (m *Machine) Step(ctx context.Context, st State) State {
	switch st.Kind {
	case StateScan:
		return m.scan(ctx)
	case StateLoad:
		return m.load(ctx, st)
	case StateDelete:
		return m.deleteFiles(ctx, st)
	case StateSTLLoadError:
		return m.moveLoadErrors(ctx, st)
	}
	m.log.Error("unknown state", "kind", st.Kind)
	return scanState()
}

// scan looks for a descriptor plus matching data files. A directory with
// no descriptor or no data is idle, not broken.
func (m *Machine) scan(ctx context.Context) State {
	keys, err := m.store.ListKeys(ctx, m.dir)
	if err != nil {
		m.log.Warn("listing directory failed", "error", err)
		return scanState()
	}

	var manifestKey string
	for _, k := range keys {
		if strings.HasSuffix(k, "manifest.edn") {
			manifestKey = k
			break
		}
	}
	if manifestKey == "" {
		return scanState()
	}

	raw, err := m.store.Get(ctx, manifestKey)
	if err != nil {
		m.log.Warn("reading descriptor failed", "key", manifestKey, "error", err)
		return scanState()
	}
	d, err := descriptor.Parse(raw)
	if err != nil {
		m.log.Error("invalid descriptor", "key", manifestKey, "error", err)
		return scanState()
	}

	var files []string
	for _, k := range keys {
		if k == manifestKey {
			continue
		}
		if d.DataRegexp.MatchString(k) {
			files = append(files, k)
		}
	}
	if len(files) == 0 {
		return scanState()
	}

	// merge loads one file per cycle; remaining files wait for the next
	// scan.
	if d.Strategy == descriptor.StrategyMerge {
		files = files[:1]
	}

	return State{Kind: StateLoad, Descriptor: d, Files: files}
}

// load uploads the COPY manifest, runs the strategy loader and classifies
// the outcome.
func (m *Machine) load(ctx context.Context, st State) State {
	d := st.Descriptor

	ref, err := s3.PutManifest(ctx, m.store, s3.BuildCopyManifest(m.store.Bucket(), st.Files))
	if err != nil {
		m.log.Error("uploading copy manifest failed", "error", err)
		return scanState()
	}

	m.stamp(ctx, d, st.Files, status.Processing)

	err = m.loader.LoadTable(ctx, d, ref.URL)
	if err == nil {
		m.deleteManifest(ctx, ref)
		m.stamp(ctx, d, st.Files, status.Upserted)
		return State{Kind: StateDelete, Pause: true, Descriptor: d, Files: st.Files}
	}

	m.stamp(ctx, d, st.Files, status.Failed)
	stl := strings.Contains(err.Error(), "stl_load_errors")

	switch classifyLoadError(err) {
	case loadErrSQL:
		m.log.Error("load failed", "table", d.QualifiedTable(), "error", err)
		m.deleteManifest(ctx, ref)
	case loadErrTimeout:
		// The statement may still be cancelling warehouse-side; the copy
		// manifest object is intentionally left in place.
		m.log.Error("load timed out", "table", d.QualifiedTable(), "error", err)
	default:
		m.log.Error("load failed", "table", d.QualifiedTable(), "error", err)
	}

	if stl {
		return State{Kind: StateSTLLoadError, Pause: true, Descriptor: d, Files: st.Files}
	}
	return scanState()
}

type loadErrKind int

const (
	loadErrOther loadErrKind = iota
	loadErrSQL
	loadErrTimeout
)

func classifyLoadError(err error) loadErrKind {
	var te *warehouse.TimeoutError
	if errors.As(err, &te) {
		return loadErrTimeout
	}
	var se *warehouse.StatementError
	if errors.As(err, &se) {
		return loadErrSQL
	}
	return loadErrOther
}

// deleteFiles is the post-load cleanup: best-effort deletion of the data
// files.
func (m *Machine) deleteFiles(ctx context.Context, st State) State {
	for _, f := range st.Files {
		if err := m.store.Delete(ctx, f); err != nil {
			m.log.Warn("deleting data file failed", "key", f, "error", err)
			continue
		}
		metrics.IncCounter(metrics.FilesDeleted, 1, nil)
	}
	return scanState()
}

// moveLoadErrors relocates files named by the warehouse's load-error
// table to a dated errors/ prefix so the next scan does not retry them.
func (m *Machine) moveLoadErrors(ctx context.Context, st State) State {
	urls := make([]string, len(st.Files))
	for i, f := range st.Files {
		urls[i] = s3.URL(m.store.Bucket(), f)
	}

	loadErrors, err := m.loader.QueryLoadErrors(ctx, st.Descriptor, urls)
	if err != nil {
		m.log.Error("querying stl_load_errors failed", "error", err)
		return scanState()
	}

	datePrefix := "errors/" + m.now().Format("2006-01-02") + "/"
	bucketPrefix := "s3://" + m.store.Bucket() + "/"

	for _, le := range loadErrors {
		srcKey := strings.TrimPrefix(le.Filename, bucketPrefix)
		dstKey := datePrefix + path.Base(srcKey)

		exists, err := m.store.Exists(ctx, srcKey)
		if err != nil {
			m.log.Warn("checking failed file", "key", srcKey, "error", err)
			continue
		}
		if !exists {
			continue
		}
		if err := m.store.Copy(ctx, srcKey, dstKey); err != nil {
			m.log.Warn("copying failed file", "key", srcKey, "error", err)
			continue
		}
		if err := m.store.Delete(ctx, srcKey); err != nil {
			m.log.Warn("deleting failed file", "key", srcKey, "error", err)
			continue
		}
		m.log.Error("data file rejected by warehouse",
			"key", srcKey,
			"moved_to", dstKey,
			"query", le.Query,
			"line", le.LineNumber,
			"column", le.ColName,
			"reason", le.Reason)
	}
	return scanState()
}

func (m *Machine) deleteManifest(ctx context.Context, ref s3.ManifestRef) {
	if err := m.store.Delete(ctx, ref.Key); err != nil {
		m.log.Warn("deleting copy manifest failed", "key", ref.Key, "error", err)
	}
}

func (m *Machine) stamp(ctx context.Context, d *descriptor.Descriptor, files []string, st status.Status) {
	if m.marker == nil || !d.AddStatus {
		return
	}
	for _, f := range files {
		if err := m.marker.Mark(ctx, f, st); err != nil {
			m.log.Warn("stamping status failed", "file", f, "status", string(st), "error", err)
		}
	}
}
