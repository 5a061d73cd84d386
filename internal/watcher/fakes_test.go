package watcher

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"blueshift/internal/descriptor"
	"blueshift/internal/s3"
	"blueshift/internal/status"
	"blueshift/internal/warehouse"
)

// fakeStore is an in-memory s3.Store.
type fakeStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte

	failDelete map[string]bool
	listErr    error
}

func newFakeStore(bucket string) *fakeStore {
	return &fakeStore{
		bucket:     bucket,
		objects:    map[string][]byte{},
		failDelete: map[string]bool{},
	}
}

func (f *fakeStore) put(key, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte(body)
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *fakeStore) manifestKeys() []string {
	var out []string
	for _, k := range f.keys() {
		if strings.HasSuffix(k, ".manifest") {
			out = append(out, k)
		}
	}
	return out
}

func (f *fakeStore) Bucket() string { return f.bucket }

func (f *fakeStore) ListDirectories(context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	seen := map[string]bool{}
	var dirs []string
	for _, k := range f.keys() {
		if i := strings.LastIndex(k, "/"); i >= 0 {
			d := k[:i+1]
			if !seen[d] {
				seen[d] = true
				dirs = append(dirs, d)
			}
		}
	}
	return dirs, nil
}

func (f *fakeStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []string
	for _, k := range f.keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.Errorf("no such key %s", key)
	}
	return body, nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete[key] {
		return errors.Errorf("delete refused for %s", key)
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) Copy(_ context.Context, srcKey, dstKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[srcKey]
	if !ok {
		return errors.Errorf("no such key %s", srcKey)
	}
	f.objects[dstKey] = append([]byte(nil), body...)
	return nil
}

func (f *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	return f.has(key), nil
}

var _ s3.Store = (*fakeStore)(nil)

// fakeLoader records LoadTable calls and returns scripted outcomes.
type fakeLoader struct {
	mu sync.Mutex

	loadErr    error
	loadCalls  []loadCall
	loadErrors []warehouse.LoadError
	queryErr   error
}

type loadCall struct {
	table       string
	strategy    descriptor.Strategy
	manifestURL string
}

func (f *fakeLoader) LoadTable(_ context.Context, d *descriptor.Descriptor, manifestURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls = append(f.loadCalls, loadCall{
		table:       d.QualifiedTable(),
		strategy:    d.Strategy,
		manifestURL: manifestURL,
	})
	return f.loadErr
}

func (f *fakeLoader) QueryLoadErrors(context.Context, *descriptor.Descriptor, []string) ([]warehouse.LoadError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadErrors, f.queryErr
}

func (f *fakeLoader) calls() []loadCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]loadCall(nil), f.loadCalls...)
}

// fakeMarker records status stamps.
type fakeMarker struct {
	mu     sync.Mutex
	stamps map[string][]status.Status
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{stamps: map[string][]status.Status{}}
}

func (f *fakeMarker) Mark(_ context.Context, filename string, s status.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stamps[filename] = append(f.stamps[filename], s)
	return nil
}

func (f *fakeMarker) history(filename string) []status.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]status.Status(nil), f.stamps[filename]...)
}
