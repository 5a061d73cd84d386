package watcher

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"blueshift/internal/s3"
)

// BucketWatcher polls the bucket for leaf directories matching the key
// pattern and emits each newly appeared set on an unbuffered channel.
// Known directories are retained for the watcher's lifetime; directories
// that later disappear are not forgotten and their KeyWatchers are never
// reaped.
type BucketWatcher struct {
	store   s3.Store
	pattern *regexp.Regexp
	poll    time.Duration
	out     chan []string
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	seen map[string]bool
}

// NewBucketWatcher builds a watcher emitting on an unbuffered channel;
// the consumer must be running before Start.
func NewBucketWatcher(store s3.Store, pattern *regexp.Regexp, poll time.Duration, log *slog.Logger) *BucketWatcher {
	return &BucketWatcher{
		store:   store,
		pattern: pattern,
		poll:    poll,
		out:     make(chan []string),
		log:     log.With("bucket", store.Bucket()),
		done:    make(chan struct{}),
		seen:    map[string]bool{},
	}
}

// Directories is the channel of newly discovered directory batches.
func (b *BucketWatcher) Directories() <-chan []string {
	return b.out
}

// Start launches the poll loop.
func (b *BucketWatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.loop(ctx)
}

// Stop terminates the loop and waits for it to exit.
func (b *BucketWatcher) Stop() {
	b.cancel()
	<-b.done
}

func (b *BucketWatcher) loop(ctx context.Context) {
	defer close(b.done)

	for {
		if fresh := b.scan(ctx); len(fresh) > 0 {
			select {
			case b.out <- fresh:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-time.After(b.poll):
		case <-ctx.Done():
			return
		}
	}
}

// scan returns matching leaf directories not seen before, sorted
// lexically.
func (b *BucketWatcher) scan(ctx context.Context) []string {
	dirs, err := b.store.ListDirectories(ctx)
	if err != nil {
		b.log.Warn("listing bucket failed", "error", err)
		return nil
	}

	var fresh []string
	for _, d := range dirs {
		if !b.pattern.MatchString(d) {
			continue
		}
		if b.seen[d] {
			continue
		}
		b.seen[d] = true
		fresh = append(fresh, d)
	}
	sort.Strings(fresh)
	return fresh
}
