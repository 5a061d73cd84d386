package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"blueshift/internal/metrics"
	"blueshift/internal/s3"
	"blueshift/internal/status"
)

// Spawner consumes newly discovered directories and runs one KeyWatcher
// per directory. Stopping the spawner stops every watcher it started.
type Spawner struct {
	store  s3.Store
	loader TableLoader
	marker status.Marker
	log    *slog.Logger

	poll   time.Duration
	jitter time.Duration

	dirs <-chan []string

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	watchers []*KeyWatcher
}

// NewSpawner wires the spawner to a directory channel, normally a
// BucketWatcher's.
func NewSpawner(store s3.Store, loader TableLoader, marker status.Marker, dirs <-chan []string, poll, jitter time.Duration, log *slog.Logger) *Spawner {
	return &Spawner{
		store:  store,
		loader: loader,
		marker: marker,
		log:    log,
		poll:   poll,
		jitter: jitter,
		dirs:   dirs,
		done:   make(chan struct{}),
	}
}

// Start launches the consume loop.
func (s *Spawner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop terminates the consume loop, then stops every spawned watcher.
func (s *Spawner) Stop() {
	s.cancel()
	<-s.done

	s.mu.Lock()
	watchers := append([]*KeyWatcher(nil), s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}

func (s *Spawner) loop(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case batch := <-s.dirs:
			for _, dir := range batch {
				s.spawn(dir)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Spawner) spawn(dir string) {
	s.log.Info("watching directory", "directory", dir)
	machine := NewMachine(s.store, s.loader, s.marker, dir, s.log)
	w := NewKeyWatcher(machine, dir, s.poll, s.jitter)
	w.Start()

	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	metrics.IncCounter(metrics.DirectoriesTotal, 1, nil)
}

// Snapshot reports each watched directory's current state tag, for the
// operator console.
func (s *Spawner) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.watchers))
	for _, w := range s.watchers {
		out[w.Dir()] = string(w.Current().Kind)
	}
	return out
}
