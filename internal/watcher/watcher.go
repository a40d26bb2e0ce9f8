// Package watcher turns filesystem activity under the configured roots
// into published file events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"apollonia/internal/constants"
	"apollonia/internal/event"
	"apollonia/internal/prospector"
	"apollonia/pkg/config"
	apperrors "apollonia/pkg/errors"
	"apollonia/pkg/logger"
)

// Publisher delivers an envelope to the broker
type Publisher interface {
	Publish(ctx context.Context, msg *event.Message) error
}

// Config controls what is watched and how hard the watcher works
type Config struct {
	Roots          []string
	Recursive      bool
	RelevantOnly   bool
	Workers        int
	QueueCapacity  int
	Debounce       time.Duration
	HashTimeout    time.Duration
	PublishTimeout time.Duration
}

// ConfigFrom extracts the watcher settings from the process configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Roots:          cfg.WatchRoots,
		Recursive:      cfg.WatchRecursive,
		RelevantOnly:   cfg.WatchRelevantOnly,
		Workers:        cfg.WatchWorkers,
		QueueCapacity:  cfg.WatchQueueCapacity,
		Debounce:       cfg.WatchDebounce,
		HashTimeout:    cfg.HashTimeout,
		PublishTimeout: cfg.PublishTimeout,
	}
}

// Stats is a snapshot of the watcher counters
type Stats struct {
	Seen            int64 `json:"events_seen"`
	Dispatched      int64 `json:"dispatched"`
	Published       int64 `json:"published"`
	PublishFailures int64 `json:"publish_failures"`
	Skipped         int64 `json:"skipped"`
	Discarded       int64 `json:"discarded"`
}

type job struct {
	path      string
	eventType string
}

// Watcher observes the roots and publishes one envelope per qualifying
// file event.
type Watcher struct {
	cfg        Config
	prospector *prospector.Prospector
	publisher  Publisher
	logger     *zap.Logger
	ready      chan struct{}

	seen       atomic.Int64
	dispatched atomic.Int64
	published  atomic.Int64
	failed     atomic.Int64
	skipped    atomic.Int64
	discarded  atomic.Int64
}

// New creates a watcher publishing through pub
func New(cfg Config, pub Publisher, log *zap.Logger) *Watcher {
	log = logger.OrDefault(log)
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	return &Watcher{
		cfg:        cfg,
		prospector: prospector.New(log),
		publisher:  pub,
		logger:     log,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once every root is being watched
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Stats returns the current counters
func (w *Watcher) Stats() Stats {
	return Stats{
		Seen:            w.seen.Load(),
		Dispatched:      w.dispatched.Load(),
		Published:       w.published.Load(),
		PublishFailures: w.failed.Load(),
		Skipped:         w.skipped.Load(),
		Discarded:       w.discarded.Load(),
	}
}

// Run watches until ctx is cancelled. Jobs already being processed run
// to completion; queued jobs are discarded.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	for _, root := range w.cfg.Roots {
		if err := os.MkdirAll(root, 0o755); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to create watch root %s: %w", root, err)
		}
		if err := w.addWatches(fsw, root); err != nil {
			fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	jobs := make(chan job, w.cfg.QueueCapacity)
	workers := pool.New().WithMaxGoroutines(w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		workers.Go(func() { w.work(ctx, jobs) })
	}

	deb := newDebouncer(w.cfg.Debounce, func(path, eventType string) {
		w.enqueue(ctx, jobs, job{path: path, eventType: eventType})
	})

	w.logger.Info("Watching",
		zap.Strings("roots", w.cfg.Roots),
		zap.Bool("recursive", w.cfg.Recursive),
		zap.Bool("relevant_only", w.cfg.RelevantOnly),
		zap.Int("workers", w.cfg.Workers),
	)
	close(w.ready)

	var runErr error
	errs := fsw.Errors
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-fsw.Events:
			if !ok {
				runErr = errors.New("fsnotify event stream closed")
				break loop
			}
			w.handle(fsw, deb, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}

	if err := fsw.Close(); err != nil {
		w.logger.Warn("Error closing fsnotify watcher", zap.Error(err))
	}
	w.discarded.Add(int64(deb.Close()))
	close(jobs)
	workers.Wait()

	stats := w.Stats()
	w.logger.Info("Watcher stopped",
		zap.Int64("published", stats.Published),
		zap.Int64("publish_failures", stats.PublishFailures),
		zap.Int64("discarded", stats.Discarded),
	)
	return runErr
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, deb *debouncer, ev fsnotify.Event) {
	var eventType string
	switch {
	case ev.Has(fsnotify.Create):
		eventType = constants.EventCreated
	case ev.Has(fsnotify.Write):
		eventType = constants.EventModified
	default:
		return
	}
	w.seen.Add(1)

	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		w.skipped.Add(1)
		if eventType == constants.EventCreated && w.cfg.Recursive {
			if err := w.addWatches(fsw, ev.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
				return
			}
			w.dispatchExisting(ev.Name, deb)
		}
		return
	}

	if !w.admit(ev.Name) {
		return
	}
	deb.Add(ev.Name, eventType)
}

func (w *Watcher) admit(path string) bool {
	if w.cfg.RelevantOnly && !prospector.IsRelevant(path) {
		w.skipped.Add(1)
		w.logger.Debug("Skipping non-media file", zap.String("path", path))
		return false
	}
	return true
}

// dispatchExisting covers files written into a new directory before its
// watch was in place.
func (w *Watcher) dispatchExisting(dir string, deb *debouncer) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if w.admit(path) {
			deb.Add(path, constants.EventCreated)
		}
		return nil
	})
}

func (w *Watcher) addWatches(fsw *fsnotify.Watcher, root string) error {
	if !w.cfg.Recursive {
		return fsw.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("Failed to read directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fsw.Add(path); err != nil {
			if path == root {
				return err
			}
			w.logger.Warn("Failed to add subdirectory to watcher", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// enqueue blocks while the queue is full, so a slow broker throttles
// dispatch instead of growing memory.
func (w *Watcher) enqueue(stop context.Context, jobs chan<- job, j job) {
	select {
	case jobs <- j:
		w.dispatched.Add(1)
	case <-stop.Done():
		w.discarded.Add(1)
	}
}

func (w *Watcher) work(stop context.Context, jobs <-chan job) {
	for j := range jobs {
		if stop.Err() != nil {
			w.discarded.Add(1)
			continue
		}
		w.process(context.WithoutCancel(stop), j)
	}
}

func (w *Watcher) process(ctx context.Context, j job) {
	hashCtx, cancel := withTimeout(ctx, w.cfg.HashTimeout)
	rec := w.prospector.Prospect(hashCtx, j.path)
	cancel()

	rec.EventType = j.eventType
	msg := event.FromRecord(rec, prospector.Classify(rec.Path))

	pubCtx, cancel := withTimeout(ctx, w.cfg.PublishTimeout)
	defer cancel()

	if err := w.publisher.Publish(pubCtx, msg); err != nil {
		if errors.Is(pubCtx.Err(), context.DeadlineExceeded) {
			err = apperrors.NewContextTimeout("publish", w.cfg.PublishTimeout, err)
		}
		w.failed.Add(1)
		w.logger.Error("Failed to publish file event",
			zap.String("path", msg.FilePath),
			zap.String("hash_prefix", msg.HashPrefix()),
			zap.String("routing_key", msg.RoutingKey()),
			zap.Error(err),
		)
		return
	}

	w.published.Add(1)
	w.logger.Info("Published file event",
		zap.String("path", msg.FilePath),
		zap.String("hash_prefix", msg.HashPrefix()),
		zap.String("routing_key", msg.RoutingKey()),
		zap.Int("neighbors", len(msg.Neighbors)),
	)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
