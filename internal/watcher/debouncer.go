package watcher

import (
	"sync"
	"time"

	"apollonia/internal/constants"
)

// maxDelayFactor caps how long a path that keeps changing can be held back
const maxDelayFactor = 10

type pendingPath struct {
	eventType string
	first     time.Time
	timer     *time.Timer
	gen       uint64
}

// debouncer coalesces bursts of events for the same path into one
// dispatch. A created event wins over modified within a batch.
type debouncer struct {
	delay    time.Duration
	maxDelay time.Duration
	emit     func(path, eventType string)

	mu      sync.Mutex
	pending map[string]*pendingPath
	closed  bool
	wg      sync.WaitGroup
}

func newDebouncer(delay time.Duration, emit func(path, eventType string)) *debouncer {
	return &debouncer{
		delay:    delay,
		maxDelay: delay * maxDelayFactor,
		emit:     emit,
		pending:  make(map[string]*pendingPath),
	}
}

// Add records an event for path. With no delay the event is emitted
// synchronously.
func (d *debouncer) Add(path, eventType string) {
	if d.delay <= 0 {
		d.emit(path, eventType)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	p, ok := d.pending[path]
	if !ok {
		p = &pendingPath{eventType: eventType, first: time.Now()}
		d.pending[path] = p
	} else if eventType == constants.EventCreated {
		p.eventType = constants.EventCreated
	}

	wait := d.delay
	if remaining := d.maxDelay - time.Since(p.first); remaining < wait {
		wait = max(remaining, 0)
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(wait, func() { d.fire(path, gen) })
}

func (d *debouncer) fire(path string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if d.closed || !ok || p.gen != gen {
		d.mu.Unlock()
		return
	}
	delete(d.pending, path)
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	d.emit(path, p.eventType)
}

// Len reports how many paths are waiting
func (d *debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops all timers, waits for emits already underway and returns
// the number of paths that were dropped without being emitted.
func (d *debouncer) Close() int {
	d.mu.Lock()
	d.closed = true
	dropped := len(d.pending)
	for path, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.pending, path)
	}
	d.mu.Unlock()

	d.wg.Wait()
	return dropped
}
