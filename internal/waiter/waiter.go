// Package waiter implements the wait-notify primitive the engine suspends
// on: register interest in correlation ids, get called back once when all of
// them are done.
package waiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Callback receives the results of every correlation id a wait was
// registered on. isError is true when any result is an error.
type Callback func(ctx context.Context, results map[string]any, isError bool)

// Waiter is the contract the engine consumes.
type Waiter interface {
	// WaitOn registers cb to run once every id is done. Ids completed before
	// the call count immediately. It returns the wait id.
	WaitOn(cb Callback, correlationIDs ...string) string
	// Delay completes a fresh correlation id with payload after d.
	Delay(d time.Duration, payload any) string
	// DoneWith completes a correlation id.
	DoneWith(correlationID string, result any)
}

type wait struct {
	id      string
	cb      Callback
	ids     []string
	pending map[string]struct{}
}

type doneEntry struct {
	result any
	at     time.Time
}

// MemoryWaiter is an in-process Waiter. Completed results are retained for a
// while so that a wait registered after its ids finished still fires.
type MemoryWaiter struct {
	logger    *slog.Logger
	retention time.Duration

	mu     sync.Mutex
	done   map[string]doneEntry
	waits  map[string]*wait
	byID   map[string]map[string]*wait
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// Option configures a MemoryWaiter.
type Option func(*MemoryWaiter)

// WithRetention sets how long completed results are kept for late waits.
func WithRetention(d time.Duration) Option {
	return func(w *MemoryWaiter) { w.retention = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *MemoryWaiter) { w.logger = l }
}

// New creates a MemoryWaiter.
func New(opts ...Option) *MemoryWaiter {
	w := &MemoryWaiter{
		logger:    slog.Default(),
		retention: time.Hour,
		done:      make(map[string]doneEntry),
		waits:     make(map[string]*wait),
		byID:      make(map[string]map[string]*wait),
		timers:    make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *MemoryWaiter) WaitOn(cb Callback, correlationIDs ...string) string {
	wt := &wait{
		id:      uuid.New().String(),
		cb:      cb,
		ids:     append([]string(nil), correlationIDs...),
		pending: make(map[string]struct{}, len(correlationIDs)),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return wt.id
	}
	for _, id := range correlationIDs {
		if _, ok := w.done[id]; ok {
			continue
		}
		wt.pending[id] = struct{}{}
	}
	if len(wt.pending) == 0 {
		w.fireLocked(wt)
		return wt.id
	}
	w.waits[wt.id] = wt
	for id := range wt.pending {
		if w.byID[id] == nil {
			w.byID[id] = make(map[string]*wait)
		}
		w.byID[id][wt.id] = wt
	}
	return wt.id
}

func (w *MemoryWaiter) Delay(d time.Duration, payload any) string {
	id := uuid.New().String()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return id
	}
	w.timers[id] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		w.DoneWith(id, payload)
	})
	return id
}

func (w *MemoryWaiter) DoneWith(correlationID string, result any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pruneLocked()
	w.done[correlationID] = doneEntry{result: result, at: time.Now()}

	for waitID, wt := range w.byID[correlationID] {
		delete(wt.pending, correlationID)
		if len(wt.pending) == 0 {
			delete(w.waits, waitID)
			w.fireLocked(wt)
		}
	}
	delete(w.byID, correlationID)
}

// Pending reports how many registered waits have not fired yet.
func (w *MemoryWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

// Close stops pending delays, drops registered waits and waits for running
// callbacks to return.
func (w *MemoryWaiter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.waits = nil
	w.byID = nil
	w.mu.Unlock()
	w.wg.Wait()
}

// fireLocked runs the callback on its own goroutine so a callback that
// registers new waits or completes ids never deadlocks on w.mu.
func (w *MemoryWaiter) fireLocked(wt *wait) {
	results := make(map[string]any, len(wt.ids))
	isError := false
	for _, id := range wt.ids {
		r := w.done[id].result
		results[id] = r
		if _, ok := r.(error); ok {
			isError = true
		}
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("waiter callback panicked", "wait_id", wt.id, "panic", r)
			}
		}()
		wt.cb(context.Background(), results, isError)
	}()
}

func (w *MemoryWaiter) pruneLocked() {
	if w.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.retention)
	for id, e := range w.done {
		if e.at.Before(cutoff) {
			delete(w.done, id)
		}
	}
}
