// Package activity folds broadcasting operations into one global summary.
package activity

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/broadcast"
	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

// GlobalActivity summarizes every tracked operation.
type GlobalActivity struct {
	// Percent is the mean progress of tracked operations that report a
	// percent, rounded half up. Nil when none do.
	Percent *int `json:"percent,omitempty"`

	// InProgressCount is the number of tracked operations that are running.
	InProgressCount int `json:"in_progress_count"`
}

// Equal reports whether two summaries are the same.
func (g GlobalActivity) Equal(other GlobalActivity) bool {
	if g.InProgressCount != other.InProgressCount {
		return false
	}
	if (g.Percent == nil) != (other.Percent == nil) {
		return false
	}
	return g.Percent == nil || *g.Percent == *other.Percent
}

// Idle reports whether nothing is being tracked as in progress.
func (g GlobalActivity) Idle() bool {
	return g.InProgressCount == 0 && g.Percent == nil
}

// Listener receives a summary each time it changes, with a version that
// increases with every change.
type Listener func(version uint64, activity GlobalActivity)

type listenerEntry struct {
	id       uint64
	listener Listener
}

// Aggregator keeps the latest snapshot of every broadcasting, non-terminated
// operation and derives GlobalActivity from them.
type Aggregator struct {
	mu         sync.RWMutex
	operations map[string]operation.Snapshot
	current    GlobalActivity
	version    uint64

	listenersMu sync.Mutex
	listeners   []listenerEntry
	nextID      uint64

	// notifyMu serializes deliveries; delivered is the last version handed
	// to listeners. A change overtaken by a newer one is not delivered.
	notifyMu  sync.Mutex
	delivered uint64

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the aggregator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.logger = logger.With().Str("component", "activity").Logger()
	}
}

// WithMetrics exports the summary as gauges.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator creates an empty aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		operations: make(map[string]operation.Snapshot),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Attach subscribes the aggregator to ch and returns the unsubscribe func.
func (a *Aggregator) Attach(ch *broadcast.Channel) func() {
	return ch.Subscribe(a.Observe, nil)
}

// Observe folds one broadcast event into the summary. A withdrawn event or
// a terminated snapshot drops the operation.
//
// Listeners are called on the observing goroutine, one at a time and in
// increasing version order. They must not call Observe.
func (a *Aggregator) Observe(event broadcast.Event) {
	snap := event.Snapshot

	a.mu.Lock()
	if event.Type == broadcast.EventWithdrawn || snap.IsTerminated() {
		delete(a.operations, snap.ID)
	} else {
		a.operations[snap.ID] = snap
	}

	next := a.compute()
	if next.Equal(a.current) {
		a.mu.Unlock()
		return
	}
	a.current = next
	a.version++
	version := a.version
	tracked := len(a.operations)

	a.mu.Unlock()

	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	if version <= a.delivered {
		return
	}
	a.delivered = version

	a.metrics.SetGlobalActivity(next.Percent, next.InProgressCount)
	a.logger.Debug().
		Uint64("version", version).
		Int("tracked", tracked).
		Int("in_progress", next.InProgressCount).
		Msg("Global activity changed")

	a.listenersMu.Lock()
	listeners := a.listeners
	a.listenersMu.Unlock()

	for _, entry := range listeners {
		entry.listener(version, copyActivity(next))
	}
}

// compute derives the summary. Must hold a.mu.
func (a *Aggregator) compute() GlobalActivity {
	var out GlobalActivity
	sum, n := 0, 0

	for _, snap := range a.operations {
		if snap.Properties.Status == operation.StatusRunning {
			out.InProgressCount++
		}
		if snap.Properties.Percent != nil {
			sum += *snap.Properties.Percent
			n++
		}
	}

	if n > 0 {
		mean := (2*sum + n) / (2 * n)
		out.Percent = &mean
	}
	return out
}

// Current returns the latest summary.
func (a *Aggregator) Current() GlobalActivity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return copyActivity(a.current)
}

// Version returns the number of changes observed so far.
func (a *Aggregator) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// Operations returns the tracked snapshots ordered by creation time, then ID.
func (a *Aggregator) Operations() []operation.Snapshot {
	a.mu.RLock()
	ops := make([]operation.Snapshot, 0, len(a.operations))
	for _, snap := range a.operations {
		ops = append(ops, snap)
	}
	a.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
	return ops
}

// OnChange registers listener and returns a func removing it.
func (a *Aggregator) OnChange(listener Listener) func() {
	a.listenersMu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners = append(a.listeners, listenerEntry{id: id, listener: listener})
	a.listenersMu.Unlock()

	return func() {
		a.listenersMu.Lock()
		defer a.listenersMu.Unlock()
		next := make([]listenerEntry, 0, len(a.listeners))
		for _, entry := range a.listeners {
			if entry.id != id {
				next = append(next, entry)
			}
		}
		a.listeners = next
	}
}

func copyActivity(g GlobalActivity) GlobalActivity {
	if g.Percent != nil {
		p := *g.Percent
		g.Percent = &p
	}
	return g
}
