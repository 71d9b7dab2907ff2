package broadcast

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

// EventType identifies what happened to a broadcast operation.
type EventType string

const (
	// EventSnapshot carries a new snapshot of a broadcasting operation.
	EventSnapshot EventType = "snapshot"

	// EventWithdrawn signals that an operation stopped broadcasting.
	// The snapshot is the last one the operation held.
	EventWithdrawn EventType = "withdrawn"
)

// Validate checks if the event type is valid.
func (t EventType) Validate() error {
	switch t {
	case EventSnapshot, EventWithdrawn:
		return nil
	default:
		return fmt.Errorf("invalid event type: %s", t)
	}
}

// Event is a single broadcast delivery.
type Event struct {
	Type        EventType          `json:"type"`
	Snapshot    operation.Snapshot `json:"snapshot"`
	PublishedAt time.Time          `json:"published_at"`
}

// Subscriber handles broadcast events.
type Subscriber func(event Event)

// Filter determines if an event should be delivered to a subscriber.
type Filter func(event Event) bool

type subscriberEntry struct {
	id         uint64
	subscriber Subscriber
	filter     Filter
}

// Channel delivers operation snapshots to subscribers. It implements
// operation.Publisher. The zero value is not usable; use NewChannel.
type Channel struct {
	mu          sync.RWMutex
	subscribers []subscriberEntry
	nextID      uint64

	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the channel logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.logger = logger.With().Str("component", "broadcast").Logger()
	}
}

// WithMetrics sets the metrics sink for deliveries and subscriber counts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithClock overrides the time source used for PublishedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// NewChannel creates an empty broadcast channel.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ operation.Publisher = (*Channel)(nil)

// Publish delivers a snapshot event.
func (c *Channel) Publish(snapshot operation.Snapshot) {
	c.deliver(Event{Type: EventSnapshot, Snapshot: snapshot, PublishedAt: c.now()})
}

// Withdraw delivers a withdrawn event.
func (c *Channel) Withdraw(snapshot operation.Snapshot) {
	c.deliver(Event{Type: EventWithdrawn, Snapshot: snapshot, PublishedAt: c.now()})
}

// Subscribe registers subscriber for events passing filter (nil accepts
// everything). The returned function removes the subscription; calling it
// more than once is harmless.
//
// A subscriber added during a delivery starts receiving with the next event.
func (c *Channel) Subscribe(subscriber Subscriber, filter Filter) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers = append(c.subscribers, subscriberEntry{
		id:         id,
		subscriber: subscriber,
		filter:     filter,
	})
	count := len(c.subscribers)
	c.mu.Unlock()

	c.metrics.SetBroadcastSubscribers(float64(count))

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(id) })
	}
}

// Len returns the number of current subscribers.
func (c *Channel) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscribers)
}

func (c *Channel) unsubscribe(id uint64) {
	c.mu.Lock()
	// Copy on write: deliveries in flight keep iterating their own slice.
	next := make([]subscriberEntry, 0, len(c.subscribers))
	for _, entry := range c.subscribers {
		if entry.id != id {
			next = append(next, entry)
		}
	}
	c.subscribers = next
	count := len(next)
	c.mu.Unlock()

	c.metrics.SetBroadcastSubscribers(float64(count))
}

// deliver calls every matching subscriber outside the lock so subscribers
// may subscribe or unsubscribe from within a callback.
func (c *Channel) deliver(event Event) {
	c.mu.RLock()
	subscribers := c.subscribers
	c.mu.RUnlock()

	c.logger.Trace().
		Str("event", string(event.Type)).
		Str("operation_id", event.Snapshot.ID).
		Int("subscribers", len(subscribers)).
		Msg("Delivering broadcast event")

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
		c.metrics.RecordBroadcastDelivery(string(event.Type))
	}
}

// Common event filters.

// FilterByOperationID only allows events of the given operations.
func FilterByOperationID(ids ...string) Filter {
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	return func(event Event) bool {
		return idSet[event.Snapshot.ID]
	}
}

// FilterByType only allows events of the given types.
func FilterByType(types ...EventType) Filter {
	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySeverity only allows snapshots at or above the given severity
// rank (info and success rank lowest, then warning, then error).
func FilterBySeverity(min operation.Severity) Filter {
	return func(event Event) bool {
		return event.Snapshot.Properties.Severity.Rank() >= min.Rank()
	}
}

// FilterActive only allows snapshot events of operations that have not
// terminated.
func FilterActive() Filter {
	return func(event Event) bool {
		return event.Type == EventSnapshot && !event.Snapshot.IsTerminated()
	}
}

// All combines filters; an event must pass every one of them.
func All(filters ...Filter) Filter {
	return func(event Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
