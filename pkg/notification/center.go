// Package notification is the surface that shows short messages about
// operations in a panel, an overlay, or both.
package notification

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

type entry struct {
	msg   Message
	timer *time.Timer
}

type subscriberEntry struct {
	id      uint64
	target  Target
	handler func(Event)
}

type delivery struct {
	subscribers []subscriberEntry
	event       Event
}

// Center holds the active messages and notifies subscribers of changes.
// It is safe for concurrent use.
//
// Events reach subscribers one at a time and in the order the changes were
// made, so a message's shown event always precedes its dismissed event.
// Handlers may call back into the Center; events caused by such calls are
// delivered after the current one returns.
type Center struct {
	mu          sync.Mutex
	active      map[string]*entry
	subscribers []subscriberEntry
	nextID      uint64
	closed      bool

	// pending is appended under mu in change order and drained by one
	// goroutine at a time.
	pending    []delivery
	delivering bool

	defaultDuration time.Duration
	now             func() time.Time
	logger          zerolog.Logger
	metrics         *telemetry.Metrics
}

// Option configures a Center.
type Option func(*Center)

// WithLogger sets the center logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Center) {
		c.logger = logger.With().Str("component", "notification").Logger()
	}
}

// WithMetrics records shown and dismissed messages.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Center) { c.metrics = m }
}

// WithDefaultDuration sets the duration of timeout messages that specify
// none. The default is operation.DefaultNotificationDuration.
func WithDefaultDuration(d time.Duration) Option {
	return func(c *Center) { c.defaultDuration = d }
}

// WithClock overrides the time source used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Center) { c.now = now }
}

// NewCenter creates an empty notification center.
func NewCenter(opts ...Option) *Center {
	c := &Center{
		active:          make(map[string]*entry),
		defaultDuration: operation.DefaultNotificationDuration,
		now:             time.Now,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Show displays msg and returns its ID. Missing fields default to a new
// UUID, the panel target, timeout dismissal, the default duration and info
// severity. Showing an ID that is already active replaces that message.
// Show does nothing and returns "" after Close.
func (c *Center) Show(msg Message) string {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Target == 0 {
		msg.Target = TargetPanel
	}
	if msg.Dismiss == "" {
		msg.Dismiss = DismissTimeout
	}
	if msg.Dismiss == DismissTimeout && msg.Duration <= 0 {
		msg.Duration = c.defaultDuration
	}
	if msg.Severity == "" {
		msg.Severity = operation.SeverityInfo
	}
	msg.Actions = append([]operation.Action(nil), msg.Actions...)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ""
	}
	msg.CreatedAt = c.now()

	var replaced *entry
	if old, ok := c.active[msg.ID]; ok {
		replaced = old
		if old.timer != nil {
			old.timer.Stop()
		}
	}

	e := &entry{msg: msg}
	c.active[msg.ID] = e
	if msg.Dismiss == DismissTimeout {
		id := msg.ID
		e.timer = time.AfterFunc(msg.Duration, func() {
			c.dismissEntry(id, e, ReasonTimeout)
		})
	}
	if replaced != nil {
		c.enqueue(Event{Type: EventDismissed, Message: replaced.msg, Reason: ReasonReplaced})
	}
	c.enqueue(Event{Type: EventShown, Message: msg})
	c.mu.Unlock()

	if replaced != nil {
		c.metrics.RecordNotificationDismissed(string(ReasonReplaced))
		c.logger.Debug().Str("id", msg.ID).Str("reason", string(ReasonReplaced)).Msg("Notification dismissed")
	}
	c.metrics.RecordNotificationShown(string(msg.Severity))
	c.logger.Debug().
		Str("id", msg.ID).
		Str("target", msg.Target.String()).
		Str("severity", string(msg.Severity)).
		Str("dismiss", string(msg.Dismiss)).
		Msg("Notification shown")

	c.drain()
	return msg.ID
}

// ShowOperation displays an operation notification on target. A
// notification without a positive duration waits for the user.
func (c *Center) ShowOperation(n operation.Notification, target Target) string {
	msg := Message{
		ID:       n.ID,
		Title:    n.Properties.Title,
		Text:     n.Properties.Message,
		Severity: n.Properties.Severity,
		Target:   target,
		Dismiss:  DismissTimeout,
		Duration: n.Duration,
		Actions:  n.Properties.Actions,
	}
	if n.Duration <= 0 {
		msg.Dismiss = DismissUser
	}
	return c.Show(msg)
}

// Dismiss removes an active message. It reports whether the message was
// active.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	e, ok := c.active[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	return c.dismissEntry(id, e, ReasonUser)
}

// dismissEntry removes e if it is still the active entry for id, so a late
// timer cannot remove a message that replaced it.
func (c *Center) dismissEntry(id string, e *entry, reason DismissReason) bool {
	c.mu.Lock()
	if cur, ok := c.active[id]; !ok || cur != e {
		c.mu.Unlock()
		return false
	}
	delete(c.active, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	c.enqueue(Event{Type: EventDismissed, Message: e.msg, Reason: reason})
	c.mu.Unlock()

	c.metrics.RecordNotificationDismissed(string(reason))
	c.logger.Debug().Str("id", id).Str("reason", string(reason)).Msg("Notification dismissed")

	c.drain()
	return true
}

// Active returns the active messages delivered to target, oldest first.
func (c *Center) Active(target Target) []Message {
	c.mu.Lock()
	msgs := make([]Message, 0, len(c.active))
	for _, e := range c.active {
		if e.msg.Target.Has(target) {
			msgs = append(msgs, e.msg)
		}
	}
	c.mu.Unlock()

	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// Subscribe registers handler for events of messages delivered to target.
// The returned function removes the subscription.
func (c *Center) Subscribe(target Target, handler func(Event)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subscribers = append(c.subscribers, subscriberEntry{id: id, target: target, handler: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			next := make([]subscriberEntry, 0, len(c.subscribers))
			for _, s := range c.subscribers {
				if s.id != id {
					next = append(next, s)
				}
			}
			c.subscribers = next
		})
	}
}

// Close dismisses every active message with ReasonClosed and stops all
// timers. Later calls to Show are ignored.
func (c *Center) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := make([]*entry, 0, len(c.active))
	for _, e := range c.active {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].msg.CreatedAt.Before(entries[j].msg.CreatedAt)
	})
	for _, e := range entries {
		c.dismissEntry(e.msg.ID, e, ReasonClosed)
	}
}

// enqueue records event for the current subscribers. Must hold c.mu.
func (c *Center) enqueue(event Event) {
	c.pending = append(c.pending, delivery{subscribers: c.subscribers, event: event})
}

// drain delivers pending events unless another call is already delivering,
// in which case that call picks them up.
func (c *Center) drain() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	defer func() {
		c.delivering = false
		c.mu.Unlock()
	}()

	for len(c.pending) > 0 {
		next := c.pending[0]
		c.pending[0] = delivery{}
		c.pending = c.pending[1:]

		func() {
			c.mu.Unlock()
			defer c.mu.Lock()
			c.emit(next.subscribers, next.event)
		}()
	}
}

func (c *Center) emit(subscribers []subscriberEntry, event Event) {
	for _, s := range subscribers {
		if s.target.Has(event.Message.Target) {
			s.handler(event)
		}
	}
}
