package operation

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Publisher receives the snapshots of broadcasting operations.
//
// Publish is called for every snapshot produced while broadcasting is
// active. Withdraw is called once when broadcasting stops, with the last
// snapshot. Both are called while the producing context holds its lock, so
// implementations must not call back into transition methods of the same
// context.
type Publisher interface {
	Publish(snapshot Snapshot)
	Withdraw(snapshot Snapshot)
}

// Context is the single source of truth for one operation's snapshot.
//
// All transitions on a Context are serialized; transitions on different
// contexts never block each other. CurrentSnapshot never blocks.
type Context struct {
	mu           sync.Mutex
	current      atomic.Pointer[Snapshot]
	broadcasting atomic.Bool

	publisher Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Context.
type Option func(*contextOptions)

type contextOptions struct {
	id         string
	publisher  Publisher
	now        func() time.Time
	logger     zerolog.Logger
	properties *Properties
}

// WithID sets the operation ID instead of a generated UUID.
func WithID(id string) Option {
	return func(o *contextOptions) { o.id = id }
}

// WithPublisher sets where snapshots go while broadcasting.
func WithPublisher(p Publisher) Option {
	return func(o *contextOptions) { o.publisher = p }
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *contextOptions) { o.now = now }
}

// WithLogger sets the logger used for transition tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *contextOptions) { o.logger = logger }
}

// WithProperties seeds descriptive fields (title, message, actions) of the
// initial snapshot. Status is always reset to not started.
func WithProperties(props Properties) Option {
	return func(o *contextOptions) { o.properties = &props }
}

// New creates a Context holding the empty snapshot.
func New(opts ...Option) *Context {
	o := contextOptions{
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.New().String()
	}

	props := EmptyProperties()
	if o.properties != nil {
		props = o.properties.clone()
		props.Status = StatusNotStarted
		if props.Severity == "" {
			props.Severity = SeverityInfo
		}
	}

	c := &Context{
		publisher: o.publisher,
		now:       o.now,
		logger:    o.logger.With().Str("operation_id", o.id).Logger(),
	}
	c.current.Store(&Snapshot{ID: o.id, Properties: props})
	return c
}

// ID returns the operation ID.
func (c *Context) ID() string {
	return c.current.Load().ID
}

// CurrentSnapshot returns the latest snapshot. It is safe to call
// concurrently with transitions and from within a Publisher.
func (c *Context) CurrentSnapshot() Snapshot {
	return *c.current.Load()
}

// IsBroadcasting reports whether snapshot changes are being published.
func (c *Context) IsBroadcasting() bool {
	return c.broadcasting.Load()
}

// Start moves a not-started operation to running and stamps its creation
// time. It returns false and does nothing in any other status.
func (c *Context) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if cur.Properties.Status != StatusNotStarted {
		c.logger.Debug().Str("status", string(cur.Properties.Status)).Msg("Start ignored")
		return false
	}

	now := c.now()
	next := Snapshot{
		ID:         cur.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Properties: cur.Properties.clone(),
	}
	next.Properties.Status = StatusRunning
	c.commit(&next)
	return true
}

// Update applies transform to the current properties to report progress.
// The status is preserved: it only changes through Start and Complete.
// Update is a no-op on a terminated operation.
func (c *Context) Update(transform func(Properties) Properties) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if cur.IsTerminated() {
		c.logger.Debug().Msg("Update ignored on terminated operation")
		return false
	}

	props := cur.Properties.clone()
	if transform != nil {
		props = transform(props).clone()
	}
	props.Status = cur.Properties.Status

	next := Snapshot{
		ID:         cur.ID,
		CreatedAt:  cur.CreatedAt,
		UpdatedAt:  c.stamp(cur),
		Properties: props,
	}
	c.commit(&next)
	return true
}

// Complete applies transform to the current properties and terminates the
// operation. The status becomes completed unless transform set it to
// canceled. Complete is a no-op on a terminated operation.
func (c *Context) Complete(transform func(Properties) Properties) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := c.current.Load()
	if cur.IsTerminated() {
		c.logger.Debug().Msg("Complete ignored on terminated operation")
		return false
	}

	props := cur.Properties.clone()
	if transform != nil {
		props = transform(props).clone()
	}
	if props.Status != StatusCanceled {
		props.Status = StatusCompleted
	}

	next := Snapshot{
		ID:         cur.ID,
		CreatedAt:  cur.CreatedAt,
		UpdatedAt:  c.stamp(cur),
		Properties: props,
	}
	c.commit(&next)
	return true
}

// StartSnapshotBroadcast enables publishing of subsequent snapshots. The
// current snapshot is not re-published.
func (c *Context) StartSnapshotBroadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broadcasting.Swap(true) {
		return
	}
	c.logger.Debug().Msg("Snapshot broadcast started")
}

// StopSnapshotBroadcast disables publishing and withdraws the operation
// from the publisher.
func (c *Context) StopSnapshotBroadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.broadcasting.Swap(false) {
		return
	}
	if c.publisher != nil {
		c.publisher.Withdraw(*c.current.Load())
	}
	c.logger.Debug().Msg("Snapshot broadcast stopped")
}

// stamp returns the update time for a successor of cur, never earlier than
// cur.CreatedAt.
func (c *Context) stamp(cur *Snapshot) time.Time {
	now := c.now()
	if now.Before(cur.CreatedAt) {
		return cur.CreatedAt
	}
	return now
}

// commit stores next and publishes it when broadcasting. Must hold c.mu.
func (c *Context) commit(next *Snapshot) {
	c.current.Store(next)

	c.logger.Debug().
		Str("status", string(next.Properties.Status)).
		Str("severity", string(next.Properties.Severity)).
		Bool("broadcasting", c.broadcasting.Load()).
		Msg("Snapshot updated")

	if c.publisher != nil && c.broadcasting.Load() {
		c.publisher.Publish(*next)
	}
}
