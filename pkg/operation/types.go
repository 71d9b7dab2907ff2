package operation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultNotificationDuration is how long a transient notification stays
// visible when no explicit duration is given.
const DefaultNotificationDuration = 3 * time.Second

// Action is a user-invokable command attached to an operation, such as
// "Retry" or "Open log".
type Action struct {
	// Text is the label shown to the user.
	Text string `json:"text"`

	// IsPrimary marks the default action.
	IsPrimary bool `json:"is_primary"`

	// Run executes the action. It is not part of the action's identity.
	Run func(ctx context.Context) error `json:"-"`
}

// Properties describes the reportable state of an operation.
//
// Properties is a value type: the With* builders return modified copies and
// never touch the receiver.
type Properties struct {
	// Title is a short label for the operation.
	Title string `json:"title,omitempty"`

	// Message is the latest human-readable status line.
	Message string `json:"message,omitempty"`

	// Percent is the completion percentage in [0,100]; nil means indeterminate.
	Percent *int `json:"percent,omitempty"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// Severity is the outcome coloring.
	Severity Severity `json:"severity"`

	// Actions are the commands offered alongside the operation, in display order.
	Actions []Action `json:"actions,omitempty"`
}

// Snapshot is an immutable point-in-time view of an operation.
type Snapshot struct {
	// ID identifies the operation the snapshot belongs to.
	ID string `json:"id"`

	// CreatedAt is when the operation started.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the snapshot was produced. Never before CreatedAt.
	UpdatedAt time.Time `json:"updated_at"`

	// Properties is the reportable state.
	Properties Properties `json:"properties"`
}

// Notification is a transient message surfaced by an operation. It is
// independent of the operation's own lifecycle snapshot.
type Notification struct {
	ID         string        `json:"id"`
	Duration   time.Duration `json:"duration"`
	Properties Properties    `json:"properties"`
}

// EmptyProperties returns the properties of an operation that has not started.
func EmptyProperties() Properties {
	return Properties{
		Status:   StatusNotStarted,
		Severity: SeverityInfo,
	}
}

// Percent returns a pointer to n, for use in Properties.Percent.
func Percent(n int) *int {
	return &n
}

// IsTerminated returns true if the properties describe a finished operation.
func (p Properties) IsTerminated() bool {
	return p.Status.IsTerminal()
}

// WithTitle returns a copy of p with the given title.
func (p Properties) WithTitle(title string) Properties {
	p.Title = title
	return p
}

// WithMessage returns a copy of p with the given message.
func (p Properties) WithMessage(message string) Properties {
	p.Message = message
	return p
}

// WithPercent returns a copy of p reporting n percent.
func (p Properties) WithPercent(n int) Properties {
	p.Percent = Percent(n)
	return p
}

// WithoutPercent returns a copy of p with indeterminate progress.
func (p Properties) WithoutPercent() Properties {
	p.Percent = nil
	return p
}

// WithStatus returns a copy of p with the given status.
func (p Properties) WithStatus(status Status) Properties {
	p.Status = status
	return p
}

// WithSeverity returns a copy of p with the given severity.
func (p Properties) WithSeverity(severity Severity) Properties {
	p.Severity = severity
	return p
}

// WithActions returns a copy of p with the given actions.
func (p Properties) WithActions(actions ...Action) Properties {
	p.Actions = append([]Action(nil), actions...)
	return p
}

// Equal reports whether p and other describe the same state. Action
// callbacks are not compared.
func (p Properties) Equal(other Properties) bool {
	if p.Title != other.Title || p.Message != other.Message ||
		p.Status != other.Status || p.Severity != other.Severity {
		return false
	}
	if (p.Percent == nil) != (other.Percent == nil) {
		return false
	}
	if p.Percent != nil && *p.Percent != *other.Percent {
		return false
	}
	if len(p.Actions) != len(other.Actions) {
		return false
	}
	for i := range p.Actions {
		if p.Actions[i].Text != other.Actions[i].Text ||
			p.Actions[i].IsPrimary != other.Actions[i].IsPrimary {
			return false
		}
	}
	return true
}

// clone returns a deep copy of p with the percent clamped to [0,100].
func (p Properties) clone() Properties {
	if p.Percent != nil {
		p.Percent = Percent(clampPercent(*p.Percent))
	}
	if p.Actions != nil {
		p.Actions = append([]Action(nil), p.Actions...)
	}
	return p
}

func clampPercent(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// Equal reports whether s and other are the same snapshot.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.ID == other.ID &&
		s.CreatedAt.Equal(other.CreatedAt) &&
		s.UpdatedAt.Equal(other.UpdatedAt) &&
		s.Properties.Equal(other.Properties)
}

// IsTerminated returns true if the snapshot describes a finished operation.
func (s Snapshot) IsTerminated() bool {
	return s.Properties.IsTerminated()
}

// NewNotification creates a notification with a fresh ID and the default
// duration.
func NewNotification(props Properties) Notification {
	return Notification{
		ID:         uuid.New().String(),
		Duration:   DefaultNotificationDuration,
		Properties: props.clone(),
	}
}

// WithDuration returns a copy of n that stays visible for d.
func (n Notification) WithDuration(d time.Duration) Notification {
	n.Duration = d
	return n
}
