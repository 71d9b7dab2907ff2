package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/wingetstudio/oplife/pkg/operation"
)

// Target selects the surfaces a message is delivered to.
type Target uint8

const (
	// TargetPanel is the persistent notification panel.
	TargetPanel Target = 1 << iota

	// TargetOverlay is the transient overlay (toast).
	TargetOverlay

	// TargetAll delivers to every surface.
	TargetAll = TargetPanel | TargetOverlay
)

// Has reports whether t includes any surface of other.
func (t Target) Has(other Target) bool {
	return t&other != 0
}

func (t Target) String() string {
	switch t {
	case TargetPanel:
		return "panel"
	case TargetOverlay:
		return "overlay"
	case TargetAll:
		return "all"
	default:
		return fmt.Sprintf("target(%d)", uint8(t))
	}
}

// ParseTarget converts "panel", "overlay" or "all" to a Target.
func ParseTarget(s string) (Target, error) {
	switch strings.ToLower(s) {
	case "panel":
		return TargetPanel, nil
	case "overlay":
		return TargetOverlay, nil
	case "all":
		return TargetAll, nil
	default:
		return 0, fmt.Errorf("invalid notification target: %s", s)
	}
}

// DismissBehavior says how a message leaves the surface.
type DismissBehavior string

const (
	// DismissTimeout messages disappear after their duration.
	DismissTimeout DismissBehavior = "timeout"

	// DismissUser messages stay until dismissed explicitly.
	DismissUser DismissBehavior = "user"
)

// Validate checks if the dismiss behavior is valid.
func (d DismissBehavior) Validate() error {
	switch d {
	case DismissTimeout, DismissUser:
		return nil
	default:
		return fmt.Errorf("invalid dismiss behavior: %s", d)
	}
}

// Message is one notification on the surface.
type Message struct {
	ID        string             `json:"id"`
	Title     string             `json:"title,omitempty"`
	Text      string             `json:"text"`
	Severity  operation.Severity `json:"severity"`
	Target    Target             `json:"target"`
	Dismiss   DismissBehavior    `json:"dismiss"`
	Duration  time.Duration      `json:"duration"`
	Actions   []operation.Action `json:"actions,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// EventType identifies a change on the surface.
type EventType string

const (
	EventShown     EventType = "shown"
	EventDismissed EventType = "dismissed"
)

// DismissReason says why a message was dismissed.
type DismissReason string

const (
	ReasonTimeout DismissReason = "timeout"
	ReasonUser    DismissReason = "user"
	ReasonClosed  DismissReason = "closed"

	// ReasonReplaced is used when Show reuses the ID of an active message.
	ReasonReplaced DismissReason = "replaced"
)

// Event is delivered to subscribers when a message is shown or dismissed.
// Reason is empty for shown events.
type Event struct {
	Type    EventType     `json:"type"`
	Message Message       `json:"message"`
	Reason  DismissReason `json:"reason,omitempty"`
}
