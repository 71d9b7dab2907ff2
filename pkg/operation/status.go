package operation

import (
	"encoding/json"
	"fmt"
)

// Status represents where an operation is in its lifecycle.
type Status string

const (
	// StatusNotStarted indicates the operation has been created but not started.
	StatusNotStarted Status = "not_started"

	// StatusRunning indicates the operation is in progress.
	StatusRunning Status = "running"

	// StatusCompleted indicates the operation finished, successfully or not.
	StatusCompleted Status = "completed"

	// StatusCanceled indicates the operation was canceled by its driver.
	StatusCanceled Status = "canceled"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusNotStarted, StatusRunning, StatusCompleted, StatusCanceled:
		return nil
	default:
		return fmt.Errorf("invalid operation status: %s", s)
	}
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, error) {
	s := Status(value)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// Severity is the outcome coloring of an operation. It is independent of
// Status: a running operation may already carry a warning.
type Severity string

const (
	// SeverityInfo is the neutral default.
	SeverityInfo Severity = "info"

	// SeverityWarning marks an operation that needs attention.
	SeverityWarning Severity = "warning"

	// SeverityError marks a failed operation.
	SeverityError Severity = "error"

	// SeveritySuccess marks a successful operation.
	SeveritySuccess Severity = "success"
)

// Validate checks if the severity is valid.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeveritySuccess:
		return nil
	default:
		return fmt.Errorf("invalid operation severity: %s", s)
	}
}

// Rank orders severities for filtering; success ranks with info.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	default:
		return 0
	}
}

// ParseSeverity converts a string into a Severity.
func ParseSeverity(value string) (Severity, error) {
	s := Severity(value)
	if err := s.Validate(); err != nil {
		return "", err
	}
	return s, nil
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Severity(str)
	return s.Validate()
}
