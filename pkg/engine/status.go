package engine

import (
	"encoding/json"
	"fmt"
)

// Outcome is how the driver finished a job.
type Outcome string

const (
	// OutcomeSucceeded indicates the work returned without error.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed indicates the work, or a policy checkpoint, failed.
	OutcomeFailed Outcome = "failed"

	// OutcomeCanceled indicates the job's context was canceled first.
	OutcomeCanceled Outcome = "canceled"
)

// IsSuccess returns true for OutcomeSucceeded.
func (o Outcome) IsSuccess() bool {
	return o == OutcomeSucceeded
}

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeCanceled:
		return nil
	default:
		return fmt.Errorf("invalid outcome: %s", o)
	}
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(o))
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	outcome := Outcome(s)
	if err := outcome.Validate(); err != nil {
		return err
	}
	*o = outcome
	return nil
}
