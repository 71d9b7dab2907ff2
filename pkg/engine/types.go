package engine

import (
	"context"
	"time"

	"github.com/wingetstudio/oplife/pkg/notification"
	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/policy"
)

// DefaultKind is used for jobs that do not name a kind.
const DefaultKind = "operation"

// Work is the body of a job. It reports progress through r and should
// return ctx.Err() promptly once ctx is done. Returning a retryable
// *EngineError asks the scheduler for another attempt.
type Work func(ctx context.Context, r *Reporter) error

// Job describes one operation to drive.
type Job struct {
	// Kind groups jobs in logs and metrics, e.g. "install" or "update".
	Kind string

	// Title seeds the operation's title.
	Title string

	// Options are the lifecycle policies evaluated at both checkpoints.
	Options policy.ExecutionOptions

	// Work is the job body.
	Work Work

	// MaxRetries bounds additional attempts after retryable failures.
	MaxRetries int

	// Timeout limits each attempt. Zero means no limit.
	Timeout time.Duration
}

// Validate checks that the job can be run.
func (j Job) Validate() error {
	if j.Work == nil {
		return NewPermanentError("job has no work", nil).WithCode(ErrCodeValidation)
	}
	if j.MaxRetries < 0 {
		return NewPermanentError("max retries must not be negative", nil).WithCode(ErrCodeValidation)
	}
	if j.Timeout < 0 {
		return NewPermanentError("timeout must not be negative", nil).WithCode(ErrCodeValidation)
	}
	return nil
}

func (j Job) kind() string {
	if j.Kind == "" {
		return DefaultKind
	}
	return j.Kind
}

// Result is the outcome of one job.
type Result struct {
	OperationID string             `json:"operation_id"`
	Kind        string             `json:"kind"`
	Outcome     Outcome            `json:"outcome"`
	Snapshot    operation.Snapshot `json:"snapshot"`
	Attempts    int                `json:"attempts"`
	Duration    time.Duration      `json:"duration"`
	Err         error              `json:"-"`
}

// Reporter is handed to Work to report progress on its operation.
type Reporter struct {
	op      *operation.Context
	center  *notification.Center
	attempt int
}

// Progress sets the percent and message. It reports whether the snapshot
// changed, which is false once the operation has terminated.
func (r *Reporter) Progress(percent int, message string) bool {
	return r.op.Update(func(p operation.Properties) operation.Properties {
		return p.WithPercent(percent).WithMessage(message)
	})
}

// Indeterminate clears the percent and sets the message.
func (r *Reporter) Indeterminate(message string) bool {
	return r.op.Update(func(p operation.Properties) operation.Properties {
		return p.WithoutPercent().WithMessage(message)
	})
}

// Message sets the message and keeps the percent.
func (r *Reporter) Message(message string) bool {
	return r.op.Update(func(p operation.Properties) operation.Properties {
		return p.WithMessage(message)
	})
}

// Notify shows a transient notification titled with the operation's title.
// It returns the notification ID, or "" when no notification center is
// configured.
func (r *Reporter) Notify(text string, severity operation.Severity) string {
	if r.center == nil {
		return ""
	}
	return r.center.Show(notification.Message{
		Title:    r.op.CurrentSnapshot().Properties.Title,
		Text:     text,
		Severity: severity,
	})
}

// Operation returns the operation being driven.
func (r *Reporter) Operation() *operation.Context {
	return r.op
}

// Attempt returns the current attempt, starting at 1.
func (r *Reporter) Attempt() int {
	return r.attempt
}
