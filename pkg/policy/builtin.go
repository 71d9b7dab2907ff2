package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/wingetstudio/oplife/pkg/operation"
)

// Built-in policy names, as used in policy-set files.
const (
	NameAutoStart          = "auto-start"
	NameAutoComplete       = "auto-complete"
	NameAutoStartBroadcast = "auto-start-broadcast"
	NameAutoStopBroadcast  = "auto-stop-broadcast"
	NameBroadcastOnStart   = "broadcast-on-start"
	NameSnapshotRetention  = "snapshot-retention"
)

// AutoStartPolicy starts an operation that has not started yet.
type AutoStartPolicy struct{}

// NewAutoStartPolicy creates an AutoStartPolicy.
func NewAutoStartPolicy() *AutoStartPolicy {
	return &AutoStartPolicy{}
}

func (*AutoStartPolicy) Name() string { return NameAutoStart }
func (*AutoStartPolicy) Kind() Kind   { return KindStart }

// CanApply holds while the operation is not started.
func (*AutoStartPolicy) CanApply(op *operation.Context) bool {
	return op.CurrentSnapshot().Properties.Status == operation.StatusNotStarted
}

// Apply starts the operation.
func (*AutoStartPolicy) Apply(_ context.Context, op *operation.Context) error {
	op.Start()
	return nil
}

// AutoCompletePolicy completes an operation that has not terminated, with a
// configured severity or, if none is configured, its current severity.
type AutoCompletePolicy struct {
	severity *operation.Severity
}

// NewAutoCompletePolicy creates an AutoCompletePolicy. A nil severity keeps
// the operation's current severity.
func NewAutoCompletePolicy(severity *operation.Severity) *AutoCompletePolicy {
	p := &AutoCompletePolicy{}
	if severity != nil {
		s := *severity
		p.severity = &s
	}
	return p
}

// CompleteWith is shorthand for NewAutoCompletePolicy(&severity).
func CompleteWith(severity operation.Severity) *AutoCompletePolicy {
	return NewAutoCompletePolicy(&severity)
}

func (*AutoCompletePolicy) Name() string { return NameAutoComplete }
func (*AutoCompletePolicy) Kind() Kind   { return KindCompletion }

// Severity returns the configured severity, or nil.
func (p *AutoCompletePolicy) Severity() *operation.Severity {
	if p.severity == nil {
		return nil
	}
	s := *p.severity
	return &s
}

// CanApply holds while the operation is not terminated.
func (*AutoCompletePolicy) CanApply(op *operation.Context) bool {
	return !op.CurrentSnapshot().IsTerminated()
}

// Apply completes the operation.
func (p *AutoCompletePolicy) Apply(_ context.Context, op *operation.Context) error {
	op.Complete(func(props operation.Properties) operation.Properties {
		if p.severity != nil {
			return props.WithSeverity(*p.severity)
		}
		return props
	})
	return nil
}

// AutoStartSnapshotBroadcastPolicy turns broadcasting on. It always applies.
//
// By default it is a completion policy. NewBroadcastOnStartPolicy returns
// the start-kind variant so an operation can broadcast from attach time.
type AutoStartSnapshotBroadcastPolicy struct {
	kind Kind
}

// NewAutoStartSnapshotBroadcastPolicy creates the completion-kind variant.
func NewAutoStartSnapshotBroadcastPolicy() *AutoStartSnapshotBroadcastPolicy {
	return &AutoStartSnapshotBroadcastPolicy{kind: KindCompletion}
}

// NewBroadcastOnStartPolicy creates the start-kind variant.
func NewBroadcastOnStartPolicy() *AutoStartSnapshotBroadcastPolicy {
	return &AutoStartSnapshotBroadcastPolicy{kind: KindStart}
}

func (p *AutoStartSnapshotBroadcastPolicy) Name() string {
	if p.kind == KindStart {
		return NameBroadcastOnStart
	}
	return NameAutoStartBroadcast
}

func (p *AutoStartSnapshotBroadcastPolicy) Kind() Kind { return p.kind }

func (*AutoStartSnapshotBroadcastPolicy) CanApply(*operation.Context) bool { return true }

// Apply starts broadcasting.
func (*AutoStartSnapshotBroadcastPolicy) Apply(_ context.Context, op *operation.Context) error {
	op.StartSnapshotBroadcast()
	return nil
}

// AutoStopSnapshotBroadcastPolicy turns broadcasting off at completion. It
// always applies.
type AutoStopSnapshotBroadcastPolicy struct{}

// NewAutoStopSnapshotBroadcastPolicy creates an AutoStopSnapshotBroadcastPolicy.
func NewAutoStopSnapshotBroadcastPolicy() *AutoStopSnapshotBroadcastPolicy {
	return &AutoStopSnapshotBroadcastPolicy{}
}

func (*AutoStopSnapshotBroadcastPolicy) Name() string                     { return NameAutoStopBroadcast }
func (*AutoStopSnapshotBroadcastPolicy) Kind() Kind                       { return KindCompletion }
func (*AutoStopSnapshotBroadcastPolicy) CanApply(*operation.Context) bool { return true }

// Apply stops broadcasting.
func (*AutoStopSnapshotBroadcastPolicy) Apply(_ context.Context, op *operation.Context) error {
	op.StopSnapshotBroadcast()
	return nil
}

// SnapshotRetentionPolicy keeps a finished operation visible for a while:
// when the snapshot's status and severity both equal the configured pair it
// stops broadcasting after the retention period.
//
// Apply schedules the stop and returns at once, so the completion
// checkpoint is never held up by the retention period. The policy never
// changes status or severity. A negative retention is undefined behavior.
type SnapshotRetentionPolicy struct {
	status    operation.Status
	severity  operation.Severity
	retention time.Duration
}

// NewSnapshotRetentionPolicy creates a SnapshotRetentionPolicy.
func NewSnapshotRetentionPolicy(status operation.Status, severity operation.Severity, retention time.Duration) *SnapshotRetentionPolicy {
	return &SnapshotRetentionPolicy{
		status:    status,
		severity:  severity,
		retention: retention,
	}
}

func (*SnapshotRetentionPolicy) Name() string { return NameSnapshotRetention }
func (*SnapshotRetentionPolicy) Kind() Kind   { return KindCompletion }

// Retention returns the configured retention period.
func (p *SnapshotRetentionPolicy) Retention() time.Duration { return p.retention }

// CanApply holds iff status and severity exactly match the configured pair.
func (p *SnapshotRetentionPolicy) CanApply(op *operation.Context) bool {
	props := op.CurrentSnapshot().Properties
	return props.Status == p.status && props.Severity == p.severity
}

// Apply schedules StopSnapshotBroadcast after the retention period.
func (p *SnapshotRetentionPolicy) Apply(_ context.Context, op *operation.Context) error {
	time.AfterFunc(p.retention, op.StopSnapshotBroadcast)
	return nil
}

func (p *SnapshotRetentionPolicy) String() string {
	return fmt.Sprintf("%s(%s/%s, %s)", NameSnapshotRetention, p.status, p.severity, p.retention)
}

// Built-in policy set names.
const (
	SetDefault    = "default"
	SetBackground = "background"
	SetSilent     = "silent"
)

// DefaultOptions auto-starts, broadcasts from attach time, completes with
// success and keeps a successful result visible for the default
// notification duration before withdrawing it. Failed operations stay
// broadcast until stopped explicitly.
func DefaultOptions() ExecutionOptions {
	return NewExecutionOptions(
		NewBroadcastOnStartPolicy(),
		NewAutoStartPolicy(),
		CompleteWith(operation.SeveritySuccess),
		NewSnapshotRetentionPolicy(operation.StatusCompleted, operation.SeveritySuccess, operation.DefaultNotificationDuration),
	)
}

// BackgroundOptions broadcasts progress while running and withdraws the
// operation as soon as it completes.
func BackgroundOptions() ExecutionOptions {
	return NewExecutionOptions(
		NewBroadcastOnStartPolicy(),
		NewAutoStartPolicy(),
		NewAutoCompletePolicy(nil),
		NewAutoStopSnapshotBroadcastPolicy(),
	)
}

// SilentOptions never broadcasts.
func SilentOptions() ExecutionOptions {
	return NewExecutionOptions(
		NewAutoStartPolicy(),
		NewAutoCompletePolicy(nil),
	)
}

// BuiltinSets returns the built-in policy sets keyed by name.
func BuiltinSets() map[string]ExecutionOptions {
	return map[string]ExecutionOptions{
		SetDefault:    DefaultOptions(),
		SetBackground: BackgroundOptions(),
		SetSilent:     SilentOptions(),
	}
}
