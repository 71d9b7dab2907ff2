package policy

import (
	"context"
	"fmt"

	"github.com/wingetstudio/oplife/pkg/operation"
)

// Kind identifies the lifecycle checkpoint a policy belongs to.
type Kind string

const (
	// KindStart policies are evaluated when an operation is attached, before
	// its work begins.
	KindStart Kind = "start"

	// KindCompletion policies are evaluated when the work driver signals
	// that the unit of work has finished.
	KindCompletion Kind = "completion"
)

// Validate checks if the kind is valid.
func (k Kind) Validate() error {
	switch k {
	case KindStart, KindCompletion:
		return nil
	default:
		return fmt.Errorf("invalid policy kind: %s", k)
	}
}

// ParseKind converts a string to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Policy is a guarded effect over an operation context.
//
// CanApply inspects the context (normally its current snapshot) and must not
// change it. Apply performs the effect; it may call transition methods on
// the context but must not block on long waits. A policy reports exactly
// one Kind.
type Policy interface {
	Name() string
	Kind() Kind
	CanApply(op *operation.Context) bool
	Apply(ctx context.Context, op *operation.Context) error
}

// ExecutionOptions is the ordered policy list attached to one operation.
// Start and completion policies may be mixed; each checkpoint only
// considers policies of its own kind, in list order.
type ExecutionOptions struct {
	Policies []Policy
}

// NewExecutionOptions creates options holding policies in the given order.
func NewExecutionOptions(policies ...Policy) ExecutionOptions {
	return ExecutionOptions{Policies: append([]Policy(nil), policies...)}
}

// With returns a copy of the options with policies appended.
func (o ExecutionOptions) With(policies ...Policy) ExecutionOptions {
	out := make([]Policy, 0, len(o.Policies)+len(policies))
	out = append(out, o.Policies...)
	out = append(out, policies...)
	return ExecutionOptions{Policies: out}
}

// StartPolicies returns the start policies in list order.
func (o ExecutionOptions) StartPolicies() []Policy {
	return o.ofKind(KindStart)
}

// CompletionPolicies returns the completion policies in list order.
func (o ExecutionOptions) CompletionPolicies() []Policy {
	return o.ofKind(KindCompletion)
}

// Names returns the policy names in list order.
func (o ExecutionOptions) Names() []string {
	names := make([]string, 0, len(o.Policies))
	for _, p := range o.Policies {
		if p != nil {
			names = append(names, p.Name())
		}
	}
	return names
}

// ApplyStartPolicies evaluates the start checkpoint without instrumentation.
func (o ExecutionOptions) ApplyStartPolicies(ctx context.Context, op *operation.Context) error {
	return plainEvaluator.ApplyStartPolicies(ctx, op, o)
}

// ApplyCompletionPolicies evaluates the completion checkpoint without
// instrumentation.
func (o ExecutionOptions) ApplyCompletionPolicies(ctx context.Context, op *operation.Context) error {
	return plainEvaluator.ApplyCompletionPolicies(ctx, op, o)
}

func (o ExecutionOptions) ofKind(kind Kind) []Policy {
	var out []Policy
	for _, p := range o.Policies {
		if p != nil && p.Kind() == kind {
			out = append(out, p)
		}
	}
	return out
}

// CheckpointError reports the policy whose effect aborted a checkpoint.
// Policies after it in the list were not evaluated.
type CheckpointError struct {
	// Checkpoint is the kind of checkpoint that was being evaluated.
	Checkpoint Kind

	// Policy is the name of the failing policy.
	Policy string

	// Index is the failing policy's position in ExecutionOptions.Policies.
	Index int

	// Err is the error returned by the policy's Apply.
	Err error
}

func (e *CheckpointError) Error() string {
	return fmt.Sprintf("%s checkpoint: policy %s (#%d) failed: %v", e.Checkpoint, e.Policy, e.Index, e.Err)
}

// Unwrap returns the policy's error.
func (e *CheckpointError) Unwrap() error {
	return e.Err
}
