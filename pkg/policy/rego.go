package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/operation"
)

// RegoQuery is the rule a condition module must define. Modules declare
// `package oplife.condition` and an `allow` rule over the input document:
//
//	{
//	  "snapshot":     <operation.Snapshot as JSON>,
//	  "broadcasting": <bool>
//	}
const RegoQuery = "data.oplife.condition.allow"

// DefaultConditionTimeout bounds one evaluation of a condition made from
// CanApply.
const DefaultConditionTimeout = 250 * time.Millisecond

// RegoPolicy guards another policy with a Rego condition. It has the kind
// and effect of the wrapped policy and applies only when both the wrapped
// guard and the Rego rule allow it.
type RegoPolicy struct {
	name   string
	inner  Policy
	source string
	query   rego.PreparedEvalQuery
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegoPolicy compiles module and wraps inner. An empty name reuses the
// wrapped policy's name.
func NewRegoPolicy(ctx context.Context, name, module string, inner Policy, logger zerolog.Logger) (*RegoPolicy, error) {
	if inner == nil {
		return nil, fmt.Errorf("rego policy %q: wrapped policy is required", name)
	}
	if name == "" {
		name = inner.Name()
	}

	query, err := rego.New(
		rego.Query(RegoQuery),
		rego.Module(name+".rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rego policy %q: failed to prepare condition: %w", name, err)
	}

	return &RegoPolicy{
		name:    name,
		inner:   inner,
		source:  module,
		query:   query,
		timeout: DefaultConditionTimeout,
		logger:  logger.With().Str("component", "rego-policy").Str("policy", name).Logger(),
	}, nil
}

func (p *RegoPolicy) Name() string { return p.name }
func (p *RegoPolicy) Kind() Kind   { return p.inner.Kind() }

// Inner returns the wrapped policy.
func (p *RegoPolicy) Inner() Policy { return p.inner }

// Source returns the Rego module text.
func (p *RegoPolicy) Source() string { return p.source }

// SetConditionTimeout changes the bound on evaluations made from CanApply.
// A non-positive d removes the bound. Call it before the policy is shared.
func (p *RegoPolicy) SetConditionTimeout(d time.Duration) {
	p.timeout = d
}

// CanApply holds when the wrapped guard holds and the condition allows.
// An evaluation error counts as not allowed.
//
// Policy guards take no context, so the evaluation runs detached from the
// checkpoint's context and its trace span. It is bounded by the condition
// timeout instead; a condition that runs past it is not allowed.
func (p *RegoPolicy) CanApply(op *operation.Context) bool {
	if !p.inner.CanApply(op) {
		return false
	}

	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	allowed, err := p.Allowed(ctx, op)
	if err != nil {
		p.logger.Warn().Err(err).Str("operation_id", op.ID()).Msg("Condition evaluation failed")
		return false
	}
	return allowed
}

// Apply runs the wrapped effect.
func (p *RegoPolicy) Apply(ctx context.Context, op *operation.Context) error {
	return p.inner.Apply(ctx, op)
}

// Allowed evaluates only the Rego condition against op.
func (p *RegoPolicy) Allowed(ctx context.Context, op *operation.Context) (bool, error) {
	input := map[string]interface{}{
		"snapshot":     op.CurrentSnapshot(),
		"broadcasting": op.IsBroadcasting(),
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", RegoQuery, err)
	}
	return results.Allowed(), nil
}
