package policy

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

// Evaluator runs policy checkpoints with logging, metrics and tracing.
// An Evaluator has no mutable state and is safe for concurrent use.
type Evaluator struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithLogger sets the evaluator logger.
func WithLogger(logger zerolog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger.With().Str("component", "policy-evaluator").Logger()
	}
}

// WithMetrics sets the metrics sink for applied, skipped and failed policies.
func WithMetrics(m *telemetry.Metrics) EvaluatorOption {
	return func(e *Evaluator) { e.metrics = m }
}

// WithTracer enables one span per checkpoint pass.
func WithTracer(t *telemetry.Tracer) EvaluatorOption {
	return func(e *Evaluator) { e.tracer = t }
}

var plainEvaluator = NewEvaluator()

// NewEvaluator creates a policy evaluator.
func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyStartPolicies evaluates the start checkpoint of op.
func (e *Evaluator) ApplyStartPolicies(ctx context.Context, op *operation.Context, opts ExecutionOptions) error {
	return e.checkpoint(ctx, KindStart, op, opts)
}

// ApplyCompletionPolicies evaluates the completion checkpoint of op.
func (e *Evaluator) ApplyCompletionPolicies(ctx context.Context, op *operation.Context, opts ExecutionOptions) error {
	return e.checkpoint(ctx, KindCompletion, op, opts)
}

// checkpoint walks opts.Policies in order. Each policy of the given kind
// whose guard holds at its turn is applied, so later guards observe the
// effects of earlier policies. The first Apply error stops the pass.
//
// Cancellation of ctx does not stop the pass: completion policies must still
// run for an operation whose work was canceled.
func (e *Evaluator) checkpoint(ctx context.Context, kind Kind, op *operation.Context, opts ExecutionOptions) (err error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartCheckpointSpan(ctx, op.ID(), string(kind), len(opts.Policies))
		defer func() {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}()
	}

	logger := e.logger.With().
		Str("operation_id", op.ID()).
		Str("checkpoint", string(kind)).
		Logger()

	applied := 0
	for i, p := range opts.Policies {
		if p == nil || p.Kind() != kind {
			continue
		}

		if !p.CanApply(op) {
			e.metrics.RecordPolicySkipped(string(kind), p.Name())
			logger.Trace().Str("policy", p.Name()).Msg("Policy guard did not hold")
			continue
		}

		if applyErr := p.Apply(ctx, op); applyErr != nil {
			e.metrics.RecordPolicyFailure(string(kind), p.Name())
			trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrPolicyName.String(p.Name()))
			logger.Error().Err(applyErr).
				Str("policy", p.Name()).
				Int("index", i).
				Msg("Policy effect failed")
			return &CheckpointError{
				Checkpoint: kind,
				Policy:     p.Name(),
				Index:      i,
				Err:        applyErr,
			}
		}

		applied++
		e.metrics.RecordPolicyApplied(string(kind), p.Name())
		logger.Debug().Str("policy", p.Name()).Msg("Policy applied")
	}

	snap := op.CurrentSnapshot()
	logger.Debug().
		Int("applied", applied).
		Str("status", string(snap.Properties.Status)).
		Bool("broadcasting", op.IsBroadcasting()).
		Msg("Checkpoint evaluated")

	return nil
}
