package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wingetstudio/oplife/pkg/notification"
	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/policy"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

// Scheduler defaults.
const (
	DefaultMaxParallel    = 10
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = time.Minute
)

// Scheduler drives jobs through their operation lifecycle. At most
// maxParallel jobs run at once across Run, Submit and Execute.
type Scheduler struct {
	// maxParallel is the maximum number of concurrently running jobs
	maxParallel int

	// baseDelay and maxDelay shape the exponential retry backoff
	baseDelay time.Duration
	maxDelay  time.Duration

	publisher operation.Publisher
	evaluator *policy.Evaluator
	center    *notification.Center
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	logger    *telemetry.Logger
	now       func() time.Time

	// slots bounds running jobs; queued counts jobs waiting for a slot
	slots  chan struct{}
	queued atomic.Int64

	// submitted tracks jobs started by Submit
	submitted sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxParallel sets the number of jobs that may run at once.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

// WithRetryBackoff sets the base and maximum delay between attempts.
func WithRetryBackoff(base, limit time.Duration) Option {
	return func(s *Scheduler) {
		if base > 0 {
			s.baseDelay = base
		}
		if limit > 0 {
			s.maxDelay = limit
		}
	}
}

// WithPublisher sets the publisher every operation broadcasts to.
func WithPublisher(p operation.Publisher) Option {
	return func(s *Scheduler) { s.publisher = p }
}

// WithEvaluator sets the evaluator used for both policy checkpoints.
func WithEvaluator(e *policy.Evaluator) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.evaluator = e
		}
	}
}

// WithNotifications routes Reporter.Notify and failure notices to center.
func WithNotifications(center *notification.Center) Option {
	return func(s *Scheduler) { s.center = center }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer enables one span per operation.
func WithTracer(t *telemetry.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithLogger sets the scheduler logger.
func WithLogger(l *telemetry.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source handed to operations.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		maxParallel: DefaultMaxParallel,
		baseDelay:   DefaultRetryBaseDelay,
		maxDelay:    DefaultRetryMaxDelay,
		evaluator:   policy.NewEvaluator(),
		logger:      telemetry.NewNop().Logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxParallel <= 0 {
		s.maxParallel = DefaultMaxParallel
	}
	s.slots = make(chan struct{}, s.maxParallel)
	s.logger = s.logger.NewComponentLogger("scheduler")

	return s
}

// MaxParallel returns the concurrency bound.
func (s *Scheduler) MaxParallel() int {
	return s.maxParallel
}

// Run executes jobs on a pool of workers and waits for all of them. Results
// are in the order of jobs.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	// Determine worker count (min of maxParallel and number of jobs)
	workerCount := s.maxParallel
	if len(jobs) < workerCount {
		workerCount = len(jobs)
	}

	workQueue := make(chan int, len(jobs))
	for i := range jobs {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				results[idx] = s.Execute(ctx, jobs[idx])
			}
		}()
	}

	wg.Wait()
	return results
}

// Submit executes job in the background. The returned channel receives
// exactly one Result and is then closed.
func (s *Scheduler) Submit(ctx context.Context, job Job) <-chan Result {
	out := make(chan Result, 1)
	s.submitted.Add(1)
	go func() {
		defer s.submitted.Done()
		out <- s.Execute(ctx, job)
		close(out)
	}()
	return out
}

// Wait blocks until every submitted job has finished.
func (s *Scheduler) Wait() {
	s.submitted.Wait()
}

// Execute drives one job to a terminated operation and returns its result.
//
// The sequence is: start checkpoint, Start, work with retries, then
// termination. On success the completion checkpoint runs first and the
// operation is completed with severity success if no policy did so. On
// failure or cancellation the operation is completed first (severity error,
// or status canceled with severity warning) and the completion checkpoint
// runs after. A failing start checkpoint skips the work and counts as a
// failure.
func (s *Scheduler) Execute(ctx context.Context, job Job) Result {
	kind := job.kind()
	id := uuid.New().String()
	logger := s.logger.WithOperationID(id).WithJobKind(kind)

	opts := []operation.Option{
		operation.WithID(id),
		operation.WithClock(s.now),
		operation.WithLogger(logger.Zerolog()),
		operation.WithProperties(operation.EmptyProperties().WithTitle(job.Title)),
	}
	if s.publisher != nil {
		opts = append(opts, operation.WithPublisher(s.publisher))
	}
	op := operation.New(opts...)

	result := Result{OperationID: id, Kind: kind}

	if verr := job.Validate(); verr != nil {
		err := Classify(verr).WithOperation(id, kind)
		op.Complete(failWith(err))
		result.Outcome = OutcomeFailed
		result.Snapshot = op.CurrentSnapshot()
		result.Err = err
		logger.WithError(err).Error("Rejected invalid job")
		return result
	}

	acquired := s.acquire(ctx)
	if acquired {
		defer s.release()
	}

	timer := telemetry.NewTimer()
	s.metrics.RecordOperationStarted(kind)

	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.StartOperationSpan(ctx, id, kind)
		defer span.End()
	}

	var err *EngineError
	if !acquired {
		err = canceledError(ctx)
	} else if perr := s.evaluator.ApplyStartPolicies(ctx, op, job.Options); perr != nil {
		err = policyError(perr)
	} else {
		op.Start()
		logger.Debug("Operation started")
		result.Attempts, err = s.runWork(ctx, op, job, logger)
	}

	result.Outcome, err = s.finish(context.WithoutCancel(ctx), op, job, err, logger)
	result.Snapshot = op.CurrentSnapshot()
	result.Duration = timer.Duration()

	props := result.Snapshot.Properties
	s.metrics.RecordOperationCompleted(kind, string(props.Status), string(props.Severity), result.Duration)

	if err != nil {
		err.WithOperation(id, kind)
		result.Err = err
		s.metrics.RecordError(string(err.Class), err.Code)
	}

	if span != nil {
		telemetry.AddSnapshotEvent(span, string(props.Status), string(props.Severity), props.Percent)
		span.SetAttributes(telemetry.AttrAttempt.Int(result.Attempts))
		if err != nil {
			span.SetAttributes(
				telemetry.AttrErrorClass.String(string(err.Class)),
				telemetry.AttrErrorCode.String(err.Code),
			)
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
	}

	logger.WithFields(map[string]interface{}{
		"outcome":  string(result.Outcome),
		"attempts": result.Attempts,
		"duration": result.Duration.String(),
	}).Info("Operation finished")

	return result
}

// finish terminates op according to the work result and runs the
// completion checkpoint. A completion policy failure turns a success into
// a POLICY_FAILED failure; after a failure or cancellation it is attached
// to the original error as a detail.
func (s *Scheduler) finish(ctx context.Context, op *operation.Context, job Job, workErr *EngineError, logger *telemetry.Logger) (Outcome, *EngineError) {
	if workErr == nil {
		if perr := s.evaluator.ApplyCompletionPolicies(ctx, op, job.Options); perr != nil {
			err := policyError(perr)
			op.Complete(failWith(err))
			logger.WithError(perr).Error("Completion policies failed")
			s.notifyFailure(op)
			return OutcomeFailed, err
		}
		op.Complete(func(p operation.Properties) operation.Properties {
			return p.WithSeverity(operation.SeveritySuccess)
		})
		return OutcomeSucceeded, nil
	}

	outcome := OutcomeFailed
	if workErr.Code == ErrCodeCanceled {
		outcome = OutcomeCanceled
		op.Complete(func(p operation.Properties) operation.Properties {
			return p.WithStatus(operation.StatusCanceled).
				WithSeverity(operation.SeverityWarning).
				WithMessage("Canceled")
		})
		logger.Warn("Operation canceled")
	} else {
		op.Complete(failWith(workErr))
		logger.WithError(workErr).Error("Operation failed")
		s.notifyFailure(op)
	}

	if perr := s.evaluator.ApplyCompletionPolicies(ctx, op, job.Options); perr != nil {
		workErr.WithDetail("completion_policy_error", perr.Error())
		logger.WithError(perr).Error("Completion policies failed")
	}
	return outcome, workErr
}

// runWork calls the job's work until it succeeds, fails permanently, runs
// out of retries or ctx is done.
func (s *Scheduler) runWork(ctx context.Context, op *operation.Context, job Job, logger *telemetry.Logger) (int, *EngineError) {
	reporter := &Reporter{op: op, center: s.center}

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return attempt - 1, canceledError(ctx)
		}

		reporter.attempt = attempt
		err := s.attempt(ctx, job, reporter)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, canceledError(ctx)
		}

		classified := Classify(err)
		if !IsRetryable(classified) || attempt > job.MaxRetries {
			return attempt, classified
		}

		backoff := s.calculateBackoff(attempt, classified)
		s.metrics.RecordWorkRetry(job.kind())
		logger.WithError(err).WithFields(map[string]interface{}{
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("Retrying after failure")

		op.Update(func(p operation.Properties) operation.Properties {
			return p.WithMessage(fmt.Sprintf("Retrying after failure (attempt %d/%d)", attempt+1, job.MaxRetries+1))
		})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, canceledError(ctx)
		}
	}
}

// attempt runs the work once under the job timeout. A panic in the work is
// returned as a permanent INTERNAL_ERROR.
func (s *Scheduler) attempt(ctx context.Context, job Job, r *Reporter) (err error) {
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = NewPermanentError("work panicked", fmt.Errorf("%v", rec)).WithCode(ErrCodeInternal)
		}
	}()

	return job.Work(ctx, r)
}

// calculateBackoff returns baseDelay * 2^(attempt-1), capped at maxDelay.
// Throttled errors use five times the base delay and conflicts twice.
func (s *Scheduler) calculateBackoff(attempt int, err error) time.Duration {
	baseDelay := s.baseDelay
	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	delay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.maxDelay) {
		return s.maxDelay
	}
	return time.Duration(delay)
}

// acquire waits for a free slot. It returns false if ctx is done first.
func (s *Scheduler) acquire(ctx context.Context) bool {
	s.metrics.SetQueuedJobs(float64(s.queued.Add(1)))
	defer func() { s.metrics.SetQueuedJobs(float64(s.queued.Add(-1))) }()

	if ctx.Err() != nil {
		return false
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) release() {
	<-s.slots
}

// notifyFailure shows the failed operation until the user dismisses it.
func (s *Scheduler) notifyFailure(op *operation.Context) {
	if s.center == nil {
		return
	}
	n := operation.NewNotification(op.CurrentSnapshot().Properties).WithDuration(0)
	s.center.ShowOperation(n, notification.TargetPanel)
}

func failWith(err error) func(operation.Properties) operation.Properties {
	return func(p operation.Properties) operation.Properties {
		return p.WithSeverity(operation.SeverityError).WithMessage(failureMessage(err))
	}
}

func failureMessage(err error) string {
	var e *EngineError
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	if e != nil {
		return e.Message
	}
	return err.Error()
}

func canceledError(ctx context.Context) *EngineError {
	return NewPermanentError("operation canceled", ctx.Err()).WithCode(ErrCodeCanceled)
}

func policyError(err error) *EngineError {
	e := NewPermanentError("policy checkpoint failed", err).WithCode(ErrCodePolicyFailed)
	var cp *policy.CheckpointError
	if errors.As(err, &cp) {
		e.WithDetail("checkpoint", string(cp.Checkpoint)).WithDetail("policy", cp.Policy)
	}
	return e
}
