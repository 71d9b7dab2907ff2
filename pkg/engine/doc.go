// Package engine drives units of work through the operation lifecycle.
//
// A Job pairs a Work function with the lifecycle policies of its operation.
// The Scheduler creates one operation.Context per job and runs it through
// the same sequence every time:
//
//  1. Start checkpoint (policy.Evaluator.ApplyStartPolicies)
//  2. Start, if no start policy already did
//  3. Work, retried with exponential backoff while it fails with a
//     retryable *EngineError
//  4. Termination:
//     - success: completion checkpoint, then Complete with severity success
//     - failure: Complete with severity error, then completion checkpoint
//     - cancellation: Complete with status canceled and severity warning,
//     then completion checkpoint
//
// Work reports progress through a Reporter, which updates the operation's
// snapshot and, when broadcasting, reaches every subscriber of the
// scheduler's publisher:
//
//	result := scheduler.Execute(ctx, engine.Job{
//	    Kind:    "install",
//	    Title:   "Installing Git",
//	    Options: policy.DefaultOptions(),
//	    Work: func(ctx context.Context, r *engine.Reporter) error {
//	        r.Progress(50, "Downloading")
//	        return download(ctx)
//	    },
//	})
//
// # Errors
//
// Failures are classified as transient, throttled, conflict or permanent.
// Only the first three are retried. Plain errors returned by Work are
// permanent; an attempt that exceeds Job.Timeout is transient. Policy
// checkpoint failures are permanent errors with code POLICY_FAILED that wrap
// the *policy.CheckpointError.
//
// # Concurrency
//
// At most MaxParallel jobs run at once across Run, Submit and Execute.
// Jobs waiting for a slot are counted by the queued_jobs gauge.
package engine
