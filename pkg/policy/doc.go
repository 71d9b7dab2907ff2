// Package policy decides how operations start, complete and stop being
// broadcast.
//
// A Policy is a guard (CanApply) plus an effect (Apply) over an
// operation.Context. Each policy belongs to one of two checkpoints:
//
//  1. Start - evaluated when an operation is attached, before work begins
//  2. Completion - evaluated when the work driver reports the work finished
//
// # Composition
//
// ExecutionOptions carries an ordered, mixed list of policies. At a
// checkpoint every policy of the matching kind is visited in list order and
// applied if its guard holds at that moment, so a later policy sees the
// effects of an earlier one:
//
//	opts := policy.NewExecutionOptions(
//	    policy.NewAutoStartPolicy(),
//	    policy.CompleteWith(operation.SeveritySuccess),
//	    policy.NewAutoStopSnapshotBroadcastPolicy(),
//	)
//	evaluator := policy.NewEvaluator(policy.WithLogger(logger))
//	if err := evaluator.ApplyStartPolicies(ctx, op, opts); err != nil {
//	    return err
//	}
//
// The first effect that returns an error aborts the checkpoint with a
// *CheckpointError. Nothing is retried or suppressed.
//
// # Built-in Policies
//
//   - auto-start: starts a not-started operation
//   - auto-complete: completes a running operation, optionally forcing a severity
//   - auto-start-broadcast / broadcast-on-start: turns broadcasting on
//   - auto-stop-broadcast: turns broadcasting off
//   - snapshot-retention: stops broadcasting a matching result after a delay
//
// Any built-in policy can be guarded by a Rego condition (RegoPolicy).
//
// # Policy Sets
//
// Named sets live in a Registry seeded with "default", "background" and
// "silent". More sets are read from YAML files by a Loader, which can watch
// the files and hand fresh sets to Registry.Replace on change.
package policy
