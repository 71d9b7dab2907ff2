// Package operation models the lifecycle of long-running asynchronous work
// (installs, validations, downloads) as a sequence of immutable snapshots.
//
// # Snapshots
//
// A Snapshot is a point-in-time view of an operation: its identity, creation
// and update timestamps, and Properties (title, message, percent, status,
// severity and actions). Snapshots are values; every transition produces a
// new one.
//
// Status follows a one-way state machine:
//
//	not_started -> running -> completed | canceled
//
// Completed and canceled are terminal. Severity (info, warning, error,
// success) is orthogonal to status and colors the outcome.
//
// # Context
//
// A Context owns the current snapshot of one operation and is the only
// place new snapshots are made:
//
//	op := operation.New(operation.WithPublisher(channel))
//	op.StartSnapshotBroadcast()
//	op.Start()
//	op.Update(func(p operation.Properties) operation.Properties {
//	    return p.WithPercent(40).WithMessage("Downloading")
//	})
//	op.Complete(func(p operation.Properties) operation.Properties {
//	    return p.WithSeverity(operation.SeveritySuccess)
//	})
//
// Invalid transitions (starting twice, completing a finished operation) are
// silent no-ops so racing callers and policies never need to check state
// first. A failed operation is expressed through its snapshot (severity
// error), not through an error value.
//
// # Thread Safety
//
// Transitions on one Context are serialized by a mutex; different contexts
// are independent. CurrentSnapshot reads an atomically swapped pointer and
// never blocks, so it is safe to call from a Publisher.
package operation
