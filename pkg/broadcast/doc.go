// Package broadcast fans operation snapshots out to subscribers.
//
// A Channel is the operation.Publisher that broadcasting contexts publish
// to. Every snapshot produced while a context is broadcasting arrives as a
// snapshot Event; when broadcasting stops the context's last snapshot
// arrives as a withdrawn Event.
//
// Delivery is synchronous on the publishing goroutine. Because contexts
// publish while holding their own lock, a subscriber sees the events of one
// operation in transition order. Events of different operations may be
// delivered concurrently, so subscribers must be safe for concurrent use.
package broadcast
