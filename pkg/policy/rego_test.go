package policy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wingetstudio/oplife/pkg/operation"
)

const successOnlyModule = `
package oplife.condition

import rego.v1

default allow := false

allow if input.snapshot.properties.severity == "success"
`

const broadcastingModule = `
package oplife.condition

import rego.v1

allow if input.broadcasting
`

const slowModule = `
package oplife.condition

import rego.v1

allow if {
	some x in numbers.range(1, 100000)
	some y in numbers.range(1, 100000)
	x + y < 0
}
`

func TestRegoPolicyConditionTimeout(t *testing.T) {
	p, err := NewRegoPolicy(context.Background(), "slow", slowModule, NewAutoStartPolicy(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegoPolicy failed: %v", err)
	}
	p.SetConditionTimeout(20 * time.Millisecond)

	op := operation.New()
	start := time.Now()
	if p.CanApply(op) {
		t.Fatal("a condition that runs out of time should not allow")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("condition evaluation was not bounded: took %v", elapsed)
	}
}

func TestRegoPolicyCondition(t *testing.T) {
	ctx := context.Background()
	p, err := NewRegoPolicy(ctx, "stop-on-success", successOnlyModule, NewAutoStopSnapshotBroadcastPolicy(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegoPolicy failed: %v", err)
	}

	if p.Name() != "stop-on-success" || p.Kind() != KindCompletion {
		t.Fatalf("unexpected identity %s/%s", p.Name(), p.Kind())
	}

	op := operation.New()
	op.StartSnapshotBroadcast()
	op.Start()
	op.Complete(func(props operation.Properties) operation.Properties {
		return props.WithSeverity(operation.SeverityError)
	})
	if p.CanApply(op) {
		t.Fatal("condition should reject an error result")
	}

	ok := operation.New()
	ok.StartSnapshotBroadcast()
	ok.Start()
	ok.Complete(func(props operation.Properties) operation.Properties {
		return props.WithSeverity(operation.SeveritySuccess)
	})
	if !p.CanApply(ok) {
		t.Fatal("condition should accept a success result")
	}

	opts := NewExecutionOptions(p)
	if err := opts.ApplyCompletionPolicies(ctx, ok); err != nil {
		t.Fatalf("completion checkpoint failed: %v", err)
	}
	if ok.IsBroadcasting() {
		t.Fatal("wrapped effect should have stopped broadcasting")
	}
}

func TestRegoPolicyRequiresInnerGuard(t *testing.T) {
	p, err := NewRegoPolicy(context.Background(), "", broadcastingModule, NewAutoStartPolicy(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRegoPolicy failed: %v", err)
	}
	if p.Name() != NameAutoStart {
		t.Errorf("empty name should reuse the wrapped name, got %s", p.Name())
	}

	op := operation.New()
	if p.CanApply(op) {
		t.Fatal("condition requires broadcasting")
	}
	op.StartSnapshotBroadcast()
	if !p.CanApply(op) {
		t.Fatal("both guards hold")
	}
	op.Start()
	if p.CanApply(op) {
		t.Fatal("wrapped guard no longer holds once running")
	}
}

func TestRegoPolicyCompileError(t *testing.T) {
	_, err := NewRegoPolicy(context.Background(), "bad", "package oplife.condition\nallow if {", NewAutoStartPolicy(), zerolog.Nop())
	if err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewRegoPolicy(context.Background(), "nil", successOnlyModule, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing wrapped policy")
	}
}
