package broadcast

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestChannelDeliversContextTransitionsInOrder(t *testing.T) {
	ch := NewChannel()
	rec := &eventRecorder{}
	ch.Subscribe(rec.record, nil)

	op := operation.New(operation.WithPublisher(ch))
	op.StartSnapshotBroadcast()
	op.Start()
	op.Update(func(p operation.Properties) operation.Properties { return p.WithPercent(50) })
	op.Complete(nil)
	op.StopSnapshotBroadcast()

	events := rec.snapshot()
	wantTypes := []EventType{EventSnapshot, EventSnapshot, EventSnapshot, EventWithdrawn}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(events))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("event %d type = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[0].Snapshot.Properties.Status != operation.StatusRunning {
		t.Errorf("first event should be running, got %s", events[0].Snapshot.Properties.Status)
	}
	if events[2].Snapshot.Properties.Status != operation.StatusCompleted {
		t.Errorf("third event should be completed, got %s", events[2].Snapshot.Properties.Status)
	}
	if !events[3].Snapshot.Equal(events[2].Snapshot) {
		t.Error("withdrawn event should carry the last snapshot")
	}
}

func TestChannelStampsPublishedAt(t *testing.T) {
	at := time.Unix(1700000000, 0)
	ch := NewChannel(WithClock(func() time.Time { return at }))
	rec := &eventRecorder{}
	ch.Subscribe(rec.record, nil)

	ch.Publish(operation.Snapshot{ID: "a"})
	if got := rec.snapshot()[0].PublishedAt; !got.Equal(at) {
		t.Errorf("PublishedAt = %v, want %v", got, at)
	}
}

func TestUnsubscribe(t *testing.T) {
	ch := NewChannel()
	rec := &eventRecorder{}
	unsubscribe := ch.Subscribe(rec.record, nil)

	ch.Publish(operation.Snapshot{ID: "a"})
	unsubscribe()
	unsubscribe()
	ch.Publish(operation.Snapshot{ID: "b"})

	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("expected 1 event before unsubscribe, got %d", got)
	}
	if ch.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", ch.Len())
	}
}

func TestSubscribersMayUnsubscribeDuringDelivery(t *testing.T) {
	ch := NewChannel()
	rec := &eventRecorder{}

	var unsubscribe func()
	unsubscribe = ch.Subscribe(func(event Event) {
		unsubscribe()
	}, nil)
	ch.Subscribe(rec.record, nil)

	ch.Publish(operation.Snapshot{ID: "a"})
	ch.Publish(operation.Snapshot{ID: "b"})

	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("second subscriber should see both events, got %d", got)
	}
	if ch.Len() != 1 {
		t.Fatalf("expected 1 subscriber left, got %d", ch.Len())
	}
}

func TestFilters(t *testing.T) {
	running := operation.Snapshot{ID: "a", Properties: operation.EmptyProperties().WithStatus(operation.StatusRunning)}
	failed := operation.Snapshot{ID: "b", Properties: operation.EmptyProperties().
		WithStatus(operation.StatusCompleted).WithSeverity(operation.SeverityError)}

	tests := []struct {
		name   string
		filter Filter
		event  Event
		want   bool
	}{
		{"operation id match", FilterByOperationID("a", "c"), Event{Snapshot: running}, true},
		{"operation id miss", FilterByOperationID("c"), Event{Snapshot: running}, false},
		{"type match", FilterByType(EventWithdrawn), Event{Type: EventWithdrawn}, true},
		{"type miss", FilterByType(EventWithdrawn), Event{Type: EventSnapshot}, false},
		{"severity above", FilterBySeverity(operation.SeverityWarning), Event{Snapshot: failed}, true},
		{"severity below", FilterBySeverity(operation.SeverityWarning), Event{Snapshot: running}, false},
		{"active running", FilterActive(), Event{Type: EventSnapshot, Snapshot: running}, true},
		{"active terminated", FilterActive(), Event{Type: EventSnapshot, Snapshot: failed}, false},
		{"active withdrawn", FilterActive(), Event{Type: EventWithdrawn, Snapshot: running}, false},
		{"all", All(FilterByOperationID("b"), FilterBySeverity(operation.SeverityError)), Event{Snapshot: failed}, true},
		{"all short circuits", All(FilterByOperationID("a"), FilterBySeverity(operation.SeverityError)), Event{Snapshot: failed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter(tt.event); got != tt.want {
				t.Errorf("filter = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFilteredSubscription(t *testing.T) {
	ch := NewChannel()
	rec := &eventRecorder{}
	ch.Subscribe(rec.record, FilterByType(EventWithdrawn))

	ch.Publish(operation.Snapshot{ID: "a"})
	ch.Withdraw(operation.Snapshot{ID: "a"})

	events := rec.snapshot()
	if len(events) != 1 || events[0].Type != EventWithdrawn {
		t.Fatalf("expected only the withdrawn event, got %+v", events)
	}
}

func TestConcurrentContextsDeliverPerContextOrder(t *testing.T) {
	ch := NewChannel()

	var mu sync.Mutex
	percents := map[string][]int{}
	ch.Subscribe(func(event Event) {
		if event.Snapshot.Properties.Percent == nil {
			return
		}
		mu.Lock()
		percents[event.Snapshot.ID] = append(percents[event.Snapshot.ID], *event.Snapshot.Properties.Percent)
		mu.Unlock()
	}, FilterByType(EventSnapshot))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := operation.New(operation.WithPublisher(ch))
			op.StartSnapshotBroadcast()
			op.Start()
			for p := 1; p <= 20; p++ {
				op.Update(func(props operation.Properties) operation.Properties { return props.WithPercent(p * 5) })
			}
		}()
	}
	wg.Wait()

	if len(percents) != 8 {
		t.Fatalf("expected 8 operations, got %d", len(percents))
	}
	for id, seq := range percents {
		for i := 1; i < len(seq); i++ {
			if seq[i] <= seq[i-1] {
				t.Fatalf("operation %s delivered out of order: %v", id, seq)
			}
		}
	}
}

func TestChannelMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	ch := NewChannel(WithMetrics(metrics))
	unsubscribe := ch.Subscribe(func(Event) {}, nil)
	ch.Subscribe(func(Event) {}, nil)
	ch.Publish(operation.Snapshot{ID: "a"})
	unsubscribe()

	if got, err := testutil.GatherAndCount(metrics.Registry(), "oplife_broadcast_deliveries_total"); err != nil || got != 1 {
		t.Errorf("expected one delivery series, got %d (%v)", got, err)
	}

	expected := `
# HELP oplife_broadcast_subscribers Current number of broadcast subscribers
# TYPE oplife_broadcast_subscribers gauge
oplife_broadcast_subscribers 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "oplife_broadcast_subscribers"); err != nil {
		t.Errorf("unexpected subscriber gauge: %v", err)
	}
}
