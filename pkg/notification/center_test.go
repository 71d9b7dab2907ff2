package notification

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wingetstudio/oplife/pkg/operation"
	"github.com/wingetstudio/oplife/pkg/telemetry"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestShowDefaults(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	id := c.Show(Message{Text: "Copied"})
	if id == "" {
		t.Fatal("expected generated ID")
	}

	active := c.Active(TargetAll)
	if len(active) != 1 {
		t.Fatalf("expected 1 active message, got %d", len(active))
	}
	msg := active[0]
	if msg.Target != TargetPanel || msg.Dismiss != DismissTimeout ||
		msg.Duration != operation.DefaultNotificationDuration || msg.Severity != operation.SeverityInfo {
		t.Errorf("unexpected defaults: %+v", msg)
	}
	if msg.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}

func TestTimeoutDismissal(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	log := &eventLog{}
	c.Subscribe(TargetAll, log.add)

	c.Show(Message{Text: "short", Duration: 20 * time.Millisecond})
	waitFor(t, func() bool { return len(c.Active(TargetAll)) == 0 })

	events := log.all()
	if len(events) != 2 || events[0].Type != EventShown || events[1].Type != EventDismissed {
		t.Fatalf("unexpected events: %+v", events)
	}
	if events[1].Reason != ReasonTimeout {
		t.Errorf("expected timeout reason, got %s", events[1].Reason)
	}
}

func TestUserDismissal(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	id := c.Show(Message{Text: "Restart required", Dismiss: DismissUser, Duration: time.Millisecond})
	time.Sleep(20 * time.Millisecond)
	if len(c.Active(TargetPanel)) != 1 {
		t.Fatal("user-dismissed message must not time out")
	}

	if !c.Dismiss(id) {
		t.Fatal("expected Dismiss to report an active message")
	}
	if c.Dismiss(id) {
		t.Fatal("second Dismiss should report false")
	}
	if len(c.Active(TargetAll)) != 0 {
		t.Fatal("expected no active messages")
	}
}

func TestTargets(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	panelLog, overlayLog := &eventLog{}, &eventLog{}
	c.Subscribe(TargetPanel, panelLog.add)
	c.Subscribe(TargetOverlay, overlayLog.add)

	c.Show(Message{Text: "panel only", Target: TargetPanel, Dismiss: DismissUser})
	c.Show(Message{Text: "both", Target: TargetAll, Dismiss: DismissUser})

	if got := len(c.Active(TargetPanel)); got != 2 {
		t.Errorf("panel active = %d, want 2", got)
	}
	if got := len(c.Active(TargetOverlay)); got != 1 {
		t.Errorf("overlay active = %d, want 1", got)
	}
	if got := len(panelLog.all()); got != 2 {
		t.Errorf("panel events = %d, want 2", got)
	}
	if got := len(overlayLog.all()); got != 1 {
		t.Errorf("overlay events = %d, want 1", got)
	}
}

func TestShowOperation(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	n := operation.NewNotification(operation.EmptyProperties().
		WithTitle("Install").
		WithMessage("Installed 3 packages").
		WithSeverity(operation.SeveritySuccess))

	id := c.ShowOperation(n, TargetOverlay)
	if id != n.ID {
		t.Fatalf("expected notification ID %s, got %s", n.ID, id)
	}
	msg := c.Active(TargetOverlay)[0]
	if msg.Title != "Install" || msg.Text != "Installed 3 packages" || msg.Severity != operation.SeveritySuccess {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Dismiss != DismissTimeout || msg.Duration != n.Duration {
		t.Errorf("expected timeout after %v, got %s after %v", n.Duration, msg.Dismiss, msg.Duration)
	}

	sticky := c.ShowOperation(n.WithDuration(0), TargetPanel)
	if got := c.Active(TargetPanel); len(got) != 1 || got[0].ID != sticky || got[0].Dismiss != DismissUser {
		t.Errorf("zero duration should wait for the user: %+v", got)
	}
}

func TestReplaceKeepsNewMessage(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	log := &eventLog{}
	c.Subscribe(TargetAll, log.add)

	c.Show(Message{ID: "x", Text: "first", Duration: 20 * time.Millisecond})
	c.Show(Message{ID: "x", Text: "second", Dismiss: DismissUser})
	time.Sleep(50 * time.Millisecond)

	active := c.Active(TargetAll)
	if len(active) != 1 || active[0].Text != "second" {
		t.Fatalf("old timer removed the replacement: %+v", active)
	}

	events := log.all()
	if len(events) != 3 || events[1].Reason != ReasonReplaced {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestDismissFromHandlerKeepsEventOrder(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	log := &eventLog{}
	c.Subscribe(TargetAll, func(e Event) {
		log.add(e)
		if e.Type == EventDismissed && e.Reason == ReasonReplaced {
			c.Dismiss(e.Message.ID)
		}
	})

	c.Show(Message{ID: "a", Text: "v1", Dismiss: DismissUser})
	c.Show(Message{ID: "a", Text: "v2", Dismiss: DismissUser})

	var got []string
	for _, e := range log.all() {
		got = append(got, string(e.Type)+":"+e.Message.Text+":"+string(e.Reason))
	}
	want := []string{
		string(EventShown) + ":v1:",
		string(EventDismissed) + ":v1:" + string(ReasonReplaced),
		string(EventShown) + ":v2:",
		string(EventDismissed) + ":v2:" + string(ReasonUser),
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("events out of order:\n got %v\nwant %v", got, want)
	}
	if active := c.Active(TargetAll); len(active) != 0 {
		t.Fatalf("expected no active messages, got %+v", active)
	}
}

func TestConcurrentShowAndDismissOrderPerMessage(t *testing.T) {
	c := NewCenter()
	defer c.Close()

	log := &eventLog{}
	c.Subscribe(TargetAll, log.add)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := c.Show(Message{Text: "x", Dismiss: DismissUser})
				c.Dismiss(id)
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return len(log.all()) == 8*50*2 })

	shown := make(map[string]bool)
	for _, e := range log.all() {
		switch e.Type {
		case EventShown:
			shown[e.Message.ID] = true
		case EventDismissed:
			if !shown[e.Message.ID] {
				t.Fatalf("message %s dismissed before it was shown", e.Message.ID)
			}
		}
	}
}

func TestReplaceRecordsDismissalMetric(t *testing.T) {
	m, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	c := NewCenter(WithMetrics(m))

	c.Show(Message{ID: "a", Dismiss: DismissUser})
	c.Show(Message{ID: "a", Dismiss: DismissUser})
	c.Dismiss("a")

	expected := `
# HELP oplife_notifications_dismissed_total Total number of notifications dismissed
# TYPE oplife_notifications_dismissed_total counter
oplife_notifications_dismissed_total{reason="replaced"} 1
oplife_notifications_dismissed_total{reason="user"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "oplife_notifications_dismissed_total"); err != nil {
		t.Errorf("Unexpected dismissal metrics: %v", err)
	}
}

func TestClose(t *testing.T) {
	c := NewCenter()
	log := &eventLog{}
	unsubscribe := c.Subscribe(TargetAll, log.add)

	c.Show(Message{Text: "a", Dismiss: DismissUser})
	c.Show(Message{Text: "b"})
	c.Close()
	c.Close()

	if len(c.Active(TargetAll)) != 0 {
		t.Fatal("Close should dismiss everything")
	}
	if id := c.Show(Message{Text: "late"}); id != "" {
		t.Fatal("Show after Close should be ignored")
	}

	dismissed := 0
	for _, e := range log.all() {
		if e.Type == EventDismissed && e.Reason == ReasonClosed {
			dismissed++
		}
	}
	if dismissed != 2 {
		t.Fatalf("expected 2 closed dismissals, got %d", dismissed)
	}

	unsubscribe()
	unsubscribe()
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in   string
		want Target
		err  bool
	}{
		{"panel", TargetPanel, false},
		{"Overlay", TargetOverlay, false},
		{"all", TargetAll, false},
		{"banner", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTarget(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseTarget(%q) = %v, %v", tt.in, got, err)
		}
	}
	if !TargetAll.Has(TargetOverlay) || TargetPanel.Has(TargetOverlay) {
		t.Error("unexpected Has results")
	}
}
