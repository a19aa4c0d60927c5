package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// recordingChannel captures every message it is asked to send.
type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	msgs []Message
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type panickingChannel struct{}

func (panickingChannel) Name() string                        { return "panic" }
func (panickingChannel) Send(context.Context, Message) error { panic("boom") }

func warningSnapshot() budget.Decision {
	return budget.Decision{Allowed: true, Warning: true, Band: budget.BandWarning, PercentageUsed: 80, Spend: 400, EffectiveBudget: 500}
}

func TestDispatcher_DedupPerBand(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	d := NewDispatcher(Config{Workers: 1}, NewMemoryMarkerStore(100, time.Hour), []Channel{ch})

	for i := 0; i < 5; i++ {
		d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	}
	d.Dispatch("acme", budget.BandBlocked, budget.Decision{Band: budget.BandBlocked, PercentageUsed: 112})
	d.Dispatch("other", budget.BandWarning, warningSnapshot())
	d.Dispatch("acme", budget.BandNormal, budget.Decision{})
	d.Close()

	if got := ch.count(); got != 3 {
		t.Fatalf("Expected 3 notifications (acme warning, acme blocked, other warning), got %d", got)
	}
}

func TestDispatcher_ClearAllowsRenotify(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	markers := NewMemoryMarkerStore(100, time.Hour)
	d := NewDispatcher(Config{Workers: 1}, markers, []Channel{ch})
	defer d.Close()

	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	waitFor(t, func() bool { return ch.count() == 1 })

	d.Clear(context.Background(), "acme")
	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	waitFor(t, func() bool { return ch.count() == 2 })
}

// gatedChannel holds deliveries for one tenant until released and records
// the rest.
type gatedChannel struct {
	recordingChannel
	gated   string
	release chan struct{}
}

func (g *gatedChannel) Send(ctx context.Context, msg Message) error {
	if msg.TenantID == g.gated {
		<-g.release
		return nil
	}
	return g.recordingChannel.Send(ctx, msg)
}

func TestDispatcher_ClearWhileQueued(t *testing.T) {
	ch := &gatedChannel{recordingChannel: recordingChannel{name: "test"}, gated: "busy", release: make(chan struct{})}
	markers := NewMemoryMarkerStore(100, time.Hour)
	d := NewDispatcher(Config{Workers: 1}, markers, []Channel{ch})

	// Hold the only worker so acme's crossing stays queued across the Clear.
	d.Dispatch("busy", budget.BandWarning, warningSnapshot())
	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	d.Clear(context.Background(), "acme")
	close(ch.release)

	waitFor(t, func() bool { return ch.count() == 1 })

	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	d.Close()

	if got := ch.count(); got != 2 {
		t.Fatalf("Expected 2 acme notifications after up, down, up; got %d", got)
	}

	acquired, err := markers.Acquire(context.Background(), "acme", string(budget.BandWarning))
	if err != nil {
		t.Fatal(err)
	}
	if acquired {
		t.Error("Expected the marker of the last crossing to be held")
	}
}

func TestDispatcher_ChannelIsolation(t *testing.T) {
	failing := &recordingChannel{name: "failing", err: errors.New("smtp down")}
	healthy := &recordingChannel{name: "healthy"}
	d := NewDispatcher(Config{}, NewMemoryMarkerStore(100, time.Hour), []Channel{failing, panickingChannel{}, healthy})

	d.Dispatch("acme", budget.BandBlocked, budget.Decision{Band: budget.BandBlocked})
	d.Close()

	if healthy.count() != 1 {
		t.Errorf("Expected healthy channel to receive the notification, got %d", healthy.count())
	}
	if failing.count() != 1 {
		t.Errorf("Expected failing channel to be attempted once, got %d", failing.count())
	}
}

func TestDispatcher_ReleasesMarkerWhenAllChannelsFail(t *testing.T) {
	failing := &recordingChannel{name: "failing", err: errors.New("unreachable")}
	markers := NewMemoryMarkerStore(100, time.Hour)
	d := NewDispatcher(Config{Workers: 1}, markers, []Channel{failing})

	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	d.Dispatch("acme", budget.BandWarning, warningSnapshot())
	d.Close()

	if got := failing.count(); got != 2 {
		t.Errorf("Expected a retry after total failure, got %d attempts", got)
	}
}

// blockingChannel holds the worker until released.
type blockingChannel struct {
	release chan struct{}
}

func (b *blockingChannel) Name() string { return "blocking" }
func (b *blockingChannel) Send(ctx context.Context, _ Message) error {
	<-b.release
	return nil
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	ch := &blockingChannel{release: make(chan struct{})}
	d := NewDispatcher(Config{QueueSize: 1, Workers: 1}, NewMemoryMarkerStore(100, time.Hour), []Channel{ch})

	start := time.Now()
	for i := 0; i < 10; i++ {
		d.Dispatch("tenant-"+string(rune('a'+i)), budget.BandWarning, warningSnapshot())
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected Dispatch never to block, took %v", elapsed)
	}
	if d.Dropped() == 0 {
		t.Error("Expected some notifications to be dropped")
	}

	close(ch.release)
	d.Close()

	// Dispatch after Close is a logged no-op.
	d.Dispatch("late", budget.BandWarning, warningSnapshot())
}

func TestDispatcher_Alert(t *testing.T) {
	ch := &recordingChannel{name: "test"}
	d := NewDispatcher(Config{Workers: 1}, NewMemoryMarkerStore(100, time.Hour), []Channel{ch})

	d.Alert("acme", "reset failed 3 times")
	d.Alert("acme", "reset failed 4 times")
	d.Close()

	if ch.count() != 1 {
		t.Fatalf("Expected 1 operational alert within the dedup window, got %d", ch.count())
	}
	if ch.msgs[0].Kind != KindOperational {
		t.Errorf("Expected operational kind, got %s", ch.msgs[0].Kind)
	}
}

func TestMemoryMarkerStore_TTL(t *testing.T) {
	m := NewMemoryMarkerStore(10, 50*time.Millisecond)
	ctx := context.Background()

	if ok, _ := m.Acquire(ctx, "acme", "WARNING"); !ok {
		t.Fatal("Expected first acquire to succeed")
	}
	if ok, _ := m.Acquire(ctx, "acme", "WARNING"); ok {
		t.Fatal("Expected second acquire inside the window to fail")
	}

	time.Sleep(120 * time.Millisecond)
	if ok, _ := m.Acquire(ctx, "acme", "WARNING"); !ok {
		t.Error("Expected acquire to succeed after the marker expired")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected JSON content type, got %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(WebhookConfig{URL: srv.URL})
	msg := bandMessage("acme", budget.BandBlocked, budget.Decision{Band: budget.BandBlocked, Spend: 560, EffectiveBudget: 500, PercentageUsed: 112}, time.Now())
	if err := ch.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !strings.Contains(got.Text, "blocked") {
		t.Errorf("Expected text to mention blocked, got %q", got.Text)
	}
	if got.Message.TenantID != "acme" || got.Message.Band != budget.BandBlocked {
		t.Errorf("Unexpected structured message: %+v", got.Message)
	}
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookChannel(WebhookConfig{URL: srv.URL}).Send(context.Background(), Message{})
	if !errors.Is(err, budget.ErrNotificationFailed) {
		t.Errorf("Expected ErrNotificationFailed, got %v", err)
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	inner := &recordingChannel{name: "flaky", err: errors.New("timeout")}
	ch := WithBreaker(inner, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, nil)

	for i := 0; i < 5; i++ {
		_ = ch.Send(context.Background(), Message{})
	}
	if inner.count() != 2 {
		t.Errorf("Expected breaker to stop calls after 2 failures, got %d calls", inner.count())
	}
	if ch.Name() != "flaky" {
		t.Errorf("Expected wrapped name, got %s", ch.Name())
	}
}

func TestBuildEmail(t *testing.T) {
	msg := Message{Subject: "budget warning", Body: "line one\nline two", Timestamp: time.Now()}
	raw := string(buildEmail("alerts@example.com", []string{"a@example.com", "b@example.com"}, msg))

	for _, want := range []string{
		"From: alerts@example.com\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Subject: budget warning\r\n",
		"\r\n\r\nline one\r\nline two\r\n",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("Expected message to contain %q, got %q", want, raw)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
