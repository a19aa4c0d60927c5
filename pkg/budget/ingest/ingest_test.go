package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/engine"
	"mercator-hq/spendgate/pkg/budget/storage"
)

var (
	testSecret = []byte("whsec_test")
	baseTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type recordingNotifier struct {
	mu         sync.Mutex
	dispatched []budget.Band
	cleared    int
	calls      []string
}

func (n *recordingNotifier) Dispatch(_ string, band budget.Band, _ budget.Decision) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatched = append(n.dispatched, band)
	n.calls = append(n.calls, "dispatch:"+string(band))
}

func (n *recordingNotifier) Clear(context.Context, string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared++
	n.calls = append(n.calls, "clear")
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []budget.AuditEntry
}

func (a *recordingAudit) Append(_ context.Context, e budget.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *recordingAudit) Record(ctx context.Context, e budget.AuditEntry) error {
	return a.Append(ctx, e)
}

type failingApplier struct{}

func (failingApplier) ApplyEvent(context.Context, *budget.SpendEvent) (*budget.Transition, error) {
	return nil, fmt.Errorf("%w: database is down", budget.ErrStateUnavailable)
}

type fixture struct {
	store    *storage.MemoryStore
	ingestor *Ingestor
	notifier *recordingNotifier
	audit    *recordingAudit
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	cfg := &budget.TenantConfig{
		TenantID:          "acme",
		MaxBudget:         500,
		AlertThresholdPct: 80,
		GraceThresholdPct: 110,
		BudgetDuration:    30 * 24 * time.Hour,
		ResetAt:           baseTime.Add(30 * 24 * time.Hour),
	}
	if err := store.PutConfig(context.Background(), cfg); err != nil {
		t.Fatalf("PutConfig failed: %v", err)
	}

	clock := func() time.Time { return baseTime }
	eng := engine.New(engine.Config{}, engine.Repositories{Configs: store, States: store, Overrides: store}, engine.WithClock(clock))

	f := &fixture{store: store, notifier: &recordingNotifier{}, audit: &recordingAudit{}}
	ing, err := New(Config{Secret: testSecret}, eng, store,
		WithNotifier(f.notifier),
		WithAuditSink(f.audit),
		WithClock(clock),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.ingestor = ing
	return f
}

func (f *fixture) send(t *testing.T, body string) (*AckResult, error) {
	t.Helper()
	b := []byte(body)
	return f.ingestor.Ingest(context.Background(), b, Sign(testSecret, b))
}

func (f *fixture) spend(t *testing.T) float64 {
	t.Helper()
	state, err := f.store.GetState(context.Background(), "acme")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state == nil {
		return -1
	}
	return state.CurrentSpend
}

func TestIngest_InvalidSignatureRejected(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event_id":"evt-1","tenant_id":"acme","spend":450}`)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong secret", Sign([]byte("other"), body)},
		{"no prefix", Sign(testSecret, body)[len(SignaturePrefix):]},
		{"not hex", "sha256=zzzz"},
		{"truncated", Sign(testSecret, body)[:20]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ingestor.Ingest(context.Background(), body, tt.header)
			if !errors.Is(err, budget.ErrAuthenticationFailed) {
				t.Errorf("Expected ErrAuthenticationFailed, got %v", err)
			}
		})
	}

	if got := f.spend(t); got != -1 {
		t.Errorf("Expected no spend state after rejected requests, got %v", got)
	}
	exists, _ := f.store.EventExists(context.Background(), "acme", "evt-1")
	if exists {
		t.Error("Expected rejected event not to be recorded")
	}
}

func TestIngest_DuplicateEventIsNoop(t *testing.T) {
	f := newFixture(t)
	body := `{"event_id":"evt-1","tenant_id":"acme","spend":450,"event_type":"spend_tracked"}`

	first, err := f.send(t, body)
	if err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	if first.Status != StatusAccepted || first.Duplicate {
		t.Errorf("Expected first delivery accepted and novel, got %+v", first)
	}

	second, err := f.send(t, body)
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if !second.Duplicate {
		t.Error("Expected second delivery to be a duplicate")
	}

	if got := f.spend(t); got != 450 {
		t.Errorf("Expected spend 450, got %v", got)
	}
	state, _ := f.store.GetState(context.Background(), "acme")
	if state.Version != 1 {
		t.Errorf("Expected a single state write, got version %d", state.Version)
	}
}

func TestIngest_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"malformed json", `{"event_id":`, "body"},
		{"missing event id", `{"tenant_id":"acme","spend":1}`, "event_id"},
		{"missing tenant", `{"event_id":"e","spend":1}`, "tenant_id"},
		{"missing spend", `{"event_id":"e","tenant_id":"acme"}`, "spend"},
		{"bad timestamp", `{"event_id":"e","tenant_id":"acme","spend":1,"timestamp":"yesterday"}`, "timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.send(t, tt.body)
			var verr *budget.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Expected ValidationError, got %v", err)
			}
			if verr.Field != tt.field {
				t.Errorf("Expected field %q, got %q", tt.field, verr.Field)
			}
			if !errors.Is(err, budget.ErrValidationFailed) {
				t.Error("Expected error to wrap ErrValidationFailed")
			}
		})
	}
}

func TestIngest_UnknownEventTypeAccepted(t *testing.T) {
	f := newFixture(t)
	ack, err := f.send(t, `{"event_id":"e","tenant_id":"acme","spend":10,"event_type":"spend_forecast_v2"}`)
	if err != nil {
		t.Fatalf("Expected unknown event type to be accepted, got %v", err)
	}
	if ack.Status != StatusAccepted {
		t.Errorf("Expected accepted, got %s", ack.Status)
	}
	if got := f.spend(t); got != 10 {
		t.Errorf("Expected spend 10, got %v", got)
	}
}

func TestIngest_TransitionsNotifyAndAudit(t *testing.T) {
	f := newFixture(t)

	steps := []struct {
		spend float64
		band  budget.Band
	}{
		{100, budget.BandNormal},
		{400, budget.BandWarning},
		{420, budget.BandWarning},
		{560, budget.BandBlocked},
	}
	for n, s := range steps {
		ack, err := f.send(t, fmt.Sprintf(`{"event_id":"evt-%d","tenant_id":"acme","spend":%g}`, n, s.spend))
		if err != nil {
			t.Fatalf("Ingest %d failed: %v", n, err)
		}
		if ack.Band != s.band {
			t.Errorf("Step %d: expected band %s, got %s", n, s.band, ack.Band)
		}
	}
	f.ingestor.Wait()

	if len(f.notifier.dispatched) != 2 ||
		f.notifier.dispatched[0] != budget.BandWarning ||
		f.notifier.dispatched[1] != budget.BandBlocked {
		t.Errorf("Expected WARNING then BLOCKED notifications, got %v", f.notifier.dispatched)
	}
	if len(f.audit.entries) != 2 {
		t.Fatalf("Expected 2 band transition audit entries, got %d", len(f.audit.entries))
	}
	if f.audit.entries[1].Details["to"] != string(budget.BandBlocked) {
		t.Errorf("Expected second audit to record BLOCKED, got %v", f.audit.entries[1].Details)
	}
}

func TestIngest_DownwardTransitionClearsMarkers(t *testing.T) {
	f := newFixture(t)

	if _, err := f.send(t, `{"event_id":"a","tenant_id":"acme","spend":450,"timestamp":1772366400}`); err != nil {
		t.Fatal(err)
	}
	// A correction lowers the running total.
	if _, err := f.send(t, `{"event_id":"b","tenant_id":"acme","spend":100,"timestamp":1772366460}`); err != nil {
		t.Fatal(err)
	}
	f.ingestor.Wait()

	if f.notifier.cleared != 1 {
		t.Errorf("Expected markers to be cleared once, got %d", f.notifier.cleared)
	}
}

func TestIngest_NotifierCallsFollowEventOrder(t *testing.T) {
	f := newFixture(t)

	bodies := []string{
		`{"event_id":"up-1","tenant_id":"acme","spend":450,"timestamp":1772366400}`,
		`{"event_id":"down","tenant_id":"acme","spend":100,"timestamp":1772366460}`,
		`{"event_id":"up-2","tenant_id":"acme","spend":450,"timestamp":1772366520}`,
	}
	for _, body := range bodies {
		if _, err := f.send(t, body); err != nil {
			t.Fatal(err)
		}
	}

	// No Wait: the notifier sees each transition before Ingest returns.
	f.notifier.mu.Lock()
	calls := strings.Join(f.notifier.calls, ",")
	f.notifier.mu.Unlock()
	if want := "dispatch:WARNING,clear,dispatch:WARNING"; calls != want {
		t.Errorf("Expected notifier calls %q, got %q", want, calls)
	}
	f.ingestor.Wait()
}

func TestIngest_StaleEventIgnored(t *testing.T) {
	f := newFixture(t)

	if _, err := f.send(t, `{"event_id":"new","tenant_id":"acme","spend":300,"timestamp":"2026-03-01T11:00:00Z"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.send(t, `{"event_id":"old","tenant_id":"acme","spend":100,"timestamp":"2026-03-01T10:00:00Z"}`); err != nil {
		t.Fatal(err)
	}

	if got := f.spend(t); got != 300 {
		t.Errorf("Expected out-of-order total to be ignored, got spend %v", got)
	}
}

func TestIngest_InternalErrorsStillAcknowledged(t *testing.T) {
	store := storage.NewMemoryStore()
	ing, err := New(Config{Secret: testSecret}, failingApplier{}, store)
	if err != nil {
		t.Fatal(err)
	}

	body := []byte(`{"event_id":"e","tenant_id":"acme","spend":10}`)
	ack, err := ing.Ingest(context.Background(), body, Sign(testSecret, body))
	if err != nil {
		t.Fatalf("Expected internal failure to be swallowed, got %v", err)
	}
	if ack.Status != StatusAccepted {
		t.Errorf("Expected accepted, got %s", ack.Status)
	}
	exists, _ := store.EventExists(context.Background(), "acme", "e")
	if exists {
		t.Error("Expected an unapplied event not to be recorded, so a retry can apply it")
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	if _, err := New(Config{}, failingApplier{}, storage.NewMemoryStore()); err == nil {
		t.Error("Expected error without a secret")
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{``, time.Time{}, false},
		{`null`, time.Time{}, false},
		{`""`, time.Time{}, false},
		{`"2026-03-01T12:00:00Z"`, baseTime, false},
		{`"2026-03-01T13:00:00+01:00"`, baseTime, false},
		{`1772366400`, baseTime, false},
		{`1772366400000`, baseTime, false},
		{`"1772366400"`, baseTime, false},
		{`"soon"`, time.Time{}, true},
		{`-5`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTimestamp([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error=%v, got %v", tt.wantErr, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
