package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/storage"
)

// flakyStore fails the first n writes.
type flakyStore struct {
	mu       sync.Mutex
	failures int
	written  []*budget.AuditEntry
	calls    int
}

func (f *flakyStore) Name() string { return "flaky" }

func (f *flakyStore) Write(_ context.Context, e *budget.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("temporary failure")
	}
	f.written = append(f.written, e)
	return nil
}

func TestRecorder_AppendAndQuery(t *testing.T) {
	mem := storage.NewMemoryStore()
	r := NewRecorder(nil, mem, NewRepositoryStore(mem))

	err := r.Append(context.Background(), budget.AuditEntry{
		TenantID:  "acme",
		Operation: budget.AuditOverrideCreate,
		Actor:     "alice",
		Details:   map[string]string{"amount": "100"},
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := r.Append(context.Background(), budget.AuditEntry{TenantID: "acme", Operation: budget.AuditBudgetReset}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	r.Close()

	entries, err := r.Query(context.Background(), "acme", 0)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		if e.ID == "" {
			t.Error("Expected an assigned id")
		}
		if e.Timestamp.IsZero() {
			t.Error("Expected an assigned timestamp")
		}
	}
	if entries[0].Actor != budget.SystemActor {
		t.Errorf("Expected default actor %q for the reset, got %q", budget.SystemActor, entries[0].Actor)
	}
}

func TestRecorder_RetriesFailedWrites(t *testing.T) {
	store := &flakyStore{failures: 2}
	r := NewRecorder(&Config{MaxRetries: 3, RetryBackoff: time.Millisecond}, nil, store)

	if err := r.Append(context.Background(), budget.AuditEntry{TenantID: "acme", Operation: budget.AuditConfigUpdated}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	r.Close()

	if len(store.written) != 1 {
		t.Fatalf("Expected entry to be written after retries, got %d", len(store.written))
	}
	if store.calls != 3 {
		t.Errorf("Expected 3 write attempts, got %d", store.calls)
	}
}

func TestRecorder_StoreFailureIsolation(t *testing.T) {
	broken := &flakyStore{failures: 100}
	mem := storage.NewMemoryStore()
	r := NewRecorder(&Config{MaxRetries: 1, RetryBackoff: time.Millisecond}, mem, broken, NewRepositoryStore(mem))

	if err := r.Append(context.Background(), budget.AuditEntry{TenantID: "acme", Operation: budget.AuditOverrideRevoke}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	r.Close()

	entries, _ := mem.ListAudit(context.Background(), "acme", 0)
	if len(entries) != 1 {
		t.Errorf("Expected the healthy store to receive the entry, got %d", len(entries))
	}
}

// gatedStore holds writes for one tenant until released.
type gatedStore struct {
	flakyStore
	gated   string
	release chan struct{}
}

func (g *gatedStore) Write(ctx context.Context, e *budget.AuditEntry) error {
	if e.TenantID == g.gated {
		<-g.release
	}
	return g.flakyStore.Write(ctx, e)
}

func (g *gatedStore) count(tenantID, operation string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, e := range g.written {
		if e.TenantID == tenantID && e.Operation == operation {
			n++
		}
	}
	return n
}

func TestRecorder_RecordBypassesFullBuffer(t *testing.T) {
	store := &gatedStore{gated: "busy", release: make(chan struct{})}
	r := NewRecorder(&Config{AsyncBuffer: 1, EnqueueTimeout: 10 * time.Millisecond}, nil, store)
	ctx := context.Background()

	// One entry held by the worker, one filling the buffer.
	r.Append(ctx, budget.AuditEntry{TenantID: "busy", Operation: budget.AuditBandTransition})
	time.Sleep(20 * time.Millisecond)
	r.Append(ctx, budget.AuditEntry{TenantID: "busy", Operation: budget.AuditBandTransition})

	if err := r.Append(ctx, budget.AuditEntry{TenantID: "acme", Operation: budget.AuditBandTransition}); err == nil {
		t.Error("Expected Append to report a dropped entry on a full buffer")
	}

	if err := r.Record(ctx, budget.AuditEntry{TenantID: "acme", Operation: budget.AuditOverrideCreate, Actor: "alice"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if n := store.count("acme", budget.AuditOverrideCreate); n != 1 {
		t.Errorf("Expected the override entry written before Record returned, got %d", n)
	}

	close(store.release)
	r.Close()
}

func TestRecorder_RecordFailures(t *testing.T) {
	mem := storage.NewMemoryStore()
	opts := &Config{MaxRetries: 1, RetryBackoff: time.Millisecond}

	partial := NewRecorder(opts, mem, &flakyStore{failures: 100}, NewRepositoryStore(mem))
	defer partial.Close()
	if err := partial.Record(context.Background(), budget.AuditEntry{TenantID: "acme", Operation: budget.AuditOverrideRevoke}); err != nil {
		t.Errorf("Expected success when one store accepts the entry, got %v", err)
	}

	broken := NewRecorder(opts, nil, &flakyStore{failures: 100})
	defer broken.Close()
	err := broken.Record(context.Background(), budget.AuditEntry{TenantID: "acme", Operation: budget.AuditOverrideRevoke})
	if !errors.Is(err, budget.ErrStateUnavailable) {
		t.Errorf("Expected ErrStateUnavailable when no store accepts the entry, got %v", err)
	}
}

func TestRecorder_AppendAfterClose(t *testing.T) {
	r := NewRecorder(nil, nil)
	r.Close()
	r.Close()

	err := r.Append(context.Background(), budget.AuditEntry{TenantID: "acme"})
	if !errors.Is(err, ErrRecorderClosed) {
		t.Errorf("Expected ErrRecorderClosed, got %v", err)
	}

	err = r.Record(context.Background(), budget.AuditEntry{TenantID: "acme"})
	if !errors.Is(err, ErrRecorderClosed) || !errors.Is(err, budget.ErrStateUnavailable) {
		t.Errorf("Expected ErrRecorderClosed wrapping ErrStateUnavailable, got %v", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaStore_Write(t *testing.T) {
	w := &fakeWriter{}
	s := &KafkaStore{writer: w, topic: "spendgate.audit"}
	entry := &budget.AuditEntry{ID: "a-1", TenantID: "acme", Operation: budget.AuditBudgetReset, Actor: "system", Timestamp: time.Now()}

	if err := s.Write(context.Background(), entry); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "acme" {
		t.Errorf("Expected tenant key, got %q", msg.Key)
	}
	var decoded budget.AuditEntry
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("Failed to decode value: %v", err)
	}
	if decoded.Operation != budget.AuditBudgetReset {
		t.Errorf("Expected operation %s, got %s", budget.AuditBudgetReset, decoded.Operation)
	}
}

func TestNewKafkaStore_Validation(t *testing.T) {
	if _, err := NewKafkaStore(KafkaConfig{Topic: "t"}); err == nil {
		t.Error("Expected error without brokers")
	}
	if _, err := NewKafkaStore(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("Expected error without topic")
	}
}
