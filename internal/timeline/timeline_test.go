package timeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/invorto-ai/invorto/internal/observe"
)

func testPublisher(t *testing.T, store Store) *Publisher {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return NewPublisher(store, metrics)
}

func TestMemoryStoreAssignsIncreasingIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	// Freeze the clock so every append lands in the same millisecond and
	// forces the sequence component to disambiguate.
	base := time.Now()
	store.now = func() time.Time { return base }

	var prev string
	for range 10 {
		id, err := store.Append(ctx, Event{CallID: "call-1", Kind: KindSTTPartial})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if prev != "" && compareIDs(id, prev) <= 0 {
			t.Fatalf("id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}

func TestMemoryStoreIDsSurviveClockStepback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now()
	store.now = func() time.Time { return base }
	first, _ := store.Append(ctx, Event{CallID: "call-1", Kind: KindSTTPartial})

	store.now = func() time.Time { return base.Add(-time.Second) }
	second, err := store.Append(ctx, Event{CallID: "call-1", Kind: KindSTTPartial})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if compareIDs(second, first) <= 0 {
		t.Fatalf("id %q not greater than %q after clock stepback", second, first)
	}
}

func TestMemoryStoreRangePaginates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	var ids []string
	for range 5 {
		id, err := store.Append(ctx, Event{CallID: "call-1", Kind: KindLLMDelta})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	page, err := store.Range(ctx, "call-1", "", 2)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Fatalf("first page = %v, want first two events", page)
	}

	rest, err := store.Range(ctx, "call-1", page[1].ID, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(rest) != 3 || rest[0].ID != ids[2] {
		t.Fatalf("second page has %d events starting %q, want 3 starting %q", len(rest), rest[0].ID, ids[2])
	}
}

func TestMemoryStoreIsolatesCalls(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.Append(ctx, Event{CallID: "call-a", Kind: KindSTTFinal}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, err := store.Range(ctx, "call-b", "", 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("call-b has %d events, want 0", len(events))
	}
}

func TestMemoryStoreRejectsMissingCallID(t *testing.T) {
	t.Parallel()

	if _, err := NewMemoryStore().Append(context.Background(), Event{Kind: KindError}); err == nil {
		t.Fatal("Append accepted an event without a call ID")
	}
}

func TestPublisherPersistsAndFansOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	pub := testPublisher(t, store)

	var (
		mu        sync.Mutex
		delivered []Event
	)
	pub.AddSink(SinkFunc(func(_ context.Context, e Event) {
		mu.Lock()
		delivered = append(delivered, e)
		mu.Unlock()
	}))

	e, err := pub.Publish(ctx, "call-1", KindSTTFinal, map[string]any{"text": "hello", "confidence": 0.9})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if e.ID == "" {
		t.Fatal("published event has no ID")
	}

	stored, err := store.Range(ctx, "call-1", "", 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(stored) != 1 || stored[0].Kind != KindSTTFinal {
		t.Fatalf("stored = %v, want one stt.final", stored)
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(stored[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Text != "hello" {
		t.Errorf("payload text = %q, want hello", payload.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0].ID != e.ID {
		t.Fatalf("sink received %v, want the published event", delivered)
	}
}

func TestPublisherNilPayload(t *testing.T) {
	t.Parallel()

	pub := testPublisher(t, NewMemoryStore())
	e, err := pub.Publish(context.Background(), "call-1", KindSessionConnected, nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if e.Data != nil {
		t.Errorf("Data = %s, want nil", e.Data)
	}
}

func TestCompareIDs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"100-0", "100-0", 0},
		{"100-0", "100-1", -1},
		{"100-2", "100-1", 1},
		{"99-5", "100-0", -1},
		{"1000-0", "999-9", 1},
	}
	for _, tt := range tests {
		if got := compareIDs(tt.a, tt.b); got != tt.want {
			t.Errorf("compareIDs(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
