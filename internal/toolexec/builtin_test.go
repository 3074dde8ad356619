package toolexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/types"
)

func TestHTTPToolRespectsAllowlist(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := newTestExecutor(t, config.ToolsConfig{})
	if err := RegisterHTTPTool(e, []string{srv.URL}, srv.Client()); err != nil {
		t.Fatalf("RegisterHTTPTool: %v", err)
	}

	got, err := e.Execute(context.Background(), types.ToolCall{
		Name:      "http_request",
		Arguments: `{"method":"GET","url":"` + srv.URL + `/info"}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var result httpToolResult
	if err := json.Unmarshal([]byte(got), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result.Status != http.StatusOK || result.Body != `{"ok":true}` {
		t.Errorf("result = %+v", result)
	}

	// Off-allowlist target is refused before any request is made.
	_, err = e.Execute(context.Background(), types.ToolCall{
		Name:      "http_request",
		Arguments: `{"method":"GET","url":"https://evil.example.com/"}`,
	})
	if err == nil || !strings.Contains(err.Error(), "allowlist") {
		t.Fatalf("err = %v, want allowlist refusal", err)
	}
}

func TestHTTPToolDisabledWithoutAllowlist(t *testing.T) {
	t.Parallel()

	e := newTestExecutor(t, config.ToolsConfig{})
	if err := RegisterHTTPTool(e, nil, nil); err != nil {
		t.Fatalf("RegisterHTTPTool: %v", err)
	}
	if len(e.Definitions()) != 0 {
		t.Errorf("tool registered despite empty allowlist: %v", e.Definitions())
	}
}

func TestCalendarAvailabilitySkipsBookedSlots(t *testing.T) {
	t.Parallel()

	cal := NewCalendar(30 * time.Minute)
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	cal.now = func() time.Time { return base.Add(-time.Hour) }

	if _, err := cal.Book("Ada", base); err != nil {
		t.Fatalf("Book: %v", err)
	}

	slots := cal.Available(base, base.Add(90*time.Minute), 10)
	if len(slots) != 2 {
		t.Fatalf("slots = %v, want the two free half-hours", slots)
	}
	if slots[0] != base.Add(30*time.Minute) {
		t.Errorf("first free slot = %v", slots[0])
	}
}

func TestCalendarBookRejectsDoubleBooking(t *testing.T) {
	t.Parallel()

	cal := NewCalendar(30 * time.Minute)
	start := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

	if _, err := cal.Book("Ada", start); err != nil {
		t.Fatalf("Book: %v", err)
	}
	if _, err := cal.Book("Grace", start); err == nil {
		t.Fatal("double booking accepted")
	}
	// Overlapping off-grid start is also refused.
	if _, err := cal.Book("Grace", start.Add(15*time.Minute)); err == nil {
		t.Fatal("overlapping booking accepted")
	}
}

func TestCalendarToolsRoundTrip(t *testing.T) {
	t.Parallel()

	cal := NewCalendar(30 * time.Minute)
	base := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	cal.now = func() time.Time { return base.Add(-time.Hour) }

	e := newTestExecutor(t, config.ToolsConfig{})
	if err := RegisterCalendarTools(e, cal); err != nil {
		t.Fatalf("RegisterCalendarTools: %v", err)
	}

	avail, err := e.Execute(context.Background(), types.ToolCall{
		Name: "calendar_availability",
		Arguments: `{"from":"2026-09-01T09:00:00Z","to":"2026-09-01T10:00:00Z"}`,
	})
	if err != nil {
		t.Fatalf("availability: %v", err)
	}
	var listed struct {
		Slots []string `json:"slots"`
	}
	if err := json.Unmarshal([]byte(avail), &listed); err != nil {
		t.Fatalf("availability result: %v", err)
	}
	if len(listed.Slots) != 2 {
		t.Fatalf("slots = %v", listed.Slots)
	}

	booked, err := e.Execute(context.Background(), types.ToolCall{
		Name:      "calendar_book",
		Arguments: `{"name":"Ada","start":"` + listed.Slots[0] + `"}`,
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	var b Booking
	if err := json.Unmarshal([]byte(booked), &b); err != nil {
		t.Fatalf("booking result: %v", err)
	}
	if b.ID == "" || b.Name != "Ada" {
		t.Errorf("booking = %+v", b)
	}
}

// fixedRetriever returns canned documents.
type fixedRetriever struct {
	docs    []RetrievedDoc
	queries []string
}

func (f *fixedRetriever) Retrieve(_ context.Context, query string, _ int) ([]RetrievedDoc, error) {
	f.queries = append(f.queries, query)
	return f.docs, nil
}

func TestDocQueryTool(t *testing.T) {
	t.Parallel()

	r := &fixedRetriever{docs: []RetrievedDoc{
		{Title: "Opening hours", Snippet: "We open at 9.", Score: 0.92},
	}}
	e := newTestExecutor(t, config.ToolsConfig{})
	if err := RegisterDocQueryTool(e, r); err != nil {
		t.Fatalf("RegisterDocQueryTool: %v", err)
	}

	got, err := e.Execute(context.Background(), types.ToolCall{
		Name:      "query_documents",
		Arguments: `{"query":"when do you open"}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(got, "Opening hours") {
		t.Errorf("result = %q", got)
	}
	if len(r.queries) != 1 || r.queries[0] != "when do you open" {
		t.Errorf("queries = %v", r.queries)
	}

	// The empty query fails schema validation, never reaching the retriever.
	if _, err := e.Execute(context.Background(), types.ToolCall{
		Name:      "query_documents",
		Arguments: `{"query":""}`,
	}); err == nil {
		t.Fatal("empty query accepted")
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantExec string
		wantArgs int
	}{
		{"/bin/server --port 9000", "/bin/server", 2},
		{"server", "server", 0},
		{"", "", 0},
	}
	for _, tt := range tests {
		exec, args := splitCommand(tt.in)
		if exec != tt.wantExec || len(args) != tt.wantArgs {
			t.Errorf("splitCommand(%q) = %q, %v", tt.in, exec, args)
		}
	}
}

func TestSchemaToMap(t *testing.T) {
	t.Parallel()

	if m := schemaToMap(nil); m["type"] != "object" {
		t.Errorf("nil schema = %v", m)
	}
	in := map[string]any{"type": "object", "properties": map[string]any{}}
	if m := schemaToMap(in); m["type"] != "object" {
		t.Errorf("map schema = %v", m)
	}
	type wireSchema struct {
		Type string `json:"type"`
	}
	if m := schemaToMap(wireSchema{Type: "object"}); m["type"] != "object" {
		t.Errorf("struct schema = %v", m)
	}
}
