package deepgram

import (
	"net/url"
	"strings"
	"testing"

	"github.com/invorto-ai/invorto/pkg/provider/stt"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New with empty apiKey succeeded, want error")
	}
}

func TestBuildURL(t *testing.T) {
	t.Parallel()

	p, err := New("key", WithModel("nova-3"), WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(stt.StreamConfig{SampleRate: 8000, InterimResults: true})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}

	q := u.Query()
	for param, want := range map[string]string{
		"model":           "nova-3",
		"language":        "de",
		"encoding":        "linear16",
		"sample_rate":     "8000",
		"channels":        "1",
		"interim_results": "true",
		"punctuate":       "true",
	} {
		if got := q.Get(param); got != want {
			t.Errorf("query %s = %q, want %q", param, got, want)
		}
	}
	if !strings.HasPrefix(raw, "wss://api.deepgram.com/v1/listen") {
		t.Errorf("unexpected endpoint: %s", raw)
	}
}

func TestBuildURLDefaults(t *testing.T) {
	t.Parallel()

	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	q, _ := url.Parse(raw)
	if got := q.Query().Get("sample_rate"); got != "16000" {
		t.Errorf("default sample_rate = %q, want 16000", got)
	}
	if got := q.Query().Get("language"); got != "en" {
		t.Errorf("default language = %q, want en", got)
	}
	if q.Query().Has("interim_results") {
		t.Error("interim_results set without being requested")
	}
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	scenarios := []struct {
		name     string
		payload  string
		wantOK   bool
		wantText string
		final    bool
	}{
		{
			name:     "final result",
			payload:  `{"type":"Results","is_final":true,"start":1.0,"duration":0.5,"channel":{"alternatives":[{"transcript":"hello there","confidence":0.97}]}}`,
			wantOK:   true,
			wantText: "hello there",
			final:    true,
		},
		{
			name:     "interim result",
			payload:  `{"type":"Results","is_final":false,"start":1.0,"duration":0.2,"channel":{"alternatives":[{"transcript":"hel","confidence":0.4}]}}`,
			wantOK:   true,
			wantText: "hel",
		},
		{
			name:    "metadata message ignored",
			payload: `{"type":"Metadata","request_id":"abc"}`,
		},
		{
			name:    "no alternatives ignored",
			payload: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		},
		{
			name:    "malformed json ignored",
			payload: `{"type":`,
		},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := parseResponse([]byte(sc.payload), 16000)
			if ok != sc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, sc.wantOK)
			}
			if !ok {
				return
			}
			if got.Text != sc.wantText {
				t.Errorf("text = %q, want %q", got.Text, sc.wantText)
			}
			if got.Final != sc.final {
				t.Errorf("final = %v, want %v", got.Final, sc.final)
			}
		})
	}
}

func TestParseResponseSampleClock(t *testing.T) {
	t.Parallel()

	payload := `{"type":"Results","is_final":true,"start":2.0,"duration":1.5,"channel":{"alternatives":[{"transcript":"x","confidence":1}]}}`
	got, ok := parseResponse([]byte(payload), 16000)
	if !ok {
		t.Fatal("parseResponse rejected valid payload")
	}
	if got.StartSample != 32000 {
		t.Errorf("StartSample = %d, want 32000", got.StartSample)
	}
	if got.EndSample != 56000 {
		t.Errorf("EndSample = %d, want 56000", got.EndSample)
	}
}
