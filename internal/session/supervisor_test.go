package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/invorto-ai/invorto/internal/admission"
	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/internal/session"
	"github.com/invorto-ai/invorto/internal/timeline"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	llmmock "github.com/invorto-ai/invorto/pkg/provider/llm/mock"
	sttmock "github.com/invorto-ai/invorto/pkg/provider/stt/mock"
	ttsmock "github.com/invorto-ai/invorto/pkg/provider/tts/mock"
	vadmock "github.com/invorto-ai/invorto/pkg/provider/vad/mock"
	"github.com/invorto-ai/invorto/pkg/types"
)

type endedCall struct {
	id, status, reason string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []endedCall
}

func (r *fakeRecorder) EndCall(_ context.Context, callID, status, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, endedCall{callID, status, reason})
	return nil
}

func (r *fakeRecorder) ended() []endedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]endedCall(nil), r.calls...)
}

// harness wires a supervisor to mocks for every provider.
type harness struct {
	conn  *fakeConn
	sttS  *sttmock.Session
	vadS  *vadmock.Session
	llm   *llmmock.Provider
	tts   *ttsmock.Provider
	store *timeline.MemoryStore
	calls *fakeRecorder
	sup   *session.Supervisor

	runErr chan error
	seq    uint32
}

func newHarness(t *testing.T, mutate func(*session.Config, *session.Deps)) *harness {
	t.Helper()
	h := &harness{
		conn:   &fakeConn{},
		sttS:   sttmock.NewSession(),
		vadS:   &vadmock.Session{},
		llm:    &llmmock.Provider{},
		tts:    &ttsmock.Provider{},
		store:  timeline.NewMemoryStore(),
		calls:  &fakeRecorder{},
		runErr: make(chan error, 1),
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := session.Config{
		CallID:       "call-1",
		TenantID:     "tenant-1",
		AgentID:      "agent-1",
		SystemPrompt: "You are a helpful receptionist.",
		FrameMs:      20,
		Encoding:     types.EncodingPCM16,
		PayloadMode:  config.PayloadBase64,
		Session: config.SessionConfig{
			SampleRate:          16000,
			InactivityTimeoutMs: 60000,
			MinFinalConfidence:  0.5,
			Endpointing: config.EndpointingConfig{
				SilenceMs: 40,
				MinWords:  1,
				HardCapMs: 10000,
			},
		},
	}
	deps := session.Deps{
		Conn:     h.conn,
		STT:      &sttmock.Provider{Session: h.sttS},
		TTS:      h.tts,
		VAD:      &vadmock.Engine{Session: h.vadS},
		LLM:      h.llm,
		Timeline: timeline.NewPublisher(h.store, metrics),
		Calls:    h.calls,
		Metrics:  metrics,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}

	sup, err := session.New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sup = sup
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

// pushFrame feeds one 20 ms frame of audio with the next sequence number.
func (h *harness) pushFrame() {
	h.sup.HandleFrame(types.AudioFrame{
		Seq:        h.seq,
		Data:       make([]byte, 640),
		SampleRate: 16000,
	})
	h.seq++
}

func (h *harness) control(t *testing.T, msg string) {
	t.Helper()
	if err := h.sup.HandleControl([]byte(msg)); err != nil {
		t.Fatalf("HandleControl(%s): %v", msg, err)
	}
}

func (h *harness) end(t *testing.T) error {
	t.Helper()
	h.control(t, `{"t":"end"}`)
	select {
	case err := <-h.runErr:
		h.runErr <- err
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after end control")
		return nil
	}
}

func (h *harness) timelineKinds() []string {
	events, _ := h.store.Range(context.Background(), "call-1", "", 0)
	kinds := make([]string, 0, len(events))
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (h *harness) hasKind(kind string) bool {
	for _, k := range h.timelineKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

func (h *harness) hasEvent(typ string) bool {
	return firstIndex(h.conn.eventTypes(), typ) >= 0
}

func firstIndex(list []string, want string) int {
	for i, v := range list {
		if v == want {
			return i
		}
	}
	return -1
}

// speakTurn drives one complete user turn: speech frames, a final
// transcript, and trailing silence.
func (h *harness) speakTurn(t *testing.T, transcript string) {
	t.Helper()
	h.pushFrame()
	waitFor(t, func() bool { return len(h.sttS.Chunks()) >= int(h.seq) }, "frame reaching stt")
	h.sttS.FinalsCh <- types.TranscriptHypothesis{Text: transcript, Final: true, Confidence: 0.9}
	h.pushFrame()
}

func TestSessionHappyPathTurn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {})
	h.vadS.Events = []types.VADEvent{
		{Type: types.VADSpeechStart, Confidence: 0.9},
		{Type: types.VADSpeechEnd},
	}
	h.llm.StreamChunks = []llm.Chunk{
		{Text: "Sure, "},
		{Text: "I can help with that."},
		{FinishReason: "stop"},
	}

	h.start(t)
	h.pushFrame()
	waitFor(t, func() bool { return len(h.sttS.Chunks()) >= 1 }, "frame reaching stt")
	h.sttS.PartialsCh <- types.TranscriptHypothesis{Text: "book"}
	waitFor(t, func() bool { return h.hasEvent("stt.partial") }, "partial forwarded")
	h.sttS.FinalsCh <- types.TranscriptHypothesis{Text: "book me a slot", Final: true, Confidence: 0.9}
	h.pushFrame()

	waitFor(t, func() bool { return h.hasEvent("tts.done") }, "turn completion")
	if err := h.end(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	evs := h.conn.eventTypes()
	partial := firstIndex(evs, "stt.partial")
	final := firstIndex(evs, "stt.final")
	delta := firstIndex(evs, "llm.delta")
	chunk := firstIndex(evs, "tts.chunk")
	done := firstIndex(evs, "tts.done")
	if partial < 0 || final < 0 || delta < 0 || chunk < 0 || done < 0 {
		t.Fatalf("missing events, got %v", evs)
	}
	if !(partial < final && final < delta && delta < chunk && chunk < done) {
		t.Errorf("event order = %v", evs)
	}
	if firstIndex(evs, "llm.final") < 0 {
		t.Errorf("no llm.final event, got %v", evs)
	}

	kinds := h.timelineKinds()
	if kinds[0] != timeline.KindSessionConnected {
		t.Errorf("first timeline kind = %s", kinds[0])
	}
	if kinds[len(kinds)-1] != timeline.KindSessionClosed {
		t.Errorf("last timeline kind = %s", kinds[len(kinds)-1])
	}
	for _, want := range []string{
		timeline.KindSTTFinal, timeline.KindLLMDelta, timeline.KindLLMFinal,
		timeline.KindTTSChunk, timeline.KindTTSDone,
	} {
		if !h.hasKind(want) {
			t.Errorf("timeline missing %s: %v", want, kinds)
		}
	}

	ended := h.calls.ended()
	if len(ended) != 1 || ended[0].status != "completed" || ended[0].reason != "client_end" {
		t.Errorf("recorded call ends = %+v", ended)
	}
}

func TestSessionBargeInCancelsSpeech(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {})
	h.conn.gate = make(chan struct{})
	h.vadS.Events = []types.VADEvent{
		{Type: types.VADSpeechStart, Confidence: 0.9},
		{Type: types.VADSpeechEnd},
		{Type: types.VADSpeechContinue, Confidence: 0.9},
		{Type: types.VADSpeechContinue, Confidence: 0.9},
		{Type: types.VADSpeechContinue, Confidence: 0.9},
	}
	// No finish chunk: the stream is meant to be cut off mid-generation.
	h.llm.StreamChunks = []llm.Chunk{
		{Text: "Let me explain this at great length. "},
		{Text: "There is a lot more to say about it. "},
	}

	h.start(t)
	h.speakTurn(t, "stop talking please")
	waitFor(t, func() bool { return h.hasEvent("llm.delta") }, "agent speaking")

	// Three confident speech frames while the agent speaks trip the
	// detector.
	h.pushFrame()
	h.pushFrame()
	h.pushFrame()
	waitFor(t, func() bool { return h.hasKind(timeline.KindBargeIn) }, "barge-in")

	close(h.conn.gate)
	if err := h.end(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if !h.hasEvent("tts.cancelled") {
		t.Errorf("no tts.cancelled event, got %v", h.conn.eventTypes())
	}
	if h.hasEvent("llm.final") || h.hasKind(timeline.KindLLMFinal) {
		t.Error("interrupted turn still produced llm.final")
	}
}

func TestSessionFallbackAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {
		cfg.FallbackUtterance = "Sorry, something went wrong."
	})
	h.llm.StreamErr = errors.New("model unavailable")
	h.vadS.Events = []types.VADEvent{
		{Type: types.VADSpeechStart, Confidence: 0.9},
		{Type: types.VADSpeechEnd},
		{Type: types.VADSpeechStart, Confidence: 0.9},
		{Type: types.VADSpeechEnd},
	}

	h.start(t)
	h.speakTurn(t, "hello there")
	waitFor(t, func() bool { return h.hasEvent("tts.done") }, "fallback spoken")

	if !h.hasEvent("llm.delta") {
		t.Errorf("fallback utterance not streamed, got %v", h.conn.eventTypes())
	}
	if h.hasEvent("llm.final") {
		t.Errorf("failed turn produced llm.final")
	}
	calls := h.tts.Calls()
	if len(calls) == 0 || len(calls[0].Texts) == 0 || calls[0].Texts[0] != "Sorry, something went wrong." {
		t.Errorf("tts received %+v, want the fallback utterance", calls)
	}

	// A second consecutive failure closes the session.
	h.speakTurn(t, "are you still there")
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after repeated turn failures")
	}

	ended := h.calls.ended()
	if len(ended) != 1 || ended[0].status != "failed" || ended[0].reason != "consecutive_turn_failures" {
		t.Errorf("recorded call ends = %+v", ended)
	}
}

func TestSessionInactivityTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {
		cfg.Session.InactivityTimeoutMs = 100
	})

	h.start(t)
	select {
	case err := <-h.runErr:
		h.runErr <- err
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not time out")
	}

	ended := h.calls.ended()
	if len(ended) != 1 || ended[0].status != "timeout" || ended[0].reason != "inactivity" {
		t.Errorf("recorded call ends = %+v", ended)
	}
	if !h.hasEvent("error") {
		t.Errorf("no error event before timeout close, got %v", h.conn.eventTypes())
	}
}

func TestSessionControls(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {})
	h.start(t)

	h.control(t, `{"t":"dtmf.send","digits":"123"}`)
	waitFor(t, func() bool { return h.hasKind(timeline.KindDTMFReceive) }, "dtmf event")

	h.control(t, `{"t":"transfer","target":"tel:+15550100"}`)
	waitFor(t, func() bool { return h.hasKind(timeline.KindCallStatusChanged) }, "transfer event")
	events, _ := h.store.Range(context.Background(), "call-1", "", 0)
	var sawTransfer bool
	for _, e := range events {
		if e.Kind != timeline.KindCallStatusChanged {
			continue
		}
		var payload struct {
			Status string `json:"status"`
			Target string `json:"target"`
		}
		if err := json.Unmarshal(e.Data, &payload); err == nil &&
			payload.Status == "transferring" && payload.Target == "tel:+15550100" {
			sawTransfer = true
		}
	}
	if !sawTransfer {
		t.Error("no transferring status on the timeline")
	}

	resultCh := h.sup.AwaitToolResult("tc-1")
	h.control(t, `{"t":"tool.result","toolCallId":"tc-1","result":"booked"}`)
	select {
	case got := <-resultCh:
		if got != "booked" {
			t.Errorf("tool result = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tool.result control never resolved the waiter")
	}
	waitFor(t, func() bool { return h.hasKind(timeline.KindToolResult) }, "tool.result event")

	if err := h.sup.HandleControl([]byte(`{"t":"bogus"}`)); err == nil {
		t.Error("unknown control type accepted")
	}

	if err := h.end(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSessionConfigSwitchesPayloadMode(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {})
	h.vadS.Events = []types.VADEvent{
		{Type: types.VADSpeechStart, Confidence: 0.9},
		{Type: types.VADSpeechEnd},
	}
	h.llm.StreamChunks = []llm.Chunk{{Text: "Done."}, {FinishReason: "stop"}}

	h.start(t)
	h.control(t, `{"t":"config","payloadMode":"ubytes"}`)
	h.speakTurn(t, "switch please")

	waitFor(t, func() bool { return h.hasEvent("tts.done") }, "turn completion")
	if h.conn.binaryCount() == 0 {
		t.Error("no binary audio after switching to ubytes")
	}
	if h.hasEvent("tts.chunk") {
		t.Errorf("framed chunk events after switching to ubytes: %v", h.conn.eventTypes())
	}
	h.end(t)
}

func TestSessionReleasesAdmissionSlot(t *testing.T) {
	t.Parallel()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	gate := admission.NewGate(admission.NewMemoryStore(), config.AdmissionConfig{
		GlobalLimit: 1,
		TTLMs:       60000,
	}, metrics)
	lease, err := gate.Admit(context.Background(), "call-1", "")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {
		deps.Lease = lease
	})
	h.start(t)
	if err := h.end(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// The slot must be free again once the session is down.
	if _, err := gate.Admit(context.Background(), "call-2", ""); err != nil {
		t.Errorf("slot not released: %v", err)
	}
}

func TestSessionSpeaksGreeting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {
		cfg.Greeting = "Hello, thanks for calling."
	})
	h.start(t)

	waitFor(t, func() bool { return h.hasEvent("tts.done") }, "greeting spoken")
	calls := h.tts.Calls()
	if len(calls) != 1 || len(calls[0].Texts) != 1 || calls[0].Texts[0] != "Hello, thanks for calling." {
		t.Errorf("tts calls = %+v", calls)
	}
	h.end(t)
}

func TestSessionFlagsLowConfidenceFinals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {})
	h.vadS.Events = []types.VADEvent{{Type: types.VADSpeechStart, Confidence: 0.9}}

	h.start(t)
	h.pushFrame()
	waitFor(t, func() bool { return len(h.sttS.Chunks()) >= 1 }, "frame reaching stt")
	h.sttS.FinalsCh <- types.TranscriptHypothesis{Text: "mumble", Final: true, Confidence: 0.2}

	waitFor(t, func() bool { return h.hasEvent("stt.final") }, "final forwarded")
	var flagged bool
	h.conn.mu.Lock()
	for _, raw := range h.conn.events {
		var ev struct {
			T             string `json:"t"`
			LowConfidence bool   `json:"lowConfidence"`
		}
		if json.Unmarshal(raw, &ev) == nil && ev.T == "stt.final" && ev.LowConfidence {
			flagged = true
		}
	}
	h.conn.mu.Unlock()
	if !flagged {
		t.Error("low-confidence final not flagged")
	}
	h.end(t)
}

func TestSessionSplitsOversizeFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.start(t)

	// 40 ms messages, twice the configured frame duration. All of the audio
	// must reach the STT stream and the detector must only ever see exact
	// 20 ms slices.
	for i := 0; i < 25; i++ {
		h.sup.HandleFrame(types.AudioFrame{
			Seq:        uint32(i),
			Data:       make([]byte, 1280),
			SampleRate: 16000,
		})
	}
	waitFor(t, func() bool { return len(h.sttS.Chunks()) >= 25 }, "audio reaching stt")
	waitFor(t, func() bool { return len(h.vadS.ProcessedFrames()) >= 50 }, "detector consuming slices")

	var sent int
	for _, c := range h.sttS.Chunks() {
		sent += len(c)
	}
	if want := 25 * 1280; sent != want {
		t.Errorf("stt received %d bytes, want %d", sent, want)
	}
	for i, f := range h.vadS.ProcessedFrames() {
		if len(f) != 640 {
			t.Fatalf("detector frame %d is %d bytes, want 640", i, len(f))
		}
	}
	h.end(t)
}

func TestSessionFeedsSTTDespiteVADErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.vadS.ProcessErr = errors.New("detector wedged")
	h.start(t)

	h.pushFrame()
	h.pushFrame()
	waitFor(t, func() bool { return len(h.sttS.Chunks()) >= 2 }, "audio reaching stt")
	h.end(t)
}

func TestSessionEmitsThrottledVADUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.vadS.Events = []types.VADEvent{
		{Type: types.VADSpeechStart, Confidence: 0.9, EnergyDBFS: -18},
		{Type: types.VADSpeechContinue, Confidence: 0.8, EnergyDBFS: -19},
		{Type: types.VADSpeechEnd, EnergyDBFS: -52},
	}

	h.start(t)
	h.pushFrame()
	h.pushFrame()
	h.pushFrame()
	waitFor(t, func() bool { return h.hasKind(timeline.KindVADUpdate) }, "vad.update on the timeline")
	if err := h.end(t); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	// Both transitions go out; the continue frame lands inside the throttle
	// window and is suppressed.
	var updates []bool
	h.conn.mu.Lock()
	for _, raw := range h.conn.events {
		var ev struct {
			T      string `json:"t"`
			Speech bool   `json:"speech"`
		}
		if json.Unmarshal(raw, &ev) == nil && ev.T == "vad.update" {
			updates = append(updates, ev.Speech)
		}
	}
	h.conn.mu.Unlock()
	if len(updates) != 2 || !updates[0] || updates[1] {
		t.Errorf("vad.update stream = %v, want [true false]", updates)
	}
}

func TestSessionFailsWhenSTTUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *session.Config, deps *session.Deps) {
		deps.STT = &sttmock.Provider{StartStreamErr: errors.New("no upstream")}
	})

	err := h.sup.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded without an STT stream")
	}
	ended := h.calls.ended()
	if len(ended) != 1 || ended[0].status != "failed" || ended[0].reason != "stt_unavailable" {
		t.Errorf("recorded call ends = %+v", ended)
	}
}
