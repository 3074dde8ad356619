package media

import (
	"testing"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/types"
)

func newTestEndpointer() *Endpointer {
	return NewEndpointer(config.EndpointingConfig{
		SilenceMs: 700,
		MinWords:  2,
		HardCapMs: 30_000,
	})
}

func speech() types.VADEvent  { return types.VADEvent{Type: types.VADSpeechContinue, Confidence: 0.9} }
func silence() types.VADEvent { return types.VADEvent{Type: types.VADSilence} }

func TestEndpointerInactiveBeforeSpeech(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	now := time.Now()
	e.OnVAD(silence(), now)
	if e.TurnEnded(now.Add(time.Minute)) {
		t.Fatal("turn ended without any speech")
	}
}

func TestEndpointerEndsOnSilenceWithEnoughWords(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	start := time.Now()

	e.OnVAD(speech(), start)
	e.OnFinal(types.TranscriptHypothesis{Text: "book a table", Final: true})
	e.OnVAD(silence(), start.Add(2*time.Second))

	if e.TurnEnded(start.Add(2*time.Second + 500*time.Millisecond)) {
		t.Fatal("turn ended before the silence threshold")
	}
	if !e.TurnEnded(start.Add(2*time.Second + 700*time.Millisecond)) {
		t.Fatal("turn did not end after the silence threshold")
	}
}

func TestEndpointerHoldsBelowMinWords(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	start := time.Now()

	e.OnVAD(speech(), start)
	e.OnFinal(types.TranscriptHypothesis{Text: "uh", Final: true})
	e.OnVAD(silence(), start.Add(time.Second))

	if e.TurnEnded(start.Add(3 * time.Second)) {
		t.Fatal("turn ended with a single word below min_words")
	}

	e.OnFinal(types.TranscriptHypothesis{Text: "cancel it", Final: true})
	if !e.TurnEnded(start.Add(3 * time.Second)) {
		t.Fatal("turn did not end once min_words was met")
	}
}

func TestEndpointerSpeechResumeResetsSilence(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	start := time.Now()

	e.OnVAD(speech(), start)
	e.OnFinal(types.TranscriptHypothesis{Text: "one moment please", Final: true})
	e.OnVAD(silence(), start.Add(time.Second))

	// Speech resumes before the threshold; the silence clock restarts.
	e.OnVAD(speech(), start.Add(time.Second+400*time.Millisecond))
	e.OnVAD(silence(), start.Add(2*time.Second))

	if e.TurnEnded(start.Add(2*time.Second + 400*time.Millisecond)) {
		t.Fatal("turn ended using the stale silence clock")
	}
	if !e.TurnEnded(start.Add(2*time.Second + 700*time.Millisecond)) {
		t.Fatal("turn did not end after the restarted silence clock")
	}
}

func TestEndpointerHardCapOverridesEverything(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	start := time.Now()

	// Continuous speech with no finals at all.
	e.OnVAD(speech(), start)
	if e.TurnEnded(start.Add(29 * time.Second)) {
		t.Fatal("turn ended before the hard cap")
	}
	if !e.TurnEnded(start.Add(30 * time.Second)) {
		t.Fatal("turn did not end at the hard cap")
	}
}

func TestEndpointerResetStartsFresh(t *testing.T) {
	t.Parallel()

	e := newTestEndpointer()
	start := time.Now()

	e.OnVAD(speech(), start)
	e.OnFinal(types.TranscriptHypothesis{Text: "hello there", Final: true})
	e.OnVAD(silence(), start.Add(time.Second))
	if !e.TurnEnded(start.Add(2 * time.Second)) {
		t.Fatal("setup: turn should have ended")
	}

	e.Reset()
	if e.Active() || e.Words() != 0 {
		t.Fatal("Reset left turn state behind")
	}
	if e.TurnEnded(start.Add(time.Minute)) {
		t.Fatal("turn reported ended after reset without new speech")
	}
}
