package media

import (
	"strings"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/types"
)

// Endpointer decides when a user turn is complete. A turn ends when the
// trailing silence reaches the configured threshold and the transcript has
// at least the minimum word count, or unconditionally at the hard cap.
//
// The caller feeds it VAD events and final transcripts and polls
// [Endpointer.TurnEnded] on its frame cadence. Not safe for concurrent use;
// drive it from the session's media loop.
type Endpointer struct {
	cfg config.EndpointingConfig

	inTurn       bool
	turnStart    time.Time
	silenceSince time.Time
	inSilence    bool
	words        int
}

// NewEndpointer creates an [Endpointer] with the given thresholds.
func NewEndpointer(cfg config.EndpointingConfig) *Endpointer {
	return &Endpointer{cfg: cfg}
}

// OnVAD tracks speech and silence boundaries. The first speech event opens
// the turn; silence after speech starts the trailing-silence clock.
func (e *Endpointer) OnVAD(ev types.VADEvent, now time.Time) {
	switch ev.Type {
	case types.VADSpeechStart, types.VADSpeechContinue:
		if !e.inTurn {
			e.inTurn = true
			e.turnStart = now
		}
		e.inSilence = false

	case types.VADSpeechEnd, types.VADSilence:
		if e.inTurn && !e.inSilence {
			e.inSilence = true
			e.silenceSince = now
		}
	}
}

// OnFinal accumulates the word count of a final transcript.
func (e *Endpointer) OnFinal(t types.TranscriptHypothesis) {
	e.words += len(strings.Fields(t.Text))
}

// TurnEnded reports whether the turn is complete as of now. It keeps
// returning true until [Endpointer.Reset].
func (e *Endpointer) TurnEnded(now time.Time) bool {
	if !e.inTurn {
		return false
	}
	if now.Sub(e.turnStart) >= e.cfg.HardCap() {
		return true
	}
	if !e.inSilence {
		return false
	}
	return now.Sub(e.silenceSince) >= e.cfg.Silence() && e.words >= e.cfg.MinWords
}

// Active reports whether a turn is open.
func (e *Endpointer) Active() bool { return e.inTurn }

// Words reports the accumulated final word count of the open turn.
func (e *Endpointer) Words() int { return e.words }

// Reset clears all turn state, ready for the next turn.
func (e *Endpointer) Reset() {
	e.inTurn = false
	e.inSilence = false
	e.words = 0
}
