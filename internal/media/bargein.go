package media

import "github.com/invorto-ai/invorto/pkg/types"

// Barge-in defaults. A short confident burst is enough; waiting for full
// endpointing would defeat the purpose of interrupting.
const (
	defaultBargeInFrames     = 3
	defaultBargeInConfidence = 0.6
)

// BargeInDetector spots the user starting to speak while the agent is
// speaking. It requires a few consecutive confident speech frames so a door
// slam or cough does not cut the agent off.
//
// Not safe for concurrent use; drive it from the session's media loop.
type BargeInDetector struct {
	minFrames     int
	minConfidence float64

	agentSpeaking bool
	run           int
	fired         bool
}

// NewBargeInDetector creates a detector with the default thresholds.
func NewBargeInDetector() *BargeInDetector {
	return &BargeInDetector{
		minFrames:     defaultBargeInFrames,
		minConfidence: defaultBargeInConfidence,
	}
}

// SetAgentSpeaking arms or disarms the detector. Disarming clears any
// partial run so the next agent utterance starts fresh.
func (d *BargeInDetector) SetAgentSpeaking(speaking bool) {
	d.agentSpeaking = speaking
	if !speaking {
		d.run = 0
		d.fired = false
	}
}

// OnVAD consumes one VAD event and reports whether a barge-in fired. It
// fires at most once per agent utterance.
func (d *BargeInDetector) OnVAD(ev types.VADEvent) bool {
	if !d.agentSpeaking || d.fired {
		return false
	}

	speech := ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechContinue
	if !speech || ev.Confidence < d.minConfidence {
		d.run = 0
		return false
	}

	d.run++
	if d.run >= d.minFrames {
		d.fired = true
		return true
	}
	return false
}
