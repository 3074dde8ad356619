// Package energy implements a lightweight voice activity detector based on
// frame energy relative to an adaptive noise floor.
//
// Each frame is scored by its RMS level in dBFS against an exponentially
// weighted estimate of the background noise. A coarse two-band split then
// weighs the score by how much of the frame's energy sits inside the voice
// band, which discounts mains hum below it and carrier whine or hiss above
// it. Hysteresis over consecutive frames turns the raw per-frame score into
// stable speech_start / speech_end transitions.
//
// The detector runs in a few microseconds per frame and has no model
// dependencies, which makes it the default engine on the telephony path.
package energy

import (
	"errors"
	"fmt"
	"math"

	"github.com/invorto-ai/invorto/pkg/audio"
	"github.com/invorto-ai/invorto/pkg/provider/vad"
	"github.com/invorto-ai/invorto/pkg/types"
)

const (
	// initialNoiseFloorDBFS is the floor estimate before any audio is seen.
	initialNoiseFloorDBFS = -60.0

	// noiseFloorCeilingDBFS caps the adaptive floor so sustained speech can
	// never be absorbed into the noise estimate.
	noiseFloorCeilingDBFS = -30.0

	// noiseFloorAlpha is the EWMA coefficient for floor adaptation.
	noiseFloorAlpha = 0.05

	// snrFullConfidenceDB is the SNR at which a frame scores confidence 1.0.
	snrFullConfidenceDB = 20.0

	// defaultActivationFrames is the number of consecutive speech-scored
	// frames required before speech_start fires.
	defaultActivationFrames = 3

	// defaultReleaseFrames is the number of consecutive silence-scored frames
	// required before speech_end fires.
	defaultReleaseFrames = 5

	// Voice band edges for the two-band energy split, in Hz.
	voiceBandLowHz  = 300.0
	voiceBandHighHz = 3400.0

	// bandRatioReference is the in-band energy fraction that earns a frame
	// full spectral weight.
	bandRatioReference = 0.6

	// bandFloorWeight is the weight applied to frames whose energy sits
	// entirely outside the voice band.
	bandFloorWeight = 0.2
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithActivationFrames sets how many consecutive speech frames trigger
// speech_start. Defaults to 3.
func WithActivationFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.activationFrames = n
		}
	}
}

// WithReleaseFrames sets how many consecutive silence frames trigger
// speech_end. Defaults to 5.
func WithReleaseFrames(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.releaseFrames = n
		}
	}
}

// Engine implements vad.Engine.
type Engine struct {
	activationFrames int
	releaseFrames    int
}

// Compile-time assertion that Engine implements vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// New creates an energy VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		activationFrames: defaultActivationFrames,
		releaseFrames:    defaultReleaseFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2
	return &session{
		cfg:              cfg,
		frameBytes:       frameBytes,
		activationFrames: e.activationFrames,
		releaseFrames:    e.releaseFrames,
		noiseFloor:       initialNoiseFloorDBFS,
	}, nil
}

// session holds the per-stream detection state. Not safe for concurrent use;
// the pipeline calls ProcessFrame from a single goroutine.
type session struct {
	cfg              vad.Config
	frameBytes       int
	activationFrames int
	releaseFrames    int

	noiseFloor float64
	inSpeech   bool
	speechRun  int
	silenceRun int
	closed     bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	energy := dbfs(audio.RMS(frame))
	confidence := s.score(frame, energy)

	// The floor adapts only outside speech so talking never raises it.
	if !s.inSpeech && confidence < s.cfg.SpeechThreshold {
		s.noiseFloor += noiseFloorAlpha * (energy - s.noiseFloor)
		if s.noiseFloor > noiseFloorCeilingDBFS {
			s.noiseFloor = noiseFloorCeilingDBFS
		}
	}

	ev := types.VADEvent{Confidence: confidence, EnergyDBFS: energy}
	if s.inSpeech {
		if confidence < s.cfg.SilenceThreshold {
			s.silenceRun++
			if s.silenceRun >= s.releaseFrames {
				s.inSpeech = false
				s.speechRun = 0
				s.silenceRun = 0
				ev.Type = types.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceRun = 0
		}
		ev.Type = types.VADSpeechContinue
		return ev, nil
	}

	if confidence >= s.cfg.SpeechThreshold {
		s.speechRun++
		if s.speechRun >= s.activationFrames {
			s.inSpeech = true
			s.speechRun = 0
			s.silenceRun = 0
			ev.Type = types.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechRun = 0
	}
	ev.Type = types.VADSilence
	return ev, nil
}

// score converts frame energy above the noise floor into a confidence in
// [0, 1], weighted by how much of the frame's energy falls inside the voice
// band.
func (s *session) score(frame []byte, energy float64) float64 {
	snr := energy - s.noiseFloor
	confidence := snr / snrFullConfidenceDB
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	weight := voiceBandRatio(frame, s.cfg.SampleRate) / bandRatioReference
	if weight > 1 {
		weight = 1
	}
	return confidence * (bandFloorWeight + (1-bandFloorWeight)*weight)
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.noiseFloor = initialNoiseFloorDBFS
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// dbfs converts a linear PCM16 RMS value to decibels relative to full scale.
func dbfs(rms float64) float64 {
	if rms < 1 {
		rms = 1 // clamp to the quantisation floor, avoids -Inf
	}
	return 20 * math.Log10(rms/32768.0)
}

// voiceBandRatio estimates the fraction of the frame's energy inside the
// voice band. Two cascaded one-pole sections per band edge give enough
// rolloff to separate hum and whine from speech without an FFT.
func voiceBandRatio(frame []byte, sampleRate int) float64 {
	samples := audio.BytesToInt16s(frame)
	if len(samples) == 0 || sampleRate <= 0 {
		return 0
	}

	dt := 1.0 / float64(sampleRate)
	lowRC := 1.0 / (2 * math.Pi * voiceBandHighHz)
	highRC := 1.0 / (2 * math.Pi * voiceBandLowHz)
	lowA := dt / (lowRC + dt)
	highA := highRC / (highRC + dt)

	var lp1, lp2 float64
	var hp1, hp2, hp1In, hp2In float64
	var total, band float64
	for _, v := range samples {
		x := float64(v)
		total += x * x

		lp1 += lowA * (x - lp1)
		lp2 += lowA * (lp1 - lp2)

		hp1 = highA * (hp1 + lp2 - hp1In)
		hp1In = lp2
		hp2 = highA * (hp2 + hp1 - hp2In)
		hp2In = hp1

		band += hp2 * hp2
	}
	if total == 0 {
		return 0
	}
	return band / total
}
