// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (noise floor estimate, hysteresis counters) so that multiple concurrent
// audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency pipeline stage
// that drives endpointing and barge-in.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "github.com/invorto-ai/invorto/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// SpeechThreshold is the confidence above which a frame counts towards
	// speech activation. Range: [0.0, 1.0]. Higher values reduce false
	// positives at the cost of speech start latency. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the confidence below which a frame counts towards
	// speech release. Must be <= SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so test code can supply mock implementations without a
// live engine. Each session maintains its own detection state; Reset clears
// this state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM16 at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error
	// if the frame size is wrong.
	//
	// ProcessFrame is called synchronously in the audio pipeline loop; it
	// must not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted so
	// stale state from the previous segment does not affect subsequent
	// frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (unsupported sample
	// rate, frame size, or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
