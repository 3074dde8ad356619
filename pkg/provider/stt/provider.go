// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service (e.g. Deepgram, or a
// local whisper-server) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// and emits two streams of TranscriptHypothesis values, low-latency partials
// for timeline mirroring and authoritative finals that drive the agent
// runtime.
//
// Implementations must be safe for concurrent use. Audio input and transcript
// output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/invorto-ai/invorto/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (8000 or 16000 on the
	// telephony path).
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g. "en-US").
	// Empty lets the provider auto-detect, if supported.
	Language string

	// InterimResults requests low-latency partial hypotheses in addition to
	// finals. Providers that cannot produce true partials may emit a partial
	// and a final carrying the same text.
	InterimResults bool
}

// SessionHandle represents an open STT streaming session. It is an interface
// so test code can provide mock implementations without a live provider
// connection.
//
// Callers must call Close when the session is no longer needed; failing to do
// so may leak goroutines and network connections inside the implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM16 audio to the provider. The chunk
	// must match the SampleRate agreed in StreamConfig. SendAudio blocks when
	// the provider's outbound buffer is full; backpressure propagates to the
	// jitter buffer rather than dropping frames. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel emitting interim hypotheses.
	// The channel is closed when the session ends.
	Partials() <-chan types.TranscriptHypothesis

	// Finals returns a read-only channel emitting authoritative hypotheses.
	// Every final carries a confidence score. The channel is closed when the
	// session ends.
	Finals() <-chan types.TranscriptHypothesis

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Partials and Finals
	// channels will be closed. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously, one per live call.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session
	// (authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
