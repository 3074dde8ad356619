// Package tts defines the Provider interface for streaming text-to-speech
// backends.
//
// A TTS provider wraps a speech synthesis service (e.g. ElevenLabs) and
// presents a uniform streaming interface. The primary entry point is
// SynthesizeStream, which accepts a channel of text fragments and returns a
// channel of raw PCM audio bytes as they become available, so the agent's
// streaming LLM output pipes straight into synthesis without waiting for the
// full reply.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/invorto-ai/invorto/pkg/types"
)

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use; multiple synthesis streams
// may run in parallel, one per speaking session.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM16 audio byte slices as they are
	// synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. Cancelling ctx is the
	// barge-in path: the implementation must stop synthesis promptly and close
	// the channel. The caller must drain the audio channel to avoid blocking
	// the provider's internal goroutines.
	//
	// voice selects the voice profile. Providers return an error if the
	// requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// during synthesis are signalled by closing the audio channel early;
	// callers check ctx.Err() to distinguish cancellation from provider
	// failure.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)
}
