// Package types defines the shared types used across all Invorto packages.
//
// These types are the lingua franca between the media pipeline, providers,
// the agent runtime, and the timeline publisher. Each package defines its own
// domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// Encoding identifies the wire encoding of an audio payload.
type Encoding string

const (
	// EncodingPCM16 is 16-bit signed little-endian linear PCM.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingOpus is an Opus-encoded packet.
	EncodingOpus Encoding = "opus"

	// EncodingMulaw is 8-bit G.711 mu-law, the native telephony codec.
	EncodingMulaw Encoding = "mulaw"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingOpus, EncodingMulaw:
		return true
	}
	return false
}

// AudioFrame is a single frame of audio flowing through the pipeline: 10-40 ms
// of mono PCM16 at 8 or 16 kHz. Frames are the atomic unit of transport, from
// the WebSocket ingress through the jitter buffer to the ASR adapter.
type AudioFrame struct {
	// Seq is the per-direction monotonic sequence number assigned at ingress.
	Seq uint32

	// Timestamp is the sample-clock position of the first sample in the frame,
	// in samples since session start.
	Timestamp uint64

	// Data is the PCM16 payload (little-endian).
	Data []byte

	// SampleRate in Hz (8000 or 16000).
	SampleRate int

	// Synthetic marks a concealment frame generated by the jitter buffer to
	// fill a sequence gap. Synthetic frames never reach the timeline.
	Synthetic bool
}

// Duration returns the play time of the frame at its sample rate.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	samples := len(f.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// TranscriptHypothesis is a speech-to-text result. Both interim and final
// hypotheses use this type; within a turn the last final with a given start
// time supersedes all earlier interims sharing that start time.
type TranscriptHypothesis struct {
	// Text is the transcribed speech content.
	Text string

	// Final indicates an authoritative result rather than an interim guess.
	Final bool

	// Confidence is the provider's overall confidence in [0, 1]. Zero when the
	// provider does not report confidence.
	Confidence float64

	// LowConfidence marks a final whose confidence fell below the configured
	// floor. Such finals are reported, never dropped.
	LowConfidence bool

	// StartSample and EndSample delimit the utterance on the session's sample
	// clock.
	StartSample uint64
	EndSample   uint64
}

// Message is a single entry in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Interrupted marks an assistant message that was cut short by a barge-in.
	// The partial text is retained in history.
	Interrupted bool

	// ToolCalls contains tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying the call this
	// message responds to.
	ToolCallID string
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this call (provider-assigned).
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool offered to the LLM and registered with the
// executor.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// TimeoutMs is the per-call execution timeout. Zero means the executor
	// default.
	TimeoutMs int

	// Idempotent indicates whether the tool can be safely retried. Tools not
	// marked idempotent are never retried after cancellation.
	Idempotent bool
}

// VoiceProfile describes a TTS voice configuration for an agent.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Locale is the BCP-47 locale tag (e.g. "en-US").
	Locale string

	// SpeedFactor adjusts speaking rate (0.5-2.0, 1.0 = default).
	SpeedFactor float64
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// VADEvent is a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Confidence is the speech confidence score in [0, 1].
	Confidence float64

	// EnergyDBFS is the frame RMS energy in dBFS (0 = full scale, negative
	// below).
	EnergyDBFS float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// String returns the human-readable name of the event type.
func (t VADEventType) String() string {
	switch t {
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	case VADSilence:
		return "silence"
	default:
		return "unknown"
	}
}
