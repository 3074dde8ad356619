// Package session owns the per-call supervisor: the state machine that ties
// the audio ingress pipeline, the STT stream, the agent runtime, and the TTS
// egress together under one cancellation signal.
//
// One [Supervisor] exists per accepted WebSocket. The gateway authenticates,
// admits, and hands the connection over; from then on the supervisor is the
// only writer of session state and the only publisher of the call's timeline
// events.
package session

// State is the lifecycle phase of a session.
//
// Transitions:
//
//	Connecting → Ready       handshake sent, pipelines starting
//	Ready      → Listening   first audio frame or a start control
//	Listening  → Speaking    first assistant delta with no open user turn
//	Speaking   → Listening   TTS drained, or barge-in
//	any        → Closing     disconnect, end control, fatal error, timeout
//	Closing    → Closed      children stopped, resources released
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateListening
	StateSpeaking
	StateClosing
	StateClosed
)

// String returns the lowercase state name used in logs and timeline
// payloads.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
