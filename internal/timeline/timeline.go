// Package timeline records every observable event of a call as an ordered,
// append-only log.
//
// Each call has its own stream. Event IDs are strictly increasing within a
// stream and follow the "<unix-ms>-<seq>" shape of Redis stream IDs, so the
// in-memory store and the Redis-backed store paginate identically. The
// [Publisher] is the single write path: it assigns timestamps, appends to
// the store, updates metrics, and fans the event out to registered sinks
// such as the webhook mirror.
package timeline

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds. Every kind a session can emit is listed here; sinks must
// tolerate kinds they do not recognise.
const (
	KindSessionConnected  = "session.connected"
	KindSessionClosed     = "session.closed"
	KindVADUpdate         = "vad.update"
	KindSTTPartial        = "stt.partial"
	KindSTTFinal          = "stt.final"
	KindLLMDelta          = "llm.delta"
	KindLLMFinal          = "llm.final"
	KindTTSChunk          = "tts.chunk"
	KindTTSDone           = "tts.done"
	KindToolCall          = "tool.call"
	KindToolResult        = "tool.result"
	KindDTMFReceive       = "dtmf.receive"
	KindBargeIn           = "barge_in"
	KindError             = "error"
	KindCallStatusChanged = "call.status_changed"
)

// Event is one entry in a call's timeline.
type Event struct {
	// ID orders the event within its call's stream. IDs are strictly
	// increasing and compare correctly as "<unix-ms>-<seq>" strings.
	ID string `json:"id"`

	// CallID identifies the stream this event belongs to.
	CallID string `json:"call_id"`

	// Kind is one of the Kind constants.
	Kind string `json:"kind"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`

	// Data is the kind-specific JSON payload. May be nil.
	Data json.RawMessage `json:"data,omitempty"`
}

// Store persists per-call event streams. Implementations must assign
// strictly increasing IDs within a stream.
type Store interface {
	// Append adds e to callID's stream and returns the assigned ID.
	Append(ctx context.Context, e Event) (string, error)

	// Range returns up to limit events with IDs strictly greater than
	// afterID, in ascending order. afterID "" starts from the beginning.
	// limit <= 0 means no limit.
	Range(ctx context.Context, callID, afterID string, limit int) ([]Event, error)
}
