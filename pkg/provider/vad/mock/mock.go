// Package mock provides test doubles for the vad package interfaces.
package mock

import (
	"sync"

	"github.com/invorto-ai/invorto/pkg/provider/vad"
	"github.com/invorto-ai/invorto/pkg/types"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is returned by NewSession. If nil a default Session is
	// returned.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned from NewSession.
	NewSessionErr error

	// NewSessionCalls records the configs passed to NewSession.
	NewSessionCalls []vad.Config
}

// Compile-time interface check.
var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session or NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a mock implementation of vad.SessionHandle. Events are consumed
// in order; once exhausted, ProcessFrame returns VADSilence events.
type Session struct {
	mu sync.Mutex

	// Events are returned by successive ProcessFrame calls.
	Events []types.VADEvent

	// ProcessErr, if non-nil, is returned by every ProcessFrame call.
	ProcessErr error

	// Frames records every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCount is the number of Reset calls.
	ResetCount int

	// Closed reports whether Close has been called.
	Closed bool

	next int
}

// Compile-time interface check.
var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame records the frame and returns the next queued event.
func (s *Session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.Frames = append(s.Frames, cp)
	if s.ProcessErr != nil {
		return types.VADEvent{}, s.ProcessErr
	}
	if s.next < len(s.Events) {
		ev := s.Events[s.next]
		s.next++
		return ev, nil
	}
	return types.VADEvent{Type: types.VADSilence}, nil
}

// ProcessedFrames returns copies of the frames seen so far. Thread-safe.
func (s *Session) ProcessedFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Frames...)
}

// Reset increments ResetCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCount++
	s.next = 0
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}
