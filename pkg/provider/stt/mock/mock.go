// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled hypotheses and inspect which
// audio chunks were delivered.
package mock

import (
	"context"
	"sync"

	"github.com/invorto-ai/invorto/pkg/provider/stt"
	"github.com/invorto-ai/invorto/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a new default Session with buffered channels.
	Session stt.SessionHandle

	// Sessions, if non-empty, is consumed one handle per successful call
	// before Session is considered. Use it when a test needs to observe each
	// session of a reconnecting caller separately.
	Sessions []stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamErrs, if non-empty, is consumed one error per call before
	// Session is returned. Use it to simulate transient connect failures.
	StartStreamErrs []error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Compile-time interface check.
var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns Session or a queued error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if len(p.Sessions) > 0 {
		s := p.Sessions[0]
		p.Sessions = p.Sessions[1:]
		return s, nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. Callers pre-populate
// PartialsCh and FinalsCh with the hypotheses they want the consumer to
// receive, then close them when done.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials(). Callers own it.
	PartialsCh chan types.TranscriptHypothesis

	// FinalsCh is the channel returned by Finals(). Callers own it.
	FinalsCh chan types.TranscriptHypothesis

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records every SendAudio invocation.
	SendAudioCalls []SendAudioCall

	// Closed reports whether Close has been called.
	Closed bool
}

// Compile-time interface check.
var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a Session with buffered channels ready for use.
func NewSession() *Session {
	return &Session{
		PartialsCh: make(chan types.TranscriptHypothesis, 16),
		FinalsCh:   make(chan types.TranscriptHypothesis, 16),
	}
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan types.TranscriptHypothesis { return s.PartialsCh }

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan types.TranscriptHypothesis { return s.FinalsCh }

// Close marks the session closed and closes both channels exactly once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Closed {
		return nil
	}
	s.Closed = true
	close(s.PartialsCh)
	close(s.FinalsCh)
	return nil
}

// Chunks returns the audio chunks delivered so far. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}
