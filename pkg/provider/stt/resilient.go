package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/invorto-ai/invorto/pkg/types"
)

// Resilient decorates a Provider with reconnect-on-failure behaviour. When the
// underlying session drops mid-turn, the wrapper re-opens it with exponential
// backoff (base 250 ms, cap 5 s, ±20% jitter) and re-streams the most recent
// frames held in a replay cache so the provider can rebuild its acoustic
// context. Finals whose confidence falls below the configured floor are
// forwarded flagged LowConfidence, never dropped.
type Resilient struct {
	inner Provider
	cfg   ResilientConfig
}

// ResilientConfig tunes the reconnect policy. Zero values are replaced with
// the defaults documented on each field.
type ResilientConfig struct {
	// MaxRetries bounds reconnect attempts per failure. Default: 5.
	MaxRetries int

	// ReplayFrames is the number of recent audio chunks kept for re-streaming
	// after a reconnect. Default: 25 (roughly half a second of 20 ms frames).
	ReplayFrames int

	// ConfidenceFloor is the threshold below which finals are flagged
	// LowConfidence. Default: 0.35.
	ConfidenceFloor float64

	// InitialInterval is the first backoff delay. Default: 250 ms.
	InitialInterval time.Duration

	// MaxInterval caps the backoff delay. Default: 5 s.
	MaxInterval time.Duration
}

func (c *ResilientConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.ReplayFrames <= 0 {
		c.ReplayFrames = 25
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = 0.35
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 250 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
}

// Compile-time interface check.
var _ Provider = (*Resilient)(nil)

// NewResilient wraps inner with the reconnect policy in cfg.
func NewResilient(inner Provider, cfg ResilientConfig) *Resilient {
	cfg.applyDefaults()
	return &Resilient{inner: inner, cfg: cfg}
}

// StartStream opens the underlying session and returns a handle that survives
// transient provider failures.
func (r *Resilient) StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error) {
	inner, err := r.inner.StartStream(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &resilientSession{
		provider:  r.inner,
		streamCfg: cfg,
		cfg:       r.cfg,
		cur:       inner,
		input:     make(chan []byte, 64),
		partials:  make(chan types.TranscriptHypothesis, 64),
		finals:    make(chan types.TranscriptHypothesis, 64),
		done:      make(chan struct{}),
		replay:    make([][]byte, 0, r.cfg.ReplayFrames),
	}
	s.wg.Add(1)
	go s.run(ctx)
	return s, nil
}

// resilientSession is the reconnecting SessionHandle. The run goroutine owns
// the current inner session and the replay cache; SendAudio only feeds the
// input channel, so no further locking is needed on the hot path.
type resilientSession struct {
	provider  Provider
	streamCfg StreamConfig
	cfg       ResilientConfig

	cur      SessionHandle
	input    chan []byte
	partials chan types.TranscriptHypothesis
	finals   chan types.TranscriptHypothesis
	replay   [][]byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk for delivery. It blocks when the pipeline is full
// so backpressure propagates to the jitter buffer instead of dropping frames.
func (s *resilientSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("stt: resilient session is closed")
	default:
	}
	select {
	case s.input <- chunk:
		return nil
	case <-s.done:
		return errors.New("stt: resilient session is closed")
	}
}

// Partials returns the channel of interim hypotheses.
func (s *resilientSession) Partials() <-chan types.TranscriptHypothesis { return s.partials }

// Finals returns the channel of final hypotheses.
func (s *resilientSession) Finals() <-chan types.TranscriptHypothesis { return s.finals }

// Close tears down the wrapper and the current inner session.
func (s *resilientSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// run owns the inner session for the lifetime of the wrapper. It forwards
// audio downstream, mirrors transcripts upstream, and reconnects when either
// direction fails.
func (s *resilientSession) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		readerFailed := make(chan struct{})
		var readerOnce sync.Once
		s.wg.Add(1)
		go s.forward(s.cur, readerFailed, &readerOnce)

		err := s.pump(ctx, readerFailed)
		_ = s.cur.Close()
		if err == nil {
			// Clean shutdown via Close or context cancellation.
			return
		}

		next, rerr := s.reconnect(ctx)
		if rerr != nil {
			slog.Error("stt reconnect exhausted", "error", rerr)
			return
		}
		s.cur = next
		s.replayCache()
	}
}

// pump moves input chunks into the current session until shutdown or failure.
// A nil return means clean shutdown; non-nil requests a reconnect.
func (s *resilientSession) pump(ctx context.Context, readerFailed <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-readerFailed:
			return errors.New("stt: transcript stream ended unexpectedly")
		case chunk := <-s.input:
			s.remember(chunk)
			if err := s.cur.SendAudio(chunk); err != nil {
				return fmt.Errorf("stt: send audio: %w", err)
			}
		}
	}
}

// forward mirrors the inner session's transcripts to the outer channels and
// signals readerFailed when the inner channels close before shutdown.
func (s *resilientSession) forward(inner SessionHandle, readerFailed chan struct{}, once *sync.Once) {
	defer s.wg.Done()
	partials, finals := inner.Partials(), inner.Finals()
	for partials != nil || finals != nil {
		select {
		case <-s.done:
			return
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			s.emit(s.partials, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Confidence < s.cfg.ConfidenceFloor {
				t.LowConfidence = true
			}
			s.emit(s.finals, t)
		}
	}
	once.Do(func() { close(readerFailed) })
}

// emit sends t unless the wrapper is shutting down.
func (s *resilientSession) emit(ch chan<- types.TranscriptHypothesis, t types.TranscriptHypothesis) {
	select {
	case ch <- t:
	case <-s.done:
	}
}

// reconnect re-opens the provider stream with exponential backoff.
func (s *resilientSession) reconnect(ctx context.Context) (SessionHandle, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxInterval = s.cfg.MaxInterval
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0

	var handle SessionHandle
	op := func() error {
		select {
		case <-s.done:
			return backoff.Permanent(errors.New("stt: session closed during reconnect"))
		default:
		}
		h, err := s.provider.StartStream(ctx, s.streamCfg)
		if err != nil {
			slog.Warn("stt reconnect attempt failed", "error", err)
			return err
		}
		handle = h
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// remember appends chunk to the replay ring, evicting the oldest entry when
// full.
func (s *resilientSession) remember(chunk []byte) {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	if len(s.replay) == s.cfg.ReplayFrames {
		copy(s.replay, s.replay[1:])
		s.replay[len(s.replay)-1] = cp
		return
	}
	s.replay = append(s.replay, cp)
}

// replayCache re-streams the cached frames into a fresh session so the
// recogniser regains the acoustic context of the partial turn.
func (s *resilientSession) replayCache() {
	for _, chunk := range s.replay {
		if err := s.cur.SendAudio(chunk); err != nil {
			slog.Warn("stt replay failed", "error", err)
			return
		}
	}
}
