// Package media handles the audio-plane mechanics of a call: reordering and
// concealing ingress audio, detecting end of turn, and spotting barge-ins.
package media

import (
	"context"
	"sync"
	"time"

	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/pkg/audio"
	"github.com/invorto-ai/invorto/pkg/types"
)

// Jitter buffer tuning. Delay adapts between the min and max in steps;
// every concealment raises it, a long clean streak lowers it.
const (
	minDelayMs      = 20
	maxDelayMs      = 80
	delayStepMs     = 20
	cleanStreak     = 500
	reorderWindow   = 10
	maxSyntheticRun = 3
)

// JitterBufferConfig sizes a [JitterBuffer].
type JitterBufferConfig struct {
	// SampleRate of the ingress PCM, in Hz.
	SampleRate int

	// FrameMs is the nominal frame duration, in milliseconds.
	FrameMs int
}

// JitterBuffer absorbs network reordering on the ingress audio path. Frames
// go in by sequence number and come out in order; gaps the reorder window
// could not repair are concealed with synthetic frames so the clock keeps
// advancing for the VAD and the STT stream.
//
// Clean in-order input passes through byte-identical. Push and Pop may be
// called from different goroutines.
type JitterBuffer struct {
	cfg     JitterBufferConfig
	metrics *observe.Metrics

	mu       sync.Mutex
	pending  map[uint32]types.AudioFrame
	next     uint32
	started  bool
	primed   bool
	delayMs  int
	clean    int
	synRun   int
	draining bool
	lastTail []byte
	lastTS   uint64
}

// NewJitterBuffer creates a [JitterBuffer]. A nil metrics falls back to
// [observe.DefaultMetrics].
func NewJitterBuffer(cfg JitterBufferConfig, metrics *observe.Metrics) *JitterBuffer {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &JitterBuffer{
		cfg:     cfg,
		metrics: metrics,
		pending: make(map[uint32]types.AudioFrame),
		delayMs: minDelayMs,
	}
}

// targetDepth is how many frames must be buffered before emission starts,
// derived from the current adaptive delay.
func (b *JitterBuffer) targetDepth() int {
	if b.cfg.FrameMs <= 0 {
		return 1
	}
	depth := b.delayMs / b.cfg.FrameMs
	if depth < 1 {
		depth = 1
	}
	return depth
}

// Push adds a frame. Frames older than the emission cursor and duplicates
// of buffered frames are dropped.
func (b *JitterBuffer) Push(f types.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		b.next = f.Seq
		b.started = true
	}
	if f.Seq < b.next {
		// Late arrival: its slot was already emitted or concealed.
		return
	}
	if _, dup := b.pending[f.Seq]; dup {
		return
	}
	b.pending[f.Seq] = f
}

// Pop returns the next frame in sequence order. When the next expected
// frame is missing but newer frames have drifted past the reorder window, a
// concealment frame takes its place: up to maxSyntheticRun repeats of the
// faded previous tail, silence afterwards. Returns false when the buffer
// has nothing to emit yet.
func (b *JitterBuffer) Pop(_ context.Context) (types.AudioFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return types.AudioFrame{}, false
	}

	if !b.primed {
		if len(b.pending) < b.targetDepth() {
			return types.AudioFrame{}, false
		}
		b.primed = true
	}

	if f, ok := b.pending[b.next]; ok {
		delete(b.pending, b.next)
		b.next++
		b.synRun = 0
		b.draining = false
		b.clean++
		if b.clean >= cleanStreak && b.delayMs > minDelayMs {
			b.delayMs -= delayStepMs
			b.clean = 0
		}
		b.rememberTail(f)
		return f, true
	}

	// Hold the gap open while it can still be repaired. Once concealment
	// has started, the whole gap is drained through to the next real frame.
	if !b.draining && !b.gapBeyondWindow() {
		return types.AudioFrame{}, false
	}
	b.draining = true

	f := b.conceal()
	b.next++
	b.clean = 0
	if b.delayMs < maxDelayMs {
		b.delayMs += delayStepMs
	}
	b.metrics.SyntheticFrames.Add(context.Background(), 1)
	return f, true
}

// gapBeyondWindow reports whether some buffered frame is at least the
// reorder window ahead of the cursor, meaning the missing frame will not be
// waited for any longer. Caller holds b.mu.
func (b *JitterBuffer) gapBeyondWindow() bool {
	for seq := range b.pending {
		if seq >= b.next+reorderWindow {
			return true
		}
	}
	return false
}

// conceal builds a synthetic frame for the missing slot. Caller holds b.mu.
func (b *JitterBuffer) conceal() types.AudioFrame {
	b.synRun++
	size := b.frameBytes()
	data := make([]byte, size)

	if b.synRun <= maxSyntheticRun && len(b.lastTail) > 0 {
		copy(data, b.lastTail)
		// Linear ramp down over the run, so the repeats reach silence
		// right as the concealment budget runs out.
		gain := 1 - float64(b.synRun)/float64(maxSyntheticRun+1)
		samples := audio.BytesToInt16s(data)
		for i, s := range samples {
			samples[i] = int16(float64(s) * gain)
		}
		data = audio.Int16sToBytes(samples)
	}

	b.lastTS += uint64(size / 2)
	return types.AudioFrame{
		Seq:        b.next,
		Timestamp:  b.lastTS,
		Data:       data,
		SampleRate: b.cfg.SampleRate,
		Synthetic:  true,
	}
}

func (b *JitterBuffer) frameBytes() int {
	n := b.cfg.SampleRate * b.cfg.FrameMs / 1000 * 2
	if n <= 0 {
		n = len(b.lastTail)
	}
	return n
}

// rememberTail keeps the last real frame's payload for concealment. Caller
// holds b.mu.
func (b *JitterBuffer) rememberTail(f types.AudioFrame) {
	if cap(b.lastTail) < len(f.Data) {
		b.lastTail = make([]byte, len(f.Data))
	}
	b.lastTail = b.lastTail[:len(f.Data)]
	copy(b.lastTail, f.Data)
	b.lastTS = f.Timestamp
}

// Depth reports the number of buffered frames, for diagnostics.
func (b *JitterBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Delay reports the current adaptive delay.
func (b *JitterBuffer) Delay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(b.delayMs) * time.Millisecond
}
