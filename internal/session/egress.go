package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/pkg/audio"
	"github.com/invorto-ai/invorto/pkg/types"
)

// Egress flow-control defaults, in bytes of queued audio.
const (
	defaultHighWater = 32 * 1024
	defaultLowWater  = 8 * 1024
)

// ClientConn is the session's view of the caller's WebSocket. The gateway
// provides the production implementation; tests use an in-memory fake.
type ClientConn interface {
	// SendEvent writes one JSON control message to the client.
	SendEvent(ctx context.Context, v any) error

	// SendBinary writes one binary message to the client.
	SendBinary(ctx context.Context, data []byte) error
}

// chunkMsg is the JSON framing of one synthesised audio chunk. Audio carries
// the base64 payload in base64 mode; Bytes announces a following binary
// message in bytes mode.
type chunkMsg struct {
	T        string `json:"t"`
	Seq      int    `json:"seq"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
}

// EgressConfig tunes the egress writer.
type EgressConfig struct {
	// Encoding selects the wire codec for synthesised audio.
	Encoding types.Encoding

	// Mode selects how chunks are framed to the client.
	Mode config.PayloadMode

	// SampleRate of the PCM coming out of the TTS provider, in Hz.
	SampleRate int

	// FrameMs is the opus packet duration. Ignored for other encodings.
	FrameMs int

	// HighWater pauses pulling from TTS when this many bytes are queued;
	// LowWater resumes it. Zero selects the defaults.
	HighWater int
	LowWater  int
}

// Egress is the single writer of audio toward the client. It pulls
// synthesised PCM, encodes it, and frames it per the configured payload
// mode, pausing the pull when the send queue passes the high-water mark so
// backpressure reaches the TTS provider instead of piling up here.
type Egress struct {
	conn ClientConn
	cfg  EgressConfig

	// OnChunk, when set, fires after each chunk is queued. The supervisor
	// uses it for timeline mirroring.
	OnChunk func(seq, size int)

	opus *audio.OpusEncoder
	rem  []byte

	mu     sync.Mutex
	cond   *sync.Cond
	queue  chan []byte
	queued int
	seq    int
	enq    int
}

// NewEgress creates an [Egress] over the given connection.
func NewEgress(conn ClientConn, cfg EgressConfig) (*Egress, error) {
	if cfg.HighWater <= 0 {
		cfg.HighWater = defaultHighWater
	}
	if cfg.LowWater <= 0 || cfg.LowWater >= cfg.HighWater {
		cfg.LowWater = defaultLowWater
	}
	e := &Egress{
		conn:  conn,
		cfg:   cfg,
		queue: make(chan []byte, 8),
	}
	e.cond = sync.NewCond(&e.mu)

	if cfg.Encoding == types.EncodingOpus {
		frameMs := cfg.FrameMs
		if frameMs <= 0 {
			frameMs = 20
		}
		enc, err := audio.NewOpusEncoder(cfg.SampleRate, frameMs)
		if err != nil {
			return nil, fmt.Errorf("session: opus encoder: %w", err)
		}
		e.opus = enc
	}
	return e, nil
}

// Run drains the send queue onto the connection until ctx is cancelled. The
// supervisor runs it as a child task; it is the only goroutine that writes
// audio to the socket.
func (e *Egress) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-e.queue:
			if !ok {
				return nil
			}
			err := e.write(ctx, payload)
			e.mu.Lock()
			e.queued -= len(payload)
			if e.queued <= e.cfg.LowWater {
				e.cond.Broadcast()
			}
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("session: egress write: %w", err)
			}
		}
	}
}

// write frames one encoded payload per the payload mode. The mode is
// snapshotted under the lock because SetMode may flip it from the control
// goroutine while a chunk is in flight.
func (e *Egress) write(ctx context.Context, payload []byte) error {
	e.mu.Lock()
	mode := e.cfg.Mode
	e.mu.Unlock()

	e.seq++
	msg := chunkMsg{T: "tts.chunk", Seq: e.seq, Encoding: string(e.cfg.Encoding)}

	switch mode {
	case config.PayloadBase64:
		msg.Audio = base64.StdEncoding.EncodeToString(payload)
		return e.conn.SendEvent(ctx, msg)

	case config.PayloadBytes:
		msg.Bytes = len(payload)
		if err := e.conn.SendEvent(ctx, msg); err != nil {
			return err
		}
		return e.conn.SendBinary(ctx, payload)

	default: // PayloadUBytes
		return e.conn.SendBinary(ctx, payload)
	}
}

// Play pulls PCM chunks from the audio channel until it closes or ctx is
// cancelled, and reports how many chunks were queued. Cancelling ctx is the
// barge-in path; queued-but-unwritten chunks are flushed so the caller hears
// silence immediately.
func (e *Egress) Play(ctx context.Context, audioCh <-chan []byte) (int, error) {
	chunks := 0
	for {
		select {
		case <-ctx.Done():
			e.Flush()
			return chunks, ctx.Err()
		case pcm, ok := <-audioCh:
			if !ok {
				if tail := e.flushOpusRemainder(); tail != nil {
					if err := e.enqueue(ctx, tail); err != nil {
						return chunks, err
					}
					chunks++
				}
				return chunks, nil
			}
			payloads, err := e.encode(pcm)
			if err != nil {
				return chunks, err
			}
			for _, p := range payloads {
				if err := e.enqueue(ctx, p); err != nil {
					e.Flush()
					return chunks, err
				}
				chunks++
			}
		}
	}
}

// enqueue blocks while the queue is above the high-water mark, then queues
// one payload.
func (e *Egress) enqueue(ctx context.Context, payload []byte) error {
	// Wake the wait loop if the caller is cancelled mid-backpressure.
	stop := context.AfterFunc(ctx, func() {
		e.mu.Lock()
		e.cond.Broadcast()
		e.mu.Unlock()
	})
	defer stop()

	e.mu.Lock()
	for e.queued > e.cfg.HighWater {
		if ctx.Err() != nil {
			e.mu.Unlock()
			return ctx.Err()
		}
		e.cond.Wait()
	}
	e.queued += len(payload)
	e.enq++
	seq := e.enq
	e.mu.Unlock()

	select {
	case e.queue <- payload:
	case <-ctx.Done():
		e.mu.Lock()
		e.queued -= len(payload)
		e.mu.Unlock()
		return ctx.Err()
	}
	if e.OnChunk != nil {
		e.OnChunk(seq, len(payload))
	}
	return nil
}

// Flush discards all queued-but-unwritten chunks.
func (e *Egress) Flush() {
	for {
		select {
		case payload := <-e.queue:
			e.mu.Lock()
			e.queued -= len(payload)
			e.mu.Unlock()
		default:
			e.mu.Lock()
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
	}
}

// SetMode switches the payload framing, honouring a client config message.
func (e *Egress) SetMode(mode config.PayloadMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Mode = mode
}

// encode converts one PCM chunk into wire payloads. Opus needs exact frame
// sizes, so input is buffered across calls and split into packets.
func (e *Egress) encode(pcm []byte) ([][]byte, error) {
	switch e.cfg.Encoding {
	case types.EncodingMulaw:
		return [][]byte{audio.MulawEncode(pcm)}, nil

	case types.EncodingOpus:
		e.rem = append(e.rem, pcm...)
		frameBytes := e.opus.FrameBytes()
		var out [][]byte
		for len(e.rem) >= frameBytes {
			pkt, err := e.opus.Encode(e.rem[:frameBytes])
			if err != nil {
				return nil, fmt.Errorf("session: opus encode: %w", err)
			}
			out = append(out, pkt)
			e.rem = e.rem[frameBytes:]
		}
		return out, nil

	default: // pcm16 passes through
		return [][]byte{pcm}, nil
	}
}

// flushOpusRemainder zero-pads and encodes the final partial opus frame.
// Returns nil for other encodings or when nothing is buffered.
func (e *Egress) flushOpusRemainder() []byte {
	if e.opus == nil || len(e.rem) == 0 {
		return nil
	}
	frame := make([]byte, e.opus.FrameBytes())
	copy(frame, e.rem)
	e.rem = e.rem[:0]
	pkt, err := e.opus.Encode(frame)
	if err != nil {
		return nil
	}
	return pkt
}
