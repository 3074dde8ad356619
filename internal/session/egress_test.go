package session_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/session"
	"github.com/invorto-ai/invorto/pkg/types"
)

// fakeConn is an in-memory ClientConn recording everything written to it.
// When gate is non-nil every send blocks until the gate is closed, which
// lets tests hold the writer still while they poke at the rest of the
// pipeline. Detector telemetry passes the gate, since it rides the media
// loop and gating it would stall ingress itself.
type fakeConn struct {
	gate chan struct{}

	entered atomic.Int32

	mu       sync.Mutex
	events   [][]byte
	binaries [][]byte
	order    []string
}

func (c *fakeConn) SendEvent(_ context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.entered.Add(1)
	c.mu.Lock()
	c.events = append(c.events, data)
	c.order = append(c.order, "event")
	c.mu.Unlock()
	if c.gate != nil && eventType(data) != "vad.update" {
		<-c.gate
	}
	return nil
}

// eventType extracts the "t" discriminator from a marshalled event.
func eventType(data []byte) string {
	var v struct {
		T string `json:"t"`
	}
	_ = json.Unmarshal(data, &v)
	return v.T
}

func (c *fakeConn) SendBinary(_ context.Context, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.entered.Add(1)
	c.mu.Lock()
	c.binaries = append(c.binaries, cp)
	c.order = append(c.order, "binary")
	c.mu.Unlock()
	if c.gate != nil {
		<-c.gate
	}
	return nil
}

func (c *fakeConn) eventCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *fakeConn) binaryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.binaries)
}

// eventTypes returns the "t" discriminator of every recorded JSON event, in
// send order.
func (c *fakeConn) eventTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, raw := range c.events {
		out = append(out, eventType(raw))
	}
	return out
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type chunkEvent struct {
	T        string `json:"t"`
	Seq      int    `json:"seq"`
	Encoding string `json:"encoding"`
	Audio    string `json:"audio"`
	Bytes    int    `json:"bytes"`
}

func startEgress(t *testing.T, conn *fakeConn, cfg session.EgressConfig) (*session.Egress, context.Context) {
	t.Helper()
	e, err := session.NewEgress(conn, cfg)
	if err != nil {
		t.Fatalf("NewEgress: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = e.Run(ctx) }()
	return e, ctx
}

func playAll(t *testing.T, e *session.Egress, ctx context.Context, chunks ...[]byte) int {
	t.Helper()
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	n, err := e.Play(ctx, ch)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	return n
}

func TestEgressBase64Framing(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadBase64, SampleRate: 16000,
	})

	pcm := []byte{1, 2, 3, 4, 5, 6}
	if n := playAll(t, e, ctx, pcm); n != 1 {
		t.Fatalf("Play queued %d chunks, want 1", n)
	}
	waitFor(t, func() bool { return conn.eventCount() == 1 }, "chunk event")

	var ev chunkEvent
	if err := json.Unmarshal(conn.events[0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.T != "tts.chunk" || ev.Seq != 1 || ev.Encoding != "pcm16" {
		t.Errorf("event = %+v", ev)
	}
	got, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil || !bytes.Equal(got, pcm) {
		t.Errorf("audio payload = %v (%v), want %v", got, err, pcm)
	}
	if conn.binaryCount() != 0 {
		t.Errorf("unexpected binary messages in base64 mode")
	}
}

func TestEgressBytesFraming(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadBytes, SampleRate: 16000,
	})

	pcm := []byte{9, 8, 7, 6}
	playAll(t, e, ctx, pcm)
	waitFor(t, func() bool { return conn.binaryCount() == 1 }, "binary chunk")

	var ev chunkEvent
	if err := json.Unmarshal(conn.events[0], &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Bytes != len(pcm) || ev.Audio != "" {
		t.Errorf("header event = %+v", ev)
	}
	if conn.order[0] != "event" || conn.order[1] != "binary" {
		t.Errorf("order = %v, want header before payload", conn.order)
	}
	if !bytes.Equal(conn.binaries[0], pcm) {
		t.Errorf("binary payload = %v, want %v", conn.binaries[0], pcm)
	}
}

func TestEgressUnframedBinary(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadUBytes, SampleRate: 16000,
	})

	pcm := []byte{1, 1, 2, 2}
	playAll(t, e, ctx, pcm)
	waitFor(t, func() bool { return conn.binaryCount() == 1 }, "binary chunk")

	if conn.eventCount() != 0 {
		t.Errorf("unexpected JSON events in unframed mode")
	}
	if !bytes.Equal(conn.binaries[0], pcm) {
		t.Errorf("binary payload = %v, want %v", conn.binaries[0], pcm)
	}
}

func TestEgressMulawHalvesPayload(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingMulaw, Mode: config.PayloadUBytes, SampleRate: 8000,
	})

	pcm := make([]byte, 320)
	playAll(t, e, ctx, pcm)
	waitFor(t, func() bool { return conn.binaryCount() == 1 }, "binary chunk")

	if got := len(conn.binaries[0]); got != len(pcm)/2 {
		t.Errorf("mulaw payload = %d bytes, want %d", got, len(pcm)/2)
	}
}

func TestEgressBackpressurePausesPull(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{gate: make(chan struct{})}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadUBytes, SampleRate: 16000,
		HighWater: 10, LowWater: 4,
	})

	ch := make(chan []byte, 3)
	for i := 0; i < 3; i++ {
		ch <- make([]byte, 8)
	}
	close(ch)

	done := make(chan int, 1)
	go func() {
		n, _ := e.Play(ctx, ch)
		done <- n
	}()

	// The writer is stuck on the gate, so the third chunk must be held back
	// above the high-water mark.
	waitFor(t, func() bool { return conn.entered.Load() >= 1 }, "first write")
	select {
	case <-done:
		t.Fatal("Play finished while the writer was blocked above high water")
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.gate)
	waitFor(t, func() bool { return conn.binaryCount() == 3 }, "all chunks written")
	if n := <-done; n != 3 {
		t.Errorf("Play queued %d chunks, want 3", n)
	}
}

func TestEgressFlushOnCancel(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{gate: make(chan struct{})}
	e, _ := session.NewEgress(conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadUBytes, SampleRate: 16000,
		HighWater: 10, LowWater: 4,
	})
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go func() { _ = e.Run(runCtx) }()

	playCtx, cancel := context.WithCancel(context.Background())
	ch := make(chan []byte)
	done := make(chan error, 1)
	go func() {
		_, err := e.Play(playCtx, ch)
		done <- err
	}()

	go func() {
		for i := 0; i < 3; i++ {
			select {
			case ch <- make([]byte, 8):
			case <-playCtx.Done():
				return
			}
		}
	}()

	// Let Play wedge on backpressure behind the gated writer, then cancel.
	waitFor(t, func() bool { return conn.entered.Load() >= 1 }, "first write")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Play returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Play did not return after cancellation")
	}
	close(conn.gate)
}

func TestEgressSetModeSwitchesFraming(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadBase64, SampleRate: 16000,
	})

	playAll(t, e, ctx, []byte{1, 2})
	waitFor(t, func() bool { return conn.eventCount() == 1 }, "base64 chunk")

	e.SetMode(config.PayloadUBytes)
	playAll(t, e, ctx, []byte{3, 4})
	waitFor(t, func() bool { return conn.binaryCount() == 1 }, "binary chunk")

	if conn.eventCount() != 1 {
		t.Errorf("events = %d after mode switch, want 1", conn.eventCount())
	}
}

func TestEgressModeSwitchDuringPlayback(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	e, ctx := startEgress(t, conn, session.EgressConfig{
		Encoding: types.EncodingPCM16, Mode: config.PayloadBase64, SampleRate: 16000,
	})

	// Flip the framing from another goroutine while the writer drains, the
	// way a client config control races in-flight audio.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			e.SetMode(config.PayloadUBytes)
			e.SetMode(config.PayloadBase64)
		}
	}()

	ch := make(chan []byte, 64)
	for i := 0; i < 64; i++ {
		ch <- []byte{byte(i), byte(i)}
	}
	close(ch)
	if _, err := e.Play(ctx, ch); err != nil {
		t.Fatalf("Play: %v", err)
	}
	<-done

	// Every chunk lands as exactly one message in either framing.
	waitFor(t, func() bool { return conn.eventCount()+conn.binaryCount() == 64 }, "all chunks written")
}
