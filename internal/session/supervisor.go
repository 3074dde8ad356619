package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/invorto-ai/invorto/internal/admission"
	"github.com/invorto-ai/invorto/internal/agent"
	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/media"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/internal/timeline"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/provider/stt"
	"github.com/invorto-ai/invorto/pkg/provider/tts"
	"github.com/invorto-ai/invorto/pkg/provider/vad"
	"github.com/invorto-ai/invorto/pkg/types"
)

// ErrControlOverflow is returned when the client floods control messages
// faster than the session consumes them.
var ErrControlOverflow = errors.New("control queue overflow")

// maxFailedTurns closes the session after this many consecutive turns end
// in a fallback.
const maxFailedTurns = 2

// vadUpdateInterval throttles steady-state vad.update events. Speech
// transitions always go out immediately.
const vadUpdateInterval = 250 * time.Millisecond

// CallRecorder persists the final status of a call. The catalog store
// implements it; a nil recorder skips persistence.
type CallRecorder interface {
	EndCall(ctx context.Context, callID, status, reason string) error
}

// Deps are the collaborators a [Supervisor] drives. Conn, STT, TTS, VAD,
// LLM, and Timeline are required; the rest may be nil.
type Deps struct {
	Conn     ClientConn
	STT      stt.Provider
	TTS      tts.Provider
	VAD      vad.Engine
	LLM      llm.Provider
	Tools    agent.ToolExecutor
	Timeline *timeline.Publisher
	Lease    *admission.Lease
	Calls    CallRecorder
	Cache    *tts.UtteranceCache
	Metrics  *observe.Metrics
}

// Config is the immutable per-session snapshot taken at accept time.
type Config struct {
	CallID   string
	TenantID string
	AgentID  string

	// Agent behaviour, read from the catalog at session start.
	SystemPrompt      string
	Greeting          string
	FallbackUtterance string
	Temperature       float64
	MaxTokens         int
	Voice             types.VoiceProfile

	// Session holds the operator-tunable limits.
	Session config.SessionConfig

	// FrameMs is the ingress frame duration. Defaults to 20.
	FrameMs int

	// Encoding and PayloadMode select the egress framing.
	Encoding    types.Encoding
	PayloadMode config.PayloadMode

	// Language hints the STT provider.
	Language string

	// MaxToolCallsPerTurn bounds tool dispatch within one turn.
	MaxToolCallsPerTurn int
}

// Supervisor is the per-call state machine. Create one with [New], feed it
// frames and controls from the transport goroutine, and run it with
// [Supervisor.Run] until the call ends.
type Supervisor struct {
	cfg  Config
	deps Deps

	state atomic.Int32

	jb      *media.JitterBuffer
	reframe *media.Reframer
	egress  *Egress
	runtime *agent.Runtime

	controls chan Control
	turns    chan string

	lastActivity atomic.Int64 // unix nanos

	mu            sync.Mutex
	endpointer    *media.Endpointer
	barge         *media.BargeInDetector
	lastVADUpdate time.Time
	turnText      strings.Builder
	turnEndedAt   time.Time
	firstAudio    bool
	cancelTurn    context.CancelFunc
	paused        bool
	failedTurns   int
	closeStatus   string
	closeReason   string

	toolWaiters sync.Map // tool call id -> chan string

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// New creates a [Supervisor]. The caller has already authenticated the
// client, admitted the call, and loaded the agent profile.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = 20
	}
	if cfg.Session.SampleRate <= 0 {
		cfg.Session.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = types.EncodingPCM16
	}
	if cfg.PayloadMode == "" {
		cfg.PayloadMode = cfg.Session.PayloadMode
	}
	if cfg.FallbackUtterance == "" {
		cfg.FallbackUtterance = cfg.Session.FallbackUtterance
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	egress, err := NewEgress(deps.Conn, EgressConfig{
		Encoding:   cfg.Encoding,
		Mode:       cfg.PayloadMode,
		SampleRate: cfg.Session.SampleRate,
		FrameMs:    cfg.FrameMs,
	})
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:     cfg,
		deps:    deps,
		jb:      media.NewJitterBuffer(media.JitterBufferConfig{SampleRate: cfg.Session.SampleRate, FrameMs: cfg.FrameMs}, deps.Metrics),
		reframe: media.NewReframer(cfg.Session.SampleRate * cfg.FrameMs / 1000 * 2),
		egress:  egress,
		runtime: agent.NewRuntime(deps.LLM, deps.Tools, agent.Config{
			SystemPrompt:        cfg.SystemPrompt,
			Temperature:         cfg.Temperature,
			MaxTokens:           cfg.MaxTokens,
			MaxToolCallsPerTurn: cfg.MaxToolCallsPerTurn,
			FallbackUtterance:   cfg.FallbackUtterance,
		}, deps.Metrics),
		controls:   make(chan Control, 16),
		turns:      make(chan string, 4),
		endpointer: media.NewEndpointer(cfg.Session.Endpointing),
		barge:      media.NewBargeInDetector(),
	}
	s.state.Store(int32(StateConnecting))
	s.touch()
	egress.OnChunk = s.onEgressChunk
	return s, nil
}

// State reports the current lifecycle phase.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Supervisor) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// HandleFrame accepts one inbound audio frame from the transport goroutine.
func (s *Supervisor) HandleFrame(f types.AudioFrame) {
	if s.State() >= StateClosing {
		return
	}
	if s.State() == StateReady {
		s.setState(StateListening)
	}
	s.touch()
	s.jb.Push(f)
}

// HandleControl accepts one raw control message from the transport
// goroutine. Malformed messages are returned as errors for the gateway to
// map onto a bad_request close.
func (s *Supervisor) HandleControl(data []byte) error {
	ctl, err := ParseControl(data)
	if err != nil {
		return err
	}
	select {
	case s.controls <- ctl:
		return nil
	default:
		return ErrControlOverflow
	}
}

// AwaitToolResult returns a channel that receives the result of a
// human-assisted tool call once the client answers with a tool.result
// control. The channel is buffered; abandoning it is safe.
func (s *Supervisor) AwaitToolResult(toolCallID string) <-chan string {
	ch := make(chan string, 1)
	s.toolWaiters.Store(toolCallID, ch)
	return ch
}

// Run drives the session until the client disconnects, an end control
// arrives, a fatal error occurs, or the inactivity timeout fires. It always
// returns with all children stopped and all resources released exactly once.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.deps.Metrics.ActiveCalls.Add(ctx, 1)
	defer s.deps.Metrics.ActiveCalls.Add(context.WithoutCancel(ctx), -1)

	s.publish(ctx, timeline.KindSessionConnected, map[string]any{
		"agentId":  s.cfg.AgentID,
		"tenantId": s.cfg.TenantID,
	})

	sttSession, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate:     s.cfg.Session.SampleRate,
		Language:       s.cfg.Language,
		InterimResults: true,
	})
	if err != nil {
		s.publishError(ctx, "stt unavailable")
		s.finish(ctx, "failed", "stt_unavailable")
		return fmt.Errorf("session %s: start stt: %w", s.cfg.CallID, err)
	}
	defer sttSession.Close()

	vadSession, err := s.deps.VAD.NewSession(vad.Config{
		SampleRate:       s.cfg.Session.SampleRate,
		FrameSizeMs:      s.cfg.FrameMs,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
	})
	if err != nil {
		s.publishError(ctx, "vad unavailable")
		s.finish(ctx, "failed", "vad_unavailable")
		return fmt.Errorf("session %s: start vad: %w", s.cfg.CallID, err)
	}
	defer vadSession.Close()

	s.setState(StateReady)

	if s.cfg.Greeting != "" {
		s.speakCanned(ctx, s.cfg.Greeting)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(s.egress.Run(gctx)) })
	g.Go(func() error { return s.mediaLoop(gctx, sttSession, vadSession) })
	g.Go(func() error { return s.partialsLoop(gctx, sttSession) })
	g.Go(func() error { return s.finalsLoop(gctx, sttSession) })
	g.Go(func() error { return s.turnLoop(gctx) })
	g.Go(func() error { return s.controlLoop(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })
	if s.deps.Lease != nil {
		g.Go(func() error {
			s.deps.Lease.KeepAlive(gctx)
			return nil
		})
	}

	err = g.Wait()
	s.finish(ctx, s.finalStatus(), s.finalReason())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ignoreCancel maps context cancellation onto a clean return so an
// orderly shutdown does not surface as a group error.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close requests an orderly shutdown with the given final status.
func (s *Supervisor) Close(status, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeStatus, s.closeReason = status, reason
		s.mu.Unlock()
		s.setState(StateClosing)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Supervisor) finalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeStatus == "" {
		return "completed"
	}
	return s.closeStatus
}

func (s *Supervisor) finalReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason == "" {
		return "disconnect"
	}
	return s.closeReason
}

// finish performs the exactly-once teardown: final events, catalog status,
// admission release. It runs on a cancellation-free context so the final
// writes survive the session context being cancelled.
func (s *Supervisor) finish(ctx context.Context, status, reason string) {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosing)
	bg := context.WithoutCancel(ctx)

	s.publish(bg, timeline.KindCallStatusChanged, map[string]any{
		"status": status,
		"reason": reason,
	})
	s.publish(bg, timeline.KindSessionClosed, map[string]any{
		"status": status,
		"reason": reason,
	})
	s.setState(StateClosed)

	if s.deps.Calls != nil {
		if err := s.deps.Calls.EndCall(bg, s.cfg.CallID, status, reason); err != nil {
			slog.Warn("session: persist final call status", "callId", s.cfg.CallID, "error", err)
		}
	}
	if s.deps.Lease != nil {
		if err := s.deps.Lease.Release(bg); err != nil {
			slog.Warn("session: release admission lease", "callId", s.cfg.CallID, "error", err)
		}
	}
}

// publish mirrors one event to the timeline. Nothing is published once the
// session is Closed.
func (s *Supervisor) publish(ctx context.Context, kind string, payload any) {
	if s.State() == StateClosed {
		return
	}
	if _, err := s.deps.Timeline.Publish(ctx, s.cfg.CallID, kind, payload); err != nil {
		slog.Warn("session: timeline publish failed", "callId", s.cfg.CallID, "kind", kind, "error", err)
	}
}

func (s *Supervisor) publishError(ctx context.Context, message string) {
	s.publish(ctx, timeline.KindError, map[string]any{"message": message})
	s.sendEvent(ctx, map[string]any{"t": "error", "message": message})
}

// sendEvent writes one JSON event to the client, tolerating a gone peer.
func (s *Supervisor) sendEvent(ctx context.Context, v any) {
	if s.State() >= StateClosing {
		return
	}
	if err := s.deps.Conn.SendEvent(ctx, v); err != nil {
		slog.Debug("session: client send failed", "callId", s.cfg.CallID, "error", err)
	}
}

// mediaLoop pulls ordered frames on the frame cadence, runs VAD,
// endpointing, and barge-in, and feeds audio to the STT stream.
func (s *Supervisor) mediaLoop(ctx context.Context, sttSession stt.SessionHandle, vadSession vad.SessionHandle) error {
	tick := time.NewTicker(time.Duration(s.cfg.FrameMs) * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}

		for {
			frame, ok := s.jb.Pop(ctx)
			if !ok {
				break
			}
			s.processFrame(ctx, frame, sttSession, vadSession)
		}

		s.mu.Lock()
		ended := s.endpointer.TurnEnded(time.Now()) && s.turnText.Len() > 0
		var text string
		if ended {
			text = strings.TrimSpace(s.turnText.String())
			s.turnText.Reset()
			s.endpointer.Reset()
			s.turnEndedAt = time.Now()
			s.firstAudio = true
		}
		s.mu.Unlock()

		if ended && text != "" {
			select {
			case s.turns <- text:
			case <-ctx.Done():
				return ctx.Err()
			default:
				// The agent is still busy with earlier turns; report the
				// congestion instead of silently dropping the final.
				s.publish(ctx, timeline.KindError, map[string]any{"message": "turn queue congested"})
			}
		}
	}
}

// processFrame runs detection over exact-size slices of one inbound frame
// and forwards the audio to the STT stream. Transports may deliver anything
// from half a frame to several frames per message, and a wedged detector
// must never starve the transcription path.
func (s *Supervisor) processFrame(ctx context.Context, frame types.AudioFrame, sttSession stt.SessionHandle, vadSession vad.SessionHandle) {
	for _, slice := range s.reframe.Split(frame.Data) {
		ev, err := vadSession.ProcessFrame(slice)
		if err != nil {
			slog.Debug("session: vad frame", "callId", s.cfg.CallID, "error", err)
			continue
		}

		s.mu.Lock()
		s.endpointer.OnVAD(ev, time.Now())
		fired := s.barge.OnVAD(ev)
		s.mu.Unlock()

		if fired {
			s.bargeIn(ctx)
		}
		s.notifyVAD(ctx, ev)
	}

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}
	if err := sttSession.SendAudio(frame.Data); err != nil {
		slog.Debug("session: stt send", "callId", s.cfg.CallID, "error", err)
	}
}

// notifyVAD mirrors the detector state to the client and the timeline.
// Speech transitions go out immediately; steady-state readings are rate
// limited to one per vadUpdateInterval.
func (s *Supervisor) notifyVAD(ctx context.Context, ev types.VADEvent) {
	transition := ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechEnd
	now := time.Now()

	s.mu.Lock()
	if !transition && now.Sub(s.lastVADUpdate) < vadUpdateInterval {
		s.mu.Unlock()
		return
	}
	s.lastVADUpdate = now
	s.mu.Unlock()

	speech := ev.Type == types.VADSpeechStart || ev.Type == types.VADSpeechContinue
	s.sendEvent(ctx, map[string]any{
		"t": "vad.update", "speech": speech,
		"confidence": ev.Confidence, "energyDbfs": ev.EnergyDBFS,
	})
	s.publish(ctx, timeline.KindVADUpdate, map[string]any{
		"speech": speech, "confidence": ev.Confidence, "energyDbfs": ev.EnergyDBFS,
	})
}

// bargeIn cancels the active agent turn and flushes pending egress.
func (s *Supervisor) bargeIn(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.egress.Flush()

	s.deps.Metrics.BargeIns.Add(ctx, 1)
	s.publish(ctx, timeline.KindBargeIn, map[string]any{})
	s.sendEvent(ctx, map[string]any{"t": "tts.cancelled"})
	s.setState(StateListening)
}

// partialsLoop mirrors interim hypotheses to the client and the timeline.
func (s *Supervisor) partialsLoop(ctx context.Context, sttSession stt.SessionHandle) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hyp, ok := <-sttSession.Partials():
			if !ok {
				return nil
			}
			s.touch()
			s.sendEvent(ctx, map[string]any{"t": "stt.partial", "text": hyp.Text})
			s.publish(ctx, timeline.KindSTTPartial, map[string]any{"text": hyp.Text})
		}
	}
}

// finalsLoop feeds authoritative transcripts into the open turn. Finals
// below the confidence floor are flagged, never dropped.
func (s *Supervisor) finalsLoop(ctx context.Context, sttSession stt.SessionHandle) error {
	floor := s.cfg.Session.MinFinalConfidence
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hyp, ok := <-sttSession.Finals():
			if !ok {
				return nil
			}
			if hyp.Confidence > 0 && hyp.Confidence < floor {
				hyp.LowConfidence = true
			}
			s.touch()

			s.mu.Lock()
			s.endpointer.OnFinal(hyp)
			if s.turnText.Len() > 0 {
				s.turnText.WriteByte(' ')
			}
			s.turnText.WriteString(hyp.Text)
			s.mu.Unlock()

			s.sendEvent(ctx, map[string]any{
				"t": "stt.final", "text": hyp.Text,
				"confidence": hyp.Confidence, "lowConfidence": hyp.LowConfidence,
			})
			s.publish(ctx, timeline.KindSTTFinal, map[string]any{
				"text": hyp.Text, "confidence": hyp.Confidence, "lowConfidence": hyp.LowConfidence,
			})
		}
	}
}

// turnLoop executes agent turns sequentially.
func (s *Supervisor) turnLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case text := <-s.turns:
			s.runTurn(ctx, text)
			if s.consecutiveFailures() >= maxFailedTurns {
				s.publishError(ctx, "closing after repeated turn failures")
				s.Close("failed", "consecutive_turn_failures")
				return nil
			}
		}
	}
}

func (s *Supervisor) consecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedTurns
}

// runTurn streams one completion, piping fragments into TTS and audio out
// through the egress writer.
func (s *Supervisor) runTurn(ctx context.Context, userText string) {
	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()

	s.mu.Lock()
	s.cancelTurn = cancelTurn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelTurn = nil
		s.mu.Unlock()
	}()

	textCh := make(chan string, 16)
	audioCh, err := s.deps.TTS.SynthesizeStream(turnCtx, textCh, s.cfg.Voice)
	if err != nil {
		s.publishError(ctx, "tts unavailable")
		s.recordTurnFailure()
		return
	}

	var playWG sync.WaitGroup
	var playedChunks int
	playWG.Add(1)
	go func() {
		defer playWG.Done()
		playedChunks, _ = s.egress.Play(turnCtx, audioCh)
	}()

	var sawDelta bool
	ev := agent.Events{
		OnDelta: func(delta string) {
			if !sawDelta {
				sawDelta = true
				s.setState(StateSpeaking)
				s.mu.Lock()
				s.barge.SetAgentSpeaking(true)
				s.mu.Unlock()
			}
			s.touch()
			s.sendEvent(turnCtx, map[string]any{"t": "llm.delta", "text": delta})
			s.publish(turnCtx, timeline.KindLLMDelta, map[string]any{"text": delta})
		},
		OnFragment: func(frag string) {
			select {
			case textCh <- frag:
			case <-turnCtx.Done():
			}
		},
		OnToolCall: func(call types.ToolCall) {
			s.sendEvent(turnCtx, map[string]any{"t": "tool.call", "id": call.ID, "name": call.Name, "arguments": call.Arguments})
			s.publish(turnCtx, timeline.KindToolCall, map[string]any{"id": call.ID, "name": call.Name})
		},
		OnToolResult: func(callID, result string, err error) {
			payload := map[string]any{"id": callID}
			if err != nil {
				payload["error"] = err.Error()
			}
			s.publish(turnCtx, timeline.KindToolResult, payload)
		},
	}

	result, turnErr := s.runtime.RunTurn(turnCtx, userText, ev)
	close(textCh)
	playWG.Wait()

	interrupted := result.Interrupted && ctx.Err() == nil

	s.mu.Lock()
	s.barge.SetAgentSpeaking(false)
	s.mu.Unlock()
	if s.State() == StateSpeaking {
		s.setState(StateListening)
	}

	switch {
	case interrupted:
		// Barge-in: tts.cancelled already went out, nothing more to close.
		s.mu.Lock()
		s.failedTurns = 0
		s.mu.Unlock()
	case turnErr != nil && errors.Is(turnErr, agent.ErrTurnFailed):
		s.recordTurnFailure()
		s.finishUtterance(ctx, playedChunks)
	case turnErr != nil && ctx.Err() == nil:
		s.publishError(ctx, "turn failed")
		s.recordTurnFailure()
	case turnErr == nil:
		s.mu.Lock()
		s.failedTurns = 0
		s.mu.Unlock()
		s.sendEvent(ctx, map[string]any{"t": "llm.final", "text": result.Text})
		s.publish(ctx, timeline.KindLLMFinal, map[string]any{"text": result.Text})
		s.finishUtterance(ctx, playedChunks)
	}
}

// finishUtterance closes out a spoken reply with tts.done.
func (s *Supervisor) finishUtterance(ctx context.Context, chunks int) {
	s.sendEvent(ctx, map[string]any{"t": "tts.done", "chunks": chunks})
	s.publish(ctx, timeline.KindTTSDone, map[string]any{"chunks": chunks})
}

func (s *Supervisor) recordTurnFailure() {
	s.mu.Lock()
	s.failedTurns++
	s.mu.Unlock()
}

// onEgressChunk mirrors each queued audio chunk to the timeline and records
// the turn latency on the first chunk after a turn boundary.
func (s *Supervisor) onEgressChunk(seq, size int) {
	ctx := context.Background()
	s.mu.Lock()
	first := s.firstAudio
	endedAt := s.turnEndedAt
	s.firstAudio = false
	s.mu.Unlock()

	if first && !endedAt.IsZero() {
		s.deps.Metrics.TurnLatency.Record(ctx, time.Since(endedAt).Seconds(),
			metric.WithAttributes(observe.Attr("call_id", s.cfg.CallID)))
	}
	s.publish(ctx, timeline.KindTTSChunk, map[string]any{"seq": seq, "bytes": size})
}

// speakCanned plays a pre-synthesised or one-shot utterance, used for the
// greeting and the fallback phrase.
func (s *Supervisor) speakCanned(ctx context.Context, text string) {
	if s.deps.Cache != nil {
		if pcm, err := s.deps.Cache.Synthesize(ctx, text, s.cfg.Voice); err == nil {
			ch := make(chan []byte, 1)
			ch <- pcm
			close(ch)
			if chunks, err := s.egress.Play(ctx, ch); err == nil {
				s.finishUtterance(ctx, chunks)
			}
			return
		}
	}

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	audioCh, err := s.deps.TTS.SynthesizeStream(ctx, textCh, s.cfg.Voice)
	if err != nil {
		slog.Warn("session: canned utterance synthesis failed", "callId", s.cfg.CallID, "error", err)
		return
	}
	if chunks, err := s.egress.Play(ctx, audioCh); err == nil {
		s.finishUtterance(ctx, chunks)
	}
}

// controlLoop applies client control messages.
func (s *Supervisor) controlLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ctl := <-s.controls:
			s.touch()
			switch ctl.Type {
			case ControlStart:
				if s.State() == StateReady {
					s.setState(StateListening)
				}

			case ControlPause:
				s.mu.Lock()
				s.paused = true
				s.mu.Unlock()

			case ControlResume:
				s.mu.Lock()
				s.paused = false
				s.mu.Unlock()

			case ControlEnd:
				s.Close("completed", "client_end")
				return nil

			case ControlDTMF:
				s.publish(ctx, timeline.KindDTMFReceive, map[string]any{"digits": ctl.Digits})

			case ControlTransfer:
				s.publish(ctx, timeline.KindCallStatusChanged, map[string]any{
					"status": "transferring", "target": ctl.Target,
				})

			case ControlConfig:
				if ctl.PayloadMode != "" {
					s.egress.SetMode(ctl.PayloadMode)
				}

			case ControlToolResult:
				if ch, ok := s.toolWaiters.LoadAndDelete(ctl.ToolCallID); ok {
					ch.(chan string) <- ctl.Result
				}
				s.publish(ctx, timeline.KindToolResult, map[string]any{
					"id": ctl.ToolCallID, "source": "client",
				})
			}
		}
	}
}

// watchdog enforces the inactivity timeout. The clock is suspended while
// the agent is speaking so long TTS utterances do not trip it.
func (s *Supervisor) watchdog(ctx context.Context) error {
	timeout := s.cfg.Session.InactivityTimeout()
	if timeout <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	tick := time.NewTicker(timeout / 10)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if s.State() == StateSpeaking {
				s.touch()
				continue
			}
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle >= timeout {
				s.publishError(ctx, "session timed out")
				s.Close("timeout", "inactivity")
				return nil
			}
		}
	}
}
