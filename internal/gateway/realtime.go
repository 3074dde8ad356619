package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/invorto-ai/invorto/internal/admission"
	"github.com/invorto-ai/invorto/internal/catalog"
	"github.com/invorto-ai/invorto/internal/session"
	"github.com/invorto-ai/invorto/pkg/types"
)

// Application close codes, in the private 4xxx range.
const (
	CloseBadRequest    websocket.StatusCode = 4400
	CloseUnauthorized  websocket.StatusCode = 4401
	CloseRateLimited   websocket.StatusCode = 4429
	CloseInternalError websocket.StatusCode = 4500
)

// wsReadLimit caps one inbound message. Generous for control JSON and for
// audio frames of any sane duration.
const wsReadLimit = 1 << 20

// heartbeatInterval paces the server-side pings that keep idle connections
// from being reaped by intermediaries.
const heartbeatInterval = 20 * time.Second

// wsConn adapts a WebSocket to the session's [session.ClientConn].
type wsConn struct {
	c *websocket.Conn
}

var _ session.ClientConn = (*wsConn)(nil)

func (w *wsConn) SendEvent(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *wsConn) SendBinary(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

// wsCredential extracts the bearer credential from the token query
// parameter or, failing that, from the offered WebSocket subprotocols.
// It returns the credential and the subprotocol it arrived on, if any.
func wsCredential(r *http.Request) (token, proto string) {
	if t := r.URL.Query().Get("token"); t != "" {
		return t, ""
	}
	for _, p := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		if v := strings.TrimSpace(p); v != "" {
			return v, v
		}
	}
	return "", ""
}

// handleRealtime owns the realtime voice WebSocket. Query parameters:
// callId and agentId (required), codec (pcm16, opus, mulaw) and rate
// (ingress sample rate in Hz, default from configuration).
func (s *Server) handleRealtime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callID, agentID := q.Get("callId"), q.Get("agentId")
	if callID == "" || agentID == "" {
		writeError(w, http.StatusBadRequest, "callId and agentId are required")
		return
	}

	encoding := types.Encoding(q.Get("codec"))
	if encoding == "" {
		encoding = types.EncodingPCM16
	}
	if !encoding.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown codec "+string(encoding))
		return
	}

	sampleRate := s.cfg.Session.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if raw := q.Get("rate"); raw != "" {
		rate, err := strconv.Atoi(raw)
		if err != nil || rate <= 0 {
			writeError(w, http.StatusBadRequest, "invalid rate "+raw)
			return
		}
		sampleRate = rate
	}

	token, proto := wsCredential(r)
	opts := &websocket.AcceptOptions{}
	if proto != "" {
		opts.Subprotocols = []string{proto}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Debug("gateway: websocket accept failed", "callId", callID, "error", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	ctx := r.Context()

	tenant := s.cfg.TenantByAPIKey(token)
	if tenant == nil {
		conn.Close(CloseUnauthorized, "unauthorized")
		return
	}

	var lease *admission.Lease
	if s.deps.Gate != nil {
		lease, err = s.deps.Gate.Admit(ctx, callID, tenant.Campaign)
		if errors.Is(err, admission.ErrRejected) {
			conn.Close(CloseRateLimited, "rate_limited")
			return
		}
		if err != nil {
			slog.Error("gateway: admission check failed", "callId", callID, "error", err)
			conn.Close(CloseInternalError, "internal_error")
			return
		}
	}
	release := func() {
		if lease != nil {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("gateway: lease release failed", "callId", callID, "error", err)
			}
		}
	}

	profile, err := s.agentProfile(ctx, agentID)
	if err != nil {
		release()
		if errors.Is(err, catalog.ErrAgentNotFound) {
			conn.Close(CloseBadRequest, "bad_request")
		} else {
			slog.Error("gateway: agent lookup failed", "agentId", agentID, "error", err)
			conn.Close(CloseInternalError, "internal_error")
		}
		return
	}
	if s.deps.Catalog != nil {
		if err := s.deps.Catalog.StartCall(ctx, callID, tenant.ID, agentID); err != nil {
			slog.Warn("gateway: recording call start failed", "callId", callID, "error", err)
		}
	}

	sessCfg := s.cfg.Session
	sessCfg.SampleRate = sampleRate

	sup, err := session.New(session.Config{
		CallID:              callID,
		TenantID:            tenant.ID,
		AgentID:             agentID,
		SystemPrompt:        profile.SystemPrompt,
		Greeting:            profile.Greeting,
		FallbackUtterance:   profile.FallbackUtterance,
		Temperature:         profile.Temperature,
		MaxTokens:           profile.MaxTokens,
		Voice:               profile.Voice,
		Session:             sessCfg,
		Encoding:            encoding,
		MaxToolCallsPerTurn: s.cfg.Tools.MaxCallsPerTurn,
	}, session.Deps{
		Conn:     &wsConn{c: conn},
		STT:      s.deps.STT,
		TTS:      s.deps.TTS,
		VAD:      s.deps.VAD,
		LLM:      s.deps.LLM,
		Tools:    s.deps.Tools,
		Timeline: s.deps.Timeline,
		Lease:    lease,
		Calls:    s.callRecorder(),
		Cache:    s.deps.Cache,
		Metrics:  s.deps.Metrics,
	})
	if err != nil {
		slog.Error("gateway: session setup failed", "callId", callID, "error", err)
		release()
		conn.Close(CloseInternalError, "internal_error")
		return
	}

	if err := wsjson.Write(ctx, conn, map[string]any{"t": "connected", "callId": callID}); err != nil {
		release()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(runCtx)
		cancel()
	}()
	go s.heartbeat(runCtx, conn)

	s.readLoop(runCtx, conn, sup, sampleRate)
	sup.Close("completed", "client_disconnect")

	if err := <-runErr; err != nil {
		slog.Error("gateway: session ended with error", "callId", callID, "error", err)
		conn.Close(CloseInternalError, "internal_error")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop pumps inbound messages into the supervisor until the peer goes
// away or the session ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sup *session.Supervisor, sampleRate int) {
	var (
		seq uint32
		ts  uint64
	)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			sup.HandleFrame(types.AudioFrame{
				Seq:        seq,
				Timestamp:  ts,
				Data:       data,
				SampleRate: sampleRate,
			})
			seq++
			ts += uint64(len(data) / 2)

		case websocket.MessageText:
			if isPing(data) {
				_ = wsjson.Write(ctx, conn, map[string]string{"t": "pong"})
				continue
			}
			if err := sup.HandleControl(data); err != nil {
				if errors.Is(err, session.ErrControlOverflow) {
					sup.Close("failed", "control_overflow")
					conn.Close(CloseRateLimited, "rate_limited")
				} else {
					sup.Close("failed", "bad_request")
					conn.Close(CloseBadRequest, "bad_request")
				}
				return
			}
		}
	}
}

// isPing spots a client heartbeat without paying for full control parsing.
func isPing(data []byte) bool {
	var msg struct {
		T string `json:"t"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.T == "ping"
}

// heartbeat pings the peer on a fixed cadence.
func (s *Server) heartbeat(ctx context.Context, conn *websocket.Conn) {
	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// agentProfile loads the agent from the catalog, or synthesises a default
// profile when no catalog is configured.
func (s *Server) agentProfile(ctx context.Context, agentID string) (catalog.AgentProfile, error) {
	if s.deps.Catalog != nil {
		return s.deps.Catalog.Agent(ctx, agentID)
	}
	return catalog.AgentProfile{
		ID:                agentID,
		Name:              "default",
		FallbackUtterance: s.cfg.Session.FallbackUtterance,
	}, nil
}

// callRecorder exposes the catalog's status writes to the session, or nil
// when no catalog is configured.
func (s *Server) callRecorder() session.CallRecorder {
	if s.deps.Catalog == nil {
		return nil
	}
	return s.deps.Catalog
}
