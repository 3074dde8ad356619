// Package whisper provides a whisper-server-backed STT provider.
//
// It connects to a running whisper.cpp server binary (which exposes a REST API
// at POST /inference) and simulates streaming behaviour by buffering incoming
// PCM audio, applying an energy-based silence detector to segment utterances,
// and submitting each completed utterance as a batch inference request.
//
// Because whisper.cpp is a batch transcription engine the provider cannot emit
// true low-latency partials. Instead it emits a partial and a final carrying
// the same text as soon as each utterance is committed. This still drives the
// timeline's stt.partial mirror while the Finals channel feeds the agent
// runtime.
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/invorto-ai/invorto/pkg/audio"
	"github.com/invorto-ai/invorto/pkg/provider/stt"
	"github.com/invorto-ai/invorto/pkg/types"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM audio
	// whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the RMS energy (in 16-bit PCM units) below which
	// audio is considered silent. 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the whisper server. Defaults to
// "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilenceThresholdMs sets the consecutive-silence duration that triggers a
// flush of the accumulated speech buffer. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) { p.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum audio duration that may accumulate
// before a flush is forced regardless of silence. Defaults to 10 s.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) { p.maxBufferDurationMs = ms }
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
// Multiple sessions may be open simultaneously; each maintains its own buffer
// and goroutine.
type Provider struct {
	serverURL           string
	language            string
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client
}

// New creates a Provider that connects to the whisper server at serverURL
// (e.g. "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:           serverURL,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a new transcription session. No network connection is
// established until the first flush, so an error is returned only when ctx is
// already cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	s := &session{
		serverURL:           p.serverURL,
		language:            lang,
		sampleRate:          sr,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,
		httpClient:          p.httpClient,

		audioCh:  make(chan []byte, 256),
		partials: make(chan types.TranscriptHypothesis, 64),
		finals:   make(chan types.TranscriptHypothesis, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// ---- session ----------------------------------------------------------------

// session is a live whisper transcription session. All mutable state that
// drives silence detection and buffering is confined to the processLoop
// goroutine to avoid data races.
type session struct {
	serverURL           string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int
	httpClient          *http.Client

	audioCh  chan []byte
	partials chan types.TranscriptHypothesis
	finals   chan types.TranscriptHypothesis

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a chunk of raw PCM16 audio for silence analysis and
// buffering. Calling SendAudio after Close returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

// Partials returns the channel of interim hypotheses. Each partial carries the
// same text as its corresponding final.
func (s *session) Partials() <-chan types.TranscriptHypothesis { return s.partials }

// Finals returns the channel of authoritative hypotheses.
func (s *session) Finals() <-chan types.TranscriptHypothesis { return s.finals }

// Close terminates the session, flushing any pending speech audio for a final
// transcription. Calling Close more than once is safe and returns nil.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// processLoop is the single goroutine responsible for silence detection,
// buffering, and inference dispatch.
func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer     []byte
		hadSpeech  bool
		silenceMs  int
		sampleBase uint64 // sample-clock position of the buffer start
		clock      uint64 // running sample-clock position
	)

	bytesPerMs := s.sampleRate * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.maxBufferDurationMs * bytesPerMs

	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer, hadSpeech, silenceMs = nil, false, 0
			return
		}
		start := sampleBase
		end := sampleBase + uint64(len(buffer)/2)
		text, err := s.infer(flushCtx, buffer)
		buffer, hadSpeech, silenceMs = nil, false, 0
		if err != nil || text == "" {
			return
		}
		hyp := types.TranscriptHypothesis{
			Text:        text,
			Confidence:  1, // whisper.cpp does not report a stream confidence
			StartSample: start,
			EndSample:   end,
		}
		select {
		case s.partials <- hyp:
		default: // partials are advisory; never block the loop on them
		}
		hyp.Final = true
		select {
		case s.finals <- hyp:
		case <-s.done:
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			// Final flush with a bounded deadline, the session context may
			// already be gone.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			doFlush(flushCtx)
			cancel()
			return
		case chunk := <-s.audioCh:
			clock += uint64(len(chunk) / 2)
			chunkMs := len(chunk) / bytesPerMs
			if audio.RMS(chunk) >= defaultRMSThreshold {
				if !hadSpeech {
					sampleBase = clock - uint64(len(chunk)/2)
				}
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
			} else if hadSpeech {
				silenceMs += chunkMs
				buffer = append(buffer, chunk...)
				if silenceMs >= s.silenceThresholdMs {
					doFlush(ctx)
				}
			}
			if len(buffer) >= maxBufferBytes {
				doFlush(ctx)
			}
		}
	}
}

// infer encodes pcm as WAV and calls the whisper server inference endpoint.
func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(encodeWAV(pcm, s.sampleRate)); err != nil {
		return "", fmt.Errorf("whisper: write wav: %w", err)
	}
	_ = mw.WriteField("language", s.language)
	_ = mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: inference status %d: %s", resp.StatusCode, b)
	}

	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// encodeWAV wraps raw PCM16 mono data in a minimal RIFF/WAVE header.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * bitsPerSample / 8

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(2)) // block align
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
