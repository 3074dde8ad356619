// Package mock provides test doubles for the tts package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/invorto-ai/invorto/pkg/provider/tts"
	"github.com/invorto-ai/invorto/pkg/types"
)

// SynthesizeCall records a single invocation of Provider.SynthesizeStream,
// including the text fragments that were consumed from the input channel.
type SynthesizeCall struct {
	// Voice is the profile passed to SynthesizeStream.
	Voice types.VoiceProfile
	// Texts are the fragments read from the text channel, in order.
	Texts []string
}

// Provider is a mock implementation of tts.Provider. For every text fragment
// consumed it emits one audio chunk, either the corresponding entry of
// AudioChunks or, past the end, the fragment's bytes verbatim.
type Provider struct {
	mu sync.Mutex

	// AudioChunks are emitted in order, one per consumed text fragment.
	AudioChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream.
	SynthesizeErr error

	// Voices is returned from ListVoices.
	Voices []types.VoiceProfile

	// SynthesizeCalls records every completed SynthesizeStream invocation.
	// A call is appended once its text channel has been fully consumed.
	SynthesizeCalls []SynthesizeCall
}

// Compile-time interface check.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream consumes the text channel and emits one chunk per
// fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.SynthesizeErr
	chunks := p.AudioChunks
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	audioCh := make(chan []byte, 64)
	go func() {
		defer close(audioCh)
		call := SynthesizeCall{Voice: voice}
		i := 0
		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					p.mu.Lock()
					p.SynthesizeCalls = append(p.SynthesizeCalls, call)
					p.mu.Unlock()
					return
				}
				call.Texts = append(call.Texts, fragment)
				var chunk []byte
				if i < len(chunks) {
					chunk = chunks[i]
				} else {
					chunk = []byte(fragment)
				}
				i++
				select {
				case audioCh <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return audioCh, nil
}

// ListVoices returns Voices.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Voices, nil
}

// Calls returns the completed SynthesizeStream invocations. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}
