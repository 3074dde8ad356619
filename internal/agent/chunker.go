package agent

import (
	"context"
	"strings"

	"github.com/invorto-ai/invorto/pkg/provider/llm"
)

// maxFragmentLen bounds how much text accumulates before it is handed to
// TTS even without a sentence boundary. Long clause-free output would
// otherwise delay the first audio chunk indefinitely.
const maxFragmentLen = 80

// ForwardSentences reads token chunks from ch, accumulates them into
// speakable fragments, and writes each fragment to out. A fragment ends at
// the first sentence boundary, or at the last space once the buffer exceeds
// [maxFragmentLen]. Text remaining when the stream ends is flushed as a
// final fragment. The function returns when ch closes or ctx is cancelled;
// it never closes out.
func ForwardSentences(ctx context.Context, ch <-chan llm.Chunk, out chan<- string) {
	var buf strings.Builder
	flush := func(s string) bool {
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-ch:
			if !ok {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return
			}

			if chunk.Text != "" {
				buf.WriteString(chunk.Text)
			}

			// Emit complete fragments eagerly for lower TTS latency.
			for {
				frag, rest := splitFragment(buf.String())
				if frag == "" {
					break
				}
				buf.Reset()
				buf.WriteString(rest)
				if !flush(frag) {
					return
				}
			}

			if chunk.FinishReason != "" {
				if buf.Len() > 0 {
					flush(buf.String())
				}
				return
			}
		}
	}
}

// splitFragment cuts the first speakable fragment off s. It prefers a
// sentence boundary; past [maxFragmentLen] it falls back to the last space
// within the limit. Returns ("", s) when no cut point exists yet.
func splitFragment(s string) (frag, rest string) {
	if idx := sentenceBoundary(s); idx >= 0 {
		return s[:idx+1], strings.TrimLeft(s[idx+1:], " \t\n\r")
	}
	if len(s) <= maxFragmentLen {
		return "", s
	}
	cut := strings.LastIndexByte(s[:maxFragmentLen], ' ')
	if cut <= 0 {
		// One unbroken token; emit the whole prefix.
		cut = maxFragmentLen - 1
	}
	return s[:cut+1], strings.TrimLeft(s[cut+1:], " \t\n\r")
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace, or -1 when s has no such boundary.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
