package tts

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/invorto-ai/invorto/pkg/types"
)

// defaultCacheEntries bounds the utterance cache when no capacity is given.
const defaultCacheEntries = 128

// UtteranceCache memoises synthesised audio for short, frequently spoken
// utterances (greetings, confirmations, fallback phrases) so they play without
// a provider round trip. Entries are keyed by normalised text, voice, locale,
// and encoding; eviction is LRU.
//
// Lookups that miss on the exact key fall back to a phonetic match: if a
// cached utterance for the same voice shares the Double Metaphone code of the
// requested text, its audio is reused. That covers transcription jitter in
// frequent utterances ("okay" vs "ok") without ballooning the cache.
//
// UtteranceCache is safe for concurrent use.
type UtteranceCache struct {
	provider Provider
	encoding types.Encoding
	capacity int

	mu       sync.Mutex
	entries  map[string]*list.Element
	phonetic map[string]string // phonetic key -> exact key
	order    *list.List        // front = most recent
}

// cacheEntry is the value stored in the LRU list.
type cacheEntry struct {
	key         string
	phoneticKey string
	audio       []byte
}

// CacheOption is a functional option for configuring an UtteranceCache.
type CacheOption func(*UtteranceCache)

// WithCapacity bounds the number of cached utterances. Defaults to 128.
func WithCapacity(n int) CacheOption {
	return func(c *UtteranceCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// NewUtteranceCache wraps provider with an utterance cache whose stored audio
// is in the given encoding.
func NewUtteranceCache(provider Provider, encoding types.Encoding, opts ...CacheOption) *UtteranceCache {
	c := &UtteranceCache{
		provider: provider,
		encoding: encoding,
		capacity: defaultCacheEntries,
		entries:  make(map[string]*list.Element),
		phonetic: make(map[string]string),
		order:    list.New(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Synthesize returns the full audio for text, serving from cache when
// possible. On a miss it synthesises through the wrapped provider, stores the
// result, and returns it.
func (c *UtteranceCache) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
	if audio, ok := c.Lookup(text, voice); ok {
		return audio, nil
	}

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)
	audioCh, err := c.provider.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return nil, err
	}
	var audio []byte
	for chunk := range audioCh {
		audio = append(audio, chunk...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(audio) > 0 {
		c.store(text, voice, audio)
	}
	return audio, nil
}

// Warm pre-synthesises the given utterances so later Synthesize calls hit the
// cache. Failures on individual utterances are skipped; the first error is
// returned after all texts have been attempted.
func (c *UtteranceCache) Warm(ctx context.Context, texts []string, voice types.VoiceProfile) error {
	var firstErr error
	for _, t := range texts {
		if _, err := c.Synthesize(ctx, t, voice); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return firstErr
}

// Lookup returns cached audio for text without synthesising on a miss. The
// boolean reports whether audio was found, either by exact key or by phonetic
// fallback.
func (c *UtteranceCache) Lookup(text string, voice types.VoiceProfile) ([]byte, bool) {
	key := c.key(text, voice)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).audio, true
	}
	pk := c.phoneticKey(text, voice)
	if pk == "" {
		return nil, false
	}
	exact, ok := c.phonetic[pk]
	if !ok {
		return nil, false
	}
	el, ok := c.entries[exact]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).audio, true
}

// Len reports the number of cached utterances.
func (c *UtteranceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *UtteranceCache) store(text string, voice types.VoiceProfile, audio []byte) {
	key := c.key(text, voice)
	pk := c.phoneticKey(text, voice)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*cacheEntry).audio = audio
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&cacheEntry{key: key, phoneticKey: pk, audio: audio})
	c.entries[key] = el
	if pk != "" {
		c.phonetic[pk] = key
	}

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, e.key)
		if e.phoneticKey != "" && c.phonetic[e.phoneticKey] == e.key {
			delete(c.phonetic, e.phoneticKey)
		}
	}
}

// key builds the exact cache key.
func (c *UtteranceCache) key(text string, voice types.VoiceProfile) string {
	return normalizeUtterance(text) + "|" + voice.ID + "|" + voice.Locale + "|" + string(c.encoding)
}

// phoneticKey builds the fallback key from the Double Metaphone code of the
// normalised text. Returns "" when the text has no phonetic representation
// (e.g. digits only).
func (c *UtteranceCache) phoneticKey(text string, voice types.VoiceProfile) string {
	primary, _ := matchr.DoubleMetaphone(normalizeUtterance(text))
	if primary == "" {
		return ""
	}
	return primary + "|" + voice.ID + "|" + voice.Locale + "|" + string(c.encoding)
}

// normalizeUtterance lowercases and collapses whitespace so trivial
// formatting differences share a cache entry.
func normalizeUtterance(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
