package tts_test

import (
	"context"
	"testing"

	"github.com/invorto-ai/invorto/pkg/provider/tts"
	"github.com/invorto-ai/invorto/pkg/provider/tts/mock"
	"github.com/invorto-ai/invorto/pkg/types"
)

var testVoice = types.VoiceProfile{ID: "v1", Provider: "mock", Locale: "en-US"}

func TestCacheSynthesizesOnMiss(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16)

	audio, err := cache.Synthesize(context.Background(), "hello there", testVoice)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(audio) != "hello there" {
		t.Fatalf("audio = %q, want synthesised text bytes", audio)
	}
	if got := len(provider.Calls()); got != 1 {
		t.Fatalf("provider calls = %d, want 1", got)
	}
}

func TestCacheServesExactHitWithoutProvider(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16)
	ctx := context.Background()

	if _, err := cache.Synthesize(ctx, "Good morning!", testVoice); err != nil {
		t.Fatalf("warm Synthesize: %v", err)
	}

	// Case and whitespace differences share the entry.
	audio, err := cache.Synthesize(ctx, "  good   MORNING! ", testVoice)
	if err != nil {
		t.Fatalf("cached Synthesize: %v", err)
	}
	if string(audio) != "Good morning!" {
		t.Fatalf("audio = %q, want cached bytes", audio)
	}
	if got := len(provider.Calls()); got != 1 {
		t.Fatalf("provider calls = %d, want 1 (second call must hit cache)", got)
	}
}

func TestCachePhoneticFallback(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16)
	ctx := context.Background()

	if _, err := cache.Synthesize(ctx, "okay", testVoice); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	// "okai" has the same Double Metaphone code as "okay".
	audio, ok := cache.Lookup("okai", testVoice)
	if !ok {
		t.Fatal("phonetic lookup missed")
	}
	if string(audio) != "okay" {
		t.Fatalf("audio = %q, want bytes cached for %q", audio, "okay")
	}
}

func TestCacheKeysByVoiceAndLocale(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16)
	ctx := context.Background()

	if _, err := cache.Synthesize(ctx, "hello", testVoice); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	other := testVoice
	other.ID = "v2"
	if _, ok := cache.Lookup("hello", other); ok {
		t.Fatal("lookup for a different voice hit the cache")
	}

	german := testVoice
	german.Locale = "de-DE"
	if _, ok := cache.Lookup("hello", german); ok {
		t.Fatal("lookup for a different locale hit the cache")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16, tts.WithCapacity(2))
	ctx := context.Background()

	for _, text := range []string{"alpha", "bravo"} {
		if _, err := cache.Synthesize(ctx, text, testVoice); err != nil {
			t.Fatalf("Synthesize(%q): %v", text, err)
		}
	}

	// Touch alpha so bravo becomes the eviction candidate.
	if _, ok := cache.Lookup("alpha", testVoice); !ok {
		t.Fatal("alpha not cached")
	}
	if _, err := cache.Synthesize(ctx, "charlie", testVoice); err != nil {
		t.Fatalf("Synthesize(charlie): %v", err)
	}

	if cache.Len() != 2 {
		t.Fatalf("cache len = %d, want 2", cache.Len())
	}
	if _, ok := cache.Lookup("bravo", testVoice); ok {
		t.Fatal("bravo survived eviction")
	}
	if _, ok := cache.Lookup("alpha", testVoice); !ok {
		t.Fatal("alpha was evicted despite being recently used")
	}
}

func TestCacheWarmPopulatesEntries(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{}
	cache := tts.NewUtteranceCache(provider, types.EncodingPCM16)

	phrases := []string{"one moment please", "sorry, could you repeat that?"}
	if err := cache.Warm(context.Background(), phrases, testVoice); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if cache.Len() != len(phrases) {
		t.Fatalf("cache len = %d, want %d", cache.Len(), len(phrases))
	}
	for _, p := range phrases {
		if _, ok := cache.Lookup(p, testVoice); !ok {
			t.Errorf("phrase %q not warmed", p)
		}
	}
}
