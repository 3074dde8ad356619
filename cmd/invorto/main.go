// Command invorto is the main entry point for the Invorto realtime voice
// agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"

	"github.com/invorto-ai/invorto/internal/admission"
	"github.com/invorto-ai/invorto/internal/catalog"
	"github.com/invorto-ai/invorto/internal/config"
	"github.com/invorto-ai/invorto/internal/gateway"
	"github.com/invorto-ai/invorto/internal/health"
	"github.com/invorto-ai/invorto/internal/observe"
	"github.com/invorto-ai/invorto/internal/resilience"
	"github.com/invorto-ai/invorto/internal/timeline"
	"github.com/invorto-ai/invorto/internal/toolexec"
	"github.com/invorto-ai/invorto/internal/webhook"
	"github.com/invorto-ai/invorto/pkg/provider/embeddings"
	oaembed "github.com/invorto-ai/invorto/pkg/provider/embeddings/openai"
	"github.com/invorto-ai/invorto/pkg/provider/llm"
	"github.com/invorto-ai/invorto/pkg/provider/llm/anyllm"
	oaillm "github.com/invorto-ai/invorto/pkg/provider/llm/openai"
	"github.com/invorto-ai/invorto/pkg/provider/stt"
	"github.com/invorto-ai/invorto/pkg/provider/stt/deepgram"
	"github.com/invorto-ai/invorto/pkg/provider/stt/whisper"
	"github.com/invorto-ai/invorto/pkg/provider/tts"
	"github.com/invorto-ai/invorto/pkg/provider/tts/elevenlabs"
	"github.com/invorto-ai/invorto/pkg/provider/vad"
	"github.com/invorto-ai/invorto/pkg/provider/vad/energy"
	"github.com/invorto-ai/invorto/pkg/types"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "invorto: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "invorto: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("invorto starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.Setup("invorto", version)
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(telemetry.MeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// Every STT session reconnects with replay on mid-turn drops; every LLM
	// call goes through a breaker so a flapping provider fails fast instead
	// of stalling turns.
	providers.STT = stt.NewResilient(providers.STT, stt.ResilientConfig{
		ConfidenceFloor: cfg.Session.MinFinalConfidence,
	})
	providers.LLM = resilience.NewLLMFallback(providers.LLM, cfg.Providers.LLM.Name, resilience.ChainConfig{})

	// ── Stores: Redis when configured, in-memory otherwise ───────────────────
	var (
		redisClient    redis.UniversalClient
		timelineStore  timeline.Store
		admissionStore admission.Store
		webhookQueue   webhook.Queue
		webhookDead    webhook.DeadLetters
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("redis unreachable", "addr", cfg.Redis.Addr, "err", err)
			return 1
		}
		defer redisClient.Close()
		timelineStore = timeline.NewRedisStore(redisClient)
		admissionStore = admission.NewRedisStore(redisClient)
		webhookQueue = webhook.NewRedisQueue(redisClient)
		webhookDead = webhook.NewRedisDeadLetters(redisClient)
		slog.Info("redis connected", "addr", cfg.Redis.Addr)
	} else {
		timelineStore = timeline.NewMemoryStore()
		admissionStore = admission.NewMemoryStore()
		webhookQueue = webhook.NewMemoryQueue()
		webhookDead = webhook.NewMemoryDeadLetters()
	}

	// ── Timeline and webhook mirror ───────────────────────────────────────────
	publisher := timeline.NewPublisher(timelineStore, metrics)
	publisher.AddSink(webhook.NewMirror(webhookQueue, cfg.Tenants, metrics))

	dispatcher := webhook.NewDispatcher(webhookQueue, webhookDead, cfg.Webhook, nil, metrics)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	// ── Admission ─────────────────────────────────────────────────────────────
	gate := admission.NewGate(admissionStore, cfg.Admission, metrics)

	// ── Catalog (optional) ────────────────────────────────────────────────────
	var store *catalog.Store
	if cfg.Catalog.PostgresDSN != "" {
		store, err = catalog.NewStore(ctx, cfg.Catalog)
		if err != nil {
			slog.Error("failed to open catalog", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("catalog connected", "embedding_dimensions", cfg.Catalog.EmbeddingDimensions)
	}

	// ── Tools ─────────────────────────────────────────────────────────────────
	executor := toolexec.NewExecutor(cfg.Tools, metrics)
	if len(cfg.Tools.HTTPAllowlist) > 0 {
		if err := toolexec.RegisterHTTPTool(executor, cfg.Tools.HTTPAllowlist, nil); err != nil {
			slog.Error("failed to register http tool", "err", err)
			return 1
		}
	}
	if err := toolexec.RegisterCalendarTools(executor, toolexec.NewCalendar(30*time.Minute)); err != nil {
		slog.Error("failed to register calendar tools", "err", err)
		return 1
	}
	if store != nil && providers.Embeddings != nil {
		retriever := catalog.NewRetriever(store.Documents(), providers.Embeddings, "")
		if err := toolexec.RegisterDocQueryTool(executor, retriever); err != nil {
			slog.Error("failed to register docquery tool", "err", err)
			return 1
		}
	}

	bridge := toolexec.NewMCPBridge(executor)
	defer bridge.Close()
	for _, srv := range cfg.MCP.Servers {
		if err := bridge.Connect(ctx, srv); err != nil {
			slog.Error("failed to connect MCP server", "name", srv.Name, "err", err)
			return 1
		}
		slog.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	}

	// ── Utterance cache ───────────────────────────────────────────────────────
	cache := tts.NewUtteranceCache(providers.TTS, types.EncodingPCM16)
	warmUtteranceCache(ctx, cache, cfg)

	// ── Health checks ─────────────────────────────────────────────────────────
	var checks []health.Check
	if redisClient != nil {
		checks = append(checks, health.Check{
			Name:  "redis",
			Probe: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
	}
	if store != nil {
		checks = append(checks, health.Check{Name: "catalog", Probe: store.Ping})
	}

	// ── Gateway ───────────────────────────────────────────────────────────────
	deps := gateway.Deps{
		STT:        providers.STT,
		TTS:        providers.TTS,
		VAD:        providers.VAD,
		LLM:        providers.LLM,
		Tools:      executor,
		Timeline:   publisher,
		Events:     timelineStore,
		Gate:       gate,
		Dispatcher: dispatcher,
		Cache:      cache,
		Health:     health.New(checks...),
		Metrics:    metrics,
	}
	if store != nil {
		deps.Catalog = store
	}
	srv, err := gateway.New(*cfg, deps)
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- httpSrv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr <- httpSrv.ListenAndServe()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down")

	select {
	case err := <-serveErr:
		slog.Error("serve error", "err", err)
		return 1
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK client; the remaining hosted providers share
	// the any-llm pattern of optional APIKey + optional BaseURL.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := optInt(entry.Options, "silence_threshold_ms"); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		var opts []energy.Option
		if n := optInt(entry.Options, "activation_frames"); n > 0 {
			opts = append(opts, energy.WithActivationFrames(n))
		}
		if n := optInt(entry.Options, "release_frames"); n > 0 {
			opts = append(opts, energy.WithReleaseFrames(n))
		}
		return energy.New(opts...), nil
	})

	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.Model != "" {
			opts = append(opts, oaembed.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, opts...)
	})
}

// providerSet holds the instantiated providers for the voice pipeline.
type providerSet struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	VAD        vad.Engine
	Embeddings embeddings.Provider
}

// buildProviders instantiates every provider named in cfg using the
// registry. STT, TTS, and LLM are mandatory; VAD falls back to the built-in
// energy detector and embeddings stay nil when not configured.
func buildProviders(cfg *config.Config, reg *config.Registry) (*providerSet, error) {
	ps := &providerSet{}
	var err error

	if ps.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name)

	if ps.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", cfg.Providers.STT.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", cfg.Providers.STT.Name)

	if ps.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	if cfg.Providers.VAD.Name != "" {
		if ps.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
			return nil, fmt.Errorf("create vad provider %q: %w", cfg.Providers.VAD.Name, err)
		}
		slog.Info("provider created", "kind", "vad", "name", cfg.Providers.VAD.Name)
	} else {
		ps.VAD = energy.New()
		slog.Info("provider created", "kind", "vad", "name", "energy (default)")
	}

	if name := cfg.Providers.Embeddings.Name; name != "" {
		if ps.Embeddings, err = reg.CreateEmbeddings(cfg.Providers.Embeddings); err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", name, err)
		}
		slog.Info("provider created", "kind", "embeddings", "name", name)
	}

	return ps, nil
}

// warmUtteranceCache pre-synthesises the configured frequent utterances and
// the fallback phrase so the first calls do not pay a provider round trip.
// Warm failures are logged, not fatal; the cache fills lazily either way.
func warmUtteranceCache(ctx context.Context, cache *tts.UtteranceCache, cfg *config.Config) {
	texts := slices.Clone(cfg.Session.FrequentUtterances)
	if cfg.Session.FallbackUtterance != "" {
		texts = append(texts, cfg.Session.FallbackUtterance)
	}
	if len(texts) == 0 {
		return
	}
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cache.Warm(warmCtx, texts, types.VoiceProfile{}); err != nil {
		slog.Warn("utterance cache warm-up incomplete", "err", err)
		return
	}
	slog.Info("utterance cache warmed", "utterances", len(texts))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Invorto — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("VAD", cfg.Providers.VAD.Name, "")
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printRow("Redis", orDisabled(cfg.Redis.Addr))
	printRow("Catalog", enabledWhen(cfg.Catalog.PostgresDSN != ""))
	printRow("Tenants", fmt.Sprintf("%d", len(cfg.Tenants)))
	printRow("MCP servers", fmt.Sprintf("%d", len(cfg.MCP.Servers)))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	printRow(kind, value)
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func orDisabled(s string) string {
	if s == "" {
		return "(in-memory)"
	}
	return s
}

func enabledWhen(on bool) string {
	if on {
		return "connected"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the process logger. Debug level selects the
// human-readable text handler; everything else emits JSON for log
// shippers.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if lvl == slog.LevelDebug {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map[string]any.
// YAML decodes numbers as int; 0 is returned for anything else.
func optInt(opts map[string]any, key string) int {
	if opts == nil {
		return 0
	}
	n, _ := opts[key].(int)
	return n
}
