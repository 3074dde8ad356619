package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper"},
	"tts":        {"elevenlabs"},
	"vad":        {"energy"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.SampleRate == 0 {
		cfg.Session.SampleRate = 16000
	}
	if cfg.Session.Endpointing.SilenceMs == 0 {
		cfg.Session.Endpointing.SilenceMs = 700
	}
	if cfg.Session.Endpointing.MinWords == 0 {
		cfg.Session.Endpointing.MinWords = 1
	}
	if cfg.Session.Endpointing.HardCapMs == 0 {
		cfg.Session.Endpointing.HardCapMs = 30_000
	}
	if cfg.Session.InactivityTimeoutMs == 0 {
		cfg.Session.InactivityTimeoutMs = 60_000
	}
	if cfg.Session.MinFinalConfidence == 0 {
		cfg.Session.MinFinalConfidence = 0.35
	}
	if cfg.Session.PayloadMode == "" {
		cfg.Session.PayloadMode = PayloadBase64
	}
	if cfg.Session.FallbackUtterance == "" {
		cfg.Session.FallbackUtterance = "Sorry, I'm having trouble right now. Could you say that again?"
	}
	if cfg.Admission.TTLMs == 0 {
		cfg.Admission.TTLMs = 30_000
	}
	if cfg.Webhook.Workers == 0 {
		cfg.Webhook.Workers = 4
	}
	if cfg.Webhook.MaxAttempts == 0 {
		cfg.Webhook.MaxAttempts = 8
	}
	if cfg.Webhook.BaseBackoffMs == 0 {
		cfg.Webhook.BaseBackoffMs = 1_000
	}
	if cfg.Webhook.CapMs == 0 {
		cfg.Webhook.CapMs = 300_000
	}
	if cfg.Tools.DefaultTimeoutMs == 0 {
		cfg.Tools.DefaultTimeoutMs = 10_000
	}
	if cfg.Tools.MaxCallsPerTurn == 0 {
		cfg.Tools.MaxCallsPerTurn = 5
	}
	if cfg.Catalog.EmbeddingDimensions == 0 {
		cfg.Catalog.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required"))
	}

	if sr := cfg.Session.SampleRate; sr != 8000 && sr != 16000 {
		errs = append(errs, fmt.Errorf("session.sample_rate %d is invalid; valid values: 8000, 16000", sr))
	}
	if !cfg.Session.PayloadMode.IsValid() {
		errs = append(errs, fmt.Errorf("session.payload_mode %q is invalid; valid values: base64, bytes, ubytes", cfg.Session.PayloadMode))
	}
	if c := cfg.Session.MinFinalConfidence; c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("session.min_final_confidence %v is out of range [0, 1]", c))
	}
	if cfg.Session.Endpointing.SilenceMs < 100 {
		errs = append(errs, fmt.Errorf("session.endpointing.silence_ms %d is below the 100ms minimum", cfg.Session.Endpointing.SilenceMs))
	}
	if cfg.Session.Endpointing.HardCapMs <= cfg.Session.Endpointing.SilenceMs {
		errs = append(errs, fmt.Errorf("session.endpointing.hard_cap_ms %d must exceed silence_ms %d", cfg.Session.Endpointing.HardCapMs, cfg.Session.Endpointing.SilenceMs))
	}

	if cfg.Admission.GlobalLimit < 0 {
		errs = append(errs, fmt.Errorf("admission.global_limit %d must not be negative", cfg.Admission.GlobalLimit))
	}
	for campaign, limit := range cfg.Admission.CampaignLimits {
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("admission.campaign_limits[%q] = %d must be positive", campaign, limit))
		}
	}

	tenantIDs := make(map[string]int, len(cfg.Tenants))
	for i, tenant := range cfg.Tenants {
		prefix := fmt.Sprintf("tenants[%d]", i)
		if tenant.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := tenantIDs[tenant.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tenants[%d]", prefix, tenant.ID, prev))
			}
			tenantIDs[tenant.ID] = i
		}
		if tenant.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required", prefix))
		}
		if tenant.WebhookURL != "" && tenant.WebhookSecret == "" {
			errs = append(errs, fmt.Errorf("%s.webhook_secret is required when webhook_url is set", prefix))
		}
		if tenant.Campaign != "" && len(cfg.Admission.CampaignLimits) > 0 {
			if _, ok := cfg.Admission.CampaignLimits[tenant.Campaign]; !ok {
				slog.Warn("tenant campaign has no admission limit configured",
					"tenant", tenant.ID,
					"campaign", tenant.Campaign,
				)
			}
		}
	}

	if cfg.Redis.Addr == "" {
		slog.Warn("redis.addr is empty; using in-memory stores, not suitable for multi-node deployments")
	}
	if cfg.Catalog.PostgresDSN == "" {
		slog.Warn("catalog.postgres_dsn is empty; agent configs must come from static files and the docquery tool is unavailable")
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// TenantByAPIKey returns the tenant whose APIKey matches key, or nil.
func (c *Config) TenantByAPIKey(key string) *TenantConfig {
	if key == "" {
		return nil
	}
	for i := range c.Tenants {
		if c.Tenants[i].APIKey == key {
			return &c.Tenants[i]
		}
	}
	return nil
}
