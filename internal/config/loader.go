package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all failures; soft issues are logged as warnings.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}

	// Transcription
	t := cfg.Transcription
	errs = appendNegative(errs, "transcription.pool_size", t.PoolSize)
	errs = appendNegative(errs, "transcription.max_ping_failures", t.MaxPingFailures)
	errs = appendNegative(errs, "transcription.batch_concurrency", t.BatchConcurrency)
	errs = appendNegativeDuration(errs, "transcription.acquire_timeout", t.AcquireTimeout)
	errs = appendNegativeDuration(errs, "transcription.timeout", t.Timeout)
	errs = appendNegativeDuration(errs, "transcription.cache_ttl", t.CacheTTL)
	if t.MinBytes > 0 && t.MaxBytes > 0 && t.MinBytes >= t.MaxBytes {
		errs = append(errs, fmt.Errorf("transcription.min_bytes %d must be below max_bytes %d", t.MinBytes, t.MaxBytes))
	}
	if t.CacheThreshold < 0 || t.CacheThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcription.cache_threshold %.2f is out of range [0, 1]", t.CacheThreshold))
	}
	if t.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("transcription.requests_per_second %.2f must not be negative", t.RequestsPerSecond))
	}

	// Parser
	p := cfg.Parser
	errs = appendNegative(errs, "parser.max_transcript_length", p.MaxTranscriptLength)
	errs = appendNegative(errs, "parser.max_tokens", p.MaxTokens)
	errs = appendNegative(errs, "parser.batch_concurrency", p.BatchConcurrency)
	errs = appendNegativeDuration(errs, "parser.timeout", p.Timeout)
	if p.Temperature < 0 || p.Temperature > 2 {
		errs = append(errs, fmt.Errorf("parser.temperature %.2f is out of range [0, 2]", p.Temperature))
	}
	if p.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("parser.requests_per_second %.2f must not be negative", p.RequestsPerSecond))
	}

	// Context
	x := cfg.Context
	errs = appendNegativeDuration(errs, "context.ttl", x.TTL)
	errs = appendNegative(errs, "context.max_channels", x.MaxChannels)
	errs = appendNegative(errs, "context.max_tasks", x.MaxTasks)
	errs = appendNegative(errs, "context.max_members", x.MaxMembers)
	if x.AcceptThreshold < 0 || x.AcceptThreshold > 1 {
		errs = append(errs, fmt.Errorf("context.accept_threshold %.2f is out of range [0, 1]", x.AcceptThreshold))
	}

	// Pipeline
	errs = appendNegative(errs, "pipeline.history_size", cfg.Pipeline.HistorySize)
	if s, c := cfg.Pipeline.SimpleThreshold, cfg.Pipeline.ComplexThreshold; s > 0 && c > 0 && s > c {
		slog.Warn("pipeline.simple_threshold exceeds complex_threshold", "simple", s, "complex", c)
	}

	// Temporal
	if tz := cfg.Temporal.DefaultTimezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("temporal.default_timezone %q: %w", tz, err))
		}
	}

	// Cache
	if cfg.Cache.Backend != "" && !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required when cache.backend is redis"))
	}
	if cfg.Cache.Backend == CacheMemory && cfg.Cache.RedisAddr != "" {
		slog.Warn("cache.redis_addr is set but cache.backend is memory; redis will not be used")
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}
	if cfg.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns %d must not be negative", cfg.Database.MaxConns))
	}

	// Events
	k := cfg.Events.Kafka
	if len(k.Brokers) > 0 && k.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic is required when brokers are configured"))
	}
	if len(k.Brokers) == 0 && k.Topic != "" {
		slog.Warn("events.kafka.topic is set but no brokers are configured; events stay in-process")
	}
	errs = appendNegative(errs, "events.buffer", cfg.Events.Buffer)

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, v int) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s %d must not be negative", field, v))
	}
	return errs
}

func appendNegativeDuration(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
