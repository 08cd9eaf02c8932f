// Command voicecmd turns recorded voice commands into structured workspace
// commands. Audio files named on the command line are transcribed and parsed
// on behalf of the given user; without files it serves the ops endpoints
// until interrupted.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voicecmd/internal/app"
	"github.com/MrWong99/voicecmd/internal/config"
	"github.com/MrWong99/voicecmd/internal/observe"
	"github.com/MrWong99/voicecmd/internal/pipeline"
	"github.com/MrWong99/voicecmd/pkg/provider/llm"
	"github.com/MrWong99/voicecmd/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/voicecmd/pkg/provider/llm/openai"
	"github.com/MrWong99/voicecmd/pkg/provider/stt"
	oastt "github.com/MrWong99/voicecmd/pkg/provider/stt/openai"
	"github.com/MrWong99/voicecmd/pkg/provider/stt/whisper"
	"github.com/MrWong99/voicecmd/pkg/types"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	userID := flag.String("user", "", "ID of the user issuing the commands")
	orgID := flag.String("org", "", "ID of the user's organization")
	sessionID := flag.String("session", "", "session ID (default: generated per run)")
	timezone := flag.String("timezone", "", "IANA timezone of the user (default: temporal.default_timezone)")
	sampleRate := flag.Int("rate", 16000, "sample rate of raw PCM input in Hz")
	channels := flag.Int("channels", 1, "channel count of raw PCM input")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: voicecmd [flags] [audio-file ... | -]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With \"-\", audio file paths are read from stdin, one per line.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicecmd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicecmd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Level()}))
	slog.SetDefault(logger)

	slog.Info("voicecmd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicecmd",
		ServiceVersion: version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Transcription.Language)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if paths := flag.Args(); len(paths) > 0 {
		uc := types.UserContext{
			UserID:         *userID,
			OrganizationID: *orgID,
			SessionID:      *sessionID,
			Timezone:       *timezone,
		}
		if uc.SessionID == "" {
			uc.SessionID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
		}
		if uc.Timezone == "" {
			uc.Timezone = cfg.Temporal.DefaultTimezone
		}
		if paths[0] == "-" {
			paths, err = readPaths(os.Stdin)
			if err != nil {
				slog.Error("failed to read paths from stdin", "err", err)
				return 1
			}
		}
		in := input{user: uc, sampleRate: *sampleRate, channels: *channels}
		if failed := processFiles(ctx, application, in, paths, os.Stdout); failed > 0 {
			slog.Warn("some commands failed", "failed", failed, "total", len(paths))
			code = 1
		}
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
		slog.Info("shutdown signal received, stopping…")
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// ── Command processing ────────────────────────────────────────────────────────

// input describes how audio files are attributed and decoded.
type input struct {
	user       types.UserContext
	sampleRate int
	channels   int
}

// processFiles runs every file through the pipeline and writes one JSON
// result per line to out. It returns the number of failed commands.
func processFiles(ctx context.Context, a *app.App, in input, paths []string, out io.Writer) int {
	enc := json.NewEncoder(out)
	failed := 0
	for _, path := range paths {
		if ctx.Err() != nil {
			return failed + 1
		}
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Error("failed to read audio", "path", path, "err", err)
			failed++
			continue
		}
		seg := &types.AudioSegment{
			Data:       data,
			SampleRate: in.sampleRate,
			Channels:   in.channels,
			Encoding:   encodingFor(path),
			CapturedAt: time.Now(),
			UserID:     in.user.UserID,
			SessionID:  in.user.SessionID,
		}
		res, err := a.Orchestrator().ProcessVoiceCommand(ctx, seg, in.user)
		if err != nil {
			slog.Error("command failed", "path", path, "err", err)
			failed++
		}
		if res == nil {
			continue
		}
		if err := enc.Encode(struct {
			File string `json:"file"`
			*pipeline.Result
		}{path, res}); err != nil {
			slog.Error("failed to write result", "path", path, "err", err)
			failed++
		}
	}
	return failed
}

// encodingFor derives the audio encoding from the file extension. Unknown
// extensions are treated as raw 16-bit PCM.
func encodingFor(path string) string {
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")); ext {
	case "wav", "mp3", "webm", "ogg", "m4a", "flac", "mp4", "mpeg", "mpga":
		return ext
	default:
		return "pcm_s16le"
	}
}

// readPaths returns the non-empty lines of r.
func readPaths(r io.Reader) ([]string, error) {
	var paths []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths, sc.Err()
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// language is the default transcription language hint.
func registerBuiltinProviders(reg *config.Registry, language string) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		// Retries are owned by the parser.
		opts = append(opts, oallm.WithSDKRetries(0))
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other backend goes through any-llm-go. Local servers (ollama,
	// llamacpp, llamafile) take BaseURL and no key.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oastt.WithOrganization(org))
		}
		model := entry.Model
		if model == "" {
			model = "whisper-1"
		}
		return oastt.New(entry.APIKey, model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		lang := optString(entry.Options, "language")
		if lang == "" {
			lang = language
		}
		if lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"llm", "stt"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates the providers named in cfg using the registry.
// Language-understanding providers are created once; transcription clients
// are created by the pool through the returned factories, so each entry is
// probed once here to fail fast on bad settings.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llmEntries := append([]config.ProviderEntry{cfg.Providers.LLM}, cfg.Providers.LLMFallbacks...)
	for _, entry := range llmEntries {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = append(ps.LLM, app.NamedLLM{Name: entry.Name, Provider: p})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}

	sttEntries := append([]config.ProviderEntry{cfg.Providers.STT}, cfg.Providers.STTFallbacks...)
	for _, entry := range sttEntries {
		if _, err := reg.CreateSTT(entry); err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		ps.STT = append(ps.STT, app.NamedSTT{
			Name: entry.Name,
			New:  func() (stt.Transcriber, error) { return reg.CreateSTT(entry) },
		})
		slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	w := os.Stderr
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        voicecmd — startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider(w, "STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	fmt.Fprintf(w, "║  Fallbacks       : %-19s ║\n",
		fmt.Sprintf("%d llm, %d stt", len(cfg.Providers.LLMFallbacks), len(cfg.Providers.STTFallbacks)))
	fmt.Fprintf(w, "║  Cache           : %-19s ║\n", cfg.Cache.Backend)
	fmt.Fprintf(w, "║  Pool size       : %-19d ║\n", cfg.Transcription.PoolSize)
	if len(cfg.Events.Kafka.Brokers) > 0 {
		fmt.Fprintf(w, "║  Kafka topic     : %-19s ║\n", truncate(cfg.Events.Kafka.Topic))
	} else {
		fmt.Fprintf(w, "║  Kafka           : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len(s) > 19 {
		return s[:16] + "…"
	}
	return s
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString reads a string from a provider's free-form options. Missing keys
// and values of other types read as "".
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
