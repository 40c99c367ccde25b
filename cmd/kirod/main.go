// Command kirod is the Kiro voice assistant daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	cli "github.com/spf13/pflag"

	"github.com/MrWong99/kiro/internal/app"
	"github.com/MrWong99/kiro/internal/config"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/pkg/provider/llm"
	"github.com/MrWong99/kiro/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/kiro/pkg/provider/llm/openai"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	sttopenai "github.com/MrWong99/kiro/pkg/provider/stt/openai"
	"github.com/MrWong99/kiro/pkg/provider/stt/whisper"
	"github.com/MrWong99/kiro/pkg/provider/tts"
	"github.com/MrWong99/kiro/pkg/provider/tts/coqui"
	"github.com/MrWong99/kiro/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/kiro/pkg/provider/tts/openai"
	"github.com/MrWong99/kiro/pkg/provider/tts/piper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := cli.StringP("config", "c", "", "path to the YAML configuration file (default: search ~/.kiro/config, ./config)")
	envFile := cli.StringP("env", "e", ".env", "env file with API keys")
	debug := cli.BoolP("debug", "d", false, "enable debug logging")
	console := cli.Bool("console", false, "human-readable console logs")
	noAudio := cli.Bool("no-audio", false, "run without microphone and speaker (HTTP and MCP only)")
	showVersion := cli.BoolP("version", "v", false, "print the version and exit")
	cli.Parse()

	if *showVersion {
		fmt.Println("kirod", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "kirod: %v\n", err)
		return 1
	}
	path := *configPath
	if path == "" {
		path = config.FindFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kirod: config file %q not found; copy config/default.yaml to ~/.kiro/config/kiro.yaml to get started\n", path)
		} else {
			fmt.Fprintf(os.Stderr, "kirod: %v\n", err)
		}
		return 1
	}
	// Flags win over the file, also after a reload.
	applyFlags := func(c *config.Config) {
		if *debug {
			c.Log.Level = config.LogDebug
		}
		if *console {
			c.Log.Format = config.FormatConsole
		}
		if *noAudio {
			c.Audio.Enabled = false
		}
	}
	applyFlags(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Log.Level.Level())
	logger, closeLog, err := newLogger(cfg.Log, level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kirod: %v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	slog.Info("kiro starting",
		"version", version,
		"config", path,
		"audio", cfg.Audio.Enabled,
		"log_level", cfg.Log.Level,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kiro",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	var providers *app.Providers
	if cfg.Audio.Enabled {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		providers, err = app.BuildProviders(cfg, reg)
		if err != nil {
			slog.Error("failed to build providers", "err", err)
			return 1
		}
	}

	printStartupSummary(cfg, providers)

	opts := []app.Option{app.WithVersion(version), app.WithMetricsHandler(telemetry.Handler())}
	if path != "" {
		opts = append(opts, app.WithConfigWatch(path, level, applyFlags))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if cfg.Audio.Enabled {
		slog.Info("kiro ready; say the wake word", "wake_word", cfg.Audio.WakeWord.Phrase)
	} else {
		slog.Info("kiro ready without audio; press Ctrl+C to shut down")
	}

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Daemon.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// The rest share one pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "ollama",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(entry.Option("model_path"), opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []sttopenai.Option{sttopenai.WithModel("whisper-1")}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, sttopenai.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(entry.BaseURL))
		}
		return sttopenai.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("piper", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []piper.Option
		if bin := entry.Option("binary"); bin != "" {
			opts = append(opts, piper.WithBinary(bin))
		}
		return piper.New(entry.Model, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.Model != "" {
			opts = append(opts, ttsopenai.WithModel(entry.Model))
		}
		if voice := entry.Option("voice"); voice != "" {
			opts = append(opts, ttsopenai.WithVoice(voice))
		}
		return ttsopenai.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, entry.Option("voice_id"), opts...)
	})

	for kind, names := range config.ValidProviderNames {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, ps *app.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Kiro · startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Name", cfg.Kiro.Name)
	printRow("Database", string(cfg.Database.Driver))
	if ps != nil {
		printRow("LLM", join(ps.LLMNames))
		printRow("STT", join(ps.STTNames))
		printRow("TTS", join(ps.TTSNames))
		printRow("Wake word", cfg.Audio.WakeWord.Phrase)
	} else {
		printRow("Audio", "(disabled)")
	}
	if cfg.EFE.Enabled {
		printRow("Reminders", "every "+cfg.EFE.CheckInterval.String())
	} else {
		printRow("Reminders", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func join(names []string) string { return strings.Join(names, " → ") }

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the console (tint) or JSON handler, mirrored to the log
// file when one is configured.
func newLogger(lc config.LogConfig, level *slog.LevelVar) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if lc.File != "" {
		path := config.ExpandPath(lc.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}

	var h slog.Handler
	if lc.Format == config.FormatConsole {
		h = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h), closeFn, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optDuration extracts a duration from a provider Options map.
func optDuration(opts map[string]any, key string) time.Duration {
	d, _ := opts[key].(time.Duration)
	return d
}
