package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/kiro/internal/config"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/internal/resilience"
	"github.com/MrWong99/kiro/pkg/provider/llm"
	"github.com/MrWong99/kiro/pkg/provider/stt"
	"github.com/MrWong99/kiro/pkg/provider/tts"
)

// Providers holds the speech and language backends of the voice path. Each
// field is a fallback chain over every backend that could be created.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Provider

	// Backend names in the order they are tried.
	LLMNames []string
	STTNames []string
	TTSNames []string

	closers []io.Closer
}

// Close releases backends holding native resources, such as a loaded
// whisper.cpp model.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

type named[T any] struct {
	name     string
	provider T
}

// createAll builds every named backend, skipping (with a warning) those
// whose factory fails so that a missing API key or model file does not stop
// the daemon while another backend can serve.
func createAll[T any](kind string, names []string, create func(name string) (T, error)) []named[T] {
	var out []named[T]
	seen := make(map[string]bool)
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		p, err := create(name)
		if err != nil {
			slog.Warn("app: provider unavailable", "kind", kind, "name", name, "err", err)
			continue
		}
		slog.Info("app: provider created", "kind", kind, "name", name)
		out = append(out, named[T]{name: name, provider: p})
	}
	return out
}

func namesOf[T any](ps []named[T]) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.name
	}
	return out
}

// fallbackConfig returns the breaker and retry policy shared by every
// fallback chain. Breaker transitions are exported as the circuit state
// gauge.
func fallbackConfig(retries int) resilience.FallbackConfig {
	metrics := observe.DefaultMetrics()
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			OnStateChange: func(name string, to resilience.State) {
				metrics.RecordCircuitState(context.Background(), name, int64(to))
			},
		},
		Retry: resilience.RetryConfig{MaxRetries: retries, BaseDelay: time.Second},
	}
}

// BuildProviders creates the LLM, STT and TTS chains configured in cfg from
// the factories in reg. Each chain needs at least one working backend.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	ps := &Providers{}
	if err := ps.buildLLM(cfg, reg); err != nil {
		return nil, err
	}
	if err := ps.buildSTT(cfg, reg); err != nil {
		return nil, err
	}
	if err := ps.buildTTS(cfg, reg); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (ps *Providers) track(p any) {
	if c, ok := p.(io.Closer); ok {
		ps.closers = append(ps.closers, c)
	}
}

func (ps *Providers) buildLLM(cfg *config.Config, reg *config.Registry) error {
	names := []string{canonicalLLM(cfg.LLM.PrimaryProvider), canonicalLLM(cfg.LLM.FallbackProvider)}
	built := createAll("llm", names, func(name string) (llm.Provider, error) {
		entry := cfg.LLM.Entry(name)
		entry.APIKey = firstNonEmpty(entry.APIKey, os.Getenv(apiKeyEnv(entry.Name)))
		entry.Options = map[string]any{"timeout": cfg.LLM.Timeout}
		return reg.CreateLLM(entry)
	})
	if len(built) == 0 {
		return fmt.Errorf("app: no llm provider available (tried %s)", strings.Join(names, ", "))
	}
	chain := resilience.NewLLMFallback(built[0].provider, built[0].name, fallbackConfig(cfg.LLM.Retries))
	for _, b := range built[1:] {
		chain.AddFallback(b.name, b.provider)
	}
	ps.LLM, ps.LLMNames = chain, namesOf(built)
	return nil
}

func (ps *Providers) buildSTT(cfg *config.Config, reg *config.Registry) error {
	sc := cfg.Audio.STT
	sc.APIKey = firstNonEmpty(sc.APIKey, cfg.LLM.APIKeys["openai"], os.Getenv("OPENAI_API_KEY"))

	names := []string{sc.Engine}
	if sc.Engine == "" || sc.Engine == "auto" {
		names = DiscoverSTT(sc)
		slog.Info("app: stt engines discovered", "engines", names)
	}
	built := createAll("stt", names, func(name string) (stt.Provider, error) {
		p, err := reg.CreateSTT(sc.Entry(name))
		if err == nil {
			ps.track(p)
		}
		return p, err
	})
	if len(built) == 0 {
		return fmt.Errorf("app: no stt engine available; set audio.stt.model_path, audio.stt.url or an OpenAI API key")
	}
	chain := resilience.NewSTTFallback(built[0].provider, built[0].name, fallbackConfig(0))
	for _, b := range built[1:] {
		chain.AddFallback(b.name, b.provider)
	}
	ps.STT, ps.STTNames = chain, namesOf(built)
	return nil
}

func (ps *Providers) buildTTS(cfg *config.Config, reg *config.Registry) error {
	tc := cfg.Audio.TTS
	built := createAll("tts", []string{tc.Engine, tc.Fallback}, func(name string) (tts.Provider, error) {
		entry := tc.Entry(name)
		switch name {
		case "openai":
			entry.APIKey = firstNonEmpty(entry.APIKey, cfg.LLM.APIKeys["openai"], os.Getenv("OPENAI_API_KEY"))
		case "elevenlabs":
			entry.APIKey = firstNonEmpty(entry.APIKey, os.Getenv("ELEVENLABS_API_KEY"))
		}
		p, err := reg.CreateTTS(entry)
		if err == nil {
			ps.track(p)
		}
		return p, err
	})
	if len(built) == 0 {
		return fmt.Errorf("app: no tts engine available (tried %s, %s)", tc.Engine, tc.Fallback)
	}
	chain := resilience.NewTTSFallback(built[0].provider, built[0].name, fallbackConfig(0))
	for _, b := range built[1:] {
		chain.AddFallback(b.name, b.provider)
	}
	ps.TTS, ps.TTSNames = chain, namesOf(built)
	return nil
}

// DiscoverSTT ranks the STT engines usable with sc: the native whisper.cpp
// binding when its model file exists, then a whisper.cpp server when a URL
// is set, then OpenAI when an API key is present.
func DiscoverSTT(sc config.STTConfig) []string {
	var out []string
	if path := config.ExpandPath(sc.ModelPath); path != "" {
		if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
			out = append(out, "whisper-native")
		} else {
			slog.Debug("app: whisper model not found", "path", path)
		}
	}
	if sc.URL != "" {
		out = append(out, "whisper")
	}
	if sc.APIKey != "" {
		out = append(out, "openai")
	}
	return out
}

func canonicalLLM(name string) string {
	if name == "claude" {
		return "anthropic"
	}
	return name
}

// apiKeyEnv is the conventional environment variable holding the API key
// for an LLM backend, e.g. ANTHROPIC_API_KEY.
func apiKeyEnv(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
