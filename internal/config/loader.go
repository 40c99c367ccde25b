package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix starts every environment override. Nested keys are joined with
// "__": KIRO_AUDIO__VAD__AGGRESSIVENESS=3 sets audio.vad.aggressiveness.
const EnvPrefix = "KIRO_"

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "claude", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"auto", "whisper", "whisper-native", "openai"},
	"tts": {"piper", "openai", "coqui", "elevenlabs"},
}

// SearchPaths returns the locations [Load] tries when no path is given, in
// order: the user config and the development default.
func SearchPaths() []string {
	return []string{
		ExpandPath("~/.kiro/config/kiro.yaml"),
		filepath.Join("config", "default.yaml"),
	}
}

// FindFile returns the first existing file of [SearchPaths], or "".
func FindFile() string {
	for _, p := range SearchPaths() {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// LoadDotEnv loads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load env file %q: %w", path, err)
	}
	return nil
}

// Load reads the YAML configuration file at path over [Default], applies
// KIRO_ environment overrides and validates the result. An empty path
// searches [SearchPaths]; if no file exists the defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FindFile()
		if path == "" {
			slog.Debug("no config file found, using defaults", "searched", SearchPaths())
			return Parse(nil, os.Environ())
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := Parse(data, os.Environ())
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default], applies the
// process environment and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data, os.Environ())
}

// Parse decodes data over [Default], applies overrides from environ (in
// os.Environ form) and validates. Unknown YAML keys are rejected.
func Parse(data []byte, environ []string) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if err := ApplyEnv(cfg, environ); err != nil {
		return nil, err
	}
	normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv sets fields of cfg from KIRO_ variables in environ. Values are
// decoded as YAML scalars, so durations ("45s"), numbers and booleans work
// as they do in the file. Variables naming no field are ignored.
func ApplyEnv(cfg *Config, environ []string) error {
	var errs []error
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
		field, found := lookupField(reflect.ValueOf(cfg).Elem(), path)
		if !found {
			slog.Debug("ignoring environment variable without config field", "key", key)
			continue
		}
		if err := yaml.Unmarshal([]byte(value), field.Addr().Interface()); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// lookupField walks v by yaml tag names.
func lookupField(v reflect.Value, path []string) (reflect.Value, bool) {
	for _, name := range path {
		if v.Kind() != reflect.Struct {
			return reflect.Value{}, false
		}
		t := v.Type()
		next := -1
		for i := range t.NumField() {
			tag, _, _ := strings.Cut(t.Field(i).Tag.Get("yaml"), ",")
			if tag == name {
				next = i
				break
			}
		}
		if next < 0 {
			return reflect.Value{}, false
		}
		v = v.Field(next)
	}
	return v, v.CanSet()
}

// normalize folds accepted spellings into canonical values.
func normalize(cfg *Config) {
	cfg.Log.Level = LogLevel(strings.ToLower(string(cfg.Log.Level)))
	if cfg.Log.Level == "warning" {
		cfg.Log.Level = LogWarn
	}
	cfg.Log.Format = LogFormat(strings.ToLower(string(cfg.Log.Format)))
	if cfg.Database.Driver == "postgres" {
		cfg.Database.Driver = DriverPostgres
	}
	for _, p := range []*string{&cfg.Audio.STT.Engine, &cfg.Audio.TTS.Engine, &cfg.Audio.TTS.Fallback, &cfg.LLM.PrimaryProvider, &cfg.LLM.FallbackProvider} {
		*p = strings.ToLower(strings.TrimSpace(*p))
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.Format != "" && !cfg.Log.Format.IsValid() {
		errs = append(errs, fmt.Errorf("log.format %q is invalid; valid values: json, console", cfg.Log.Format))
	}

	// Database
	if !cfg.Database.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: sqlite, postgresql", cfg.Database.Driver))
	}
	if cfg.Database.Driver == DriverSQLite && cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required for the sqlite driver"))
	}
	if cfg.Database.Driver == DriverPostgres {
		if _, err := cfg.Database.PostgresDSN(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}

	// Events and daemon
	if cfg.Events.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("events.max_queue_size %d must be positive", cfg.Events.MaxQueueSize))
	}
	if cfg.Events.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("events.handler_timeout %s must be positive", cfg.Events.HandlerTimeout))
	}
	if cfg.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("daemon.shutdown_timeout %s must be positive", cfg.Daemon.ShutdownTimeout))
	}

	// Audio
	a := cfg.Audio
	if a.Enabled {
		if !slices.Contains([]int{8000, 16000, 32000, 48000}, a.SampleRate) {
			errs = append(errs, fmt.Errorf("audio.sample_rate %d is invalid; valid values: 8000, 16000, 32000, 48000", a.SampleRate))
		}
		if a.Channels != 1 {
			errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; only mono capture is supported", a.Channels))
		}
		if a.ChunkDuration <= 0 {
			errs = append(errs, fmt.Errorf("audio.chunk_duration %s must be positive", a.ChunkDuration))
		}
		if a.MaxUtteranceChunks <= 0 {
			errs = append(errs, fmt.Errorf("audio.max_utterance_chunks %d must be positive", a.MaxUtteranceChunks))
		}
		if a.WakeWord.Threshold <= 0 || a.WakeWord.Threshold > 1 {
			errs = append(errs, fmt.Errorf("audio.wake_word.threshold %.2f is out of range (0, 1]", a.WakeWord.Threshold))
		}
		if strings.TrimSpace(a.WakeWord.Phrase) == "" {
			errs = append(errs, errors.New("audio.wake_word.phrase is required"))
		}
		if a.VAD.Aggressiveness < 0 || a.VAD.Aggressiveness > 3 {
			errs = append(errs, fmt.Errorf("audio.vad.aggressiveness %d is out of range [0, 3]", a.VAD.Aggressiveness))
		}
	}
	validateProviderName("stt", a.STT.Engine)
	validateProviderName("tts", a.TTS.Engine)
	validateProviderName("tts", a.TTS.Fallback)

	// LLM
	validateProviderName("llm", cfg.LLM.PrimaryProvider)
	validateProviderName("llm", cfg.LLM.FallbackProvider)
	if cfg.LLM.PrimaryProvider == "" {
		slog.Warn("llm.primary_provider is empty; conversation replies will not be available")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	if cfg.LLM.Retries < 0 {
		errs = append(errs, fmt.Errorf("llm.retries %d must not be negative", cfg.LLM.Retries))
	}

	// EFE
	if cfg.EFE.Enabled && cfg.EFE.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("efe.check_interval %s must be positive", cfg.EFE.CheckInterval))
	}

	if (cfg.Server.MCP || cfg.Server.EventStream) && cfg.Server.ListenAddr == "" {
		slog.Warn("server.listen_addr is empty; MCP and the event stream will not be served")
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

// ExpandPath expands a leading "~" to the user's home directory and
// $VARIABLES from the environment.
func ExpandPath(p string) string {
	if p == "" {
		return ""
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
