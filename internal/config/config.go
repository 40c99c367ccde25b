// Package config provides the configuration schema, loader, and provider registry
// for the kiro voice assistant daemon.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the log handler.
type LogFormat string

const (
	// FormatJSON writes one JSON object per record.
	FormatJSON LogFormat = "json"

	// FormatConsole writes colourised, human-readable lines.
	FormatConsole LogFormat = "console"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == FormatJSON || f == FormatConsole
}

// Driver selects the EFE store backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgresql"
)

// IsValid reports whether d is a recognised database driver.
func (d Driver) IsValid() bool {
	return d == DriverSQLite || d == DriverPostgres
}

// Config is the root configuration structure for kiro.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// starting from [Default].
type Config struct {
	Kiro     MetaConfig     `yaml:"kiro"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Events   EventsConfig   `yaml:"events"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Audio    AudioConfig    `yaml:"audio"`
	LLM      LLMConfig      `yaml:"llm"`
	EFE      EFEConfig      `yaml:"efe"`
	Server   ServerConfig   `yaml:"server"`
}

// MetaConfig names the assistant.
type MetaConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// LogConfig selects log verbosity, format, and an optional log file.
type LogConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`

	// File, when set, receives a copy of every record in addition to stderr.
	File string `yaml:"file"`
}

// DatabaseConfig selects and locates the EFE store.
type DatabaseConfig struct {
	Driver Driver `yaml:"driver"`

	// Path is the SQLite database file. "~" is expanded.
	Path string `yaml:"path"`

	// PostgreSQL settings. DSN, when set, takes precedence over the
	// individual fields.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// PostgresDSN returns the connection string for the postgresql driver.
func (d DatabaseConfig) PostgresDSN() (string, error) {
	if d.DSN != "" {
		return d.DSN, nil
	}
	if d.Host == "" || d.User == "" || d.Database == "" {
		return "", fmt.Errorf("config: postgresql requires host, user and database")
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String(), nil
}

// EventsConfig tunes the event bus.
type EventsConfig struct {
	MaxQueueSize   int           `yaml:"max_queue_size"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// DaemonConfig controls the process lifecycle.
type DaemonConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AudioConfig configures capture, the voice pipeline and speech providers.
type AudioConfig struct {
	// Enabled turns the microphone pipeline on. With audio disabled the
	// daemon still serves the EFE over MCP and HTTP.
	Enabled bool `yaml:"enabled"`

	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	ChunkDuration time.Duration `yaml:"chunk_duration"`
	QueueSize     int           `yaml:"queue_size"`

	// InputDevice and OutputDevice select devices by name; empty means the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	// MaxUtteranceChunks abandons recordings longer than this many chunks.
	MaxUtteranceChunks int `yaml:"max_utterance_chunks"`

	WakeWord WakeWordConfig `yaml:"wake_word"`
	VAD      VADConfig      `yaml:"vad"`
	STT      STTConfig      `yaml:"stt"`
	TTS      TTSConfig      `yaml:"tts"`
}

// WakeWordConfig configures wake phrase spotting.
type WakeWordConfig struct {
	Phrase           string        `yaml:"phrase"`
	Threshold        float64       `yaml:"threshold"`
	RefractoryPeriod time.Duration `yaml:"refractory_period"`
}

// VADConfig configures voice activity detection.
type VADConfig struct {
	Aggressiveness     int           `yaml:"aggressiveness"`
	FrameDuration      time.Duration `yaml:"frame_duration"`
	MinSpeechDuration  time.Duration `yaml:"min_speech_duration"`
	MaxSilenceDuration time.Duration `yaml:"max_silence_duration"`
	Padding            time.Duration `yaml:"padding"`
}

// STTConfig selects the speech-to-text backend.
type STTConfig struct {
	// Engine is "auto" or a registered STT provider name. "auto" tries the
	// native whisper model, a whisper server and OpenAI in that order.
	Engine   string `yaml:"engine"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`

	// ModelPath is the ggml model file for whisper-native. "~" is expanded.
	ModelPath string `yaml:"model_path"`

	// URL is the whisper.cpp server address for the whisper engine.
	URL string `yaml:"url"`

	APIKey string `yaml:"api_key"`
}

// Entry returns the registry entry for the named STT provider.
func (c STTConfig) Entry(name string) ProviderEntry {
	e := ProviderEntry{
		Name:    name,
		APIKey:  c.APIKey,
		Model:   c.Model,
		Options: map[string]any{"language": c.Language},
	}
	switch name {
	case "whisper":
		e.BaseURL = c.URL
	case "whisper-native":
		e.Options["model_path"] = ExpandPath(c.ModelPath)
	}
	return e
}

// TTSConfig selects the text-to-speech backend and its fallback.
type TTSConfig struct {
	Engine   string `yaml:"engine"`
	Fallback string `yaml:"fallback"`

	PiperModel  string `yaml:"piper_model"`
	PiperBinary string `yaml:"piper_binary"`
	ModelsDir   string `yaml:"models_dir"`

	OpenAIVoice string `yaml:"openai_voice"`
	OpenAIModel string `yaml:"openai_model"`

	// URL is the coqui server address.
	URL     string `yaml:"url"`
	VoiceID string `yaml:"voice_id"`
	APIKey  string `yaml:"api_key"`
}

// Entry returns the registry entry for the named TTS provider.
func (c TTSConfig) Entry(name string) ProviderEntry {
	e := ProviderEntry{Name: name, APIKey: c.APIKey, Options: map[string]any{}}
	switch name {
	case "piper":
		model := c.PiperModel
		if c.ModelsDir != "" && !strings.ContainsAny(model, `/\`) {
			model = strings.TrimRight(ExpandPath(c.ModelsDir), "/") + "/" + model
			if !strings.HasSuffix(model, ".onnx") {
				model += ".onnx"
			}
		}
		e.Model = ExpandPath(model)
		e.Options["binary"] = c.PiperBinary
	case "openai":
		e.Model = c.OpenAIModel
		e.Options["voice"] = c.OpenAIVoice
	case "coqui":
		e.BaseURL = c.URL
	case "elevenlabs":
		e.Options["voice_id"] = c.VoiceID
	}
	return e
}

// LLMConfig selects the conversation model and its fallback.
type LLMConfig struct {
	PrimaryProvider  string `yaml:"primary_provider"`
	FallbackProvider string `yaml:"fallback_provider"`

	ClaudeModel string `yaml:"claude_model"`
	OpenAIModel string `yaml:"openai_model"`

	// Models overrides the model for any other provider, keyed by name.
	Models map[string]string `yaml:"models"`

	// APIKeys holds keys by provider name. Missing keys are read from
	// <NAME>_API_KEY in the environment.
	APIKeys map[string]string `yaml:"api_keys"`

	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`

	// Retries per provider before falling back.
	Retries int `yaml:"retries"`

	// ContextTurns is how many recent turns are sent with each request.
	ContextTurns int `yaml:"context_turns"`

	// ConversationTimeout is the inactivity after which history is dropped.
	ConversationTimeout time.Duration `yaml:"conversation_timeout"`
}

// Entry returns the registry entry for the named LLM provider. "claude" is
// an alias for "anthropic".
func (c LLMConfig) Entry(name string) ProviderEntry {
	if name == "claude" {
		name = "anthropic"
	}
	e := ProviderEntry{Name: name, APIKey: c.APIKeys[name], BaseURL: c.BaseURL, Model: c.Models[name]}
	if e.Model == "" {
		switch name {
		case "anthropic":
			e.Model = c.ClaudeModel
		case "openai":
			e.Model = c.OpenAIModel
		}
	}
	return e
}

// EFEConfig configures the executive function engine.
type EFEConfig struct {
	Enabled              bool          `yaml:"enabled"`
	CheckInterval        time.Duration `yaml:"check_interval"`
	DefaultReminderDelay time.Duration `yaml:"default_reminder_delay"`
	SnoozeDuration       time.Duration `yaml:"snooze_duration"`
}

// ServerConfig holds the local HTTP server settings. It serves health
// probes, metrics, the MCP endpoint and the event stream.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on. Empty disables
	// the server.
	ListenAddr string `yaml:"listen_addr"`

	// MCP exposes the EFE tools at /mcp.
	MCP bool `yaml:"mcp"`

	// EventStream exposes bus events over a websocket at /events.
	EventStream bool `yaml:"event_stream"`

	// Metrics exposes Prometheus metrics at /metrics.
	Metrics bool `yaml:"metrics"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Kiro: MetaConfig{Name: "Kiro", Version: "0.1.0"},
		Log:  LogConfig{Level: LogInfo, Format: FormatJSON},
		Database: DatabaseConfig{
			Driver:  DriverSQLite,
			Path:    "~/.kiro/data/kiro.db",
			Port:    5432,
			SSLMode: "disable",
		},
		Events: EventsConfig{
			MaxQueueSize:   1000,
			HandlerTimeout: 30 * time.Second,
			DrainTimeout:   5 * time.Second,
		},
		Daemon: DaemonConfig{ShutdownTimeout: 5 * time.Second},
		Audio: AudioConfig{
			Enabled:            true,
			SampleRate:         16000,
			Channels:           1,
			ChunkDuration:      100 * time.Millisecond,
			QueueSize:          100,
			MaxUtteranceChunks: 300,
			WakeWord: WakeWordConfig{
				Phrase:           "hey kiro",
				Threshold:        0.5,
				RefractoryPeriod: 2 * time.Second,
			},
			VAD: VADConfig{
				Aggressiveness:     2,
				FrameDuration:      30 * time.Millisecond,
				MinSpeechDuration:  200 * time.Millisecond,
				MaxSilenceDuration: 500 * time.Millisecond,
				Padding:            300 * time.Millisecond,
			},
			STT: STTConfig{
				Engine:    "auto",
				Model:     "base",
				Language:  "en",
				ModelPath: "~/.kiro/models/ggml-base.en.bin",
			},
			TTS: TTSConfig{
				Engine:      "piper",
				Fallback:    "openai",
				PiperModel:  "en_US-lessac-high",
				ModelsDir:   "~/.kiro/models/piper",
				OpenAIVoice: "nova",
				OpenAIModel: "tts-1",
			},
		},
		LLM: LLMConfig{
			PrimaryProvider:     "openai",
			ClaudeModel:         "claude-sonnet-4-20250514",
			OpenAIModel:         "gpt-4o-mini",
			MaxTokens:           256,
			Temperature:         0.7,
			Timeout:             30 * time.Second,
			Retries:             2,
			ContextTurns:        10,
			ConversationTimeout: 5 * time.Minute,
		},
		EFE: EFEConfig{
			Enabled:              true,
			CheckInterval:        30 * time.Second,
			DefaultReminderDelay: time.Hour,
			SnoozeDuration:       10 * time.Minute,
		},
		Server: ServerConfig{
			ListenAddr:  "127.0.0.1:7700",
			MCP:         true,
			EventStream: true,
			Metrics:     true,
		},
	}
}
