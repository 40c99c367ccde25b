// Package app wires all kiro subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run starts them and blocks until the context is cancelled,
// and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithAudioDevice, WithPlayer). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kiro/internal/config"
	"github.com/MrWong99/kiro/internal/conversation"
	"github.com/MrWong99/kiro/internal/efe"
	"github.com/MrWong99/kiro/internal/efe/postgres"
	"github.com/MrWong99/kiro/internal/efe/sqlite"
	"github.com/MrWong99/kiro/internal/events"
	"github.com/MrWong99/kiro/internal/eventstream"
	"github.com/MrWong99/kiro/internal/health"
	"github.com/MrWong99/kiro/internal/mcp"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/internal/pipeline"
	"github.com/MrWong99/kiro/internal/speaker"
	"github.com/MrWong99/kiro/internal/voice"
	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/audio/portaudio"
	"github.com/MrWong99/kiro/pkg/provider/vad"
	"github.com/MrWong99/kiro/pkg/provider/wakeword"
	"github.com/MrWong99/kiro/pkg/provider/wakeword/phrase"
)

const dropReportInterval = 5 * time.Second

// component is a subsystem with a start/stop lifecycle. Components start in
// registration order and stop in reverse.
type component struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	version   string

	bus      *events.Bus
	store    efe.Store
	engine   *efe.Engine
	capture  *audio.Capture
	pipeline *pipeline.Pipeline
	speaker  *speaker.Speaker
	voice    *voice.Coordinator
	stream   *eventstream.Hub
	handler  http.Handler

	metricsHandler http.Handler

	device audio.Device
	player speaker.Player

	configPath string
	logLevel   *slog.LevelVar
	overrides  []func(*config.Config)

	components []component
	started    int

	// closers release resources in order during Shutdown, after every
	// component has stopped.
	closers []func() error

	mu       sync.Mutex
	addr     net.Addr
	ready    chan struct{}
	startAt  time.Time
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects an EFE store instead of opening the configured database.
func WithStore(s efe.Store) Option {
	return func(a *App) { a.store = s }
}

// WithAudioDevice injects the microphone instead of opening a PortAudio
// input stream.
func WithAudioDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithPlayer injects the playback device instead of a PortAudio output
// stream.
func WithPlayer(p speaker.Player) Option {
	return func(a *App) { a.player = p }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics, normally
// [observe.Telemetry.Handler]. Defaults to [observe.MetricsHandler].
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithVersion sets the version reported in events, status and MCP.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithConfigWatch reloads path while running. Log level changes are applied
// to level; other changes are logged as needing a restart. overrides are
// reapplied to every reloaded config.
func WithConfigWatch(path string, level *slog.LevelVar, overrides ...func(*config.Config)) Option {
	return func(a *App) {
		a.configPath = path
		a.logLevel = level
		a.overrides = overrides
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers may be nil
// when audio is disabled. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
		ready:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Event bus ─────────────────────────────────────────────────────
	a.bus = events.New(
		events.WithQueueSize(cfg.Events.MaxQueueSize),
		events.WithHandlerTimeout(cfg.Events.HandlerTimeout),
		events.WithDrainTimeout(cfg.Events.DrainTimeout),
		events.WithObserver(func(ev events.Event, _ int) {
			a.metrics.RecordEvent(context.Background(), ev.Name)
		}),
	)
	a.add("events", a.bus.Start, a.bus.Stop)

	// ── 2. EFE store + engine ────────────────────────────────────────────
	if cfg.EFE.Enabled {
		if err := a.initEFE(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("app: init efe: %w", err)
		}
	}

	// ── 3. Audio pipeline, speaker, voice coordinator ────────────────────
	if cfg.Audio.Enabled {
		if providers == nil {
			a.close()
			return nil, errors.New("app: audio is enabled but no providers were built")
		}
		if err := a.initAudio(); err != nil {
			a.close()
			return nil, fmt.Errorf("app: init audio: %w", err)
		}
	}

	// The scheduler may fire on start, so it starts after the reply path.
	if a.engine != nil {
		a.add("efe", a.engine.Start, a.engine.Stop)
	}

	// ── 4. HTTP surfaces ─────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

func (a *App) add(name string, start, stop func(context.Context) error) {
	a.components = append(a.components, component{name: name, start: start, stop: stop})
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initEFE opens the configured store unless one was injected.
func (a *App) initEFE(ctx context.Context) error {
	if a.store == nil {
		store, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		a.store = store
	}

	a.engine = efe.New(a.store,
		efe.WithEmitter(a.bus),
		efe.WithMetrics(a.metrics),
		efe.WithReminderInterval(a.cfg.EFE.CheckInterval),
		efe.WithDefaultReminderDelay(a.cfg.EFE.DefaultReminderDelay),
		efe.WithSpeaker(a.speakReminder),
	)
	return nil
}

func (a *App) openStore(ctx context.Context) (efe.Store, error) {
	db := a.cfg.Database
	switch db.Driver {
	case config.DriverPostgres:
		dsn, err := db.PostgresDSN()
		if err != nil {
			return nil, err
		}
		store, err := postgres.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		slog.Info("app: efe store opened", "driver", db.Driver, "host", db.Host, "database", db.Database)
		return store, nil
	default:
		path := config.ExpandPath(db.Path)
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		slog.Info("app: efe store opened", "driver", config.DriverSQLite, "path", path)
		return store, nil
	}
}

// speakReminder announces a fired reminder. Without audio the reminder is
// only logged and published on the bus.
func (a *App) speakReminder(ctx context.Context, text string) error {
	if a.voice == nil {
		slog.Info("app: reminder (audio disabled)", "text", text)
		return nil
	}
	return a.voice.SpeakReminder(ctx, text)
}

// initAudio builds capture → wake word → VAD → STT, and the reply side.
func (a *App) initAudio() error {
	ac := a.cfg.Audio
	frames := int(float64(ac.SampleRate) * ac.ChunkDuration.Seconds())

	if a.device == nil || a.player == nil {
		if err := portaudio.Init(); err != nil {
			return err
		}
		a.closers = append(a.closers, portaudio.Terminate)
	}
	if a.device == nil {
		a.device = portaudio.NewDevice(ac.InputDevice, ac.SampleRate, frames)
	}
	if a.player == nil {
		a.player = portaudio.NewPlayer(frames)
	}

	a.capture = audio.NewCapture(a.device,
		audio.WithSampleRate(ac.SampleRate),
		audio.WithChunkDuration(ac.ChunkDuration),
		audio.WithQueueSize(ac.QueueSize),
	)

	model, err := phrase.New(a.providers.STT, ac.WakeWord.Phrase, ac.SampleRate)
	if err != nil {
		return fmt.Errorf("wake phrase model: %w", err)
	}
	wake, err := wakeword.New(model,
		wakeword.WithThreshold(ac.WakeWord.Threshold),
		wakeword.WithRefractory(ac.WakeWord.RefractoryPeriod),
	)
	if err != nil {
		return fmt.Errorf("wake word detector: %w", err)
	}
	detector, err := vad.New(vad.Config{
		SampleRate:     ac.SampleRate,
		FrameDuration:  ac.VAD.FrameDuration,
		Aggressiveness: ac.VAD.Aggressiveness,
		MinSpeech:      ac.VAD.MinSpeechDuration,
		MaxSilence:     ac.VAD.MaxSilenceDuration,
		Padding:        ac.VAD.Padding,
	}, vad.WithClassifier(vad.NewEnergyClassifier(ac.VAD.Aggressiveness)))
	if err != nil {
		return err
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Source: a.capture,
		Wake:   wake,
		VAD:    detector,
		STT:    a.providers.STT,
		Events: a.bus,
	},
		pipeline.WithMaxBufferedChunks(ac.MaxUtteranceChunks),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.speaker = speaker.New(a.providers.TTS, a.player, speaker.WithHooks(speaker.Hooks{
		OnStart: func(text string, d time.Duration) {
			slog.Debug("app: speaking", "chars", len(text), "audio", d)
		},
	}))

	conv := conversation.New(a.providers.LLM,
		conversation.WithContextTurns(a.cfg.LLM.ContextTurns),
		conversation.WithTimeout(a.cfg.LLM.ConversationTimeout),
		conversation.WithGeneration(a.cfg.LLM.MaxTokens, a.cfg.LLM.Temperature),
		conversation.WithMetrics(a.metrics),
	)
	vopts := []voice.Option{voice.WithMetrics(a.metrics)}
	if a.engine != nil {
		vopts = append(vopts, voice.WithCapturer(a.engine))
	}
	a.voice = voice.New(a.bus, a.speaker, conv, vopts...)

	// The coordinator subscribes before the pipeline can emit.
	a.add("speaker", a.speaker.Start, a.speaker.Stop)
	a.add("voice", a.voice.Start, a.voice.Stop)
	a.add("pipeline", a.pipeline.Start, a.pipeline.Stop)
	return nil
}

// initHTTP assembles the local server routes. Streaming endpoints bypass the
// request middleware, which does not support hijacking or flushing.
func (a *App) initHTTP() {
	sc := a.cfg.Server
	if sc.ListenAddr == "" {
		return
	}

	plain := http.NewServeMux()
	health.New(a.checkers()...).WithStatus(a.status).Register(plain)
	if sc.Metrics {
		h := a.metricsHandler
		if h == nil {
			h = observe.MetricsHandler()
		}
		plain.Handle("GET /metrics", h)
	}

	mux := http.NewServeMux()
	mux.Handle("/", observe.Middleware(a.metrics)(plain))
	if sc.MCP && a.engine != nil {
		mcp.NewServer(a.engine, mcp.WithVersion(a.version), mcp.WithMetrics(a.metrics)).Register(mux)
	}
	if sc.EventStream {
		a.stream = eventstream.New(a.bus)
		a.stream.Register(mux)
		a.add("eventstream", a.stream.Start, a.stream.Stop)
	}
	a.handler = mux
}

func (a *App) checkers() []health.Checker {
	cs := []health.Checker{{
		Name: "events",
		Check: func(context.Context) error {
			if !a.bus.Running() {
				return errors.New("event bus not running")
			}
			return nil
		},
	}}
	if pinger, ok := a.store.(interface{ Ping(context.Context) error }); ok {
		cs = append(cs, health.Checker{Name: "store", Check: pinger.Ping})
	}
	if a.pipeline != nil {
		cs = append(cs, health.Checker{
			Name: "pipeline",
			Check: func(context.Context) error {
				if !a.pipeline.Running() {
					return errors.New("audio pipeline not running")
				}
				return nil
			},
		})
	}
	return cs
}

// Status is the /status snapshot.
type Status struct {
	Name          string    `json:"name"`
	Version       string    `json:"version"`
	Uptime        string    `json:"uptime"`
	Audio         bool      `json:"audio"`
	PipelineState string    `json:"pipeline_state,omitempty"`
	CaptureDrops  int64     `json:"capture_dropped,omitempty"`
	EventQueue    int       `json:"event_queue"`
	OpenTasks     int       `json:"open_tasks"`
	Reminders     int       `json:"pending_reminders"`
	NextReminder  time.Time `json:"next_reminder,omitzero"`
	LLM           []string  `json:"llm,omitempty"`
	STT           []string  `json:"stt,omitempty"`
	TTS           []string  `json:"tts,omitempty"`
}

func (a *App) status(ctx context.Context) any {
	a.mu.Lock()
	startAt := a.startAt
	a.mu.Unlock()

	s := Status{
		Name:       a.cfg.Kiro.Name,
		Version:    a.version,
		Audio:      a.pipeline != nil,
		EventQueue: a.bus.QueueLen(),
	}
	if !startAt.IsZero() {
		s.Uptime = time.Since(startAt).Round(time.Second).String()
	}
	if a.pipeline != nil {
		s.PipelineState = a.pipeline.State().String()
		s.CaptureDrops = a.capture.Dropped()
	}
	if a.providers != nil {
		s.LLM, s.STT, s.TTS = a.providers.LLMNames, a.providers.STTNames, a.providers.TTSNames
	}
	if a.engine != nil {
		if tasks, err := a.engine.ListTasks(ctx); err == nil {
			s.OpenTasks = len(tasks)
		}
		if reminders, err := a.engine.ListReminders(ctx); err == nil {
			s.Reminders = len(reminders)
		}
		if next, ok, err := a.engine.Scheduler().NextReminder(ctx); err == nil && ok {
			s.NextReminder = next.TriggerTime
		}
	}
	return s
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or the HTTP
// server fails. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.handler != nil {
		ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
		a.mu.Lock()
		a.addr = ln.Addr()
		a.mu.Unlock()

		srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			slog.Info("app: http server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Daemon.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.capture != nil {
		g.Go(func() error {
			a.reportDrops(gctx)
			return nil
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.onConfigChange, config.WithOverrides(a.overrides...))
		if err != nil {
			slog.Warn("app: config watch disabled", "path", a.configPath, "err", err)
		} else {
			a.closers = append(a.closers, func() error { w.Stop(); return nil })
		}
	}

	a.bus.Emit(ctx, events.DaemonStarted, events.Payload{
		"version": a.version,
		"audio":   a.pipeline != nil,
	})
	close(a.ready)
	slog.Info("app: running", "components", len(a.components))

	<-gctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// start starts the components in order, stopping those already running if
// one fails.
func (a *App) start(ctx context.Context) error {
	a.mu.Lock()
	a.startAt = time.Now()
	a.mu.Unlock()

	for i, c := range a.components {
		if err := c.start(ctx); err != nil {
			a.started = i
			a.stopComponents(context.WithoutCancel(ctx))
			return fmt.Errorf("app: start %s: %w", c.name, err)
		}
		slog.Debug("app: component started", "component", c.name)
	}
	a.started = len(a.components)
	return nil
}

// Ready is closed once Run has started every subsystem.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the HTTP server's listen address, or nil before Run binds it
// or when the server is disabled.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// reportDrops exports capture queue overflows as a counter.
func (a *App) reportDrops(ctx context.Context) {
	ticker := time.NewTicker(dropReportInterval)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.capture.Dropped()
			if delta := n - last; delta > 0 {
				a.metrics.CaptureDropped.Add(ctx, delta)
				slog.Warn("app: audio chunks dropped", "dropped", delta, "total", n)
			}
			last = n
		}
	}
}

func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changed; restart to apply", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops all components in reverse start order and then releases
// stores and devices. It respects the context deadline: if ctx expires,
// remaining steps are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "components", a.started, "closers", len(a.closers))
		if a.bus.Running() {
			a.bus.Emit(ctx, events.DaemonStopping, nil)
		}

		shutdownErr = a.stopComponents(ctx)
		if err := a.close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) stopComponents(ctx context.Context) error {
	for i := a.started - 1; i >= 0; i-- {
		c := a.components[i]
		if ctx.Err() != nil {
			slog.Warn("app: shutdown deadline exceeded", "remaining", i+1)
			a.started = 0
			return ctx.Err()
		}
		if err := c.stop(ctx); err != nil {
			slog.Warn("app: component stop error", "component", c.name, "err", err)
		}
	}
	a.started = 0
	return nil
}

// close runs the closers and releases provider resources.
func (a *App) close() error {
	var errs []error
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("app: closer error", "index", i, "err", err)
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.providers != nil {
		if err := a.providers.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
