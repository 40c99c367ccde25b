// Package efe implements the executive function engine: spoken task and
// reminder capture, completion by fuzzy reference, spoken queries over the
// stored state and a scheduler that fires due reminders.
package efe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/kiro/internal/events"
	"github.com/MrWong99/kiro/internal/observe"
)

const (
	defaultReminderDelay = time.Hour
	defaultSnooze        = 10 * time.Minute
)

// Spoken replies for utterances that matched an intent but lacked its
// subject.
const (
	ReplyWhichProject = "Which project would you like to know about?"
	ReplyWhichTask    = "Which task did you complete?"
	ReplyNoTaskTitle  = "I heard you want to add a task, but I didn't catch what it was."
	ReplyNoReminder   = "I heard you want a reminder, but I didn't catch what for."
)

// SpeakFunc says text out loud.
type SpeakFunc func(ctx context.Context, text string) error

// Option configures an [Engine].
type Option func(*Engine)

// WithClock overrides the engine's notion of now. It is shared with the
// parser, queries and scheduler.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSpeaker sets the function used to announce fired reminders.
func WithSpeaker(speak SpeakFunc) Option {
	return func(e *Engine) { e.speak = speak }
}

// WithEmitter publishes task and reminder lifecycle events to em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithReminderInterval sets how often the scheduler checks for due
// reminders.
func WithReminderInterval(d time.Duration) Option {
	return func(e *Engine) { e.interval = d }
}

// WithDefaultReminderDelay sets how far ahead a reminder without a
// recognisable time is scheduled.
func WithDefaultReminderDelay(d time.Duration) Option {
	return func(e *Engine) { e.reminderDelay = d }
}

// Engine ties the parser, store, queries and scheduler together. It is safe
// for concurrent use.
type Engine struct {
	store     Store
	parser    *Parser
	queries   *Queries
	scheduler *Scheduler

	now           func() time.Time
	speak         SpeakFunc
	emitter       events.Emitter
	metrics       *observe.Metrics
	interval      time.Duration
	reminderDelay time.Duration

	mu      sync.Mutex
	running bool
}

// New returns a stopped engine backed by store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		now:           time.Now,
		interval:      defaultCheckInterval,
		reminderDelay: defaultReminderDelay,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.reminderDelay <= 0 {
		e.reminderDelay = defaultReminderDelay
	}
	e.parser = NewParser(WithParserClock(e.now))
	e.queries = NewQueries(store, e.now)
	e.scheduler = NewScheduler(store, e.onReminder,
		WithCheckInterval(e.interval),
		WithSchedulerClock(e.now),
	)
	return e
}

// Start launches the reminder scheduler. Starting a running engine is a
// no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("efe: start: %w", err)
	}
	e.running = true
	slog.Info("efe: engine started")
	return nil
}

// Stop halts the reminder scheduler.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.scheduler.Stop(ctx); err != nil {
		return fmt.Errorf("efe: stop: %w", err)
	}
	e.running = false
	slog.Info("efe: engine stopped")
	return nil
}

// Store returns the backing store.
func (e *Engine) Store() Store { return e.store }

// Queries returns the engine's query responder.
func (e *Engine) Queries() *Queries { return e.queries }

// Scheduler returns the engine's reminder scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Parse parses text against the engine's clock.
func (e *Engine) Parse(text string) ParsedCapture { return e.parser.Parse(text) }

// IsEFEIntent reports whether text is something the engine handles.
func (e *Engine) IsEFEIntent(text string) bool {
	return e.parser.Parse(text).Intent != IntentUnknown
}

// Process parses text and acts on it. handled is false when text carries
// no EFE intent and should go elsewhere, e.g. to the conversation manager.
func (e *Engine) Process(ctx context.Context, text string) (reply string, handled bool, err error) {
	ctx, span := observe.StartSpan(ctx, observe.SpanEFEProcess)
	defer span.End()
	start := time.Now()

	parsed := e.parser.Parse(text)
	if parsed.Intent == IntentUnknown {
		return "", false, nil
	}
	observe.Logger(ctx).Info("efe: intent", "intent", parsed.Intent, "confidence", parsed.Confidence)

	switch parsed.Intent {
	case IntentTask:
		reply, err = e.handleTask(ctx, parsed)
	case IntentReminder:
		reply, err = e.handleReminder(ctx, parsed)
	case IntentQueryTasks:
		reply, err = e.queries.AllTasks(ctx)
	case IntentQueryToday:
		reply, err = e.queries.Today(ctx)
	case IntentQueryProject:
		if parsed.ProjectName == "" {
			reply = ReplyWhichProject
			break
		}
		reply, err = e.queries.Project(ctx, parsed.ProjectName)
	case IntentCompleteTask:
		reply, err = e.handleCompletion(ctx, parsed)
	}

	attrs := metric.WithAttributes(attribute.String("intent", string(parsed.Intent)))
	e.metrics.EFEDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	e.metrics.RecordCapture(ctx, string(parsed.Intent))
	if err != nil {
		observe.Fail(span, err)
		return "", true, err
	}
	return reply, true, nil
}

func (e *Engine) handleTask(ctx context.Context, parsed ParsedCapture) (string, error) {
	if parsed.TaskTitle == "" {
		return ReplyNoTaskTitle, nil
	}
	capture, err := e.recordCapture(ctx, parsed)
	if err != nil {
		return "", err
	}
	task, err := e.store.CreateTask(ctx, Task{
		Title:           parsed.TaskTitle,
		Priority:        parsed.TaskPriority,
		SourceUtterance: parsed.RawText,
		CaptureID:       capture.ID,
	})
	if err != nil {
		return "", fmt.Errorf("efe: create task: %w", err)
	}
	e.markProcessed(ctx, capture.ID, "task", parsed)

	slog.Info("efe: created task", "task_id", task.ID, "title", task.Title)
	e.emit(ctx, events.TaskCreated, events.Payload{
		"task_id":  task.ID,
		"title":    task.Title,
		"priority": string(task.Priority),
	})
	return e.queries.ConfirmTaskCreated(task), nil
}

func (e *Engine) handleReminder(ctx context.Context, parsed ParsedCapture) (string, error) {
	if parsed.ReminderMessage == "" {
		return ReplyNoReminder, nil
	}
	trigger := e.now().Add(e.reminderDelay)
	if parsed.TriggerTime != nil {
		trigger = *parsed.TriggerTime
	} else {
		slog.Debug("efe: no time given, using default delay", "delay", e.reminderDelay)
	}

	capture, err := e.recordCapture(ctx, parsed)
	if err != nil {
		return "", err
	}
	r, err := e.store.CreateReminder(ctx, Reminder{
		Message:         parsed.ReminderMessage,
		TriggerTime:     trigger,
		SourceUtterance: parsed.RawText,
		CaptureID:       capture.ID,
	})
	if err != nil {
		return "", fmt.Errorf("efe: create reminder: %w", err)
	}
	e.markProcessed(ctx, capture.ID, "reminder", parsed)

	slog.Info("efe: created reminder", "reminder_id", r.ID, "message", r.Message, "trigger_time", r.TriggerTime)
	e.emit(ctx, events.ReminderCreated, events.Payload{
		"reminder_id":  r.ID,
		"message":      r.Message,
		"trigger_time": r.TriggerTime,
	})
	return e.queries.ConfirmReminderCreated(r), nil
}

func (e *Engine) handleCompletion(ctx context.Context, parsed ParsedCapture) (string, error) {
	ref := parsed.TaskReference
	if ref == "" {
		return ReplyWhichTask, nil
	}
	open, err := e.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return "", fmt.Errorf("efe: list tasks: %w", err)
	}

	m := MatchTasks(ref, open)
	var target Task
	switch {
	case m.Exact != nil:
		target = *m.Exact
	case len(m.Candidates) == 1:
		target = m.Candidates[0]
	case len(m.Candidates) > 1:
		slog.Debug("efe: ambiguous completion", "reference", ref, "candidates", len(m.Candidates))
		return e.queries.SuggestMatchingTasks(m.Candidates), nil
	default:
		return e.queries.TaskNotFound(ref), nil
	}

	done, err := e.store.CompleteTask(ctx, target.ID)
	if err != nil {
		return "", fmt.Errorf("efe: complete task: %w", err)
	}
	slog.Info("efe: completed task", "task_id", done.ID, "title", done.Title)
	e.emit(ctx, events.TaskCompleted, events.Payload{"task_id": done.ID, "title": done.Title})
	return e.queries.ConfirmTaskCompleted(done), nil
}

func (e *Engine) recordCapture(ctx context.Context, parsed ParsedCapture) (Capture, error) {
	c, err := e.store.CreateCapture(ctx, Capture{
		RawText:        parsed.RawText,
		DetectedIntent: string(parsed.Intent),
		Confidence:     parsed.Confidence,
	})
	if err != nil {
		return Capture{}, fmt.Errorf("efe: record capture: %w", err)
	}
	return c, nil
}

// markProcessed failures are logged only; the task or reminder already
// exists and the capture stays in the unprocessed backlog.
func (e *Engine) markProcessed(ctx context.Context, id, convertedTo string, parsed ParsedCapture) {
	var entities string
	if len(parsed.Entities) > 0 {
		if b, err := json.Marshal(parsed.Entities); err == nil {
			entities = string(b)
		}
	}
	if _, err := e.store.MarkCaptureProcessed(ctx, id, convertedTo, entities); err != nil {
		slog.Warn("efe: mark capture processed", "capture_id", id, "err", err)
	}
}

func (e *Engine) onReminder(ctx context.Context, r Reminder) error {
	msg := "Hey! Just a reminder: " + r.Message
	slog.Info("efe: reminder triggered", "reminder_id", r.ID, "message", r.Message)
	e.metrics.RemindersFired.Add(ctx, 1)
	e.emit(ctx, events.ReminderTriggered, events.Payload{
		"reminder_id": r.ID,
		"message":     r.Message,
	})
	if e.speak == nil {
		return nil
	}
	if err := e.speak(ctx, msg); err != nil {
		return fmt.Errorf("efe: speak reminder: %w", err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, name string, payload events.Payload) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(ctx, name, payload)
}

// ── Direct API ──

// AddTask stores t without going through the parser.
func (e *Engine) AddTask(ctx context.Context, t Task) (Task, error) {
	created, err := e.store.CreateTask(ctx, t)
	if err != nil {
		return Task{}, fmt.Errorf("efe: add task: %w", err)
	}
	e.emit(ctx, events.TaskCreated, events.Payload{"task_id": created.ID, "title": created.Title})
	return created, nil
}

// AddReminder stores r without going through the parser.
func (e *Engine) AddReminder(ctx context.Context, r Reminder) (Reminder, error) {
	created, err := e.store.CreateReminder(ctx, r)
	if err != nil {
		return Reminder{}, fmt.Errorf("efe: add reminder: %w", err)
	}
	e.emit(ctx, events.ReminderCreated, events.Payload{
		"reminder_id":  created.ID,
		"message":      created.Message,
		"trigger_time": created.TriggerTime,
	})
	return created, nil
}

// ListTasks returns the open tasks, newest first.
func (e *Engine) ListTasks(ctx context.Context) ([]Task, error) {
	return e.store.ListTasks(ctx, TaskFilter{})
}

// ListReminders returns the pending reminders, soonest first.
func (e *Engine) ListReminders(ctx context.Context) ([]Reminder, error) {
	return e.store.PendingReminders(ctx)
}

// CompleteTask marks the task with the given ID as completed.
func (e *Engine) CompleteTask(ctx context.Context, id string) (Task, error) {
	t, err := e.store.CompleteTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	e.emit(ctx, events.TaskCompleted, events.Payload{"task_id": t.ID, "title": t.Title})
	return t, nil
}

// AcknowledgeReminder marks a triggered reminder as heard.
func (e *Engine) AcknowledgeReminder(ctx context.Context, id string) (Reminder, error) {
	r, err := e.store.AcknowledgeReminder(ctx, id)
	if err != nil {
		return Reminder{}, err
	}
	e.emit(ctx, events.ReminderAcknowledged, events.Payload{"reminder_id": r.ID})
	return r, nil
}

// SnoozeReminder postpones a reminder by d, or ten minutes when d is not
// positive.
func (e *Engine) SnoozeReminder(ctx context.Context, id string, d time.Duration) (Reminder, error) {
	if d <= 0 {
		d = defaultSnooze
	}
	return e.store.SnoozeReminder(ctx, id, d)
}

// ResolveTime resolves a time phrase such as "tomorrow at 3pm" against the
// engine's clock.
func (e *Engine) ResolveTime(phrase string) (time.Time, bool) {
	return resolveTime(normalizeUtterance(phrase), e.now())
}

// DefaultReminderTime is when a reminder without a time fires.
func (e *Engine) DefaultReminderTime() time.Time {
	return e.now().Add(e.reminderDelay)
}
