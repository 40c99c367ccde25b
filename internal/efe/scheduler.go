package efe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultCheckInterval = 30 * time.Second

// ReminderFunc delivers a fired reminder.
type ReminderFunc func(ctx context.Context, r Reminder) error

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often due reminders are looked up.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithSchedulerClock overrides the scheduler's notion of now.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler periodically fires due reminders and schedules the next
// occurrence of recurring ones.
type Scheduler struct {
	store    Store
	fire     ReminderFunc
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler returns a stopped scheduler. fire may be nil.
func NewScheduler(store Store, fire ReminderFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		fire:     fire,
		interval: defaultCheckInterval,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval <= 0 {
		s.interval = defaultCheckInterval
	}
	return s
}

// Start launches the check loop. The first check runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		slog.Warn("efe: scheduler already running")
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(loopCtx, s.done)
	slog.Info("efe: reminder scheduler started", "interval", s.interval)
	return nil
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.CheckNow(ctx); err != nil && ctx.Err() == nil {
			slog.Error("efe: checking reminders", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the loop and waits for it to exit or ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		slog.Info("efe: reminder scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("efe: stop scheduler: %w", ctx.Err())
	}
}

// CheckNow fires every due reminder and returns how many fired. Callback
// errors are logged and do not stop the remaining reminders.
func (s *Scheduler) CheckNow(ctx context.Context) (int, error) {
	due, err := s.store.DueReminders(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("efe: due reminders: %w", err)
	}
	for _, r := range due {
		slog.Info("efe: firing reminder", "reminder_id", r.ID, "message", r.Message)
		if _, err := s.store.TriggerReminder(ctx, r.ID); err != nil {
			slog.Error("efe: mark reminder triggered", "reminder_id", r.ID, "err", err)
			continue
		}
		if s.fire != nil {
			if err := s.fire(ctx, r); err != nil {
				slog.Error("efe: reminder callback", "reminder_id", r.ID, "err", err)
			}
		}
		s.scheduleNext(ctx, r)
	}
	return len(due), nil
}

func (s *Scheduler) scheduleNext(ctx context.Context, r Reminder) {
	next, ok := r.NextTrigger()
	if !ok {
		if r.Recurrence != RecurNone && r.Recurrence != "" {
			slog.Debug("efe: recurring reminder past end date", "reminder_id", r.ID)
		}
		return
	}
	created, err := s.store.CreateReminder(ctx, Reminder{
		Message:         r.Message,
		TriggerTime:     next,
		Recurrence:      r.Recurrence,
		RecurrenceEnd:   r.RecurrenceEnd,
		SourceUtterance: r.SourceUtterance,
		TaskID:          r.TaskID,
	})
	if err != nil {
		slog.Error("efe: schedule next occurrence", "reminder_id", r.ID, "err", err)
		return
	}
	slog.Info("efe: scheduled next occurrence", "reminder_id", created.ID, "trigger_time", next)
}

// NextReminder returns the earliest pending reminder, if any.
func (s *Scheduler) NextReminder(ctx context.Context) (Reminder, bool, error) {
	pending, err := s.store.PendingReminders(ctx)
	if err != nil {
		return Reminder{}, false, fmt.Errorf("efe: next reminder: %w", err)
	}
	if len(pending) == 0 {
		return Reminder{}, false, nil
	}
	return pending[0], true, nil
}

// TimeUntilNext returns the time until the earliest pending reminder. The
// duration is negative for overdue reminders.
func (s *Scheduler) TimeUntilNext(ctx context.Context) (time.Duration, bool, error) {
	r, ok, err := s.NextReminder(ctx)
	if err != nil || !ok {
		return 0, ok, err
	}
	return r.TriggerTime.Sub(s.now()), true, nil
}
