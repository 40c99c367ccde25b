// Package memstore provides an in-memory [efe.Store] for tests and for
// running the daemon without a database.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/kiro/internal/efe"
)

var _ efe.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithClock sets the clock used for timestamps and snooze deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a thread-safe, in-memory implementation of [efe.Store]. Nothing
// survives a restart.
type Store struct {
	now func() time.Time

	mu        sync.RWMutex
	tasks     map[string]efe.Task
	reminders map[string]efe.Reminder
	projects  map[string]efe.Project
	captures  map[string]efe.Capture
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       time.Now,
		tasks:     make(map[string]efe.Task),
		reminders: make(map[string]efe.Reminder),
		projects:  make(map[string]efe.Project),
		captures:  make(map[string]efe.Capture),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func notFound(kind, id string) error {
	return fmt.Errorf("memstore: %s %q: %w", kind, id, efe.ErrNotFound)
}

// ── Tasks ──

func (s *Store) CreateTask(_ context.Context, t efe.Task) (efe.Task, error) {
	efe.ApplyTaskDefaults(&t, s.now())
	t.ContextTags = slices.Clone(t.ContextTags)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return efe.Task{}, fmt.Errorf("memstore: task %q already exists", t.ID)
	}
	s.tasks[t.ID] = t
	return t, nil
}

func (s *Store) GetTask(_ context.Context, id string) (efe.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return efe.Task{}, notFound("task", id)
	}
	return t, nil
}

func (s *Store) ListTasks(_ context.Context, f efe.TaskFilter) ([]efe.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []efe.Task
	for _, t := range s.tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b efe.Task) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string) (efe.Task, error) {
	return s.UpdateTaskStatus(ctx, id, efe.TaskCompleted)
}

func (s *Store) UpdateTaskStatus(_ context.Context, id string, status efe.TaskStatus) (efe.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return efe.Task{}, notFound("task", id)
	}
	now := s.now()
	t.Status = status
	t.UpdatedAt = now
	if status == efe.TaskCompleted {
		t.CompletedAt = &now
	}
	s.tasks[id] = t
	return t, nil
}

func (s *Store) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return notFound("task", id)
	}
	delete(s.tasks, id)
	return nil
}

// ── Reminders ──

func (s *Store) CreateReminder(_ context.Context, r efe.Reminder) (efe.Reminder, error) {
	efe.ApplyReminderDefaults(&r, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reminders[r.ID]; exists {
		return efe.Reminder{}, fmt.Errorf("memstore: reminder %q already exists", r.ID)
	}
	s.reminders[r.ID] = r
	return r, nil
}

func (s *Store) GetReminder(_ context.Context, id string) (efe.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reminders[id]
	if !ok {
		return efe.Reminder{}, notFound("reminder", id)
	}
	return r, nil
}

func (s *Store) PendingReminders(_ context.Context) ([]efe.Reminder, error) {
	return s.selectReminders(func(r efe.Reminder) bool { return r.Status == efe.ReminderPending }), nil
}

func (s *Store) DueReminders(_ context.Context, now time.Time) ([]efe.Reminder, error) {
	return s.selectReminders(func(r efe.Reminder) bool { return r.IsDue(now) }), nil
}

func (s *Store) selectReminders(keep func(efe.Reminder) bool) []efe.Reminder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []efe.Reminder
	for _, r := range s.reminders {
		if keep(r) {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b efe.Reminder) int {
		if c := a.TriggerTime.Compare(b.TriggerTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// updateReminder applies fn to the stored reminder under the write lock.
func (s *Store) updateReminder(id string, fn func(r *efe.Reminder, now time.Time)) (efe.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reminders[id]
	if !ok {
		return efe.Reminder{}, notFound("reminder", id)
	}
	now := s.now()
	fn(&r, now)
	r.UpdatedAt = now
	s.reminders[id] = r
	return r, nil
}

func (s *Store) TriggerReminder(_ context.Context, id string) (efe.Reminder, error) {
	return s.updateReminder(id, func(r *efe.Reminder, now time.Time) {
		r.Status = efe.ReminderTriggered
		r.TriggeredAt = &now
	})
}

func (s *Store) AcknowledgeReminder(_ context.Context, id string) (efe.Reminder, error) {
	return s.updateReminder(id, func(r *efe.Reminder, now time.Time) {
		r.Status = efe.ReminderAcknowledged
		r.AcknowledgedAt = &now
	})
}

func (s *Store) SnoozeReminder(_ context.Context, id string, d time.Duration) (efe.Reminder, error) {
	return s.updateReminder(id, func(r *efe.Reminder, now time.Time) {
		until := now.Add(d)
		r.Status = efe.ReminderSnoozed
		r.SnoozedUntil = &until
		r.SnoozeCount++
	})
}

func (s *Store) UnsnoozeReminder(_ context.Context, id string) (efe.Reminder, error) {
	return s.updateReminder(id, func(r *efe.Reminder, _ time.Time) {
		if r.Status == efe.ReminderSnoozed {
			r.Status = efe.ReminderPending
			r.SnoozedUntil = nil
		}
	})
}

func (s *Store) DeleteReminder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reminders[id]; !ok {
		return notFound("reminder", id)
	}
	delete(s.reminders, id)
	return nil
}

// ── Projects ──

func (s *Store) CreateProject(_ context.Context, p efe.Project) (efe.Project, error) {
	efe.ApplyProjectDefaults(&p, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return efe.Project{}, fmt.Errorf("memstore: project %q already exists", p.ID)
	}
	s.projects[p.ID] = p
	return p, nil
}

func (s *Store) GetProject(_ context.Context, id string) (efe.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return efe.Project{}, notFound("project", id)
	}
	return p, nil
}

func (s *Store) ProjectByName(_ context.Context, name string) (efe.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.projects {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return efe.Project{}, notFound("project", name)
}

func (s *Store) ListProjects(_ context.Context, includeInactive bool) ([]efe.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []efe.Project
	for _, p := range s.projects {
		if includeInactive || p.Status == "active" {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b efe.Project) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) UpdateProjectPhase(_ context.Context, id, phase, nextStep string) (efe.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return efe.Project{}, notFound("project", id)
	}
	p.CurrentPhase = phase
	if nextStep != "" {
		p.NextStep = nextStep
	}
	p.UpdatedAt = s.now()
	s.projects[id] = p
	return p, nil
}

// ── Captures ──

func (s *Store) CreateCapture(_ context.Context, c efe.Capture) (efe.Capture, error) {
	efe.ApplyCaptureDefaults(&c, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.captures[c.ID]; exists {
		return efe.Capture{}, fmt.Errorf("memstore: capture %q already exists", c.ID)
	}
	s.captures[c.ID] = c
	return c, nil
}

func (s *Store) MarkCaptureProcessed(_ context.Context, id, convertedTo, entitiesJSON string) (efe.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captures[id]
	if !ok {
		return efe.Capture{}, notFound("capture", id)
	}
	now := s.now()
	c.Processed = true
	c.ProcessedAt = &now
	c.ConvertedTo = convertedTo
	if entitiesJSON != "" {
		c.EntitiesJSON = entitiesJSON
	}
	s.captures[id] = c
	return c, nil
}

func (s *Store) UnprocessedCaptures(_ context.Context) ([]efe.Capture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []efe.Capture
	for _, c := range s.captures {
		if !c.Processed {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b efe.Capture) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Close implements [efe.Store]. It is a no-op.
func (s *Store) Close() error { return nil }
