package efe

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store] lookups for unknown IDs or names.
var ErrNotFound = errors.New("efe: not found")

// TaskFilter narrows [Store.ListTasks]. The zero value lists open tasks.
type TaskFilter struct {
	// Status, when set, selects exactly that status and overrides
	// IncludeClosed.
	Status TaskStatus

	// IncludeClosed also returns completed, cancelled and deferred tasks.
	IncludeClosed bool

	ProjectID string
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	switch {
	case f.Status != "":
		if t.Status != f.Status {
			return false
		}
	case !f.IncludeClosed:
		if !t.Status.Open() {
			return false
		}
	}
	return f.ProjectID == "" || t.ProjectID == f.ProjectID
}

// Store persists EFE entities. Create methods assign IDs, timestamps and
// default statuses to zero fields and return the stored value. Methods
// addressing an entity by ID return an error wrapping [ErrNotFound] when it
// does not exist.
//
// Implementations must be safe for concurrent use.
type Store interface {
	CreateTask(ctx context.Context, t Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	CompleteTask(ctx context.Context, id string) (Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) (Task, error)
	DeleteTask(ctx context.Context, id string) error

	CreateReminder(ctx context.Context, r Reminder) (Reminder, error)
	GetReminder(ctx context.Context, id string) (Reminder, error)
	// PendingReminders returns pending reminders ordered by trigger time.
	PendingReminders(ctx context.Context) ([]Reminder, error)
	// DueReminders returns the reminders for which [Reminder.IsDue]
	// holds at now, ordered by trigger time.
	DueReminders(ctx context.Context, now time.Time) ([]Reminder, error)
	TriggerReminder(ctx context.Context, id string) (Reminder, error)
	AcknowledgeReminder(ctx context.Context, id string) (Reminder, error)
	SnoozeReminder(ctx context.Context, id string, d time.Duration) (Reminder, error)
	// UnsnoozeReminder returns a snoozed reminder to pending. Reminders in
	// other states are returned unchanged.
	UnsnoozeReminder(ctx context.Context, id string) (Reminder, error)
	DeleteReminder(ctx context.Context, id string) error

	CreateProject(ctx context.Context, p Project) (Project, error)
	GetProject(ctx context.Context, id string) (Project, error)
	// ProjectByName looks a project up by case-insensitive exact name.
	ProjectByName(ctx context.Context, name string) (Project, error)
	// ListProjects returns projects ordered by name.
	ListProjects(ctx context.Context, includeInactive bool) ([]Project, error)
	UpdateProjectPhase(ctx context.Context, id, phase, nextStep string) (Project, error)

	CreateCapture(ctx context.Context, c Capture) (Capture, error)
	MarkCaptureProcessed(ctx context.Context, id, convertedTo, entitiesJSON string) (Capture, error)
	// UnprocessedCaptures returns unprocessed captures oldest first.
	UnprocessedCaptures(ctx context.Context) ([]Capture, error)

	Close() error
}

// ApplyTaskDefaults fills the zero fields of a task about to be created.
func ApplyTaskDefaults(t *Task, now time.Time) {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// ApplyReminderDefaults fills the zero fields of a reminder about to be
// created.
func ApplyReminderDefaults(r *Reminder, now time.Time) {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = ReminderPending
	}
	if r.Recurrence == "" {
		r.Recurrence = RecurNone
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
}

// ApplyProjectDefaults fills the zero fields of a project about to be
// created.
func ApplyProjectDefaults(p *Project, now time.Time) {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
}

// ApplyCaptureDefaults fills the zero fields of a capture about to be
// created.
func ApplyCaptureDefaults(c *Capture, now time.Time) {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = now
	}
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
