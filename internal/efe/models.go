package efe

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new lexically sortable identifier.
func NewID() string { return ulid.Make().String() }

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskDeferred   TaskStatus = "deferred"
)

// Open reports whether the task still needs doing.
func (s TaskStatus) Open() bool { return s == TaskPending || s == TaskInProgress }

// TaskPriority orders tasks by urgency.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// ReminderStatus is the lifecycle state of a reminder.
type ReminderStatus string

const (
	ReminderPending      ReminderStatus = "pending"
	ReminderTriggered    ReminderStatus = "triggered"
	ReminderAcknowledged ReminderStatus = "acknowledged"
	ReminderSnoozed      ReminderStatus = "snoozed"
	ReminderCancelled    ReminderStatus = "cancelled"
)

// Recurrence describes how a reminder repeats.
type Recurrence string

const (
	RecurNone    Recurrence = "none"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurYearly  Recurrence = "yearly"
)

// Next returns the occurrence after t. Months and years are approximated as
// 30 and 365 days.
func (r Recurrence) Next(t time.Time) time.Time {
	switch r {
	case RecurDaily:
		return t.AddDate(0, 0, 1)
	case RecurWeekly:
		return t.AddDate(0, 0, 7)
	case RecurMonthly:
		return t.AddDate(0, 0, 30)
	case RecurYearly:
		return t.AddDate(0, 0, 365)
	default:
		return t
	}
}

// Project groups related tasks.
type Project struct {
	ID           string
	Name         string
	Description  string
	Status       string
	CurrentPhase string
	NextStep     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task is a to-do item, standalone or within a project.
type Task struct {
	ID          string
	Title       string
	Description string
	Status      TaskStatus
	Priority    TaskPriority
	DueDate     *time.Time
	CompletedAt *time.Time
	ProjectID   string

	// ContextTags are places or situations such as "@home" or "@errands".
	ContextTags []string

	SourceUtterance string
	CaptureID       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsOverdue reports whether a pending task is past its due date.
func (t Task) IsOverdue(now time.Time) bool {
	return t.DueDate != nil && t.Status == TaskPending && now.After(*t.DueDate)
}

// IsDueToday reports whether the task is due on now's calendar day.
func (t Task) IsDueToday(now time.Time) bool {
	if t.DueDate == nil {
		return false
	}
	start := startOfDay(now)
	return !t.DueDate.Before(start) && t.DueDate.Before(start.AddDate(0, 0, 1))
}

// Reminder fires at a point in time and may recur.
type Reminder struct {
	ID             string
	Message        string
	Status         ReminderStatus
	TriggerTime    time.Time
	TriggeredAt    *time.Time
	AcknowledgedAt *time.Time
	Recurrence     Recurrence
	RecurrenceEnd  *time.Time
	SnoozeCount    int
	SnoozedUntil   *time.Time

	SourceUtterance string
	CaptureID       string
	TaskID          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsDue reports whether the reminder should fire at now: a pending
// reminder past its trigger time, or a snoozed one past its snooze.
func (r Reminder) IsDue(now time.Time) bool {
	switch r.Status {
	case ReminderPending:
		if r.SnoozedUntil != nil && now.Before(*r.SnoozedUntil) {
			return false
		}
		return !now.Before(r.TriggerTime)
	case ReminderSnoozed:
		return r.SnoozedUntil != nil && !now.Before(*r.SnoozedUntil)
	default:
		return false
	}
}

// NextTrigger returns the next occurrence of a recurring reminder and
// whether one exists before RecurrenceEnd.
func (r Reminder) NextTrigger() (time.Time, bool) {
	if r.Recurrence == "" || r.Recurrence == RecurNone {
		return time.Time{}, false
	}
	next := r.Recurrence.Next(r.TriggerTime)
	if r.RecurrenceEnd != nil && next.After(*r.RecurrenceEnd) {
		return time.Time{}, false
	}
	return next, true
}

// Capture is a raw utterance recorded before it is turned into a task or
// reminder.
type Capture struct {
	ID             string
	RawText        string
	Timestamp      time.Time
	Processed      bool
	ProcessedAt    *time.Time
	ConvertedTo    string
	DetectedIntent string
	Confidence     float64
	EntitiesJSON   string
}

// JoinTags encodes context tags for storage.
func JoinTags(tags []string) string { return strings.Join(tags, ",") }

// SplitTags decodes stored context tags.
func SplitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
