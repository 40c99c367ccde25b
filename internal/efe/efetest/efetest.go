// Package efetest holds a conformance suite shared by the [efe.Store]
// implementations.
package efetest

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kiro/internal/efe"
)

// Clock is a settable clock for stores under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock reading t.
func NewClock(t time.Time) *Clock { return &Clock{now: t} }

// Now returns the current reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens an empty store whose timestamps come from now.
type Factory func(t *testing.T, now func() time.Time) efe.Store

// Epoch is the reference time of the suite. Millisecond precision so that
// stores encoding unix milliseconds round-trip it exactly.
var Epoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)

// RunStoreTests exercises every [efe.Store] method against stores made by
// newStore.
func RunStoreTests(t *testing.T, newStore Factory) {
	t.Run("Tasks", func(t *testing.T) { testTasks(t, newStore) })
	t.Run("TaskFilter", func(t *testing.T) { testTaskFilter(t, newStore) })
	t.Run("Reminders", func(t *testing.T) { testReminders(t, newStore) })
	t.Run("Snooze", func(t *testing.T) { testSnooze(t, newStore) })
	t.Run("Projects", func(t *testing.T) { testProjects(t, newStore) })
	t.Run("Captures", func(t *testing.T) { testCaptures(t, newStore) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore) })
}

func testTasks(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	due := Epoch.Add(48 * time.Hour)
	created, err := s.CreateTask(ctx, efe.Task{
		Title:       "Buy milk",
		DueDate:     &due,
		ContextTags: []string{"@errands", "@store"},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateTask returned empty ID")
	}
	if created.Status != efe.TaskPending {
		t.Errorf("Status = %q, want %q", created.Status, efe.TaskPending)
	}
	if created.Priority != efe.PriorityNormal {
		t.Errorf("Priority = %q, want %q", created.Priority, efe.PriorityNormal)
	}
	if !created.CreatedAt.Equal(Epoch) {
		t.Errorf("CreatedAt = %v, want %v", created.CreatedAt, Epoch)
	}
	if created.DueDate == nil || !created.DueDate.Equal(due) {
		t.Errorf("DueDate = %v, want %v", created.DueDate, due)
	}
	if len(created.ContextTags) != 2 || created.ContextTags[0] != "@errands" {
		t.Errorf("ContextTags = %v, want [@errands @store]", created.ContextTags)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != "Buy milk" {
		t.Errorf("Title = %q, want %q", got.Title, "Buy milk")
	}

	clock.Advance(time.Minute)
	second, err := s.CreateTask(ctx, efe.Task{Title: "Call mom", Priority: efe.PriorityHigh})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	list, err := s.ListTasks(ctx, efe.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("ListTasks = %v, want newest first", titlesOf(list))
	}

	clock.Advance(time.Minute)
	done, err := s.CompleteTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Status != efe.TaskCompleted {
		t.Errorf("Status = %q, want %q", done.Status, efe.TaskCompleted)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(clock.Now()) {
		t.Errorf("CompletedAt = %v, want %v", done.CompletedAt, clock.Now())
	}

	open, err := s.ListTasks(ctx, efe.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(open) != 1 || open[0].ID != second.ID {
		t.Errorf("open tasks = %v, want [Call mom]", titlesOf(open))
	}

	if err := s.DeleteTask(ctx, second.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, second.ID); !errors.Is(err, efe.ErrNotFound) {
		t.Errorf("GetTask after delete: err = %v, want ErrNotFound", err)
	}
}

func testTaskFilter(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	mk := func(title, project string, status efe.TaskStatus) {
		t.Helper()
		clock.Advance(time.Second)
		if _, err := s.CreateTask(ctx, efe.Task{Title: title, ProjectID: project, Status: status}); err != nil {
			t.Fatalf("CreateTask(%q): %v", title, err)
		}
	}
	mk("pending", "p1", "")
	mk("started", "p1", efe.TaskInProgress)
	mk("finished", "p1", efe.TaskCompleted)
	mk("dropped", "p2", efe.TaskCancelled)

	tests := []struct {
		name   string
		filter efe.TaskFilter
		want   []string
	}{
		{"open", efe.TaskFilter{}, []string{"started", "pending"}},
		{"all", efe.TaskFilter{IncludeClosed: true}, []string{"dropped", "finished", "started", "pending"}},
		{"status", efe.TaskFilter{Status: efe.TaskCompleted}, []string{"finished"}},
		{"project", efe.TaskFilter{ProjectID: "p1", IncludeClosed: true}, []string{"finished", "started", "pending"}},
		{"project open", efe.TaskFilter{ProjectID: "p2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if titles := titlesOf(got); !slices.Equal(titles, tt.want) {
				t.Errorf("got %v, want %v", titles, tt.want)
			}
		})
	}
}

func testReminders(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	later, err := s.CreateReminder(ctx, efe.Reminder{Message: "later", TriggerTime: Epoch.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	soon, err := s.CreateReminder(ctx, efe.Reminder{
		Message:     "soon",
		TriggerTime: Epoch.Add(30 * time.Minute),
		Recurrence:  efe.RecurDaily,
	})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	if later.Status != efe.ReminderPending || later.Recurrence != efe.RecurNone {
		t.Errorf("defaults = %q/%q, want pending/none", later.Status, later.Recurrence)
	}
	if soon.Recurrence != efe.RecurDaily {
		t.Errorf("Recurrence = %q, want daily", soon.Recurrence)
	}

	pending, err := s.PendingReminders(ctx)
	if err != nil {
		t.Fatalf("PendingReminders: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != soon.ID {
		t.Fatalf("PendingReminders order wrong: got %d reminders", len(pending))
	}

	due, err := s.DueReminders(ctx, Epoch.Add(time.Hour))
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 1 || due[0].ID != soon.ID {
		t.Fatalf("DueReminders = %d reminders, want only %q", len(due), "soon")
	}

	clock.Advance(time.Hour)
	fired, err := s.TriggerReminder(ctx, soon.ID)
	if err != nil {
		t.Fatalf("TriggerReminder: %v", err)
	}
	if fired.Status != efe.ReminderTriggered || fired.TriggeredAt == nil {
		t.Errorf("after trigger: status %q, triggered_at %v", fired.Status, fired.TriggeredAt)
	}
	due, err = s.DueReminders(ctx, clock.Now())
	if err != nil {
		t.Fatalf("DueReminders: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("triggered reminder still due")
	}

	acked, err := s.AcknowledgeReminder(ctx, soon.ID)
	if err != nil {
		t.Fatalf("AcknowledgeReminder: %v", err)
	}
	if acked.Status != efe.ReminderAcknowledged || acked.AcknowledgedAt == nil {
		t.Errorf("after acknowledge: status %q, acknowledged_at %v", acked.Status, acked.AcknowledgedAt)
	}

	if err := s.DeleteReminder(ctx, later.ID); err != nil {
		t.Fatalf("DeleteReminder: %v", err)
	}
	pending, err = s.PendingReminders(ctx)
	if err != nil {
		t.Fatalf("PendingReminders: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("PendingReminders = %d, want 0", len(pending))
	}
}

func testSnooze(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	r, err := s.CreateReminder(ctx, efe.Reminder{Message: "stretch", TriggerTime: Epoch})
	if err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}
	snoozed, err := s.SnoozeReminder(ctx, r.ID, 10*time.Minute)
	if err != nil {
		t.Fatalf("SnoozeReminder: %v", err)
	}
	if snoozed.Status != efe.ReminderSnoozed || snoozed.SnoozeCount != 1 {
		t.Errorf("after snooze: status %q, count %d", snoozed.Status, snoozed.SnoozeCount)
	}
	if want := Epoch.Add(10 * time.Minute); snoozed.SnoozedUntil == nil || !snoozed.SnoozedUntil.Equal(want) {
		t.Errorf("SnoozedUntil = %v, want %v", snoozed.SnoozedUntil, want)
	}

	if due, _ := s.DueReminders(ctx, Epoch.Add(5*time.Minute)); len(due) != 0 {
		t.Errorf("snoozed reminder due before snooze ends")
	}
	if due, _ := s.DueReminders(ctx, Epoch.Add(10*time.Minute)); len(due) != 1 {
		t.Errorf("snoozed reminder not due after snooze ends")
	}

	back, err := s.UnsnoozeReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("UnsnoozeReminder: %v", err)
	}
	if back.Status != efe.ReminderPending || back.SnoozedUntil != nil {
		t.Errorf("after unsnooze: status %q, snoozed_until %v", back.Status, back.SnoozedUntil)
	}
	if back.SnoozeCount != 1 {
		t.Errorf("SnoozeCount = %d, want 1", back.SnoozeCount)
	}
}

func testProjects(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	kitchen, err := s.CreateProject(ctx, efe.Project{Name: "Kitchen Remodel", CurrentPhase: "planning", NextStep: "get quotes"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if kitchen.Status != "active" {
		t.Errorf("Status = %q, want active", kitchen.Status)
	}
	if _, err := s.CreateProject(ctx, efe.Project{Name: "Attic", Status: "archived"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	got, err := s.ProjectByName(ctx, "kitchen remodel")
	if err != nil {
		t.Fatalf("ProjectByName: %v", err)
	}
	if got.ID != kitchen.ID {
		t.Errorf("ProjectByName ID = %q, want %q", got.ID, kitchen.ID)
	}

	active, err := s.ListProjects(ctx, false)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("active projects = %d, want 1", len(active))
	}
	all, err := s.ListProjects(ctx, true)
	if err != nil {
		t.Fatalf("ListProjects: %v", err)
	}
	if len(all) != 2 || all[0].Name != "Attic" {
		t.Errorf("ListProjects(true) not ordered by name")
	}

	updated, err := s.UpdateProjectPhase(ctx, kitchen.ID, "demolition", "")
	if err != nil {
		t.Fatalf("UpdateProjectPhase: %v", err)
	}
	if updated.CurrentPhase != "demolition" || updated.NextStep != "get quotes" {
		t.Errorf("after update: phase %q, next step %q", updated.CurrentPhase, updated.NextStep)
	}
	updated, err = s.UpdateProjectPhase(ctx, kitchen.ID, "build", "order cabinets")
	if err != nil {
		t.Fatalf("UpdateProjectPhase: %v", err)
	}
	if updated.NextStep != "order cabinets" {
		t.Errorf("NextStep = %q, want %q", updated.NextStep, "order cabinets")
	}
}

func testCaptures(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock(Epoch)
	s := newStore(t, clock.Now)

	first, err := s.CreateCapture(ctx, efe.Capture{RawText: "add milk to my list", DetectedIntent: "task", Confidence: 0.9})
	if err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	clock.Advance(time.Second)
	second, err := s.CreateCapture(ctx, efe.Capture{RawText: "remind me to stretch", DetectedIntent: "reminder"})
	if err != nil {
		t.Fatalf("CreateCapture: %v", err)
	}
	if first.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", first.Confidence)
	}

	pending, err := s.UnprocessedCaptures(ctx)
	if err != nil {
		t.Fatalf("UnprocessedCaptures: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("UnprocessedCaptures not oldest first")
	}

	done, err := s.MarkCaptureProcessed(ctx, second.ID, "reminder", `{"raw_time":"in 5 minutes"}`)
	if err != nil {
		t.Fatalf("MarkCaptureProcessed: %v", err)
	}
	if !done.Processed || done.ProcessedAt == nil || done.ConvertedTo != "reminder" {
		t.Errorf("after processing: %+v", done)
	}
	if done.EntitiesJSON != `{"raw_time":"in 5 minutes"}` {
		t.Errorf("EntitiesJSON = %q", done.EntitiesJSON)
	}

	pending, err = s.UnprocessedCaptures(ctx)
	if err != nil {
		t.Fatalf("UnprocessedCaptures: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Errorf("UnprocessedCaptures = %d, want only the first", len(pending))
	}
}

func testNotFound(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, NewClock(Epoch).Now)

	checks := map[string]error{}
	_, checks["GetTask"] = s.GetTask(ctx, "missing")
	_, checks["CompleteTask"] = s.CompleteTask(ctx, "missing")
	checks["DeleteTask"] = s.DeleteTask(ctx, "missing")
	_, checks["GetReminder"] = s.GetReminder(ctx, "missing")
	_, checks["TriggerReminder"] = s.TriggerReminder(ctx, "missing")
	_, checks["SnoozeReminder"] = s.SnoozeReminder(ctx, "missing", time.Minute)
	checks["DeleteReminder"] = s.DeleteReminder(ctx, "missing")
	_, checks["GetProject"] = s.GetProject(ctx, "missing")
	_, checks["ProjectByName"] = s.ProjectByName(ctx, "missing")
	_, checks["UpdateProjectPhase"] = s.UpdateProjectPhase(ctx, "missing", "x", "")
	_, checks["MarkCaptureProcessed"] = s.MarkCaptureProcessed(ctx, "missing", "task", "")

	for op, err := range checks {
		if !errors.Is(err, efe.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", op, err)
		}
	}
}

func titlesOf(tasks []efe.Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.Title)
	}
	return out
}
