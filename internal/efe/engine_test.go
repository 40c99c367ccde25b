package efe_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/kiro/internal/efe"
	"github.com/MrWong99/kiro/internal/efe/memstore"
	"github.com/MrWong99/kiro/internal/events"
	eventsmock "github.com/MrWong99/kiro/internal/events/mock"
)

type spoken struct {
	mu    sync.Mutex
	texts []string
}

func (s *spoken) speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *spoken) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type engineFixture struct {
	engine *efe.Engine
	store  *memstore.Store
	events *eventsmock.Recorder
	spoken *spoken
}

func newEngine(t *testing.T, opts ...efe.Option) engineFixture {
	t.Helper()
	f := engineFixture{
		store:  memstore.New(memstore.WithClock(fixedClock(tuesday))),
		events: &eventsmock.Recorder{},
		spoken: &spoken{},
	}
	base := []efe.Option{
		efe.WithClock(fixedClock(tuesday)),
		efe.WithEmitter(f.events),
		efe.WithSpeaker(f.spoken.speak),
	}
	f.engine = efe.New(f.store, append(base, opts...)...)
	return f
}

func process(t *testing.T, e *efe.Engine, text string) string {
	t.Helper()
	reply, handled, err := e.Process(context.Background(), text)
	if err != nil {
		t.Fatalf("Process(%q): %v", text, err)
	}
	if !handled {
		t.Fatalf("Process(%q) not handled", text)
	}
	return reply
}

func TestProcessTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t)

	reply := process(t, f.engine, "I need to buy milk")
	if want := "Got it. I've added 'Buy milk' to your list."; reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}

	tasks, err := f.store.ListTasks(ctx, efe.TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.SourceUtterance != "I need to buy milk" {
		t.Errorf("SourceUtterance = %q", task.SourceUtterance)
	}
	if task.CaptureID == "" {
		t.Error("task has no capture")
	}
	if pending, _ := f.store.UnprocessedCaptures(ctx); len(pending) != 0 {
		t.Errorf("unprocessed captures = %d, want 0", len(pending))
	}

	ev, ok := f.events.Find(events.TaskCreated)
	if !ok {
		t.Fatalf("no %s event, got %v", events.TaskCreated, f.events.Names())
	}
	if ev.Payload["task_id"] != task.ID {
		t.Errorf("task_id = %v, want %q", ev.Payload["task_id"], task.ID)
	}
}

func TestProcessTaskPriority(t *testing.T) {
	t.Parallel()
	f := newEngine(t)
	process(t, f.engine, "I need to call the bank urgently")
	tasks, _ := f.engine.ListTasks(context.Background())
	if len(tasks) != 1 || tasks[0].Priority != efe.PriorityUrgent {
		t.Fatalf("tasks = %+v, want one urgent task", tasks)
	}
}

func TestProcessReminder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t)

	reply := process(t, f.engine, "remind me in 30 minutes to check email")
	if want := "I'll remind you in about 30 minutes to check email."; reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
	reminders, _ := f.engine.ListReminders(ctx)
	if len(reminders) != 1 {
		t.Fatalf("reminders = %d, want 1", len(reminders))
	}
	if want := tuesday.Add(30 * time.Minute); !reminders[0].TriggerTime.Equal(want) {
		t.Errorf("TriggerTime = %v, want %v", reminders[0].TriggerTime, want)
	}
	if _, ok := f.events.Find(events.ReminderCreated); !ok {
		t.Errorf("no %s event", events.ReminderCreated)
	}
}

func TestProcessReminderDefaultsToOneHour(t *testing.T) {
	t.Parallel()
	f := newEngine(t)

	reply := process(t, f.engine, "remind me to call mom")
	if want := "I'll remind you today at 11:00 am to call mom."; reply != want {
		t.Errorf("reply = %q, want %q", reply, want)
	}
	reminders, _ := f.engine.ListReminders(context.Background())
	if len(reminders) != 1 || !reminders[0].TriggerTime.Equal(tuesday.Add(time.Hour)) {
		t.Fatalf("reminders = %+v, want one at +1h", reminders)
	}
}

func TestProcessQueries(t *testing.T) {
	t.Parallel()
	f := newEngine(t)
	process(t, f.engine, "I need to buy milk")

	if got := process(t, f.engine, "what's on my list"); got != "You have one task: Buy milk" {
		t.Errorf("got %q", got)
	}
	if got := process(t, f.engine, "what do I need to do today"); !strings.HasPrefix(got, "Nothing scheduled for today") {
		t.Errorf("got %q", got)
	}
	if got := process(t, f.engine, "what's the status of attic"); got != "I don't have a project called attic." {
		t.Errorf("got %q", got)
	}
}

func TestProcessUnknown(t *testing.T) {
	t.Parallel()
	f := newEngine(t)
	reply, handled, err := f.engine.Process(context.Background(), "tell me a joke")
	if err != nil || handled || reply != "" {
		t.Errorf("got %q, %v, %v; want unhandled", reply, handled, err)
	}
	if f.engine.IsEFEIntent("tell me a joke") {
		t.Error("IsEFEIntent(joke) = true")
	}
	if !f.engine.IsEFEIntent("remind me to call mom") {
		t.Error("IsEFEIntent(reminder) = false")
	}
}

func TestProcessCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		tasks     []string
		utterance string
		reply     string
		completed string
	}{
		{
			name:      "exact normalized",
			tasks:     []string{"Buy milk", "Buy milk and eggs"},
			utterance: "I finished buying the milk",
			reply:     "Nice! I've marked 'Buy milk' as done.",
			completed: "Buy milk",
		},
		{
			name:      "single candidate",
			tasks:     []string{"Buy groceries", "Call mom"},
			utterance: "mark groceries as done",
			reply:     "Nice! I've marked 'Buy groceries' as done.",
			completed: "Buy groceries",
		},
		{
			name:      "ambiguous",
			tasks:     []string{"Call dentist", "Call mom"},
			utterance: "I finished calling",
			reply:     "Which one? I found: Call mom and Call dentist",
		},
		{
			name:      "not found",
			tasks:     []string{"Call mom"},
			utterance: "check off taxes",
			reply:     "I couldn't find a task matching 'taxes' on your list.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newEngine(t)
			for _, title := range tt.tasks {
				if _, err := f.engine.AddTask(ctx, efe.Task{Title: title}); err != nil {
					t.Fatalf("AddTask: %v", err)
				}
			}
			if got := process(t, f.engine, tt.utterance); got != tt.reply {
				t.Errorf("reply = %q, want %q", got, tt.reply)
			}
			done, _ := f.store.ListTasks(ctx, efe.TaskFilter{Status: efe.TaskCompleted})
			switch {
			case tt.completed == "" && len(done) != 0:
				t.Errorf("completed %q, want nothing", done[0].Title)
			case tt.completed != "" && (len(done) != 1 || done[0].Title != tt.completed):
				t.Errorf("completed = %+v, want %q", done, tt.completed)
			}
		})
	}
}

type failingStore struct {
	efe.Store
	err error
}

func (s failingStore) ListTasks(context.Context, efe.TaskFilter) ([]efe.Task, error) {
	return nil, s.err
}

func TestProcessStoreError(t *testing.T) {
	t.Parallel()
	boom := errors.New("disk on fire")
	e := efe.New(failingStore{Store: memstore.New(), err: boom})
	_, handled, err := e.Process(context.Background(), "what's on my list")
	if !handled {
		t.Error("handled = false, want true")
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestReminderIsSpoken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t)

	if _, err := f.engine.AddReminder(ctx, efe.Reminder{Message: "stretch", TriggerTime: tuesday.Add(-time.Minute)}); err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	n, err := f.engine.Scheduler().CheckNow(ctx)
	if err != nil {
		t.Fatalf("CheckNow: %v", err)
	}
	if n != 1 {
		t.Fatalf("fired = %d, want 1", n)
	}
	if got := f.spoken.all(); len(got) != 1 || got[0] != "Hey! Just a reminder: stretch" {
		t.Errorf("spoken = %q", got)
	}
	if _, ok := f.events.Find(events.ReminderTriggered); !ok {
		t.Errorf("no %s event, got %v", events.ReminderTriggered, f.events.Names())
	}
}

func TestDirectAPI(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newEngine(t)

	task, err := f.engine.AddTask(ctx, efe.Task{Title: "Water plants"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	done, err := f.engine.CompleteTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if done.Status != efe.TaskCompleted {
		t.Errorf("Status = %q, want completed", done.Status)
	}
	if _, err := f.engine.CompleteTask(ctx, "missing"); !errors.Is(err, efe.ErrNotFound) {
		t.Errorf("CompleteTask(missing) err = %v, want ErrNotFound", err)
	}

	r, err := f.engine.AddReminder(ctx, efe.Reminder{Message: "stretch", TriggerTime: tuesday})
	if err != nil {
		t.Fatalf("AddReminder: %v", err)
	}
	snoozed, err := f.engine.SnoozeReminder(ctx, r.ID, 0)
	if err != nil {
		t.Fatalf("SnoozeReminder: %v", err)
	}
	if want := tuesday.Add(10 * time.Minute); snoozed.SnoozedUntil == nil || !snoozed.SnoozedUntil.Equal(want) {
		t.Errorf("SnoozedUntil = %v, want %v", snoozed.SnoozedUntil, want)
	}
	acked, err := f.engine.AcknowledgeReminder(ctx, r.ID)
	if err != nil {
		t.Fatalf("AcknowledgeReminder: %v", err)
	}
	if acked.Status != efe.ReminderAcknowledged {
		t.Errorf("Status = %q, want acknowledged", acked.Status)
	}

	want := []string{events.TaskCreated, events.TaskCompleted, events.ReminderCreated, events.ReminderAcknowledged}
	got := f.events.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()
	f := newEngine(t, efe.WithReminderInterval(time.Hour))
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.engine.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestResolveTime(t *testing.T) {
	t.Parallel()
	f := newEngine(t)

	got, ok := f.engine.ResolveTime("tomorrow at 3 p.m.")
	if !ok {
		t.Fatal("ResolveTime: got ok=false, want true")
	}
	want := time.Date(tuesday.Year(), tuesday.Month(), tuesday.Day()+1, 15, 0, 0, 0, tuesday.Location())
	if !got.Equal(want) {
		t.Errorf("ResolveTime = %s, want %s", got, want)
	}
	if _, ok := f.engine.ResolveTime("whenever"); ok {
		t.Error("ResolveTime(whenever): got ok=true, want false")
	}
	if got := f.engine.DefaultReminderTime(); !got.Equal(tuesday.Add(time.Hour)) {
		t.Errorf("DefaultReminderTime = %s, want %s", got, tuesday.Add(time.Hour))
	}
}
