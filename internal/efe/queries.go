package efe

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Queries answers questions about the store in sentences meant to be
// spoken.
type Queries struct {
	store Store
	now   func() time.Time
}

// NewQueries returns a Queries reading from store. A nil now uses the wall
// clock.
func NewQueries(store Store, now func() time.Time) *Queries {
	if now == nil {
		now = time.Now
	}
	return &Queries{store: store, now: now}
}

// AllTasks summarizes the open tasks, listing up to five.
func (q *Queries) AllTasks(ctx context.Context) (string, error) {
	tasks, err := q.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return "", fmt.Errorf("efe: all tasks: %w", err)
	}
	switch len(tasks) {
	case 0:
		return "Your task list is empty. Nice work staying on top of things!", nil
	case 1:
		return "You have one task: " + tasks[0].Title, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d tasks. ", len(tasks))
	b.WriteString(FormatList(titles(tasks, 5)))
	if len(tasks) > 5 {
		fmt.Fprintf(&b, " And %d more.", len(tasks)-5)
	}
	return b.String(), nil
}

// ByContext lists open tasks whose title mentions place, e.g. "Superstore"
// finds "Buy eggs at Superstore".
func (q *Queries) ByContext(ctx context.Context, place string) (string, error) {
	tasks, err := q.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return "", fmt.Errorf("efe: tasks by context: %w", err)
	}
	needle := strings.ToLower(place)
	var matching []Task
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), needle) {
			matching = append(matching, t)
		}
	}
	switch len(matching) {
	case 0:
		return fmt.Sprintf("I don't have anything on your list for %s.", place), nil
	case 1:
		return "Yes! You need to: " + matching[0].Title, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d things for %s. ", len(matching), place)
	b.WriteString(FormatList(titles(matching, 5)))
	if len(matching) > 5 {
		fmt.Fprintf(&b, " And %d more.", len(matching)-5)
	}
	return b.String(), nil
}

// Today summarizes tasks due and reminders pending today.
func (q *Queries) Today(ctx context.Context) (string, error) {
	now := q.now()
	start := startOfDay(now)
	end := start.AddDate(0, 0, 1)

	tasks, err := q.store.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return "", fmt.Errorf("efe: today: %w", err)
	}
	reminders, err := q.store.PendingReminders(ctx)
	if err != nil {
		return "", fmt.Errorf("efe: today: %w", err)
	}

	var dueToday []Task
	for _, t := range tasks {
		if t.IsDueToday(now) {
			dueToday = append(dueToday, t)
		}
	}
	var remindToday []Reminder
	for _, r := range reminders {
		if !r.TriggerTime.Before(start) && r.TriggerTime.Before(end) {
			remindToday = append(remindToday, r)
		}
	}

	if len(dueToday) == 0 && len(remindToday) == 0 {
		if len(tasks) > 0 {
			return fmt.Sprintf("Nothing scheduled for today specifically, but you have %d tasks on your list.", len(tasks)), nil
		}
		return "You have nothing scheduled for today. Your day is clear!", nil
	}

	var parts []string
	switch n := len(dueToday); {
	case n == 1:
		parts = append(parts, "one task due today: "+dueToday[0].Title)
	case n > 1:
		part := fmt.Sprintf("%d tasks due today: %s", n, FormatList(titles(dueToday, 3)))
		if n > 3 {
			part += fmt.Sprintf(" and %d more", n-3)
		}
		parts = append(parts, part)
	}
	switch n := len(remindToday); {
	case n == 1:
		r := remindToday[0]
		parts = append(parts, fmt.Sprintf("one reminder at %s: %s", r.TriggerTime.Format("3:04 PM"), r.Message))
	case n > 1:
		parts = append(parts, fmt.Sprintf("%d reminders scheduled", n))
	}
	return "For today, you have " + strings.Join(parts, ", and ") + ".", nil
}

// Project reports the phase, next step and task counts of the named
// project, falling back to a substring match on project names.
func (q *Queries) Project(ctx context.Context, name string) (string, error) {
	p, err := q.store.ProjectByName(ctx, name)
	switch {
	case err == nil:
	case isNotFound(err):
		all, err := q.store.ListProjects(ctx, false)
		if err != nil {
			return "", fmt.Errorf("efe: project: %w", err)
		}
		var matches []Project
		for _, cand := range all {
			if strings.Contains(strings.ToLower(cand.Name), strings.ToLower(name)) {
				matches = append(matches, cand)
			}
		}
		switch len(matches) {
		case 0:
			return fmt.Sprintf("I don't have a project called %s.", name), nil
		case 1:
			p = matches[0]
		default:
			names := make([]string, len(matches))
			for i, m := range matches {
				names[i] = m.Name
			}
			return fmt.Sprintf("I found multiple projects: %s. Which one?", FormatList(names)), nil
		}
	default:
		return "", fmt.Errorf("efe: project: %w", err)
	}

	head := "Project " + p.Name
	if p.CurrentPhase != "" {
		head += fmt.Sprintf(" is in %s phase", p.CurrentPhase)
	}
	parts := []string{head}
	if p.NextStep != "" {
		parts = append(parts, "Next step: "+p.NextStep)
	}

	tasks, err := q.store.ListTasks(ctx, TaskFilter{ProjectID: p.ID, IncludeClosed: true})
	if err != nil {
		return "", fmt.Errorf("efe: project tasks: %w", err)
	}
	var open, done int
	for _, t := range tasks {
		switch {
		case t.Status.Open():
			open++
		case t.Status == TaskCompleted:
			done++
		}
	}
	if open > 0 {
		parts = append(parts, fmt.Sprintf("%d tasks remaining", open))
	}
	if done > 0 {
		parts = append(parts, fmt.Sprintf("%d completed", done))
	}
	return strings.Join(parts, ". ") + ".", nil
}

// Reminders lists upcoming reminders, detailing up to three.
func (q *Queries) Reminders(ctx context.Context) (string, error) {
	reminders, err := q.store.PendingReminders(ctx)
	if err != nil {
		return "", fmt.Errorf("efe: reminders: %w", err)
	}
	switch len(reminders) {
	case 0:
		return "You have no upcoming reminders.", nil
	case 1:
		r := reminders[0]
		return fmt.Sprintf("You have one reminder %s: %s", q.reminderTime(r.TriggerTime), r.Message), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You have %d upcoming reminders. ", len(reminders))
	for _, r := range reminders[:min(3, len(reminders))] {
		fmt.Fprintf(&b, "%s %s. ", r.Message, q.reminderTime(r.TriggerTime))
	}
	if len(reminders) > 3 {
		fmt.Fprintf(&b, "And %d more.", len(reminders)-3)
	}
	return strings.TrimSpace(b.String()), nil
}

// ConfirmTaskCreated acknowledges a new task.
func (q *Queries) ConfirmTaskCreated(t Task) string {
	s := fmt.Sprintf("Got it. I've added '%s' to your list", t.Title)
	if t.DueDate != nil {
		s += ", due " + q.dueDate(*t.DueDate)
	}
	return s + "."
}

// ConfirmReminderCreated acknowledges a new reminder.
func (q *Queries) ConfirmReminderCreated(r Reminder) string {
	return fmt.Sprintf("I'll remind you %s to %s.", q.reminderTime(r.TriggerTime), r.Message)
}

// ConfirmTaskCompleted acknowledges a completed task.
func (q *Queries) ConfirmTaskCompleted(t Task) string {
	return fmt.Sprintf("Nice! I've marked '%s' as done.", t.Title)
}

// TaskNotFound answers a reference that matched nothing.
func (q *Queries) TaskNotFound(reference string) string {
	return fmt.Sprintf("I couldn't find a task matching '%s' on your list.", reference)
}

// SuggestMatchingTasks asks which of several candidates was meant, naming
// at most three.
func (q *Queries) SuggestMatchingTasks(matches []Task) string {
	if len(matches) == 1 {
		return fmt.Sprintf("Did you mean '%s'?", matches[0].Title)
	}
	return "Which one? I found: " + FormatList(titles(matches, 3))
}

// FormatList joins items as natural speech: "a", "a and b", "a, b, and c".
func FormatList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", and " + items[len(items)-1]
}

// reminderTime phrases t relative to now: "in about 20 minutes",
// "today at 3:00 pm", "tomorrow at ...", "on Friday at ...", or a date.
func (q *Queries) reminderTime(t time.Time) string {
	now := q.now()
	today := startOfDay(now)
	clock := strings.ToLower(t.Format("3:04 PM"))

	switch {
	case sameDay(t, now):
		if away := t.Sub(now); away < time.Hour {
			return fmt.Sprintf("in about %d minutes", int(away.Minutes()))
		}
		return "today at " + clock
	case sameDay(t, today.AddDate(0, 0, 1)):
		return "tomorrow at " + clock
	case t.Before(today.AddDate(0, 0, 7)):
		return fmt.Sprintf("on %s at %s", t.Format("Monday"), clock)
	default:
		return fmt.Sprintf("on %s at %s", t.Format("January 2"), clock)
	}
}

func (q *Queries) dueDate(t time.Time) string {
	now := q.now()
	today := startOfDay(now)
	switch {
	case sameDay(t, now):
		return "today"
	case sameDay(t, today.AddDate(0, 0, 1)):
		return "tomorrow"
	case t.Before(today.AddDate(0, 0, 7)):
		return t.Format("Monday")
	default:
		return t.Format("January 2")
	}
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func titles(tasks []Task, limit int) []string {
	n := min(limit, len(tasks))
	out := make([]string, n)
	for i := range n {
		out[i] = tasks[i].Title
	}
	return out
}
