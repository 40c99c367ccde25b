package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/kiro/internal/efe"
)

// ── Arguments ──

type captureArgs struct {
	Text string `json:"text" jsonschema:"what the user said, for example: remind me to call mom tomorrow at 3pm"`
}

type addTaskArgs struct {
	Title    string   `json:"title" jsonschema:"short imperative task title"`
	Priority string   `json:"priority,omitempty" jsonschema:"one of low, normal, high or urgent"`
	Due      string   `json:"due,omitempty" jsonschema:"optional due time as a phrase such as tomorrow or friday or in 2 days"`
	Tags     []string `json:"tags,omitempty" jsonschema:"context tags such as @home or @errands"`
}

type listTasksArgs struct {
	Place string `json:"place,omitempty" jsonschema:"only tasks mentioning this place or context"`
}

type completeTaskArgs struct {
	Task string `json:"task" jsonschema:"task ID or a spoken reference such as the milk"`
}

type addReminderArgs struct {
	Message string `json:"message" jsonschema:"what to remind the user about"`
	When    string `json:"when,omitempty" jsonschema:"time phrase such as in 20 minutes or tomorrow at 9am; defaults to one hour from now"`
}

type reminderIDArgs struct {
	ID string `json:"id" jsonschema:"reminder ID"`
}

type snoozeArgs struct {
	ID      string `json:"id" jsonschema:"reminder ID"`
	Minutes int    `json:"minutes,omitempty" jsonschema:"snooze length in minutes; defaults to 10"`
}

type emptyArgs struct{}

// ── Results ──

type taskView struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Status   string   `json:"status"`
	Priority string   `json:"priority,omitempty"`
	Due      string   `json:"due,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type reminderView struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	Status      string `json:"status"`
	TriggerTime string `json:"trigger_time"`
	Recurrence  string `json:"recurrence,omitempty"`
}

type taskList struct {
	Summary string     `json:"summary"`
	Tasks   []taskView `json:"tasks"`
}

type reminderList struct {
	Summary   string         `json:"summary"`
	Reminders []reminderView `json:"reminders"`
}

func viewTask(t efe.Task) taskView {
	v := taskView{
		ID:       t.ID,
		Title:    t.Title,
		Status:   string(t.Status),
		Priority: string(t.Priority),
		Tags:     t.ContextTags,
	}
	if t.DueDate != nil {
		v.Due = t.DueDate.Format(time.RFC3339)
	}
	return v
}

func viewReminder(r efe.Reminder) reminderView {
	v := reminderView{
		ID:          r.ID,
		Message:     r.Message,
		Status:      string(r.Status),
		TriggerTime: r.TriggerTime.Format(time.RFC3339),
	}
	if r.Recurrence != efe.RecurNone {
		v.Recurrence = string(r.Recurrence)
	}
	return v
}

// ── Tools ──

func (s *Server) registerTools() {
	addTool(s, &mcpsdk.Tool{
		Name:        "capture",
		Description: "Handle a natural-language task, reminder, completion or question exactly as if it had been spoken to kiro.",
	}, s.capture)
	addTool(s, &mcpsdk.Tool{
		Name:        "add_task",
		Description: "Add a task to the user's list.",
	}, s.addTask)
	addTool(s, &mcpsdk.Tool{
		Name:        "list_tasks",
		Description: "List the user's open tasks, optionally only those for a place.",
	}, s.listTasks)
	addTool(s, &mcpsdk.Tool{
		Name:        "complete_task",
		Description: "Mark a task as done by ID or by a spoken reference.",
	}, s.completeTask)
	addTool(s, &mcpsdk.Tool{
		Name:        "add_reminder",
		Description: "Schedule a spoken reminder.",
	}, s.addReminder)
	addTool(s, &mcpsdk.Tool{
		Name:        "list_reminders",
		Description: "List pending reminders, soonest first.",
	}, s.listReminders)
	addTool(s, &mcpsdk.Tool{
		Name:        "acknowledge_reminder",
		Description: "Mark a fired reminder as heard.",
	}, s.acknowledgeReminder)
	addTool(s, &mcpsdk.Tool{
		Name:        "snooze_reminder",
		Description: "Postpone a reminder.",
	}, s.snoozeReminder)
	addTool(s, &mcpsdk.Tool{
		Name:        "today",
		Description: "Summarize what is due and scheduled today.",
	}, s.today)
}

func (s *Server) capture(ctx context.Context, _ *mcpsdk.CallToolRequest, in captureArgs) (*mcpsdk.CallToolResult, any, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return rejected("text is required"), nil, nil
	}
	reply, handled, err := s.engine.Process(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	if !handled {
		return rejected(fmt.Sprintf("%q is not a task, reminder, completion or question about them.", text)), nil, nil
	}
	return textResult(reply), nil, nil
}

func (s *Server) addTask(ctx context.Context, _ *mcpsdk.CallToolRequest, in addTaskArgs) (*mcpsdk.CallToolResult, any, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return rejected("title is required"), nil, nil
	}
	t := efe.Task{Title: title, ContextTags: in.Tags}
	switch p := efe.TaskPriority(strings.ToLower(in.Priority)); p {
	case "":
	case efe.PriorityLow, efe.PriorityNormal, efe.PriorityHigh, efe.PriorityUrgent:
		t.Priority = p
	default:
		return rejected(fmt.Sprintf("unknown priority %q; use low, normal, high or urgent", in.Priority)), nil, nil
	}
	if in.Due != "" {
		due, ok := s.engine.ResolveTime(in.Due)
		if !ok {
			return rejected(fmt.Sprintf("I can't tell when %q is.", in.Due)), nil, nil
		}
		t.DueDate = &due
	}

	created, err := s.engine.AddTask(ctx, t)
	if err != nil {
		return nil, nil, err
	}
	return textResult(s.engine.Queries().ConfirmTaskCreated(created)), nil, nil
}

func (s *Server) listTasks(ctx context.Context, _ *mcpsdk.CallToolRequest, in listTasksArgs) (*mcpsdk.CallToolResult, taskList, error) {
	tasks, err := s.engine.ListTasks(ctx)
	if err != nil {
		return nil, taskList{}, err
	}
	var summary string
	if place := strings.TrimSpace(in.Place); place != "" {
		summary, err = s.engine.Queries().ByContext(ctx, place)
		tasks = mentioning(tasks, place)
	} else {
		summary, err = s.engine.Queries().AllTasks(ctx)
	}
	if err != nil {
		return nil, taskList{}, err
	}

	out := taskList{Summary: summary, Tasks: make([]taskView, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, viewTask(t))
	}
	return textResult(summary), out, nil
}

func mentioning(tasks []efe.Task, place string) []efe.Task {
	needle := strings.ToLower(place)
	var out []efe.Task
	for _, t := range tasks {
		if strings.Contains(strings.ToLower(t.Title), needle) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Server) completeTask(ctx context.Context, _ *mcpsdk.CallToolRequest, in completeTaskArgs) (*mcpsdk.CallToolResult, any, error) {
	ref := strings.TrimSpace(in.Task)
	if ref == "" {
		return rejected("task is required"), nil, nil
	}
	open, err := s.engine.ListTasks(ctx)
	if err != nil {
		return nil, nil, err
	}

	q := s.engine.Queries()
	id := ""
	for _, t := range open {
		if t.ID == ref {
			id = t.ID
			break
		}
	}
	if id == "" {
		m := efe.MatchTasks(ref, open)
		switch {
		case m.Exact != nil:
			id = m.Exact.ID
		case len(m.Candidates) == 1:
			id = m.Candidates[0].ID
		case len(m.Candidates) > 1:
			return rejected(q.SuggestMatchingTasks(m.Candidates)), nil, nil
		default:
			return rejected(q.TaskNotFound(ref)), nil, nil
		}
	}

	done, err := s.engine.CompleteTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return textResult(q.ConfirmTaskCompleted(done)), nil, nil
}

func (s *Server) addReminder(ctx context.Context, _ *mcpsdk.CallToolRequest, in addReminderArgs) (*mcpsdk.CallToolResult, any, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return rejected("message is required"), nil, nil
	}
	trigger := s.engine.DefaultReminderTime()
	if in.When != "" {
		at, ok := s.engine.ResolveTime(in.When)
		if !ok {
			return rejected(fmt.Sprintf("I can't tell when %q is.", in.When)), nil, nil
		}
		trigger = at
	}

	r, err := s.engine.AddReminder(ctx, efe.Reminder{Message: msg, TriggerTime: trigger})
	if err != nil {
		return nil, nil, err
	}
	return textResult(s.engine.Queries().ConfirmReminderCreated(r)), nil, nil
}

func (s *Server) listReminders(ctx context.Context, _ *mcpsdk.CallToolRequest, _ emptyArgs) (*mcpsdk.CallToolResult, reminderList, error) {
	reminders, err := s.engine.ListReminders(ctx)
	if err != nil {
		return nil, reminderList{}, err
	}
	summary, err := s.engine.Queries().Reminders(ctx)
	if err != nil {
		return nil, reminderList{}, err
	}
	out := reminderList{Summary: summary, Reminders: make([]reminderView, 0, len(reminders))}
	for _, r := range reminders {
		out.Reminders = append(out.Reminders, viewReminder(r))
	}
	return textResult(summary), out, nil
}

func (s *Server) acknowledgeReminder(ctx context.Context, _ *mcpsdk.CallToolRequest, in reminderIDArgs) (*mcpsdk.CallToolResult, any, error) {
	r, err := s.engine.AcknowledgeReminder(ctx, in.ID)
	if errors.Is(err, efe.ErrNotFound) {
		return rejected(fmt.Sprintf("There is no reminder %q.", in.ID)), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return textResult(fmt.Sprintf("Okay, I've marked the reminder to %s as heard.", r.Message)), nil, nil
}

func (s *Server) snoozeReminder(ctx context.Context, _ *mcpsdk.CallToolRequest, in snoozeArgs) (*mcpsdk.CallToolResult, any, error) {
	if in.Minutes < 0 {
		return rejected("minutes must not be negative"), nil, nil
	}
	r, err := s.engine.SnoozeReminder(ctx, in.ID, time.Duration(in.Minutes)*time.Minute)
	if errors.Is(err, efe.ErrNotFound) {
		return rejected(fmt.Sprintf("There is no reminder %q.", in.ID)), nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	until := r.TriggerTime
	if r.SnoozedUntil != nil {
		until = *r.SnoozedUntil
	}
	return textResult(fmt.Sprintf("Snoozed. I'll remind you to %s at %s.", r.Message, strings.ToLower(until.Format("3:04 PM")))), nil, nil
}

func (s *Server) today(ctx context.Context, _ *mcpsdk.CallToolRequest, _ emptyArgs) (*mcpsdk.CallToolResult, any, error) {
	summary, err := s.engine.Queries().Today(ctx)
	if err != nil {
		return nil, nil, err
	}
	return textResult(summary), nil, nil
}
