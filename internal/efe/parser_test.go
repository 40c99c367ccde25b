package efe

import (
	"sync"
	"testing"
	"time"
)

// refNow is a Tuesday morning.
var refNow = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func TestParsePrecedence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text   string
		intent CaptureIntent
	}{
		{"remind me to call mom", IntentReminder},
		{"I need to buy milk", IntentTask},
		{"mark groceries as done", IntentCompleteTask},
		{"what's on my list", IntentQueryTasks},
		{"what do i need to do today", IntentQueryToday},
		{"what do I need to do", IntentQueryTasks},
		{"what's on my schedule for today", IntentQueryToday},
		{"what's the status of kitchen remodel", IntentQueryProject},
		{"how's the website going", IntentQueryProject},
		{"I finished the report", IntentCompleteTask},
		{"set a reminder for the meeting", IntentReminder},
		{"don't forget to water the plants", IntentTask},
		{"tell me a joke", IntentUnknown},
		{"", IntentUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := ParseAt(tt.text, refNow)
			if got.Intent != tt.intent {
				t.Errorf("intent = %q, want %q", got.Intent, tt.intent)
			}
		})
	}
}

func TestParseReminderBeforeTask(t *testing.T) {
	t.Parallel()
	got := ParseAt("remind me to call mom", refNow)
	if got.Intent != IntentReminder {
		t.Fatalf("intent = %q, want %q", got.Intent, IntentReminder)
	}
	if got.ReminderMessage != "call mom" {
		t.Errorf("ReminderMessage = %q, want %q", got.ReminderMessage, "call mom")
	}
	if got.TriggerTime != nil {
		t.Errorf("TriggerTime = %v, want nil", got.TriggerTime)
	}
}

func TestParseReminderOverflowingDelay(t *testing.T) {
	t.Parallel()
	got := ParseAt("remind me in 9999999999 minutes to stretch", refNow)
	if got.Intent != IntentReminder {
		t.Fatalf("intent = %q, want %q", got.Intent, IntentReminder)
	}
	if got.TriggerTime != nil {
		t.Errorf("TriggerTime = %v, want nil", *got.TriggerTime)
	}
}

func TestParseTaskTitle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text     string
		title    string
		priority TaskPriority
	}{
		{"I need to buy milk", "Buy milk", ""},
		{"add milk to my list", "Milk", ""},
		{"I should call the dentist tomorrow", "Call the dentist", ""},
		{"I have to pick up the kids at 3pm", "Pick up the kids", ""},
		{"gotta finish the report by 5.", "Finish the report", ""},
		{"create a task to renew passport", "Renew passport", ""},
		{"don’t forget to water the plants", "Water the plants", ""},
		{"I need to call the bank urgently", "Call the bank", PriorityUrgent},
		{"I need to file taxes, high priority", "File taxes", PriorityHigh},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := ParseAt(tt.text, refNow)
			if got.Intent != IntentTask {
				t.Fatalf("intent = %q, want %q", got.Intent, IntentTask)
			}
			if got.TaskTitle != tt.title {
				t.Errorf("TaskTitle = %q, want %q", got.TaskTitle, tt.title)
			}
			if got.TaskPriority != tt.priority {
				t.Errorf("TaskPriority = %q, want %q", got.TaskPriority, tt.priority)
			}
		})
	}
}

func TestParseCompletionReference(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		ref  string
	}{
		{"mark groceries as done", "groceries"},
		{"mark the dishes complete", "the dishes"},
		{"I finished the report", "the report"},
		{"done with laundry!", "laundry"},
		{"check off buy milk", "buy milk"},
		{"the laundry is done", "the laundry"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := ParseAt(tt.text, refNow)
			if got.Intent != IntentCompleteTask {
				t.Fatalf("intent = %q, want %q", got.Intent, IntentCompleteTask)
			}
			if got.TaskReference != tt.ref {
				t.Errorf("TaskReference = %q, want %q", got.TaskReference, tt.ref)
			}
		})
	}
}

func TestParseProjectName(t *testing.T) {
	t.Parallel()
	got := ParseAt("what's the status of kitchen remodel?", refNow)
	if got.ProjectName != "kitchen remodel" {
		t.Errorf("ProjectName = %q, want %q", got.ProjectName, "kitchen remodel")
	}
	got = ParseAt("how is the website coming along", refNow)
	if got.ProjectName != "the website" {
		t.Errorf("ProjectName = %q, want %q", got.ProjectName, "the website")
	}
}

func TestParseReminderTimes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text    string
		message string
		want    time.Time
		rawTime string
	}{
		{
			"remind me in 30 minutes to check email", "check email",
			refNow.Add(30 * time.Minute), "in 30 minutes to check email",
		},
		{
			"remind me tomorrow at 3pm to call mom", "call mom",
			time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC), "tomorrow at 3pm to call mom",
		},
		{
			"remind me to take my pills at 9pm", "take my pills",
			time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC), "at 9pm",
		},
		{
			"remind me to call mom at 3 p.m.", "call mom",
			time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC), "at 3 pm",
		},
		{
			"remind me to stretch tonight", "stretch",
			time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC), "tonight",
		},
		{
			"alert me about the dentist on friday", "the dentist on friday",
			time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC), "on friday",
		},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			t.Parallel()
			got := ParseAt(tt.text, refNow)
			if got.Intent != IntentReminder {
				t.Fatalf("intent = %q, want %q", got.Intent, IntentReminder)
			}
			if got.ReminderMessage != tt.message {
				t.Errorf("ReminderMessage = %q, want %q", got.ReminderMessage, tt.message)
			}
			if got.TriggerTime == nil {
				t.Fatal("TriggerTime = nil")
			}
			if d := got.TriggerTime.Sub(tt.want); d < -5*time.Second || d > 5*time.Second {
				t.Errorf("TriggerTime = %v, want %v", *got.TriggerTime, tt.want)
			}
			if got.Entities["raw_time"] != tt.rawTime {
				t.Errorf("raw_time = %q, want %q", got.Entities["raw_time"], tt.rawTime)
			}
		})
	}
}

func TestParseTomorrowAt3pm(t *testing.T) {
	t.Parallel()
	now := time.Now()
	got := NewParser(WithParserClock(func() time.Time { return now })).Parse("remind me tomorrow at 3pm to call mom")
	if got.TriggerTime == nil {
		t.Fatal("TriggerTime = nil")
	}
	tomorrow := now.AddDate(0, 0, 1)
	if got.TriggerTime.Hour() != 15 {
		t.Errorf("hour = %d, want 15", got.TriggerTime.Hour())
	}
	if !sameDay(*got.TriggerTime, tomorrow) {
		t.Errorf("date = %v, want %v", got.TriggerTime.Format(time.DateOnly), tomorrow.Format(time.DateOnly))
	}
}

func TestParseUnknownHasZeroConfidence(t *testing.T) {
	t.Parallel()
	got := ParseAt("tell me a joke", refNow)
	if got.Intent != IntentUnknown || got.Confidence != 0 {
		t.Errorf("got %q/%v, want unknown/0", got.Intent, got.Confidence)
	}
	if got.RawText != "tell me a joke" {
		t.Errorf("RawText = %q", got.RawText)
	}
}

func TestParseConfidence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		text string
		want float64
	}{
		{"create a task to renew passport", 0.95},
		{"I should call grandma", 0.70},
		{"I need to buy milk", 0.85},
		{"mark groceries as done", 0.95},
		{"what's on my list", 0.95},
	}
	for _, tt := range tests {
		if got := ParseAt(tt.text, refNow).Confidence; got != tt.want {
			t.Errorf("%q: confidence = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestParseConcurrent(t *testing.T) {
	t.Parallel()
	p := NewParser(WithParserClock(func() time.Time { return refNow }))
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				if got := p.Parse("remind me in 30 minutes to check email"); got.ReminderMessage != "check email" {
					t.Errorf("ReminderMessage = %q", got.ReminderMessage)
					return
				}
			}
		}()
	}
	wg.Wait()
}
