package conversation_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kiro/internal/conversation"
	"github.com/MrWong99/kiro/internal/intent"
	"github.com/MrWong99/kiro/pkg/provider/llm"
	llmmock "github.com/MrWong99/kiro/pkg/provider/llm/mock"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T, p llm.Provider, opts ...conversation.Option) (*conversation.Manager, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	m := conversation.New(p, append([]conversation.Option{conversation.WithClock(clk.now)}, opts...)...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return m, clk
}

func utterance(text string, cat intent.Category) intent.Intent {
	return intent.Intent{Transcript: text, Category: cat}
}

func TestProcess_NotRunning(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Response: &llm.Response{Content: "hi"}}
	m := conversation.New(p)

	if got := m.Process(context.Background(), utterance("hello", intent.Conversation), ""); got != conversation.ReplyNotReady {
		t.Errorf("got %q, want %q", got, conversation.ReplyNotReady)
	}
	if p.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0", p.CallCount())
	}
}

func TestProcess_RequestShape(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Response: &llm.Response{Content: "Hello there."}}
	m, _ := newManager(t, p)

	got := m.Process(context.Background(), utterance("hello kiro", intent.Conversation), "")
	if got != "Hello there." {
		t.Fatalf("got %q, want %q", got, "Hello there.")
	}

	req := p.LastRequest()
	if req.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", req.MaxTokens)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.SystemPrompt != conversation.SystemPrompt {
		t.Errorf("SystemPrompt altered for plain conversation")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "hello kiro" {
		t.Errorf("Messages = %+v, want single user turn", req.Messages)
	}

	c, ok := m.Current()
	if !ok {
		t.Fatal("no current conversation")
	}
	if len(c.Turns) != 2 || c.Turns[1].Role != llm.RoleAssistant {
		t.Errorf("turns = %+v, want user then assistant", c.Turns)
	}
}

func TestProcess_PromptSuffixes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		category intent.Category
		extra    string
		want     string
	}{
		{"capture", intent.Capture, "", "capturing a task or commitment"},
		{"command", intent.Command, "", "giving a direct command"},
		{"extra", intent.Query, "It is raining.", "Additional context: It is raining."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{Response: &llm.Response{Content: "ok"}}
			m, _ := newManager(t, p)
			m.Process(context.Background(), utterance("something", tt.category), tt.extra)
			if sp := p.LastRequest().SystemPrompt; !strings.Contains(sp, tt.want) {
				t.Errorf("system prompt does not contain %q", tt.want)
			}
		})
	}
}

func TestProcess_SendsLastTenTurns(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Response: &llm.Response{Content: "sure"}}
	m, _ := newManager(t, p)
	ctx := context.Background()

	for i := range 12 {
		m.Process(ctx, utterance("message "+string(rune('a'+i)), intent.Conversation), "")
	}

	if got := len(p.LastRequest().Messages); got != 10 {
		t.Errorf("messages sent = %d, want 10", got)
	}
	c, _ := m.Current()
	if got := len(c.Turns); got != 20 {
		t.Errorf("stored turns = %d, want 20", got)
	}
	if last := p.LastRequest().Messages[9]; last.Content != "message l" {
		t.Errorf("last message = %q, want %q", last.Content, "message l")
	}
}

func TestProcess_InactivityStartsNewConversation(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Response: &llm.Response{Content: "ok"}}
	m, clk := newManager(t, p)
	ctx := context.Background()

	m.Process(ctx, utterance("first", intent.Conversation), "")
	first, _ := m.Current()

	clk.advance(4 * time.Minute)
	m.Process(ctx, utterance("second", intent.Conversation), "")
	same, _ := m.Current()
	if same.ID != first.ID {
		t.Fatal("conversation reset before timeout")
	}

	clk.advance(5*time.Minute + time.Second)
	m.Process(ctx, utterance("third", intent.Conversation), "")
	fresh, _ := m.Current()
	if fresh.ID == first.ID {
		t.Fatal("conversation not reset after timeout")
	}
	if got := len(p.LastRequest().Messages); got != 1 {
		t.Errorf("messages after reset = %d, want 1", got)
	}
}

func TestProcess_LLMError(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Err: errors.New("rate limited")}
	m, _ := newManager(t, p)

	got := m.Process(context.Background(), utterance("hello", intent.Conversation), "")
	if got != conversation.ReplyLLMError {
		t.Errorf("got %q, want %q", got, conversation.ReplyLLMError)
	}
	c, _ := m.Current()
	if len(c.Turns) != 1 {
		t.Errorf("turns = %d, want 1 (no assistant turn)", len(c.Turns))
	}
}

func TestResetAndStop(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Response: &llm.Response{Content: "ok"}}
	m, _ := newManager(t, p)
	ctx := context.Background()

	m.Process(ctx, utterance("hello", intent.Conversation), "")
	m.Reset(ctx)
	if _, ok := m.Current(); ok {
		t.Error("conversation survived Reset")
	}

	m.Process(ctx, utterance("hello", intent.Conversation), "")
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("conversation survived Stop")
	}
}
