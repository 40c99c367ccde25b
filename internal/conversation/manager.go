// Package conversation keeps short-lived dialogue context and asks the LLM
// for spoken replies.
package conversation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/kiro/internal/intent"
	"github.com/MrWong99/kiro/internal/observe"
	"github.com/MrWong99/kiro/pkg/provider/llm"
)

// SystemPrompt is the default persona sent with every request.
const SystemPrompt = `You are Kiro, a voice-first AI assistant designed to be a supportive companion and executive function aid.

Core traits:
- Warm and encouraging, but not saccharine
- Concise and direct. You're voice-first, so brevity matters
- Proactive in offering help when you notice patterns
- Patient and non-judgmental, especially about forgotten tasks or missed commitments
- You remember conversation context and refer back to it naturally

Voice interaction guidelines:
- Keep responses short (1-3 sentences for simple queries)
- Avoid lists unless explicitly asked, they're hard to follow by voice
- Use natural speech patterns, not formal writing
- It's okay to ask clarifying questions
- Acknowledge emotions when relevant

You exist to help your user stay on track, remember commitments, and feel supported. You're a thinking partner, not just an assistant.

Current context: You are running on a desktop computer. The user interacts with you via voice.`

// Fixed replies of [Manager.Process].
const (
	ReplyNotReady = "I'm not ready yet."
	ReplyLLMError = "I'm having trouble thinking right now. Could you try again?"
)

const (
	maxStoredTurns     = 20
	defaultContextSize = 10
	defaultTimeout     = 5 * time.Minute
	defaultMaxTokens   = 256
	defaultTemperature = 0.7
)

const (
	captureSuffix = "The user seems to be capturing a task or commitment. " +
		"Help them clarify and confirm what they want to remember."
	commandSuffix = "The user is giving a direct command. " +
		"Acknowledge and confirm the action."
)

// Turn is one message of a conversation.
type Turn struct {
	Role      string
	Content   string
	Timestamp time.Time
	Category  intent.Category
}

// Conversation is the rolling history of one dialogue. It keeps at most
// twenty turns, dropping the oldest.
type Conversation struct {
	ID           string
	Turns        []Turn
	CreatedAt    time.Time
	LastActivity time.Time
}

func (c *Conversation) add(t Turn) {
	c.Turns = append(c.Turns, t)
	if over := len(c.Turns) - maxStoredTurns; over > 0 {
		c.Turns = append(c.Turns[:0:0], c.Turns[over:]...)
	}
	c.LastActivity = t.Timestamp
}

// messages returns the last n turns as LLM messages.
func (c *Conversation) messages(n int) []llm.Message {
	turns := c.Turns
	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]llm.Message, len(turns))
	for i, t := range turns {
		out[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return out
}

// Option configures a [Manager].
type Option func(*Manager)

// WithSystemPrompt replaces [SystemPrompt].
func WithSystemPrompt(p string) Option {
	return func(m *Manager) { m.systemPrompt = p }
}

// WithContextTurns sets how many recent turns are sent to the LLM.
func WithContextTurns(n int) Option {
	return func(m *Manager) { m.contextTurns = n }
}

// WithTimeout sets the inactivity after which a conversation starts over.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithGeneration overrides the completion limits.
func WithGeneration(maxTokens int, temperature float64) Option {
	return func(m *Manager) {
		m.maxTokens = maxTokens
		m.temperature = temperature
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// Manager owns the current conversation. It is safe for concurrent use;
// replies are generated one at a time.
type Manager struct {
	llm          llm.Provider
	systemPrompt string
	contextTurns int
	timeout      time.Duration
	maxTokens    int
	temperature  float64
	now          func() time.Time
	metrics      *observe.Metrics

	mu      sync.Mutex
	running bool
	current *Conversation
}

// New returns a stopped manager generating replies with provider.
func New(provider llm.Provider, opts ...Option) *Manager {
	m := &Manager{
		llm:          provider,
		systemPrompt: SystemPrompt,
		contextTurns: defaultContextSize,
		timeout:      defaultTimeout,
		maxTokens:    defaultMaxTokens,
		temperature:  defaultTemperature,
		now:          time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Start enables replies.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
	observe.Logger(ctx).Info("conversation: manager started")
	return nil
}

// Stop disables replies and forgets the current conversation.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.running = false
	m.current = nil
	m.mu.Unlock()
	observe.Logger(ctx).Info("conversation: manager stopped")
	return nil
}

// Current returns a copy of the active conversation.
func (m *Manager) Current() (Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Conversation{}, false
	}
	c := *m.current
	c.Turns = append([]Turn(nil), m.current.Turns...)
	return c, true
}

// Reset forgets the current conversation.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		observe.Logger(ctx).Info("conversation: reset", "turns", len(m.current.Turns))
	}
	m.current = nil
}

// conversation returns the active conversation, starting a new one when
// none exists or the last activity is older than the timeout. m.mu must be
// held.
func (m *Manager) conversation(ctx context.Context) *Conversation {
	now := m.now()
	if c := m.current; c != nil && now.Sub(c.LastActivity) > m.timeout {
		observe.Logger(ctx).Info("conversation: timed out",
			"turns", len(c.Turns),
			"duration", now.Sub(c.CreatedAt).Round(100*time.Millisecond),
		)
		m.current = nil
	}
	if m.current == nil {
		m.current = &Conversation{ID: uuid.NewString(), CreatedAt: now, LastActivity: now}
		observe.Logger(ctx).Debug("conversation: created", "id", m.current.ID[:8])
	}
	return m.current
}

// Process records the utterance, asks the LLM for a reply and records the
// reply. extra, when not empty, is appended to the system prompt as
// additional context. LLM failures produce [ReplyLLMError] and leave no
// assistant turn.
func (m *Manager) Process(ctx context.Context, in intent.Intent, extra string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ReplyNotReady
	}

	ctx, span := observe.StartSpan(ctx, observe.SpanConversation)
	defer span.End()
	log := observe.Logger(ctx)

	c := m.conversation(ctx)
	c.add(Turn{Role: llm.RoleUser, Content: in.Transcript, Timestamp: m.now(), Category: in.Category})

	req := llm.Request{
		Messages:     c.messages(m.contextTurns),
		SystemPrompt: m.buildSystemPrompt(in.Category, extra),
		MaxTokens:    m.maxTokens,
		Temperature:  m.temperature,
	}
	log.Debug("conversation: generating reply", "turns", len(req.Messages), "category", in.Category)

	start := time.Now()
	resp, err := m.llm.Complete(ctx, req)
	latency := time.Since(start)
	m.metrics.LLMDuration.Record(ctx, latency.Seconds())
	if err != nil {
		observe.Fail(span, err)
		log.Error("conversation: llm failed", "err", err)
		return ReplyLLMError
	}
	if strings.TrimSpace(resp.Content) == "" {
		log.Warn("conversation: llm returned empty reply", "finish_reason", resp.FinishReason)
		return ReplyLLMError
	}

	c.add(Turn{Role: llm.RoleAssistant, Content: resp.Content, Timestamp: m.now()})
	log.Info("conversation: reply generated",
		"model", resp.Model,
		"tokens", resp.Usage.Total(),
		"latency", latency.Round(time.Millisecond),
	)
	return resp.Content
}

func (m *Manager) buildSystemPrompt(cat intent.Category, extra string) string {
	parts := []string{m.systemPrompt}
	switch cat {
	case intent.Capture:
		parts = append(parts, captureSuffix)
	case intent.Command:
		parts = append(parts, commandSuffix)
	}
	if extra != "" {
		parts = append(parts, "Additional context: "+extra)
	}
	return strings.Join(parts, "\n\n")
}
