// Package intent classifies transcripts into coarse categories and routes
// them to the component that answers them.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Category is the coarse kind of a user utterance.
type Category string

const (
	Conversation Category = "conversation"
	Command      Category = "command"
	Capture      Category = "capture"
	Query        Category = "query"
	Control      Category = "control"
	Unknown      Category = "unknown"
)

// Fixed replies of [Router.Route].
const (
	ReplyNotReady  = "I'm not ready yet."
	ReplyNoHandler = "I'm not sure how to handle that."
	ReplyError     = "I had trouble processing that."
)

// Intent is a classified utterance.
type Intent struct {
	Category   Category
	Transcript string
	Confidence float64

	// Entities holds "action" for control and command intents and
	// "capture_type" for capture intents.
	Entities map[string]string

	// STTConfidence is the transcription confidence, if known.
	STTConfidence float64
}

func (i Intent) String() string {
	t := i.Transcript
	if len(t) > 50 {
		t = t[:50] + "..."
	}
	return fmt.Sprintf("Intent(%s: %s)", i.Category, t)
}

// Handler answers an intent with text to be spoken.
type Handler func(ctx context.Context, in Intent) (string, error)

type rule struct {
	re  *regexp.Regexp
	tag string
}

func rules(pairs ...string) []rule {
	out := make([]rule, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, rule{re: regexp.MustCompile(`(?i)` + pairs[i]), tag: pairs[i+1]})
	}
	return out
}

var (
	controlRules = rules(
		`\b(stop|cancel|shut up|be quiet|never ?mind)\b`, "stop",
		`\b(pause|wait|hold on)\b`, "pause",
		`\b(mute|unmute)\b`, "mute",
		`\b(louder|quieter|volume)\b`, "volume",
	)
	commandRules = rules(
		`\bset (?:a )?timer\b`, "timer",
		`\bset (?:an )?alarm\b`, "alarm",
		`\bplay\b.*\b(music|song|playlist)\b`, "music",
		`\bwhat(?:'s| is) the time\b`, "time",
		`\bwhat(?:'s| is) the date\b`, "date",
	)
	captureRules = rules(
		`\bremind me\b`, "reminder",
		`\b(add|create) (?:a )?task\b`, "task",
		`\bi need to\b`, "task",
		`\bdon't let me forget\b`, "reminder",
		`\bi(?:'ll| will) (?:do|finish|complete)\b`, "commitment",
		`\bi promise\b`, "commitment",
	)
	questionWords = []string{"what", "who", "where", "when", "why", "how"}
)

// Router classifies transcripts and dispatches them to registered handlers.
// It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	handlers map[Category]Handler
	fallback Handler
	running  bool
}

// NewRouter returns a stopped router with no handlers.
func NewRouter() *Router {
	return &Router{handlers: make(map[Category]Handler)}
}

// Start enables routing.
func (r *Router) Start(_ context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	slog.Info("intent: router started")
	return nil
}

// Stop disables routing; [Router.Route] answers [ReplyNotReady] afterwards.
func (r *Router) Stop(_ context.Context) error {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	slog.Info("intent: router stopped")
	return nil
}

// Running reports whether the router accepts intents.
func (r *Router) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// RegisterHandler sets the handler for category, replacing any previous one.
func (r *Router) RegisterHandler(category Category, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[category] = h
	slog.Debug("intent: handler registered", "category", category)
}

// SetDefaultHandler sets the handler for categories without their own.
func (r *Router) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Classify assigns a category to transcript. Control phrases win over
// commands, commands over capture language, and capture over questions;
// everything else is conversation.
func Classify(transcript string, sttConfidence float64) Intent {
	text := strings.ToLower(strings.TrimSpace(transcript))
	in := Intent{Transcript: transcript, STTConfidence: sttConfidence}

	if tag, ok := firstMatch(controlRules, text); ok {
		in.Category, in.Confidence = Control, 0.9
		in.Entities = map[string]string{"action": tag}
		return in
	}
	if tag, ok := firstMatch(commandRules, text); ok {
		in.Category, in.Confidence = Command, 0.8
		in.Entities = map[string]string{"action": tag}
		return in
	}
	if tag, ok := firstMatch(captureRules, text); ok {
		in.Category, in.Confidence = Capture, 0.7
		in.Entities = map[string]string{"capture_type": tag}
		return in
	}
	if isQuestion(text) {
		in.Category, in.Confidence = Query, 0.6
		return in
	}
	in.Category, in.Confidence = Conversation, 0.5
	return in
}

// Classify is a convenience wrapper around the package-level [Classify].
func (r *Router) Classify(transcript string, sttConfidence float64) Intent {
	return Classify(transcript, sttConfidence)
}

func firstMatch(rs []rule, text string) (string, bool) {
	for _, r := range rs {
		if r.re.MatchString(text) {
			return r.tag, true
		}
	}
	return "", false
}

func isQuestion(text string) bool {
	if strings.HasSuffix(text, "?") {
		return true
	}
	for _, w := range questionWords {
		if strings.HasPrefix(text, w) {
			return true
		}
	}
	return false
}

// Route sends in to its handler and returns the reply. Handler failures
// become [ReplyError]; they are logged, never returned.
func (r *Router) Route(ctx context.Context, in Intent) string {
	r.mu.RLock()
	running := r.running
	h, ok := r.handlers[in.Category]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if !running {
		return ReplyNotReady
	}
	slog.Info("intent: routed", "category", in.Category, "confidence", in.Confidence)

	if h == nil {
		slog.Warn("intent: no handler", "category", in.Category)
		return ReplyNoHandler
	}
	reply, err := h(ctx, in)
	if err != nil {
		slog.Error("intent: handler error", "category", in.Category, "err", err)
		return ReplyError
	}
	return reply
}

// ClassifyAndRoute classifies transcript and routes the result.
func (r *Router) ClassifyAndRoute(ctx context.Context, transcript string, sttConfidence float64) string {
	return r.Route(ctx, Classify(transcript, sttConfidence))
}
