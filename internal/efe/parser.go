package efe

import (
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// CaptureIntent is what an utterance asks the EFE to do.
type CaptureIntent string

const (
	IntentTask         CaptureIntent = "task"
	IntentReminder     CaptureIntent = "reminder"
	IntentQueryTasks   CaptureIntent = "query_tasks"
	IntentQueryToday   CaptureIntent = "query_today"
	IntentQueryProject CaptureIntent = "query_project"
	IntentCompleteTask CaptureIntent = "complete_task"
	IntentUnknown      CaptureIntent = "unknown"
)

// ParsedCapture is the result of parsing one utterance. Fields that do not
// apply to Intent are left zero.
type ParsedCapture struct {
	Intent     CaptureIntent
	Confidence float64

	TaskTitle    string
	TaskPriority TaskPriority

	ReminderMessage string
	// TriggerTime is nil when the utterance names no time the parser
	// understands; callers choose a default.
	TriggerTime *time.Time

	ProjectName   string
	TaskReference string

	// Entities holds auxiliary extractions, e.g. "raw_time" for reminders.
	Entities map[string]string

	RawText string
}

type queryRule struct {
	re         *regexp.Regexp
	intent     CaptureIntent
	confidence float64
}

type captureRule struct {
	re         *regexp.Regexp
	confidence float64
	// group is the submatch holding the extracted text.
	group int
}

func ci(expr string) *regexp.Regexp { return regexp.MustCompile(`(?i)` + expr) }

// Rule tables are evaluated in order and the first match wins. Queries are
// checked before completions, completions before reminders and reminders
// before tasks, so "remind me to X" never becomes a task.
var (
	queryRules = []queryRule{
		{ci(`what(?:'?s| is) on my (?:list|tasks?|todo)`), IntentQueryTasks, 0.95},
		{ci(`(?:show|list|read)(?: me)?(?: my)? (?:list|tasks?|todos?)`), IntentQueryTasks, 0.90},
		{ci(`what do i (?:need|have) to do today`), IntentQueryToday, 0.95},
		{ci(`what do i (?:need|have) to do`), IntentQueryTasks, 0.85},
		{ci(`what(?:'s| is) (?:up|happening) today`), IntentQueryToday, 0.85},
		{ci(`what(?:'s| is) (?:on )?(?:my )?(?:schedule|agenda)(?: (?:for )?today)?`), IntentQueryToday, 0.90},
		{ci(`(?:what(?:'s| is) the )?status (?:of|on) (.+)`), IntentQueryProject, 0.90},
		{ci(`how(?:'s| is) (.+) (?:going|coming along|progressing)`), IntentQueryProject, 0.85},
	}

	completeRules = []captureRule{
		{ci(`\b(?:finished|completed|done with|did) (.+)`), 0.85, 1},
		{ci(`mark (.+?) (?:as )?(?:done|complete|finished)`), 0.95, 1},
		{ci(`check off (.+)`), 0.90, 1},
		{ci(`(.+) is (?:done|complete|finished)`), 0.80, 1},
	}

	reminderRules = []captureRule{
		// "remind me tomorrow at 3pm to call mom": time phrase first.
		{ci(`remind me\s+((?:in|at|on|tomorrow|tonight|today|this|next|later)\b.*?)\s+to\s+(.+)$`), 0.95, 2},
		{ci(`remind me (?:to )?(.+?)(?:\s+(?:at|in|on|tomorrow|tonight|later).*)?$`), 0.95, 1},
		{ci(`set a reminder (?:to |for )?(.+)`), 0.95, 1},
		{ci(`alert me (?:to |about )?(.+)`), 0.90, 1},
	}

	taskRules = []captureRule{
		{ci(`(?:i )?need to (.+)`), 0.85, 1},
		{ci(`add (.+) to (?:my )?(?:list|tasks?|todo)`), 0.90, 1},
		{ci(`(?:i )?have to (.+)`), 0.80, 1},
		{ci(`(?:i )?(?:gotta|got to) (.+)`), 0.80, 1},
		{ci(`(?:i )?should (.+)`), 0.70, 1},
		{ci(`(?:please )?(?:create|make|add) (?:a )?task (?:to |for )?(.+)`), 0.95, 1},
		{ci(`don'?t (?:let me )?forget (?:to )?(.+)`), 0.85, 1},
		{ci(`remember (?:to |that i need to )?(.+)`), 0.75, 1},
	}

	priorityRules = []struct {
		re       *regexp.Regexp
		priority TaskPriority
	}{
		{ci(`[\s,]*\b(?:urgently|urgent|asap|as soon as possible)\b`), PriorityUrgent},
		{ci(`[\s,]*\b(?:high|top) priority\b`), PriorityHigh},
		{ci(`[\s,]*\blow priority\b`), PriorityLow},
	}

	meridiemDots = regexp.MustCompile(`(?i)(\d)\s*([ap])\.\s?m\.?`)
)

// ParserOption configures a [Parser].
type ParserOption func(*Parser)

// WithParserClock sets the clock relative phrases resolve against.
func WithParserClock(now func() time.Time) ParserOption {
	return func(p *Parser) { p.now = now }
}

// Parser turns utterances into [ParsedCapture] values. Its rule tables are
// package-level and read-only, so a Parser is safe for concurrent use.
type Parser struct {
	now func() time.Time
}

// NewParser returns a parser using the wall clock unless overridden.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse classifies text and extracts its entities, resolving relative times
// against the parser's clock.
func (p *Parser) Parse(text string) ParsedCapture {
	return ParseAt(text, p.now())
}

// ParseAt is Parse with an explicit reference time.
func ParseAt(text string, now time.Time) ParsedCapture {
	raw := strings.TrimSpace(text)
	text = normalizeUtterance(raw)

	for _, r := range queryRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		out := ParsedCapture{Intent: r.intent, Confidence: r.confidence, RawText: raw}
		if r.intent == IntentQueryProject && len(m) > 1 {
			out.ProjectName = trimClause(m[1])
		}
		slog.Debug("efe: matched query", "intent", r.intent, "confidence", r.confidence)
		return out
	}

	for _, r := range completeRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		out := ParsedCapture{
			Intent:        IntentCompleteTask,
			Confidence:    r.confidence,
			TaskReference: trimClause(m[r.group]),
			RawText:       raw,
		}
		slog.Debug("efe: matched completion", "reference", out.TaskReference)
		return out
	}

	for _, r := range reminderRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		out := ParsedCapture{
			Intent:          IntentReminder,
			Confidence:      r.confidence,
			ReminderMessage: trimClause(m[r.group]),
			RawText:         raw,
			Entities:        map[string]string{},
		}
		if t, ok := resolveTime(text, now); ok {
			out.TriggerTime = &t
		}
		if phrase := extractTimePhrase(text); phrase != "" {
			out.Entities["raw_time"] = phrase
		}
		slog.Debug("efe: matched reminder", "message", out.ReminderMessage, "trigger_time", out.TriggerTime)
		return out
	}

	for _, r := range taskRules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		title, priority := extractPriority(m[r.group])
		out := ParsedCapture{
			Intent:       IntentTask,
			Confidence:   r.confidence,
			TaskTitle:    cleanTaskTitle(title),
			TaskPriority: priority,
			RawText:      raw,
		}
		slog.Debug("efe: matched task", "title", out.TaskTitle)
		return out
	}

	return ParsedCapture{Intent: IntentUnknown, Confidence: 0, RawText: raw}
}

// normalizeUtterance folds transcription variants the rule tables do not
// spell out: typographic apostrophes and dotted meridiems ("3 p.m.").
func normalizeUtterance(s string) string {
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	return meridiemDots.ReplaceAllString(s, "$1 ${2}m")
}

func trimClause(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,!?")
}

func extractPriority(title string) (string, TaskPriority) {
	for _, r := range priorityRules {
		if r.re.MatchString(title) {
			return strings.TrimSpace(r.re.ReplaceAllString(title, "")), r.priority
		}
	}
	return title, ""
}

// trailingTime matches one time phrase at the end of a task title.
var trailingTime = ci(`\s+(?:(?:at|by|before)\s+\d{1,2}(?::\d{2})?\s*(?:am|pm)?|at|by|before|tomorrow|today|tonight|this (?:morning|afternoon|evening))$`)

// cleanTaskTitle strips trailing time phrases and punctuation and
// capitalizes the first letter.
func cleanTaskTitle(title string) string {
	title = trimClause(title)
	for {
		stripped := trailingTime.ReplaceAllString(title, "")
		if stripped == title {
			break
		}
		title = trimClause(stripped)
	}
	if title == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}
