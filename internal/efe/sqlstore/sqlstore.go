// Package sqlstore implements [efe.Store] on database/sql. The sqlite and
// postgres packages open the connection and pick the [Dialect]; the queries
// are shared.
//
// Timestamps are stored as unix milliseconds so that both engines compare
// and order them the same way.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/kiro/internal/efe"
)

var _ efe.Store = (*Store)(nil)

// Option configures a [Store].
type Option func(*Store)

// WithClock sets the clock used for timestamps and snooze deadlines.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCloser registers a function run after the database is closed, e.g.
// to release the pgx pool behind it.
func WithCloser(fn func()) Option {
	return func(s *Store) { s.onClose = fn }
}

// Store is a SQL-backed [efe.Store]. All methods are safe for concurrent
// use.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	onClose func()
}

// New wraps db. Call [Store.Migrate] before the first query.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{db: db, dialect: dialect, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: migrate: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) wrap(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		err = efe.ErrNotFound
	}
	return fmt.Errorf("%s: %s: %w", s.dialect.Name, op, err)
}

// expectRow turns an UPDATE or DELETE that touched nothing into
// [efe.ErrNotFound].
func (s *Store) expectRow(op string, res sql.Result, err error) error {
	if err != nil {
		return s.wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(op, err)
	}
	if n == 0 {
		return s.wrap(op, efe.ErrNotFound)
	}
	return nil
}

// ── Time encoding ──

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

type scanner interface {
	Scan(dest ...any) error
}

// ── Tasks ──

const taskColumns = `id, title, description, status, priority, due_date, completed_at,
	project_id, context_tags, source_utterance, capture_id, created_at, updated_at`

func scanTask(row scanner) (efe.Task, error) {
	var (
		t                efe.Task
		due, completed   sql.NullInt64
		tags             string
		created, updated int64
		status, priority string
	)
	err := row.Scan(&t.ID, &t.Title, &t.Description, &status, &priority, &due, &completed,
		&t.ProjectID, &tags, &t.SourceUtterance, &t.CaptureID, &created, &updated)
	if err != nil {
		return efe.Task{}, err
	}
	t.Status = efe.TaskStatus(status)
	t.Priority = efe.TaskPriority(priority)
	t.DueDate = fromNullMillis(due)
	t.CompletedAt = fromNullMillis(completed)
	t.ContextTags = efe.SplitTags(tags)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t efe.Task) (efe.Task, error) {
	efe.ApplyTaskDefaults(&t, s.now())
	_, err := s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		nullMillis(t.DueDate), nullMillis(t.CompletedAt), t.ProjectID,
		efe.JoinTags(t.ContextTags), t.SourceUtterance, t.CaptureID,
		millis(t.CreatedAt), millis(t.UpdatedAt))
	if err != nil {
		return efe.Task{}, s.wrap("create task", err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *Store) GetTask(ctx context.Context, id string) (efe.Task, error) {
	t, err := scanTask(s.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return efe.Task{}, s.wrap("get task", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, f efe.TaskFilter) ([]efe.Task, error) {
	var (
		where []string
		args  []any
	)
	switch {
	case f.Status != "":
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	case !f.IncludeClosed:
		where = append(where, "status IN (?, ?)")
		args = append(args, string(efe.TaskPending), string(efe.TaskInProgress))
	}
	if f.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, s.wrap("list tasks", err)
	}
	defer rows.Close()
	var out []efe.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.wrap("scan task", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list tasks", err)
	}
	return out, nil
}

func (s *Store) CompleteTask(ctx context.Context, id string) (efe.Task, error) {
	return s.UpdateTaskStatus(ctx, id, efe.TaskCompleted)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status efe.TaskStatus) (efe.Task, error) {
	now := s.now()
	var completed sql.NullInt64
	if status == efe.TaskCompleted {
		completed = nullMillis(&now)
	}
	res, err := s.exec(ctx, `UPDATE tasks
		SET status = ?, completed_at = COALESCE(?, completed_at), updated_at = ?
		WHERE id = ?`, string(status), completed, millis(now), id)
	if err := s.expectRow("update task status", res, err); err != nil {
		return efe.Task{}, err
	}
	return s.GetTask(ctx, id)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return s.expectRow("delete task", res, err)
}

// ── Reminders ──

const reminderColumns = `id, message, status, trigger_time, triggered_at, acknowledged_at,
	recurrence, recurrence_end, snooze_count, snoozed_until, source_utterance, capture_id,
	task_id, created_at, updated_at`

func scanReminder(row scanner) (efe.Reminder, error) {
	var (
		r                                   efe.Reminder
		status, recurrence                  string
		trigger, created, updated           int64
		triggered, acked, recurEnd, snoozed sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Message, &status, &trigger, &triggered, &acked,
		&recurrence, &recurEnd, &r.SnoozeCount, &snoozed, &r.SourceUtterance, &r.CaptureID,
		&r.TaskID, &created, &updated)
	if err != nil {
		return efe.Reminder{}, err
	}
	r.Status = efe.ReminderStatus(status)
	r.Recurrence = efe.Recurrence(recurrence)
	r.TriggerTime = fromMillis(trigger)
	r.TriggeredAt = fromNullMillis(triggered)
	r.AcknowledgedAt = fromNullMillis(acked)
	r.RecurrenceEnd = fromNullMillis(recurEnd)
	r.SnoozedUntil = fromNullMillis(snoozed)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

func (s *Store) CreateReminder(ctx context.Context, r efe.Reminder) (efe.Reminder, error) {
	efe.ApplyReminderDefaults(&r, s.now())
	_, err := s.exec(ctx, `INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Message, string(r.Status), millis(r.TriggerTime),
		nullMillis(r.TriggeredAt), nullMillis(r.AcknowledgedAt),
		string(r.Recurrence), nullMillis(r.RecurrenceEnd), r.SnoozeCount,
		nullMillis(r.SnoozedUntil), r.SourceUtterance, r.CaptureID, r.TaskID,
		millis(r.CreatedAt), millis(r.UpdatedAt))
	if err != nil {
		return efe.Reminder{}, s.wrap("create reminder", err)
	}
	return s.GetReminder(ctx, r.ID)
}

func (s *Store) GetReminder(ctx context.Context, id string) (efe.Reminder, error) {
	r, err := scanReminder(s.queryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if err != nil {
		return efe.Reminder{}, s.wrap("get reminder", err)
	}
	return r, nil
}

func (s *Store) listReminders(ctx context.Context, op, where string, args ...any) ([]efe.Reminder, error) {
	rows, err := s.query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE `+where+
		` ORDER BY trigger_time, id`, args...)
	if err != nil {
		return nil, s.wrap(op, err)
	}
	defer rows.Close()
	var out []efe.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, s.wrap("scan reminder", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(op, err)
	}
	return out, nil
}

func (s *Store) PendingReminders(ctx context.Context) ([]efe.Reminder, error) {
	return s.listReminders(ctx, "pending reminders", `status = ?`, string(efe.ReminderPending))
}

func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]efe.Reminder, error) {
	ms := millis(now)
	return s.listReminders(ctx, "due reminders",
		`(status = ? AND trigger_time <= ? AND (snoozed_until IS NULL OR snoozed_until <= ?))
		OR (status = ? AND snoozed_until IS NOT NULL AND snoozed_until <= ?)`,
		string(efe.ReminderPending), ms, ms, string(efe.ReminderSnoozed), ms)
}

func (s *Store) TriggerReminder(ctx context.Context, id string) (efe.Reminder, error) {
	now := millis(s.now())
	res, err := s.exec(ctx, `UPDATE reminders SET status = ?, triggered_at = ?, updated_at = ? WHERE id = ?`,
		string(efe.ReminderTriggered), now, now, id)
	if err := s.expectRow("trigger reminder", res, err); err != nil {
		return efe.Reminder{}, err
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) AcknowledgeReminder(ctx context.Context, id string) (efe.Reminder, error) {
	now := millis(s.now())
	res, err := s.exec(ctx, `UPDATE reminders SET status = ?, acknowledged_at = ?, updated_at = ? WHERE id = ?`,
		string(efe.ReminderAcknowledged), now, now, id)
	if err := s.expectRow("acknowledge reminder", res, err); err != nil {
		return efe.Reminder{}, err
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) SnoozeReminder(ctx context.Context, id string, d time.Duration) (efe.Reminder, error) {
	now := s.now()
	res, err := s.exec(ctx, `UPDATE reminders
		SET status = ?, snoozed_until = ?, snooze_count = snooze_count + 1, updated_at = ?
		WHERE id = ?`, string(efe.ReminderSnoozed), millis(now.Add(d)), millis(now), id)
	if err := s.expectRow("snooze reminder", res, err); err != nil {
		return efe.Reminder{}, err
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) UnsnoozeReminder(ctx context.Context, id string) (efe.Reminder, error) {
	_, err := s.exec(ctx, `UPDATE reminders SET status = ?, snoozed_until = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(efe.ReminderPending), millis(s.now()), id, string(efe.ReminderSnoozed))
	if err != nil {
		return efe.Reminder{}, s.wrap("unsnooze reminder", err)
	}
	return s.GetReminder(ctx, id)
}

func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return s.expectRow("delete reminder", res, err)
}

// ── Projects ──

const projectColumns = `id, name, description, status, current_phase, next_step, created_at, updated_at`

func scanProject(row scanner) (efe.Project, error) {
	var (
		p                efe.Project
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.CurrentPhase, &p.NextStep,
		&created, &updated)
	if err != nil {
		return efe.Project{}, err
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

func (s *Store) CreateProject(ctx context.Context, p efe.Project) (efe.Project, error) {
	efe.ApplyProjectDefaults(&p, s.now())
	_, err := s.exec(ctx, `INSERT INTO projects (`+projectColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.Status, p.CurrentPhase, p.NextStep,
		millis(p.CreatedAt), millis(p.UpdatedAt))
	if err != nil {
		return efe.Project{}, s.wrap("create project", err)
	}
	return s.GetProject(ctx, p.ID)
}

func (s *Store) GetProject(ctx context.Context, id string) (efe.Project, error) {
	p, err := scanProject(s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id))
	if err != nil {
		return efe.Project{}, s.wrap("get project", err)
	}
	return p, nil
}

func (s *Store) ProjectByName(ctx context.Context, name string) (efe.Project, error) {
	p, err := scanProject(s.queryRow(ctx, `SELECT `+projectColumns+` FROM projects
		WHERE LOWER(name) = ? ORDER BY created_at LIMIT 1`, strings.ToLower(name)))
	if err != nil {
		return efe.Project{}, s.wrap("project by name", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context, includeInactive bool) ([]efe.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if !includeInactive {
		q += ` WHERE status = ?`
		args = append(args, "active")
	}
	rows, err := s.query(ctx, q+` ORDER BY name`, args...)
	if err != nil {
		return nil, s.wrap("list projects", err)
	}
	defer rows.Close()
	var out []efe.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, s.wrap("scan project", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list projects", err)
	}
	return out, nil
}

func (s *Store) UpdateProjectPhase(ctx context.Context, id, phase, nextStep string) (efe.Project, error) {
	res, err := s.exec(ctx, `UPDATE projects
		SET current_phase = ?, next_step = CASE WHEN ? = '' THEN next_step ELSE ? END, updated_at = ?
		WHERE id = ?`, phase, nextStep, nextStep, millis(s.now()), id)
	if err := s.expectRow("update project phase", res, err); err != nil {
		return efe.Project{}, err
	}
	return s.GetProject(ctx, id)
}

// ── Captures ──

const captureColumns = `id, raw_text, timestamp, processed, processed_at, converted_to,
	detected_intent, confidence, entities_json`

func scanCapture(row scanner) (efe.Capture, error) {
	var (
		c         efe.Capture
		ts        int64
		processed sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.RawText, &ts, &c.Processed, &processed, &c.ConvertedTo,
		&c.DetectedIntent, &c.Confidence, &c.EntitiesJSON)
	if err != nil {
		return efe.Capture{}, err
	}
	c.Timestamp = fromMillis(ts)
	c.ProcessedAt = fromNullMillis(processed)
	return c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateCapture(ctx context.Context, c efe.Capture) (efe.Capture, error) {
	efe.ApplyCaptureDefaults(&c, s.now())
	_, err := s.exec(ctx, `INSERT INTO captures (`+captureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.RawText, millis(c.Timestamp), boolInt(c.Processed), nullMillis(c.ProcessedAt),
		c.ConvertedTo, c.DetectedIntent, c.Confidence, c.EntitiesJSON)
	if err != nil {
		return efe.Capture{}, s.wrap("create capture", err)
	}
	return s.getCapture(ctx, c.ID)
}

func (s *Store) getCapture(ctx context.Context, id string) (efe.Capture, error) {
	c, err := scanCapture(s.queryRow(ctx, `SELECT `+captureColumns+` FROM captures WHERE id = ?`, id))
	if err != nil {
		return efe.Capture{}, s.wrap("get capture", err)
	}
	return c, nil
}

func (s *Store) MarkCaptureProcessed(ctx context.Context, id, convertedTo, entitiesJSON string) (efe.Capture, error) {
	res, err := s.exec(ctx, `UPDATE captures
		SET processed = 1, processed_at = ?, converted_to = ?,
			entities_json = CASE WHEN ? = '' THEN entities_json ELSE ? END
		WHERE id = ?`, millis(s.now()), convertedTo, entitiesJSON, entitiesJSON, id)
	if err := s.expectRow("mark capture processed", res, err); err != nil {
		return efe.Capture{}, err
	}
	return s.getCapture(ctx, id)
}

func (s *Store) UnprocessedCaptures(ctx context.Context) ([]efe.Capture, error) {
	rows, err := s.query(ctx, `SELECT `+captureColumns+` FROM captures WHERE processed = 0 ORDER BY timestamp, id`)
	if err != nil {
		return nil, s.wrap("unprocessed captures", err)
	}
	defer rows.Close()
	var out []efe.Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, s.wrap("scan capture", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("unprocessed captures", err)
	}
	return out, nil
}
