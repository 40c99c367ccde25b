package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	// Name identifies the dialect in errors and logs.
	Name string

	// Numbered rewrites "?" placeholders to "$1", "$2", ...
	Numbered bool

	// BigInt is the column type for unix-millisecond timestamps.
	BigInt string

	// Real is the column type for floating point values.
	Real string
}

var (
	// SQLite is the dialect of modernc.org/sqlite.
	SQLite = Dialect{Name: "sqlite", BigInt: "INTEGER", Real: "REAL"}

	// Postgres is the dialect of PostgreSQL through pgx.
	Postgres = Dialect{Name: "postgres", Numbered: true, BigInt: "BIGINT", Real: "DOUBLE PRECISION"}
)

// rebind rewrites query placeholders for the dialect. Queries in this
// package never contain literal question marks.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Schema returns the idempotent DDL for the dialect.
func (d Dialect) Schema() []string {
	ts, float := d.BigInt, d.Real
	return []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'active',
			current_phase TEXT NOT NULL DEFAULT '',
			next_step     TEXT NOT NULL DEFAULT '',
			created_at    ` + ts + ` NOT NULL,
			updated_at    ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_name ON projects(name)`,
		`CREATE TABLE IF NOT EXISTS captures (
			id              TEXT PRIMARY KEY,
			raw_text        TEXT NOT NULL,
			timestamp       ` + ts + ` NOT NULL,
			processed       INTEGER NOT NULL DEFAULT 0,
			processed_at    ` + ts + `,
			converted_to    TEXT NOT NULL DEFAULT '',
			detected_intent TEXT NOT NULL DEFAULT '',
			confidence      ` + float + ` NOT NULL DEFAULT 0,
			entities_json   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_captures_processed ON captures(processed, timestamp)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id               TEXT PRIMARY KEY,
			title            TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			priority         TEXT NOT NULL,
			due_date         ` + ts + `,
			completed_at     ` + ts + `,
			project_id       TEXT NOT NULL DEFAULT '',
			context_tags     TEXT NOT NULL DEFAULT '',
			source_utterance TEXT NOT NULL DEFAULT '',
			capture_id       TEXT NOT NULL DEFAULT '',
			created_at       ` + ts + ` NOT NULL,
			updated_at       ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id               TEXT PRIMARY KEY,
			message          TEXT NOT NULL,
			status           TEXT NOT NULL,
			trigger_time     ` + ts + ` NOT NULL,
			triggered_at     ` + ts + `,
			acknowledged_at  ` + ts + `,
			recurrence       TEXT NOT NULL DEFAULT 'none',
			recurrence_end   ` + ts + `,
			snooze_count     INTEGER NOT NULL DEFAULT 0,
			snoozed_until    ` + ts + `,
			source_utterance TEXT NOT NULL DEFAULT '',
			capture_id       TEXT NOT NULL DEFAULT '',
			task_id          TEXT NOT NULL DEFAULT '',
			created_at       ` + ts + ` NOT NULL,
			updated_at       ` + ts + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_status_trigger ON reminders(status, trigger_time)`,
	}
}
