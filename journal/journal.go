// Package journal records every intent and its outcome in SQLite.
//
// A session sends each intent twice, once pending and once with the backend
// answer; the journal keeps one row per intent id holding the latest status.
//
// Usage:
//
//	j, err := journal.Open("composer.db")
//	router := intent.NewRouter(logger, j, intent.NewStdout(nil))
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/pagecomposer/intent"
)

// Schema is the journal DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS intents (
    id          TEXT PRIMARY KEY,
    op          TEXT NOT NULL,
    container   TEXT NOT NULL DEFAULT '',
    component   TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    error       TEXT NOT NULL DEFAULT '',
    payload     TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);
CREATE INDEX IF NOT EXISTS idx_intents_container ON intents(container);
CREATE INDEX IF NOT EXISTS idx_intents_created ON intents(created_at);
`

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("journal: intent not found")

// Journal is an intent.Sink backed by SQLite.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ intent.Sink = (*Journal)(nil)

// Open opens (or creates) the journal at path. ":memory:" gives a private
// in-memory journal.
func Open(path string, opts ...Option) (*Journal, error) {
	cfg := configure(opts)
	db, err := open(path, cfg)
	if err != nil {
		return nil, err
	}
	return &Journal{db: db, logger: cfg.logger, now: time.Now}, nil
}

// DB exposes the handle for ad-hoc queries.
func (j *Journal) DB() *sql.DB { return j.db }

// Send records in, replacing the previous record with the same id.
func (j *Journal) Send(ctx context.Context, in intent.Intent) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("journal: marshal %s: %w", in.ID, err)
	}
	now := j.now().UnixMilli()
	_, err = execRetry(ctx, j.db, `
		INSERT INTO intents (id, op, container, component, status, error, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			component  = excluded.component,
			status     = excluded.status,
			error      = excluded.error,
			payload    = excluded.payload,
			updated_at = excluded.updated_at`,
		in.ID, string(in.Op), in.Container, in.Component, string(in.Status), in.Error,
		string(payload), in.CreatedAt.UnixMilli(), now)
	if err != nil {
		return fmt.Errorf("journal: record %s: %w", in.ID, err)
	}
	j.logger.Debug("journal: recorded", "id", in.ID, "op", string(in.Op), "status", string(in.Status))
	return nil
}

// Get returns the latest record of one intent.
func (j *Journal) Get(ctx context.Context, id string) (intent.Intent, error) {
	row := j.db.QueryRowContext(ctx, `SELECT payload FROM intents WHERE id = ?`, id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return intent.Intent{}, fmt.Errorf("journal: get %s: %w", id, ErrNotFound)
		}
		return intent.Intent{}, fmt.Errorf("journal: get %s: %w", id, err)
	}
	return decode(payload)
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Status    intent.Status
	Container string
	Limit     int // default 100
}

// List returns intents oldest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]intent.Intent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT payload FROM intents
		WHERE (? = '' OR status = ?) AND (? = '' OR container = ?)
		ORDER BY created_at, rowid
		LIMIT ?`,
		string(f.Status), string(f.Status), f.Container, f.Container, f.Limit)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()

	var out []intent.Intent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("journal: list: %w", err)
		}
		in, err := decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Counts returns the number of intents per status.
func (j *Journal) Counts(ctx context.Context) (map[intent.Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM intents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("journal: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[intent.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("journal: counts: %w", err)
		}
		out[intent.Status(status)] = n
	}
	return out, rows.Err()
}

// Prune deletes settled intents last updated before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := execRetry(ctx, j.db,
		`DELETE FROM intents WHERE status != ? AND updated_at < ?`,
		string(intent.StatusPending), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Info("journal: pruned", "rows", n)
	}
	return n, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func decode(payload string) (intent.Intent, error) {
	var in intent.Intent
	if err := json.Unmarshal([]byte(payload), &in); err != nil {
		return intent.Intent{}, fmt.Errorf("journal: decode: %w", err)
	}
	return in, nil
}
