// Package queue provides a WAL-mode SQLite outbox for rule matches awaiting
// webhook delivery, and the Deliverer that drains it.
//
// # At-least-once delivery
//
// A match is persisted by Enqueue and stays pending until Ack. If the
// process exits between Enqueue and Ack, the match is returned again by the
// next Dequeue after restart, so a receiver may see duplicates but never
// misses a match that reached the outbox.
//
// # Dead letters
//
// A row that keeps failing is moved out of the pending set by DeadLetter
// so it cannot block the rows behind it. Dead-lettered rows stay in the
// database for inspection; acknowledged rows are removed by Prune.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/watchtower/internal/rules"
)

// Outbox is a SQLite-backed FIFO of match records. It is safe for
// concurrent use.
type Outbox struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the outbox database at path. ":memory:" gives an
// in-memory database for tests.
//
// The depth counter is seeded from rows still pending, so Depth is accurate
// immediately after a restart.
func New(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// One connection: SQLite has a single writer and this avoids
	// "database is locked" under concurrent Enqueue.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("queue: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	o := &Outbox{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM match_outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	o.depth.Store(count)

	return o, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS match_outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id     TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    attempts    INTEGER NOT NULL DEFAULT 0,
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_match_outbox_pending
    ON match_outbox (delivered, id);
`

// Row states stored in match_outbox.delivered; 0 is pending.
const (
	stateDelivered    = 1
	stateDeadLettered = 2
)

// Enqueue stores m as pending.
func (o *Outbox) Enqueue(ctx context.Context, m rules.Match) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("queue: marshal match: %w", err)
	}

	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO match_outbox (rule_id, payload) VALUES (?, ?)`,
		m.RuleID, string(payload),
	); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	o.depth.Add(1)
	return nil
}

// Pending is an unacknowledged outbox row.
type Pending struct {
	ID         int64
	RuleID     string
	Payload    json.RawMessage
	EnqueuedAt time.Time
	Attempts   int
}

// Match decodes the payload.
func (p Pending) Match() (rules.Match, error) {
	var m rules.Match
	err := json.Unmarshal(p.Payload, &m)
	return m, err
}

// Dequeue returns up to n pending rows, oldest first, without removing them.
// n <= 0 returns nil without querying.
func (o *Outbox) Dequeue(ctx context.Context, n int) ([]Pending, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := o.db.QueryContext(ctx,
		`SELECT id, rule_id, payload, enqueued_at, attempts
		 FROM   match_outbox
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []Pending
	for rows.Next() {
		var (
			p       Pending
			payload string
			ts      string
		)
		if err := rows.Scan(&p.ID, &p.RuleID, &payload, &ts, &p.Attempts); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		p.Payload = json.RawMessage(payload)
		p.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack marks ids delivered. It is idempotent; the depth counter only moves
// for rows that were still pending.
func (o *Outbox) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	res, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE match_outbox SET delivered = ? WHERE id IN (%s) AND delivered = 0`, placeholders(len(ids))),
		append([]any{stateDelivered}, int64Args(ids)...)...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	o.depth.Add(-n)
	return nil
}

// MarkAttempt increments the attempt counter of ids after a failed send.
func (o *Outbox) MarkAttempt(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE match_outbox SET attempts = attempts + 1 WHERE id IN (%s)`, placeholders(len(ids))),
		int64Args(ids)...,
	)
	if err != nil {
		return fmt.Errorf("queue: mark attempt: %w", err)
	}
	return nil
}

// DeadLetter removes ids from the pending set without delivering them. Only
// rows still pending are affected.
func (o *Outbox) DeadLetter(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{stateDeadLettered}, int64Args(ids)...)
	res, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE match_outbox SET delivered = ? WHERE id IN (%s) AND delivered = 0`, placeholders(len(ids))),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: dead-letter: %w", err)
	}
	n, _ := res.RowsAffected()
	o.depth.Add(-n)
	return nil
}

// DeadLettered returns the number of dead-lettered rows.
func (o *Outbox) DeadLettered(ctx context.Context) (int, error) {
	var n int
	if err := o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM match_outbox WHERE delivered = ?`, stateDeadLettered,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count dead letters: %w", err)
	}
	return n, nil
}

// Prune deletes acknowledged rows and returns how many were removed.
func (o *Outbox) Prune(ctx context.Context) (int64, error) {
	res, err := o.db.ExecContext(ctx, `DELETE FROM match_outbox WHERE delivered = ?`, stateDelivered)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Depth returns the number of pending rows without touching the database.
func (o *Outbox) Depth() int {
	return int(o.depth.Load())
}

// Close closes the database. The outbox must not be used afterwards.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
