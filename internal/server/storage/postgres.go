package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/watchtower/internal/notify"
)

const (
	// DefaultBatchSize is the maximum number of rows held in memory before
	// an automatic flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered rows are flushed even when
	// the batch is not full.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Schema creates the match table and its indexes. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rule_matches (
    match_id    UUID             PRIMARY KEY,
    rule_id     TEXT             NOT NULL,
    rule_name   TEXT             NOT NULL,
    event       TEXT             NOT NULL,
    path        TEXT             NOT NULL,
    observed_at TIMESTAMPTZ      NOT NULL,
    matched_at  TIMESTAMPTZ      NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rule_matches_matched_at ON rule_matches (matched_at DESC);
CREATE INDEX IF NOT EXISTS idx_rule_matches_rule ON rule_matches (rule_id, matched_at DESC);
`

// Store is the PostgreSQL match mirror. Inserts are buffered and flushed
// when the buffer reaches batchSize or the background ticker fires. Rows of
// a batch that fails to insert are dropped and logged; the audit journal
// remains the record of truth.
type Store struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	mu            sync.Mutex
	batch         []MatchRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New connects to connStr, pings, applies Schema and starts the flush loop.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, logger *slog.Logger, batchSize int, flushInterval time.Duration) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}

	return newStore(pool, logger, batchSize, flushInterval), nil
}

func newStore(pool *pgxpool.Pool, logger *slog.Logger, batchSize int, flushInterval time.Duration) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	s := &Store{
		pool:          pool,
		logger:        logger,
		batch:         make([]MatchRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Close stops the flush loop, flushes what is buffered, and closes the
// pool. Subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
		return
	default:
		close(s.stopCh)
		<-s.doneCh
		s.flushAndLog(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.flushAndLog(context.Background())
		}
	}
}

func (s *Store) flushAndLog(ctx context.Context) {
	if n, err := s.flush(ctx); err != nil {
		s.logger.Warn("postgres flush failed, rows dropped",
			slog.Int("rows", n),
			slog.Any("error", err),
		)
	}
}

// BatchInsertMatches buffers rec. When the buffer is full it is flushed
// synchronously so callers see back-pressure instead of unbounded growth.
func (s *Store) BatchInsertMatches(ctx context.Context, rec MatchRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush sends every buffered row in one pgx.Batch round-trip. Duplicate
// match ids are ignored.
func (s *Store) Flush(ctx context.Context) error {
	_, err := s.flush(ctx)
	return err
}

// flush is Flush reporting how many rows the attempt carried.
func (s *Store) flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	toInsert := s.batch
	s.batch = make([]MatchRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO rule_matches
			(match_id, rule_id, rule_name, event, path, observed_at, matched_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		b.Queue(query,
			r.MatchID, r.RuleID, r.RuleName, r.Event, r.Path,
			r.ObservedAt, r.MatchedAt, r.Confidence,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return len(toInsert), fmt.Errorf("storage: batch insert match: %w", err)
		}
	}
	return len(toInsert), nil
}

// QueryMatches returns matches with matched_at in [q.From, q.To), newest
// first, optionally restricted to one rule.
func (s *Store) QueryMatches(ctx context.Context, q MatchQuery) ([]MatchRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.To.IsZero() {
		q.To = time.Now()
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE matched_at >= $1 AND matched_at < $2"
	if q.RuleID != "" {
		where += " AND rule_id = $5"
		args = append(args, q.RuleID)
	}

	sql := fmt.Sprintf(`
		SELECT match_id::text, rule_id, rule_name, event, path,
		       observed_at, matched_at, confidence
		FROM   rule_matches
		%s
		ORDER  BY matched_at DESC, match_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query matches: %w", err)
	}
	defer rows.Close()

	out := []MatchRecord{}
	for rows.Next() {
		var r MatchRecord
		if err := rows.Scan(
			&r.MatchID, &r.RuleID, &r.RuleName, &r.Event, &r.Path,
			&r.ObservedAt, &r.MatchedAt, &r.Confidence,
		); err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountMatchesByRule returns the number of mirrored matches per rule id.
func (s *Store) CountMatchesByRule(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT rule_id, COUNT(*) FROM rule_matches GROUP BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: count matches: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("storage: scan count: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// Handler returns a notify.Handler that mirrors each match.
func (s *Store) Handler() notify.Handler {
	return func(ctx context.Context, f notify.Firing) error {
		return s.BatchInsertMatches(ctx, FromMatch(f.Match))
	}
}
