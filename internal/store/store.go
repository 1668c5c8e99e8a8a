package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Outcome classifies what happened to one comment.
type Outcome string

const (
	OutcomeResolved       Outcome = "resolved"
	OutcomeAlreadyApplied Outcome = "already_applied"
	OutcomeNeedsReview    Outcome = "needs_review"
	OutcomeDryRun         Outcome = "dry_run"
	OutcomeFailed         Outcome = "failed"
)

// Final reports whether a comment with this outcome should not be picked up again.
// Failures and dry runs stay eligible for the next run.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeResolved, OutcomeAlreadyApplied, OutcomeNeedsReview:
		return true
	}
	return false
}

// Record is one ledger row.
type Record struct {
	RunID       string    `json:"run_id"`
	CommentID   string    `json:"comment_id"`
	PageURL     string    `json:"page_url"`
	Outcome     Outcome   `json:"outcome"`
	Method      string    `json:"method,omitempty"`
	Path        string    `json:"path,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Ledger remembers per-comment outcomes across runs.
type Ledger interface {
	RecordOutcome(ctx context.Context, rec Record) error
	IsProcessed(ctx context.Context, commentID string) (bool, error)
	OutcomesByRun(ctx context.Context, runID string) ([]Record, error)
}

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL Ledger.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// Open connects to url, verifies the connection and makes sure the schema exists.
// The returned close function releases the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := New(pool, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// New wraps an existing pool.
func New(pool DBPool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS comment_outcomes (
    id           BIGSERIAL PRIMARY KEY,
    run_id       TEXT NOT NULL,
    comment_id   TEXT NOT NULL,
    page_url     TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    method       TEXT NOT NULL DEFAULT '',
    path         TEXT NOT NULL DEFAULT '',
    detail       TEXT NOT NULL DEFAULT '',
    processed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS comment_outcomes_comment_id_idx ON comment_outcomes (comment_id);
`

// EnsureSchema creates the ledger table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const insertOutcomeSQL = `
INSERT INTO comment_outcomes (run_id, comment_id, page_url, outcome, method, path, detail, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

// RecordOutcome appends a row for one processed comment.
func (s *Store) RecordOutcome(ctx context.Context, rec Record) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, insertOutcomeSQL,
		rec.RunID, rec.CommentID, rec.PageURL, string(rec.Outcome),
		rec.Method, rec.Path, rec.Detail, rec.ProcessedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", rec.CommentID, err)
	}
	s.log.Debug("Recorded outcome.", zap.String("comment_id", rec.CommentID), zap.String("outcome", string(rec.Outcome)))
	return nil
}

const isProcessedSQL = `
SELECT EXISTS (
    SELECT 1 FROM comment_outcomes
    WHERE comment_id = $1 AND outcome = ANY($2)
);
`

// IsProcessed reports whether commentID already has a final outcome.
func (s *Store) IsProcessed(ctx context.Context, commentID string) (bool, error) {
	final := []string{string(OutcomeResolved), string(OutcomeAlreadyApplied), string(OutcomeNeedsReview)}
	var exists bool
	if err := s.pool.QueryRow(ctx, isProcessedSQL, commentID, final).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to query outcome for %s: %w", commentID, err)
	}
	return exists, nil
}

const outcomesByRunSQL = `
SELECT comment_id, page_url, outcome, method, path, detail, processed_at
FROM comment_outcomes
WHERE run_id = $1
ORDER BY processed_at ASC, id ASC;
`

// OutcomesByRun returns the rows written by one run in processing order.
func (s *Store) OutcomesByRun(ctx context.Context, runID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, outcomesByRunSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := Record{RunID: runID}
		var outcome string
		if err := rows.Scan(&rec.CommentID, &rec.PageURL, &outcome, &rec.Method, &rec.Path, &rec.Detail, &rec.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// Memory is an in-process Ledger used when no database is configured.
type Memory struct {
	mu      sync.Mutex
	records []Record
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) RecordOutcome(_ context.Context, rec Record) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *Memory) IsProcessed(_ context.Context, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.CommentID == commentID && r.Outcome.Final() {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) OutcomesByRun(_ context.Context, runID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, r := range m.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}
