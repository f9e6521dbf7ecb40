// Package telemetry persists per-request performance records so that the
// stats endpoint survives restarts.
package telemetry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"lemond/pkg/types"
)

// Record is one completed forward.
type Record struct {
	Time     time.Time
	Model    string
	Backend  string
	Endpoint string
	Status   int
	Duration time.Duration
	types.Telemetry
}

// Store is a SQLite-backed request history.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens <dataDir>/telemetry.db. Use ":memory:" for a
// throwaway store.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "telemetry.db")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	// one connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	queries := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			model TEXT NOT NULL,
			backend TEXT,
			endpoint TEXT,
			status INTEGER,
			duration_ms INTEGER,
			input_tokens INTEGER,
			output_tokens INTEGER,
			ttft_seconds REAL,
			tokens_per_second REAL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_requests_model ON requests(model);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("init telemetry schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add appends a record.
func (s *Store) Add(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (ts, model, backend, endpoint, status, duration_ms, input_tokens, output_tokens, ttft_seconds, tokens_per_second)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Time.UnixMilli(), r.Model, r.Backend, r.Endpoint, r.Status, r.Duration.Milliseconds(),
		nullInt(r.InputTokens), nullInt(r.OutputTokens), nullFloat(r.TimeToFirstTok), nullFloat(r.TokensPerSecond),
	)
	return err
}

// ErrEmpty is returned by Last when nothing was recorded yet.
var ErrEmpty = errors.New("telemetry: no requests recorded")

// Last returns the most recent record.
func (s *Store) Last(ctx context.Context) (Record, error) {
	var (
		r        Record
		ts, dur  int64
		in, out  sql.NullInt64
		ttft, tp sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT ts, model, backend, endpoint, status, duration_ms, input_tokens, output_tokens, ttft_seconds, tokens_per_second
		FROM requests ORDER BY id DESC LIMIT 1`).
		Scan(&ts, &r.Model, &r.Backend, &r.Endpoint, &r.Status, &dur, &in, &out, &ttft, &tp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrEmpty
	}
	if err != nil {
		return Record{}, err
	}
	r.Time = time.UnixMilli(ts)
	r.Duration = time.Duration(dur) * time.Millisecond
	r.InputTokens = intPtr(in)
	r.OutputTokens = intPtr(out)
	r.TimeToFirstTok = floatPtr(ttft)
	r.TokensPerSecond = floatPtr(tp)
	return r, nil
}

// Count is the number of recorded requests.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	return n, err
}

// Prune deletes records older than cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
