package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/EliasChaung/xuanpolicy/pkg/vecenv"
)

type SQLiteStore struct {
	path string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteStore(path string) *SQLiteStore {
	return &SQLiteStore{path: path}
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	// one connection keeps ":memory:" databases and write ordering intact
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}

	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run Run) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (id, name, env_kind, num_envs, series_size, launcher, started_at, finished_at, steps)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			env_kind = excluded.env_kind,
			num_envs = excluded.num_envs,
			series_size = excluded.series_size,
			launcher = excluded.launcher,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			steps = excluded.steps
	`, run.ID, run.Name, run.EnvKind, run.NumEnvs, run.SeriesSize, run.Launcher,
		formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Steps)
	return err
}

func (s *SQLiteStore) RecordEpisode(ctx context.Context, rec vecenv.EpisodeRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO episodes (run_id, slot, episode, steps, score, won, truncated, dead_allies, dead_enemies, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RunID, rec.Slot, rec.Episode, rec.Steps, rec.Score, rec.Won, rec.Truncated,
		rec.DeadAllies, rec.DeadEnemies, formatTime(rec.EndedAt))
	return err
}

// Episodes returns the most recent limit episodes of a run, oldest first.
// A non-positive limit returns all of them.
func (s *SQLiteStore) Episodes(ctx context.Context, runID string, limit int) ([]vecenv.EpisodeRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT run_id, slot, episode, steps, score, won, truncated, dead_allies, dead_enemies, ended_at
		FROM episodes
		WHERE run_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vecenv.EpisodeRecord
	for rows.Next() {
		var (
			rec     vecenv.EpisodeRecord
			endedAt string
		)
		if err := rows.Scan(&rec.RunID, &rec.Slot, &rec.Episode, &rec.Steps, &rec.Score, &rec.Won,
			&rec.Truncated, &rec.DeadAllies, &rec.DeadEnemies, &endedAt); err != nil {
			return nil, err
		}
		if rec.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, fmt.Errorf("decode episode of run %s: %w", runID, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteStore) Summaries(ctx context.Context) ([]RunSummary, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.id, r.name, r.env_kind, r.num_envs, r.series_size, r.launcher, r.started_at, r.finished_at, r.steps,
			COUNT(e.id), COALESCE(SUM(e.won), 0), COALESCE(AVG(e.score), 0)
		FROM runs r
		LEFT JOIN episodes e ON e.run_id = r.id
		GROUP BY r.id
		ORDER BY r.started_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			sum                 RunSummary
			startedAt, finished string
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.EnvKind, &sum.NumEnvs, &sum.SeriesSize, &sum.Launcher,
			&startedAt, &finished, &sum.Steps, &sum.Episodes, &sum.Wins, &sum.MeanScore); err != nil {
			return nil, err
		}
		if sum.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", sum.ID, err)
		}
		if sum.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", sum.ID, err)
		}
		if sum.Episodes > 0 {
			sum.WinRate = float64(sum.Wins) / float64(sum.Episodes)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			env_kind TEXT NOT NULL,
			num_envs INTEGER NOT NULL,
			series_size INTEGER NOT NULL,
			launcher TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			steps INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS episodes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			slot INTEGER NOT NULL,
			episode INTEGER NOT NULL,
			steps INTEGER NOT NULL,
			score REAL NOT NULL,
			won INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			dead_allies REAL NOT NULL,
			dead_enemies REAL NOT NULL,
			ended_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS episodes_run ON episodes (run_id, id);
	`)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
