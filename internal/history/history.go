// Package history persists episode and step records in SQLite so rollout
// outcomes survive agent restarts and can be inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/softcane/canary-pilot/internal/controller"
	"github.com/softcane/canary-pilot/internal/env"
)

const schema = `
CREATE TABLE IF NOT EXISTS episodes (
	episode_id    TEXT PRIMARY KEY,
	release_name  TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	steps         INTEGER NOT NULL,
	final_weight  INTEGER NOT NULL,
	total_reward  REAL NOT NULL,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS episode_steps (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	episode_id    TEXT NOT NULL,
	step          INTEGER NOT NULL,
	error_rate    REAL NOT NULL,
	latency_ratio REAL NOT NULL,
	absent        INTEGER NOT NULL,
	requested     TEXT NOT NULL,
	applied       TEXT NOT NULL,
	forced        INTEGER NOT NULL,
	weight        INTEGER NOT NULL,
	reward        REAL NOT NULL,
	FOREIGN KEY (episode_id) REFERENCES episodes(episode_id)
);

CREATE INDEX IF NOT EXISTS idx_steps_episode ON episode_steps(episode_id, step);
`

// Store records episodes in SQLite. It implements controller.Recorder.
type Store struct {
	db *sql.DB
}

// NewStore opens the database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordEpisode stores the final result of one episode.
func (s *Store) RecordEpisode(ctx context.Context, result controller.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (episode_id, release_name, outcome, steps, final_weight, total_reward, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID.String(),
		result.Release,
		string(result.Outcome),
		result.Steps,
		result.FinalWeight,
		result.TotalReward,
		result.StartedAt.UTC().Format(time.RFC3339Nano),
		result.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// RecordStep stores one executed decision step.
func (s *Store) RecordStep(ctx context.Context, episodeID uuid.UUID, rec controller.StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episode_steps (episode_id, step, error_rate, latency_ratio, absent, requested, applied, forced, weight, reward)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		episodeID.String(),
		rec.Step,
		rec.State.ErrorRate,
		rec.State.LatencyRatio,
		boolToInt(rec.State.Absent),
		rec.Requested.String(),
		rec.Applied.String(),
		boolToInt(rec.Forced),
		rec.Weight,
		rec.Reward,
	)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// Episode returns one stored episode by ID.
func (s *Store) Episode(ctx context.Context, id uuid.UUID) (controller.Result, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT episode_id, release_name, outcome, steps, final_weight, total_reward, started_at, finished_at
		 FROM episodes WHERE episode_id = ?`, id.String())
	return scanEpisode(row)
}

// RecentEpisodes returns the latest episodes, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, limit int) ([]controller.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT episode_id, release_name, outcome, steps, final_weight, total_reward, started_at, finished_at
		 FROM episodes ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var results []controller.Result
	for rows.Next() {
		r, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Steps returns the step trace for one episode in order.
func (s *Store) Steps(ctx context.Context, id uuid.UUID) ([]controller.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, error_rate, latency_ratio, absent, requested, applied, forced, weight, reward
		 FROM episode_steps WHERE episode_id = ? ORDER BY step`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var steps []controller.StepRecord
	for rows.Next() {
		var (
			rec                controller.StepRecord
			absent, forced     int
			requested, applied string
		)
		if err := rows.Scan(&rec.Step, &rec.State.ErrorRate, &rec.State.LatencyRatio,
			&absent, &requested, &applied, &forced, &rec.Weight, &rec.Reward); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.State.Absent = absent != 0
		rec.State.Weight = rec.Weight
		rec.Forced = forced != 0
		rec.Requested = parseAction(requested)
		rec.Applied = parseAction(applied)
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (controller.Result, error) {
	var (
		r                 controller.Result
		id, outcome       string
		started, finished string
	)
	if err := row.Scan(&id, &r.Release, &outcome, &r.Steps, &r.FinalWeight, &r.TotalReward, &started, &finished); err != nil {
		return controller.Result{}, fmt.Errorf("scan episode: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return controller.Result{}, fmt.Errorf("parse episode id: %w", err)
	}
	r.ID = parsed
	r.Outcome = controller.Phase(outcome)
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return controller.Result{}, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return controller.Result{}, fmt.Errorf("parse finished_at: %w", err)
	}
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseAction(s string) env.Action {
	switch s {
	case "up":
		return env.ActionUp
	case "down":
		return env.ActionDown
	default:
		return env.ActionHold
	}
}
