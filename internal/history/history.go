// Package history keeps the sqlite ledger of past runs: one row per
// orchestrator or loop invocation, one row per issue outcome. The
// ledger is advisory; recording failures never fail a run.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/alekspetrov/llp/internal/logging"
)

// Run is one orchestrator or loop invocation.
type Run struct {
	ID         string    `json:"id"`
	Mode       string    `json:"mode"` // auto, parallel, sprint, loop
	Category   string    `json:"category,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Attempted  int       `json:"attempted"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
}

// Finished reports whether the run row was closed out.
func (r *Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// Outcome is one issue's terminal result within a run.
type Outcome struct {
	RunID       string        `json:"run_id"`
	IssueID     string        `json:"issue_id"`
	Stage       string        `json:"stage"`
	Merged      bool          `json:"merged"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	Corrections int           `json:"corrections"`
	RecordedAt  time.Time     `json:"recorded_at"`
}

// Store persists runs and outcomes to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an existing connection and runs
// migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("history store migration failed: %w", err)
	}
	return s, nil
}

// Open opens (or creates) the ledger at path. Pass ":memory:" for an
// ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME,
			attempted INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS issue_outcomes (
			run_id TEXT NOT NULL,
			issue_id TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			merged INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			corrections INTEGER NOT NULL DEFAULT 0,
			recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, issue_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_issue_outcomes_issue
			ON issue_outcomes(issue_id)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// BeginRun inserts a run row and returns a Recorder bound to it.
func (s *Store) BeginRun(mode, category string) (*Recorder, error) {
	run := &Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		Category:  category,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, category, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.Mode, run.Category, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return &Recorder{
		store: s,
		runID: run.ID,
		log:   logging.WithComponent("history"),
	}, nil
}

// FinishRun closes out a run row with its final counters.
func (s *Store) FinishRun(runID string, attempted, completed, failed int) error {
	_, err := s.db.Exec(`
		UPDATE runs SET finished_at = ?, attempted = ?, completed = ?, failed = ?
		WHERE id = ?
	`, time.Now().UTC(), attempted, completed, failed, runID)
	return err
}

// RecordOutcome upserts an issue outcome; a retry within the same run
// overwrites the earlier row.
func (s *Store) RecordOutcome(o *Outcome) error {
	merged := 0
	if o.Merged {
		merged = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO issue_outcomes (run_id, issue_id, stage, merged, error, duration_ms, corrections, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id, issue_id) DO UPDATE SET
			stage = excluded.stage,
			merged = excluded.merged,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			corrections = excluded.corrections,
			recorded_at = CURRENT_TIMESTAMP
	`, o.RunID, o.IssueID, o.Stage, merged, o.Error, o.Duration.Milliseconds(), o.Corrections)
	return err
}

// GetRun retrieves one run by id. Returns nil, nil when absent.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, mode, category, started_at, finished_at, attempted, completed, failed
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RecentRuns returns the newest runs, most recent first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, mode, category, started_at, finished_at, attempted, completed, failed
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunOutcomes returns every issue outcome of one run, by issue id.
func (s *Store) RunOutcomes(runID string) ([]*Outcome, error) {
	rows, err := s.db.Query(`
		SELECT run_id, issue_id, stage, merged, error, duration_ms, corrections, recorded_at
		FROM issue_outcomes WHERE run_id = ? ORDER BY issue_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOutcomes(rows)
}

// IssueOutcomes returns past outcomes of one issue across runs, most
// recent first.
func (s *Store) IssueOutcomes(issueID string, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, issue_id, stage, merged, error, duration_ms, corrections, recorded_at
		FROM issue_outcomes WHERE issue_id = ? ORDER BY recorded_at DESC LIMIT ?
	`, issueID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectOutcomes(rows)
}

// PurgeOldRuns removes runs (and their outcomes) older than the given
// duration. Unfinished runs are never purged.
func (s *Store) PurgeOldRuns(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	if _, err := s.db.Exec(`
		DELETE FROM issue_outcomes WHERE run_id IN
			(SELECT id FROM runs WHERE finished_at IS NOT NULL AND started_at < ?)
	`, cutoff); err != nil {
		return 0, err
	}
	result, err := s.db.Exec(`
		DELETE FROM runs WHERE finished_at IS NOT NULL AND started_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func collectOutcomes(rows *sql.Rows) ([]*Outcome, error) {
	var outcomes []*Outcome
	for rows.Next() {
		var o Outcome
		var merged, durationMs int64
		var recorded sql.NullTime
		if err := rows.Scan(&o.RunID, &o.IssueID, &o.Stage, &merged, &o.Error,
			&durationMs, &o.Corrections, &recorded); err != nil {
			return nil, err
		}
		o.Merged = merged != 0
		o.Duration = time.Duration(durationMs) * time.Millisecond
		if recorded.Valid {
			o.RecordedAt = recorded.Time
		}
		outcomes = append(outcomes, &o)
	}
	return outcomes, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var finished sql.NullTime
	if err := scan(&run.ID, &run.Mode, &run.Category, &run.StartedAt, &finished,
		&run.Attempted, &run.Completed, &run.Failed); err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}

// Recorder ties outcome writes to one run row. All methods log and
// swallow storage errors so the ledger can never sink a run.
type Recorder struct {
	store *Store
	runID string
	log   *slog.Logger
}

// RunID returns the ledger id of the bound run.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// Outcome records one issue's terminal result.
func (r *Recorder) Outcome(issueID, stage string, merged bool, errText string, duration time.Duration, corrections int) {
	if r == nil {
		return
	}
	err := r.store.RecordOutcome(&Outcome{
		RunID:       r.runID,
		IssueID:     issueID,
		Stage:       stage,
		Merged:      merged,
		Error:       errText,
		Duration:    duration,
		Corrections: corrections,
	})
	if err != nil {
		r.log.Warn("Failed to record issue outcome",
			slog.String("issue", issueID),
			slog.String("error", err.Error()),
		)
	}
}

// Finish closes out the bound run row.
func (r *Recorder) Finish(attempted, completed, failed int) {
	if r == nil {
		return
	}
	if err := r.store.FinishRun(r.runID, attempted, completed, failed); err != nil {
		r.log.Warn("Failed to finish run row", slog.String("error", err.Error()))
	}
}
