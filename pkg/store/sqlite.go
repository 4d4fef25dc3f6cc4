package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/renderq/renderq/pkg/models"
)

// SQLiteStore is the SQLite-backed job store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the job database.
//
// Connection string parameters:
//   - _journal_mode=WAL: Write-Ahead Logging for concurrent readers
//   - _busy_timeout=10000: wait up to 10 seconds when locked
//   - _synchronous=NORMAL: balance between safety and performance
//   - _txlock=immediate: take the write lock at transaction start so
//     two claim transactions never deadlock mid-way
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent claims.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		input TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		error TEXT,
		worker_owner TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs(state, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `id, state, input, progress, output, error, worker_owner, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var inputJSON string
	var outputJSON, errorJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.State, &inputJSON, &job.ProgressPct,
		&outputJSON, &errorJSON, &job.WorkerOwner,
		&job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(inputJSON), &job.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &job.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if errorJSON.Valid && errorJSON.String != "" {
		if err := json.Unmarshal([]byte(errorJSON.String), &job.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	return &job, nil
}

// Insert writes a new row in queued state with created_at = now.
func (s *SQLiteStore) Insert(job *models.Job) error {
	input, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.State = models.JobStateQueued

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, state, input, progress, worker_owner, created_at)
		VALUES (?, ?, ?, 0, '', ?)
	`, job.ID, job.State, string(input), job.CreatedAt)

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrDuplicateID
	}
	return err
}

// Get retrieves a job by ID.
func (s *SQLiteStore) Get(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

// List returns all jobs, newest first.
func (s *SQLiteStore) List() ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNext atomically claims the oldest queued job. The select and
// the conditional update run in one immediate transaction, and the
// update re-checks state = queued, so two callers (in this process or
// another) can never both claim the same row.
func (s *SQLiteStore) ClaimNext(owner string) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1
	`, models.JobStateQueued)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	result, err := tx.Exec(`
		UPDATE jobs
		SET state = ?, worker_owner = ?, started_at = ?
		WHERE id = ? AND state = ?
	`, models.JobStatePreparing, owner, now, job.ID, models.JobStateQueued)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		// Lost the race to another claimer.
		return nil, ErrNoJob
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.State = models.JobStatePreparing
	job.WorkerOwner = owner
	job.StartedAt = &now

	return job, nil
}

// AdvanceState writes a pipeline-internal state after validating the
// move against the transition table. Writing the same state twice is a
// no-op, writes against a terminal row are dropped, and terminal
// targets are rejected.
func (s *SQLiteStore) AdvanceState(id string, state models.JobState) error {
	if models.IsTerminalState(state) {
		return fmt.Errorf("cannot advance to terminal state %s", state)
	}

	cur, err := s.Get(id)
	if err != nil {
		return err
	}
	if models.IsTerminalState(cur.State) {
		return nil
	}
	if err := models.ValidateTransition(cur.State, state); err != nil {
		return err
	}

	// Compare-and-swap on the observed state so a concurrent terminal
	// write between the read and this update is never overwritten.
	result, err := s.db.Exec(`
		UPDATE jobs SET state = ?
		WHERE id = ? AND state = ?
	`, state, id, cur.State)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.checkExists(id)
	}
	return nil
}

// UpdateProgress writes the progress percentage, effective only while
// the job is encoding. Values are clamped to 0-99; only MarkDone
// writes 100.
func (s *SQLiteStore) UpdateProgress(id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}

	// Progress only moves forward; a late, out-of-order write is
	// dropped rather than rewinding the bar.
	result, err := s.db.Exec(`
		UPDATE jobs SET progress = ?
		WHERE id = ? AND state = ? AND progress <= ?
	`, pct, id, models.JobStateEncoding, pct)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.checkExists(id)
	}
	return nil
}

// MarkDone writes the terminal success state: output recorded,
// progress forced to 100, completed_at set, owner cleared. A no-op if
// a terminal write already happened (first writer wins).
func (s *SQLiteStore) MarkDone(id string, output *models.JobOutput) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, output = ?, progress = 100, completed_at = ?, worker_owner = ''
		WHERE id = ? AND state NOT IN (?, ?)
	`, models.JobStateDone, string(outputJSON), time.Now(),
		id, models.JobStateDone, models.JobStateFailed)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.checkExists(id)
	}
	return nil
}

// MarkFail writes the terminal failure state. A no-op if a terminal
// write already happened (first writer wins).
func (s *SQLiteStore) MarkFail(id string, jobErr *models.JobError) error {
	errorJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, error = ?, completed_at = ?, worker_owner = ''
		WHERE id = ? AND state NOT IN (?, ?)
	`, models.JobStateFailed, string(errorJSON), time.Now(),
		id, models.JobStateDone, models.JobStateFailed)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return s.checkExists(id)
	}
	return nil
}

// RecoverOrphans fails every claimed, non-terminal row. A single
// worker cannot know whether an in-flight job's subprocess survived a
// restart, so the safe default is to fail the job rather than resume
// or lose it. Idempotent: a second run finds nothing to do.
func (s *SQLiteStore) RecoverOrphans() (int, error) {
	errorJSON, err := json.Marshal(&models.JobError{
		Code:    models.ErrCodeSystemRestart,
		Message: "job was in flight when the worker process restarted",
	})
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		UPDATE jobs
		SET state = ?, error = ?, completed_at = ?, worker_owner = ''
		WHERE state NOT IN (?, ?, ?)
	`, models.JobStateFailed, string(errorJSON), time.Now(),
		models.JobStateQueued, models.JobStateDone, models.JobStateFailed)
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// CountByState returns the number of jobs per state.
func (s *SQLiteStore) CountByState() (map[models.JobState]int, error) {
	rows, err := s.db.Query(`SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobState]int)
	for rows.Next() {
		var state models.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) checkExists(id string) error {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
