package store

import (
	"errors"

	"github.com/renderq/renderq/pkg/models"
)

var (
	// ErrNotFound means no job row exists for the given ID.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateID means Insert was called with an ID that already
	// exists. ID generation should make this unreachable, but it is
	// checked anyway.
	ErrDuplicateID = errors.New("job id already exists")
	// ErrNoJob means ClaimNext found no queued row.
	ErrNoJob = errors.New("no job available")
)

// Store is the durable job table. It is the single source of truth
// and the only shared mutable state: all cross-process coordination
// is expressed as conditional updates against it.
type Store interface {
	// Insert writes a new row in queued state.
	Insert(job *models.Job) error

	// Get returns the current row or ErrNotFound.
	Get(id string) (*models.Job, error)

	// List returns all jobs, newest first.
	List() ([]*models.Job, error)

	// ClaimNext atomically claims the oldest queued job for owner:
	// state becomes preparing, started_at is set. Returns ErrNoJob
	// when the queue is empty. Under concurrent callers each queued
	// row is claimed at most once.
	ClaimNext(owner string) (*models.Job, error)

	// AdvanceState writes a pipeline-internal state. The move is
	// validated against the pipeline transition table; re-asserting
	// the current state is a no-op, and writes against terminal rows
	// are dropped. Terminal targets are rejected (use MarkDone/
	// MarkFail).
	AdvanceState(id string, state models.JobState) error

	// UpdateProgress is a best-effort write, effective only while the
	// job is encoding and only when it moves progress forward. Values
	// are clamped to 0-99; 100 is written exclusively by MarkDone.
	UpdateProgress(id string, pct int) error

	// MarkDone writes the terminal success state. A no-op if the job
	// is already terminal (first writer wins).
	MarkDone(id string, output *models.JobOutput) error

	// MarkFail writes the terminal failure state. A no-op if the job
	// is already terminal (first writer wins).
	MarkFail(id string, jobErr *models.JobError) error

	// RecoverOrphans fails every claimed, non-terminal row (left
	// behind by a previous process incarnation) with a SystemRestart
	// error. Returns the number of rows recovered.
	RecoverOrphans() (int, error)

	// CountByState returns the number of jobs per state.
	CountByState() (map[models.JobState]int, error)

	// Close releases the underlying resources.
	Close() error
}

// Ensure both implementations satisfy the interface.
var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
