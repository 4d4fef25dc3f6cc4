package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/renderq/renderq/pkg/models"
)

// MemoryStore is an in-memory Store for tests and local experiments.
// It enforces the same claim and terminal-write semantics as the
// SQLite store, minus durability.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
	}
}

func copyJob(job *models.Job) *models.Job {
	c := *job
	if job.Output != nil {
		o := *job.Output
		c.Output = &o
	}
	if job.Error != nil {
		e := *job.Error
		c.Error = &e
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (s *MemoryStore) Insert(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateID
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.State = models.JobStateQueued

	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) Get(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) List() ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, copyJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	return jobs, nil
}

func (s *MemoryStore) ClaimNext(owner string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Job
	for _, job := range s.jobs {
		if job.State != models.JobStateQueued {
			continue
		}
		if oldest == nil ||
			job.CreatedAt.Before(oldest.CreatedAt) ||
			(job.CreatedAt.Equal(oldest.CreatedAt) && job.ID < oldest.ID) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, ErrNoJob
	}

	now := time.Now()
	oldest.State = models.JobStatePreparing
	oldest.WorkerOwner = owner
	oldest.StartedAt = &now

	return copyJob(oldest), nil
}

func (s *MemoryStore) AdvanceState(id string, state models.JobState) error {
	if models.IsTerminalState(state) {
		return fmt.Errorf("cannot advance to terminal state %s", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if models.IsTerminalState(job.State) {
		return nil
	}
	if err := models.ValidateTransition(job.State, state); err != nil {
		return err
	}
	job.State = state
	return nil
}

func (s *MemoryStore) UpdateProgress(id string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.State != models.JobStateEncoding || pct < job.ProgressPct {
		return nil
	}
	job.ProgressPct = pct
	return nil
}

func (s *MemoryStore) MarkDone(id string, output *models.JobOutput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if models.IsTerminalState(job.State) {
		return nil
	}

	now := time.Now()
	o := *output
	job.State = models.JobStateDone
	job.Output = &o
	job.ProgressPct = 100
	job.CompletedAt = &now
	job.WorkerOwner = ""
	return nil
}

func (s *MemoryStore) MarkFail(id string, jobErr *models.JobError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if models.IsTerminalState(job.State) {
		return nil
	}

	now := time.Now()
	e := *jobErr
	job.State = models.JobStateFailed
	job.Error = &e
	job.CompletedAt = &now
	job.WorkerOwner = ""
	return nil
}

func (s *MemoryStore) RecoverOrphans() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recovered := 0
	now := time.Now()
	for _, job := range s.jobs {
		if !models.IsClaimedState(job.State) {
			continue
		}
		t := now
		job.State = models.JobStateFailed
		job.Error = &models.JobError{
			Code:    models.ErrCodeSystemRestart,
			Message: "job was in flight when the worker process restarted",
		}
		job.CompletedAt = &t
		job.WorkerOwner = ""
		recovered++
	}
	return recovered, nil
}

func (s *MemoryStore) CountByState() (map[models.JobState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[models.JobState]int)
	for _, job := range s.jobs {
		counts[job.State]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
