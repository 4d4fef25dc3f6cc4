package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/renderq/renderq/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "jobs.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testPlanInput() models.JobInput {
	return models.JobInput{
		Plan: &models.ExecutionPlan{
			Timeline: []models.Segment{
				{Source: "https://assets.example.com/clip.mp4", StartSec: 0, EndSec: 5},
			},
			Output: models.OutputFormat{Width: 1080, Height: 1920},
		},
	}
}

// TestSQLiteClaimExactlyOnce verifies that with one queued job and many
// concurrent claimers, exactly one claimer wins and the rest see an
// empty queue.
func TestSQLiteClaimExactlyOnce(t *testing.T) {
	store := newTestSQLiteStore(t)

	job := &models.Job{ID: "job-1", Input: testPlanInput()}
	if err := store.Insert(job); err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}

	numWorkers := 16
	var wg sync.WaitGroup
	claims := make(chan string, numWorkers)
	claimErrs := make(chan error, numWorkers)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			claimed, err := store.ClaimNext(fmt.Sprintf("worker-%d", idx))
			if err != nil {
				if err != ErrNoJob {
					claimErrs <- fmt.Errorf("worker %d claim failed: %w", idx, err)
				}
				return
			}
			claims <- claimed.ID
		}(i)
	}

	wg.Wait()
	close(claims)
	close(claimErrs)

	for err := range claimErrs {
		t.Errorf("Concurrent claim error: %v", err)
	}

	winners := 0
	for range claims {
		winners++
	}
	if winners != 1 {
		t.Errorf("Expected exactly 1 winning claim, got %d", winners)
	}

	stored, err := store.Get("job-1")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if stored.State != models.JobStatePreparing {
		t.Errorf("Expected state %s, got %s", models.JobStatePreparing, stored.State)
	}
	if stored.WorkerOwner == "" {
		t.Error("Expected worker_owner to be set after claim")
	}
	if stored.StartedAt == nil {
		t.Error("Expected started_at to be set after claim")
	}
}

// TestSQLiteClaimFIFO verifies jobs are claimed oldest-first.
func TestSQLiteClaimFIFO(t *testing.T) {
	store := newTestSQLiteStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		job := &models.Job{
			ID:        fmt.Sprintf("job-%d", i),
			Input:     testPlanInput(),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Insert(job); err != nil {
			t.Fatalf("Failed to insert job %d: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		claimed, err := store.ClaimNext("worker-1")
		if err != nil {
			t.Fatalf("Claim %d failed: %v", i, err)
		}
		want := fmt.Sprintf("job-%d", i)
		if claimed.ID != want {
			t.Errorf("Claim %d: expected %s, got %s", i, want, claimed.ID)
		}
	}

	if _, err := store.ClaimNext("worker-1"); err != ErrNoJob {
		t.Errorf("Expected ErrNoJob on empty queue, got %v", err)
	}
}

func TestSQLiteDuplicateInsert(t *testing.T) {
	store := newTestSQLiteStore(t)

	job := &models.Job{ID: "job-1", Input: testPlanInput()}
	if err := store.Insert(job); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}
	if err := store.Insert(job); err != ErrDuplicateID {
		t.Errorf("Expected ErrDuplicateID, got %v", err)
	}
}

// TestSQLiteTerminalFirstWriterWins verifies that once a terminal state
// is written, later terminal writes are silent no-ops.
func TestSQLiteTerminalFirstWriterWins(t *testing.T) {
	store := newTestSQLiteStore(t)

	job := &models.Job{ID: "job-1", Input: testPlanInput()}
	if err := store.Insert(job); err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}
	if _, err := store.ClaimNext("worker-1"); err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}

	jobErr := &models.JobError{Code: models.ErrCodeTimeout, Message: "exceeded limit"}
	if err := store.MarkFail("job-1", jobErr); err != nil {
		t.Fatalf("MarkFail failed: %v", err)
	}

	output := &models.JobOutput{Path: "/out/job-1.mp4", SizeBytes: 1024, DurationMS: 5000}
	if err := store.MarkDone("job-1", output); err != nil {
		t.Fatalf("MarkDone after MarkFail should be a no-op, got error: %v", err)
	}

	stored, err := store.Get("job-1")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	if stored.State != models.JobStateFailed {
		t.Errorf("Expected state to remain %s, got %s", models.JobStateFailed, stored.State)
	}
	if stored.Output != nil {
		t.Error("Expected output to stay empty after losing the terminal race")
	}
	if stored.Error == nil || stored.Error.Code != models.ErrCodeTimeout {
		t.Errorf("Expected error code %s to survive, got %+v", models.ErrCodeTimeout, stored.Error)
	}
	if stored.WorkerOwner != "" {
		t.Errorf("Expected worker_owner cleared on terminal write, got %q", stored.WorkerOwner)
	}
}

// TestSQLiteAdvanceStateIdempotent verifies state writes survive
// repeats and never overwrite a terminal state.
func TestSQLiteAdvanceStateIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)

	job := &models.Job{ID: "job-1", Input: testPlanInput()}
	if err := store.Insert(job); err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}
	if _, err := store.ClaimNext("worker-1"); err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := store.AdvanceState("job-1", models.JobStateDownloading); err != nil {
			t.Fatalf("AdvanceState attempt %d failed: %v", i, err)
		}
	}

	if err := store.AdvanceState("job-1", models.JobStateDone); err == nil {
		t.Error("Expected error advancing to a terminal state")
	}

	// Skipping a pipeline stage is rejected by the transition table.
	if err := store.AdvanceState("job-1", models.JobStateFinalizing); err == nil {
		t.Error("Expected error skipping from downloading to finalizing")
	}
	stored, _ := store.Get("job-1")
	if stored.State != models.JobStateDownloading {
		t.Errorf("Expected state unchanged after rejected skip, got %s", stored.State)
	}

	if err := store.MarkFail("job-1", &models.JobError{Code: models.ErrCodeEncoderExec, Message: "boom"}); err != nil {
		t.Fatalf("MarkFail failed: %v", err)
	}
	if err := store.AdvanceState("job-1", models.JobStateEncoding); err != nil {
		t.Fatalf("AdvanceState on terminal job should be a no-op, got %v", err)
	}

	stored, _ = store.Get("job-1")
	if stored.State != models.JobStateFailed {
		t.Errorf("Expected terminal state preserved, got %s", stored.State)
	}

	if err := store.AdvanceState("missing", models.JobStateEncoding); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown job, got %v", err)
	}
}

// TestSQLiteProgressGuard verifies progress writes apply only while
// encoding, clamp to 0-99, and that 100 comes only from MarkDone.
func TestSQLiteProgressGuard(t *testing.T) {
	store := newTestSQLiteStore(t)

	job := &models.Job{ID: "job-1", Input: testPlanInput()}
	if err := store.Insert(job); err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}
	if _, err := store.ClaimNext("worker-1"); err != nil {
		t.Fatalf("Failed to claim job: %v", err)
	}

	// Not encoding yet: write is dropped.
	if err := store.UpdateProgress("job-1", 50); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	stored, _ := store.Get("job-1")
	if stored.ProgressPct != 0 {
		t.Errorf("Expected progress 0 before encoding, got %d", stored.ProgressPct)
	}

	if err := store.AdvanceState("job-1", models.JobStateDownloading); err != nil {
		t.Fatalf("AdvanceState failed: %v", err)
	}
	if err := store.AdvanceState("job-1", models.JobStateEncoding); err != nil {
		t.Fatalf("AdvanceState failed: %v", err)
	}

	if err := store.UpdateProgress("job-1", 40); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	// A stale lower value never rewinds the bar.
	if err := store.UpdateProgress("job-1", 10); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	stored, _ = store.Get("job-1")
	if stored.ProgressPct != 40 {
		t.Errorf("Expected progress held at 40, got %d", stored.ProgressPct)
	}

	if err := store.UpdateProgress("job-1", 250); err != nil {
		t.Fatalf("UpdateProgress failed: %v", err)
	}
	stored, _ = store.Get("job-1")
	if stored.ProgressPct != 99 {
		t.Errorf("Expected progress clamped to 99, got %d", stored.ProgressPct)
	}

	if err := store.MarkDone("job-1", &models.JobOutput{Path: "/out/job-1.mp4"}); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}
	stored, _ = store.Get("job-1")
	if stored.ProgressPct != 100 {
		t.Errorf("Expected progress 100 after MarkDone, got %d", stored.ProgressPct)
	}
}

// TestSQLiteRecoverOrphans verifies that claimed rows left behind by a
// dead process are failed with a SystemRestart error, queued and
// terminal rows are untouched, and a second pass recovers nothing.
func TestSQLiteRecoverOrphans(t *testing.T) {
	store := newTestSQLiteStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		job := &models.Job{
			ID:        fmt.Sprintf("job-%d", i),
			Input:     testPlanInput(),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Insert(job); err != nil {
			t.Fatalf("Failed to insert job %d: %v", i, err)
		}
	}

	// job-0 in flight, job-1 done, job-2 in flight, job-3 still queued.
	for _, id := range []string{"job-0", "job-1", "job-2"} {
		if _, err := store.ClaimNext("worker-1"); err != nil {
			t.Fatalf("Failed to claim %s: %v", id, err)
		}
	}
	if err := store.AdvanceState("job-0", models.JobStateDownloading); err != nil {
		t.Fatalf("AdvanceState failed: %v", err)
	}
	if err := store.AdvanceState("job-0", models.JobStateEncoding); err != nil {
		t.Fatalf("AdvanceState failed: %v", err)
	}
	if err := store.MarkDone("job-1", &models.JobOutput{Path: "/out/job-1.mp4"}); err != nil {
		t.Fatalf("MarkDone failed: %v", err)
	}

	recovered, err := store.RecoverOrphans()
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if recovered != 2 {
		t.Errorf("Expected 2 recovered jobs, got %d", recovered)
	}

	for _, id := range []string{"job-0", "job-2"} {
		stored, err := store.Get(id)
		if err != nil {
			t.Fatalf("Failed to get %s: %v", id, err)
		}
		if stored.State != models.JobStateFailed {
			t.Errorf("%s: expected state failed, got %s", id, stored.State)
		}
		if stored.Error == nil || stored.Error.Code != models.ErrCodeSystemRestart {
			t.Errorf("%s: expected SystemRestart error, got %+v", id, stored.Error)
		}
	}

	done, _ := store.Get("job-1")
	if done.State != models.JobStateDone {
		t.Errorf("Expected done job untouched, got %s", done.State)
	}
	queued, _ := store.Get("job-3")
	if queued.State != models.JobStateQueued {
		t.Errorf("Expected queued job untouched, got %s", queued.State)
	}

	recovered, err = store.RecoverOrphans()
	if err != nil {
		t.Fatalf("Second RecoverOrphans failed: %v", err)
	}
	if recovered != 0 {
		t.Errorf("Expected idempotent second recovery, got %d rows", recovered)
	}
}

// TestSQLiteInputRoundTrip verifies the plan survives storage intact.
func TestSQLiteInputRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	input := models.JobInput{
		Plan: &models.ExecutionPlan{
			Timeline: []models.Segment{
				{Source: "https://assets.example.com/a.mp4", StartSec: 1.5, EndSec: 4},
				{Source: "https://assets.example.com/b.mp4", StartSec: 0, EndSec: 3},
			},
			AudioTracks: []models.AudioTrack{
				{Source: "https://assets.example.com/music.mp3", StartSec: 0, EndSec: 5.5, AtSec: 0, Gain: 0.4},
			},
			TextOverlays: []models.TextOverlay{
				{Text: "hello", FromSec: 0, ToSec: 2, FontSize: 48},
			},
			Output: models.OutputFormat{Width: 1080, Height: 1920},
		},
	}

	if err := store.Insert(&models.Job{ID: "job-1", Input: input}); err != nil {
		t.Fatalf("Failed to insert job: %v", err)
	}

	stored, err := store.Get("job-1")
	if err != nil {
		t.Fatalf("Failed to get job: %v", err)
	}
	plan := stored.Input.Plan
	if plan == nil {
		t.Fatal("Expected plan to survive round trip")
	}
	if len(plan.Timeline) != 2 || len(plan.AudioTracks) != 1 || len(plan.TextOverlays) != 1 {
		t.Errorf("Plan shape changed: %+v", plan)
	}
	if plan.Timeline[0].StartSec != 1.5 {
		t.Errorf("Expected start 1.5, got %v", plan.Timeline[0].StartSec)
	}

	counts, err := store.CountByState()
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if counts[models.JobStateQueued] != 1 {
		t.Errorf("Expected 1 queued job, got %d", counts[models.JobStateQueued])
	}
}
