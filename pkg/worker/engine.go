// Package worker runs the job pipeline: claim, fetch, encode, verify.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/renderq/renderq/pkg/assets"
	"github.com/renderq/renderq/pkg/compiler"
	"github.com/renderq/renderq/pkg/config"
	"github.com/renderq/renderq/pkg/logging"
	"github.com/renderq/renderq/pkg/metrics"
	"github.com/renderq/renderq/pkg/models"
	"github.com/renderq/renderq/pkg/resources"
	"github.com/renderq/renderq/pkg/store"
)

// Engine polls the store for queued jobs and drives each one through
// the pipeline. One job at a time: an encode saturates the host, so
// concurrency lives in running more worker processes, not more
// goroutines.
type Engine struct {
	store   store.Store
	fetcher *assets.Fetcher
	cfg     config.WorkerConfig
	log     *logging.Logger
	metrics *metrics.Metrics
	disk    *resources.DiskChecker
	runner  Runner
	owner   string
}

// NewEngine wires an engine. metrics may be nil.
func NewEngine(s store.Store, fetcher *assets.Fetcher, cfg config.WorkerConfig, log *logging.Logger, m *metrics.Metrics) *Engine {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return &Engine{
		store:   s,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
		metrics: m,
		disk:    resources.NewDiskChecker(cfg.CacheDir, cfg.MinFreeBytes),
		runner:  NewExecRunner(),
		owner:   fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
	}
}

// Run recovers orphans, then polls until ctx is cancelled. Recovery
// must come first: rows claimed by a previous incarnation would
// otherwise sit in a non-terminal state forever.
func (e *Engine) Run(ctx context.Context) error {
	recovered, err := e.store.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	if recovered > 0 {
		e.log.Warn("Recovered orphaned jobs from previous run", map[string]interface{}{
			"count": recovered,
		})
	}
	e.metrics.Recovered(recovered)

	e.log.Info("Worker started", map[string]interface{}{
		"owner":         e.owner,
		"poll_interval": e.cfg.PollInterval.String(),
		"job_timeout":   e.cfg.JobTimeout.String(),
	})

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("Worker stopping")
			return nil
		case <-ticker.C:
			e.metrics.ObserveQueue(e.store)

			if err := e.disk.Check(); err != nil {
				e.log.Warn("Skipping claim, low disk headroom", map[string]interface{}{
					"error": err.Error(),
				})
				continue
			}

			job, err := e.store.ClaimNext(e.owner)
			if err == store.ErrNoJob {
				continue
			}
			if err != nil {
				e.log.Error("Claim failed", map[string]interface{}{"error": err.Error()})
				continue
			}

			e.metrics.Claimed()
			e.process(ctx, job)
		}
	}
}

func (e *Engine) process(ctx context.Context, job *models.Job) {
	log := e.log.WithField("job_id", job.ID)
	log.Info("Processing job")

	plan := job.Input.NormalizedPlan()
	if plan == nil {
		e.fail(job, models.ErrCodeValidation, "job has neither a plan nor a source", nil)
		return
	}
	if err := compiler.Validate(plan); err != nil {
		e.fail(job, models.ErrCodeValidation, err.Error(), nil)
		return
	}

	// A state write failing mid-pipeline must still end in a terminal
	// write, or polling clients wait on a stuck claimed row until the
	// next restart's recovery pass.
	if err := e.store.AdvanceState(job.ID, models.JobStateDownloading); err != nil {
		e.fail(job, models.ErrCodeSystemRestart, fmt.Sprintf("state write failed: %v", err), nil)
		return
	}
	paths, err := e.fetcher.Resolve(ctx, plan.AssetURLs())
	if err != nil {
		e.fail(job, models.ErrCodeAssetDownload, err.Error(), nil)
		return
	}

	if err := os.MkdirAll(e.cfg.OutputDir, 0755); err != nil {
		e.fail(job, models.ErrCodeEncoderSpawn, fmt.Sprintf("cannot create output directory: %v", err), nil)
		return
	}
	outputPath := filepath.Join(e.cfg.OutputDir, job.ID+".mp4")

	args, err := compiler.Compile(plan, paths, outputPath)
	if err != nil {
		e.fail(job, models.ErrCodeValidation, err.Error(), nil)
		return
	}

	if err := e.store.AdvanceState(job.ID, models.JobStateEncoding); err != nil {
		e.fail(job, models.ErrCodeSystemRestart, fmt.Sprintf("state write failed: %v", err), nil)
		return
	}

	if err := e.encode(ctx, job, plan, args); err != nil {
		// encode already wrote the terminal failure.
		return
	}

	if err := e.store.AdvanceState(job.ID, models.JobStateFinalizing); err != nil {
		e.fail(job, models.ErrCodeSystemRestart, fmt.Sprintf("state write failed: %v", err), nil)
		return
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		e.fail(job, models.ErrCodeEncoderExec, "encoder reported success but produced no output", map[string]string{
			"output_path": outputPath,
		})
		return
	}

	output := &models.JobOutput{
		Path:       outputPath,
		SizeBytes:  info.Size(),
		DurationMS: int64(plan.DurationSec() * 1000),
	}
	if e.cfg.PublicBaseURL != "" {
		output.PublicURL = strings.TrimRight(e.cfg.PublicBaseURL, "/") + "/" + job.ID + ".mp4"
	}

	if err := e.store.MarkDone(job.ID, output); err != nil {
		log.Error("Terminal write failed", map[string]interface{}{"error": err.Error()})
		e.fail(job, models.ErrCodeSystemRestart, fmt.Sprintf("terminal write failed: %v", err), nil)
		return
	}
	e.metrics.Completed()
	log.Info("Job done", map[string]interface{}{
		"output":      outputPath,
		"size_bytes":  output.SizeBytes,
		"duration_ms": output.DurationMS,
	})
}

// encode runs the subprocess under the watchdog. A non-nil return
// means the job already reached a terminal failure state.
func (e *Engine) encode(ctx context.Context, job *models.Job, plan *models.ExecutionPlan, args []string) error {
	parser := &progressParser{}
	parser.SetTotal(plan.DurationSec())

	onLine := func(line string) {
		if pct, ok := parser.Feed(line); ok {
			// Best effort: a dropped progress write never fails a job.
			_ = e.store.UpdateProgress(job.ID, pct)
		}
	}

	// The ceiling is wall-clock time since the claim, not since the
	// encoder spawned: slow downloads spend the same allowance.
	deadline := time.Now().Add(e.cfg.JobTimeout)
	if job.StartedAt != nil {
		deadline = job.StartedAt.Add(e.cfg.JobTimeout)
	}
	if !time.Now().Before(deadline) {
		err := fmt.Errorf("job exceeded %s since claim", e.cfg.JobTimeout)
		e.fail(job, models.ErrCodeTimeout, err.Error(), map[string]string{
			"timeout": e.cfg.JobTimeout.String(),
		})
		return err
	}

	proc, err := e.runner.Start(e.cfg.FFmpegPath, args, onLine)
	if err != nil {
		e.fail(job, models.ErrCodeEncoderSpawn, err.Error(), nil)
		return err
	}

	start := time.Now()
	waitCh := make(chan error, 1)
	go func() { waitCh <- proc.Wait() }()

	watchdog := time.NewTicker(e.cfg.WatchdogTick)
	defer watchdog.Stop()

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-waitCh:
			break wait
		case <-watchdog.C:
			if time.Now().Before(deadline) {
				continue
			}
			proc.Kill()
			<-waitCh
			e.metrics.EncodeSeconds(time.Since(start).Seconds())
			err := fmt.Errorf("job exceeded %s since claim", e.cfg.JobTimeout)
			e.fail(job, models.ErrCodeTimeout, err.Error(), map[string]string{
				"timeout": e.cfg.JobTimeout.String(),
			})
			return err
		case <-ctx.Done():
			proc.Kill()
			<-waitCh
			err := errors.New("worker shut down during encode")
			e.fail(job, models.ErrCodeSystemRestart, err.Error(), nil)
			return err
		}
	}

	e.metrics.EncodeSeconds(time.Since(start).Seconds())

	if waitErr != nil {
		detail := map[string]string{}
		var exitErr *ExitError
		if errors.As(waitErr, &exitErr) {
			detail["exit_code"] = fmt.Sprintf("%d", exitErr.ExitCode())
			detail["stderr_tail"] = exitErr.StderrTail
		}
		e.fail(job, models.ErrCodeEncoderExec, "encoder exited with an error", detail)
		return waitErr
	}
	return nil
}

func (e *Engine) fail(job *models.Job, code, message string, detail map[string]string) {
	jobErr := &models.JobError{Code: code, Message: message, Detail: detail}
	if err := e.store.MarkFail(job.ID, jobErr); err != nil {
		e.log.Error("Failed to record job failure", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}
	e.metrics.Failed(code)
	e.log.Error("Job failed", map[string]interface{}{
		"job_id":  job.ID,
		"code":    code,
		"message": message,
	})
}
