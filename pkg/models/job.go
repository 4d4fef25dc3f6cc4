package models

import (
	"time"
)

// JobState represents where a job sits in the rendering pipeline.
type JobState string

const (
	JobStateQueued      JobState = "queued"      // Row exists, unclaimed
	JobStatePreparing   JobState = "preparing"   // Claimed, about to resolve assets
	JobStateDownloading JobState = "downloading" // Fetching referenced assets
	JobStateEncoding    JobState = "encoding"    // Encoder subprocess running
	JobStateFinalizing  JobState = "finalizing"  // Verifying the output artifact
	JobStateDone        JobState = "done"        // Terminal success
	JobStateFailed      JobState = "failed"      // Terminal failure
)

// Stable error codes surfaced to polling clients. These distinguish
// "your input was bad" from "the system broke" from "it ran too long".
const (
	ErrCodeValidation    = "Validation"
	ErrCodeAssetDownload = "AssetDownload"
	ErrCodeEncoderSpawn  = "EncoderSpawn"
	ErrCodeEncoderExec   = "EncoderExec"
	ErrCodeTimeout       = "Timeout"
	ErrCodeSystemRestart = "SystemRestart"
)

// Job is the unit of work. Input is immutable once the row exists;
// only the worker holding the job writes progress, and the terminal
// output/error fields are mutually exclusive.
type Job struct {
	ID          string     `json:"id"`
	State       JobState   `json:"state"`
	Input       JobInput   `json:"input"`
	ProgressPct int        `json:"progress_pct"`
	Output      *JobOutput `json:"output,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	WorkerOwner string     `json:"worker_owner,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobInput is the submission payload. Either Plan is set, or Source
// carries a legacy single-clip render that the worker normalizes into
// a one-segment plan before compiling.
type JobInput struct {
	Source       string         `json:"source,omitempty"`
	TrimStartSec float64        `json:"trim_start_sec,omitempty"`
	TrimEndSec   float64        `json:"trim_end_sec,omitempty"`
	Plan         *ExecutionPlan `json:"plan,omitempty"`
}

// JobOutput describes the artifact of a successful render.
type JobOutput struct {
	Path       string `json:"path"`
	PublicURL  string `json:"public_url,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DurationMS int64  `json:"duration_ms"`
}

// JobError carries a stable code plus a human-readable message.
type JobError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// JobRequest is the Service Boundary submission body.
type JobRequest struct {
	Source       string         `json:"source,omitempty"`
	TrimStartSec float64        `json:"trim_start_sec,omitempty"`
	TrimEndSec   float64        `json:"trim_end_sec,omitempty"`
	Plan         *ExecutionPlan `json:"plan,omitempty"`
}
