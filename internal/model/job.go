package model

import "time"

// JobStatus is the lifecycle state of a pipeline stage job.
type JobStatus string

const (
	JobStatusRunning  JobStatus = "running"
	JobStatusPaused   JobStatus = "paused"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// maxErrorLog bounds the per-job error ring buffer.
const maxErrorLog = 100

// Job is the persisted progress record for one stage of one pipeline.
// Exactly one row exists per (pipeline, stage); an empty Cursor means
// "start of stage". Cursor and counters are persisted after every batch so
// a crash loses at most one in-flight batch.
type Job struct {
	Pipeline       string    `json:"pipeline"`
	Stage          string    `json:"stage"`
	Status         JobStatus `json:"status"`
	Cursor         string    `json:"cursor,omitempty"`
	BatchSize      int       `json:"batch_size"`
	TotalProcessed int       `json:"total_processed"`
	TotalErrors    int       `json:"total_errors"`
	ErrorLog       []string  `json:"error_log,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastRunAt      time.Time `json:"last_run_at"`
}

// AppendError records a failure message, keeping only the last 100 entries.
func (j *Job) AppendError(msg string) {
	j.TotalErrors++
	j.ErrorLog = append(j.ErrorLog, msg)
	if n := len(j.ErrorLog); n > maxErrorLog {
		j.ErrorLog = j.ErrorLog[n-maxErrorLog:]
	}
}

// Reset returns the job to the start of its stage so a completed stage can
// be re-swept for newly added organizations.
func (j *Job) Reset() {
	j.Status = JobStatusRunning
	j.Cursor = ""
}
