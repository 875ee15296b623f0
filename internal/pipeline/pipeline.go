// Package pipeline sequences named stages with persisted, resumable
// progress. A stage processes candidates in ascending-ID batches behind a
// cursor stored on its job record, so any crash or scheduled re-invocation
// resumes from persisted state alone.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
)

// JobStore is the slice of the store the orchestrator needs.
type JobStore interface {
	GetJob(ctx context.Context, pipeline, stage string) (*model.Job, error)
	UpsertJob(ctx context.Context, job model.Job) error
}

// StageFunc advances one stage by at most budget entities and reports whether
// the stage ran out of candidates (exhausted) or only out of budget. The
// implementation persists job progress after every batch.
type StageFunc func(ctx context.Context, job *model.Job, budget int) (processed int, exhausted bool, err error)

// Stage is one step of a pipeline. One, when set, applies the stage's work to
// a single organization outside the batch machinery (targeted re-runs).
type Stage struct {
	Name string
	Run  StageFunc
	One  func(ctx context.Context, org model.Org) error
}

// StageReport is the per-stage outcome of one orchestrator invocation.
type StageReport struct {
	Stage     string          `json:"stage"`
	Status    model.JobStatus `json:"status"`
	Processed int             `json:"processed"`
	Errors    int             `json:"errors"`
}

// RunReport summarizes one orchestrator invocation.
type RunReport struct {
	Pipeline  string        `json:"pipeline"`
	Stages    []StageReport `json:"stages"`
	Processed int           `json:"processed"`
	Complete  bool          `json:"complete"` // every stage exhausted its candidates
}

// Orchestrator runs registered pipelines stage by stage.
type Orchestrator struct {
	jobs      JobStore
	pipelines map[string][]Stage
	order     []string
}

// New creates an Orchestrator.
func New(jobs JobStore) *Orchestrator {
	return &Orchestrator{jobs: jobs, pipelines: make(map[string][]Stage)}
}

// Register installs a pipeline's ordered stage list.
func (o *Orchestrator) Register(pipeline string, stages ...Stage) {
	if _, ok := o.pipelines[pipeline]; !ok {
		o.order = append(o.order, pipeline)
	}
	o.pipelines[pipeline] = stages
}

// Pipelines returns the registered pipeline names in registration order.
func (o *Orchestrator) Pipelines() []string {
	return append([]string(nil), o.order...)
}

// Run executes the pipeline until every stage is exhausted or the budget is
// spent. budget <= 0 means unlimited. Stages run strictly in order: a later
// stage only gets budget the earlier stages did not use.
func (o *Orchestrator) Run(ctx context.Context, pipeline string, budget int) (*RunReport, error) {
	stages, ok := o.pipelines[pipeline]
	if !ok {
		return nil, eris.Errorf("pipeline: unknown pipeline %q", pipeline)
	}

	report := &RunReport{Pipeline: pipeline, Complete: true}
	remaining := budget

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			report.Complete = false
			return report, eris.Wrap(err, "pipeline: cancelled")
		}
		if budget > 0 && remaining <= 0 {
			report.Complete = false
			break
		}

		job, err := o.loadOrCreateJob(ctx, pipeline, stage.Name)
		if err != nil {
			return report, err
		}
		if job.Status == model.JobStatusComplete {
			report.Stages = append(report.Stages, StageReport{
				Stage: stage.Name, Status: job.Status,
			})
			continue
		}

		processed, exhausted, runErr := stage.Run(ctx, job, remaining)
		report.Processed += processed
		if budget > 0 {
			remaining -= processed
		}

		job.LastRunAt = time.Now().UTC()
		switch {
		case runErr != nil:
			job.Status = model.JobStatusError
			job.AppendError(runErr.Error())
		case exhausted:
			job.Status = model.JobStatusComplete
		default:
			job.Status = model.JobStatusPaused
		}
		if err := o.jobs.UpsertJob(ctx, *job); err != nil {
			return report, eris.Wrapf(err, "pipeline: persist job %s/%s", pipeline, stage.Name)
		}

		report.Stages = append(report.Stages, StageReport{
			Stage: stage.Name, Status: job.Status,
			Processed: processed, Errors: job.TotalErrors,
		})

		zap.L().Info("stage run finished",
			zap.String("pipeline", pipeline),
			zap.String("stage", stage.Name),
			zap.String("status", string(job.Status)),
			zap.Int("processed", processed),
			zap.Bool("exhausted", exhausted))

		if runErr != nil {
			report.Complete = false
			return report, eris.Wrapf(runErr, "pipeline: stage %s/%s", pipeline, stage.Name)
		}
		if !exhausted {
			// Budget spent mid-stage; later stages wait for the next
			// invocation.
			report.Complete = false
			break
		}
	}
	return report, nil
}

// RunEntity applies every stage's single-entity operation to one org,
// ignoring cursors and budgets. Stages without a One func are skipped.
func (o *Orchestrator) RunEntity(ctx context.Context, pipeline string, org model.Org) error {
	stages, ok := o.pipelines[pipeline]
	if !ok {
		return eris.Errorf("pipeline: unknown pipeline %q", pipeline)
	}
	for _, stage := range stages {
		if stage.One == nil {
			continue
		}
		if err := stage.One(ctx, org); err != nil {
			return eris.Wrapf(err, "pipeline: stage %s for org %d", stage.Name, org.ID)
		}
		zap.L().Debug("entity stage done",
			zap.String("pipeline", pipeline),
			zap.String("stage", stage.Name),
			zap.Int64("org_id", org.ID))
	}
	return nil
}

func (o *Orchestrator) loadOrCreateJob(ctx context.Context, pipeline, stage string) (*model.Job, error) {
	job, err := o.jobs.GetJob(ctx, pipeline, stage)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load job %s/%s", pipeline, stage)
	}
	if job == nil {
		now := time.Now().UTC()
		job = &model.Job{
			Pipeline:  pipeline,
			Stage:     stage,
			Status:    model.JobStatusRunning,
			StartedAt: now,
			LastRunAt: now,
		}
		if err := o.jobs.UpsertJob(ctx, *job); err != nil {
			return nil, eris.Wrapf(err, "pipeline: create job %s/%s", pipeline, stage)
		}
	}
	return job, nil
}

// ErrorTag formats a per-entity failure for the job error log.
func ErrorTag(orgID int64, err error) string {
	return fmt.Sprintf("org %d: %v", orgID, err)
}
