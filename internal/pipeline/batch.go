package pipeline

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/opencouncil/spendsync/internal/model"
)

// DefaultBatchSize is used when the job record carries none.
const DefaultBatchSize = 25

// DefaultConcurrency bounds in-flight entities within one batch. The per-host
// rate limiter must stay the true bottleneck, so this is deliberately small.
const DefaultConcurrency = 3

// BatchConfig wires one stage's candidate query and per-entity work into the
// shared batch loop.
type BatchConfig struct {
	Jobs        JobStore
	Fetch       func(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	Process     func(ctx context.Context, org model.Org) error
	BatchSize   int
	Concurrency int
}

// BatchLoop pulls candidate batches from the cursor position and processes
// them until the budget is spent or no candidates remain. The cursor and
// counters are persisted after every batch, so a crash loses at most one
// in-flight batch and never revisits completed ones. Per-entity failures are
// logged on the job and do not stop the batch.
func BatchLoop(ctx context.Context, job *model.Job, budget int, cfg BatchConfig) (int, bool, error) {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if job.BatchSize > 0 {
		batchSize = job.BatchSize
	}
	job.BatchSize = batchSize

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	cursor, err := ParseCursor(job.Cursor)
	if err != nil {
		return 0, false, eris.Wrapf(err, "pipeline: job %s/%s", job.Pipeline, job.Stage)
	}

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, false, eris.Wrap(err, "pipeline: batch loop cancelled")
		}
		// Budget is only checked between batches; a started batch runs to
		// completion so the persisted cursor stays batch-aligned.
		if budget > 0 && processed >= budget {
			return processed, false, nil
		}

		limit := batchSize
		if budget > 0 && budget-processed < limit {
			limit = budget - processed
		}

		batch, err := cfg.Fetch(ctx, cursor, limit)
		if err != nil {
			return processed, false, eris.Wrap(err, "pipeline: fetch batch")
		}
		if len(batch) == 0 {
			return processed, true, nil
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, org := range batch {
			g.Go(func() error {
				if err := cfg.Process(gctx, org); err != nil {
					mu.Lock()
					job.AppendError(ErrorTag(org.ID, err))
					mu.Unlock()
				}
				return nil
			})
		}
		// Process never propagates entity errors, so this only fails on a
		// cancelled group context.
		if err := g.Wait(); err != nil {
			return processed, false, eris.Wrap(err, "pipeline: batch wait")
		}

		cursor = batch[len(batch)-1].ID
		job.Cursor = FormatCursor(cursor)
		job.TotalProcessed += len(batch)
		job.LastRunAt = time.Now().UTC()
		processed += len(batch)

		if err := cfg.Jobs.UpsertJob(ctx, *job); err != nil {
			return processed, false, eris.Wrap(err, "pipeline: persist batch progress")
		}
	}
}

// ParseCursor decodes a job cursor. Empty means start of stage.
func ParseCursor(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "bad cursor %q", s)
	}
	return id, nil
}

// FormatCursor encodes the last processed org ID as a cursor.
func FormatCursor(id int64) string {
	return strconv.FormatInt(id, 10)
}
