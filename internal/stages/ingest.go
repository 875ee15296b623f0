package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/internal/pipeline"
)

// Ingest returns the ingestion pipeline's stages in order: pull pending
// spend files, then rebuild summaries for orgs with new data.
func Ingest(d Deps) []pipeline.Stage {
	return []pipeline.Stage{
		{
			Name: "files",
			Run: func(ctx context.Context, job *model.Job, budget int) (int, bool, error) {
				return pipeline.BatchLoop(ctx, job, budget, pipeline.BatchConfig{
					Jobs:      d.Store,
					Fetch:     d.Store.OrgsWithPendingFiles,
					Process:   d.ingestFiles,
					BatchSize: d.BatchSize,
				})
			},
			One: d.ingestFiles,
		},
		{
			Name: "aggregate",
			Run: func(ctx context.Context, job *model.Job, budget int) (int, bool, error) {
				return pipeline.BatchLoop(ctx, job, budget, pipeline.BatchConfig{
					Jobs:      d.Store,
					Fetch:     d.Store.OrgsNeedingAggregation,
					Process:   d.aggregateOrg,
					BatchSize: d.BatchSize,
				})
			},
			One: d.aggregateOrg,
		},
	}
}

// unmappableNote marks a link whose layout could not be resolved. The link
// is recorded as done so it is not retried forever.
const unmappableNote = "unmappable layout"

// ingestFiles pulls every pending spend file for one org. A failing file
// stops this org's pass (it will be retried on the next sweep); files
// already ingested in this pass stay ingested.
func (d Deps) ingestFiles(ctx context.Context, org model.Org) error {
	for _, link := range org.SpendLinks {
		if link.Ingested {
			continue
		}
		res, err := d.Ingestor.IngestFile(ctx, org.ID, link.URL)
		if err != nil {
			return err
		}
		note := ""
		if res.Unmappable {
			note = unmappableNote
		}
		if err := d.Store.MarkLinkIngested(ctx, org.ID, link.URL, note); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) aggregateOrg(ctx context.Context, org model.Org) error {
	if _, err := d.Aggregator.Run(ctx, org.ID); err != nil {
		return err
	}
	if err := d.Store.ClearOrgDirty(ctx, org.ID); err != nil {
		return err
	}
	zap.L().Debug("org aggregated", zap.Int64("org_id", org.ID))
	return nil
}
