// Package stages defines the concrete stage lists for the two pipelines:
// enrich (website, profile, links) and ingest (files, aggregate). Each stage
// couples a candidate query on the store with per-entity work behind the
// shared batch loop.
package stages

import (
	"github.com/opencouncil/spendsync/internal/aggregate"
	"github.com/opencouncil/spendsync/internal/fetcher"
	"github.com/opencouncil/spendsync/internal/ingest"
	"github.com/opencouncil/spendsync/internal/store"
	"github.com/opencouncil/spendsync/pkg/companies"
	"github.com/opencouncil/spendsync/pkg/websearch"
)

// Pipeline names.
const (
	PipelineEnrich = "enrich"
	PipelineIngest = "ingest"
)

// Stage-completion tags recorded on the org.
const (
	SourceWebsite = "website"
	SourceProfile = "profile"
	SourceLinks   = "links"
)

// Deps carries everything the stages need. All network traffic goes through
// Fetch, directly or via clients built on its StdClient.
type Deps struct {
	Store      store.Store
	Fetch      *fetcher.Client
	Search     websearch.Client
	Companies  companies.Client
	Ingestor   *ingest.Ingestor
	Aggregator *aggregate.Aggregator
	BatchSize  int

	// MinMatchScore gates company-profile matches; weaker matches leave the
	// company number empty.
	MinMatchScore float64
}
