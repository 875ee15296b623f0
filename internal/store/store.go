// Package store persists organizations, pipeline jobs, transactions,
// summaries and the schema-mapping cache. Two implementations exist: SQLite
// for single-node deployments and Postgres for shared ones.
package store

import (
	"context"

	"github.com/opencouncil/spendsync/internal/model"
)

// Store is the persistence interface for both pipelines. Candidate queries
// return organizations in ascending ID order, strictly after afterID, so a
// stage cursor is a pure function of the last processed row.
type Store interface {
	// Organizations
	ImportOrgs(ctx context.Context, orgs []model.Org) (int, error)
	GetOrg(ctx context.Context, id int64) (*model.Org, error)
	CountOrgs(ctx context.Context) (int, error)
	OrgsNeedingWebsite(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	OrgsNeedingProfile(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	OrgsNeedingLinks(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	OrgsWithPendingFiles(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	OrgsNeedingAggregation(ctx context.Context, afterID int64, limit int) ([]model.Org, error)
	SetOrgWebsite(ctx context.Context, id int64, website string) error
	SetOrgProfile(ctx context.Context, id int64, companyNumber string) error
	SetOrgSpendLinks(ctx context.Context, id int64, links []model.SpendLink) error
	MarkLinkIngested(ctx context.Context, id int64, url, note string) error
	TagOrg(ctx context.Context, id int64, source string) error
	ClearOrgDirty(ctx context.Context, id int64) error

	// Jobs
	GetJob(ctx context.Context, pipeline, stage string) (*model.Job, error)
	UpsertJob(ctx context.Context, job model.Job) error
	ListJobs(ctx context.Context) ([]model.Job, error)
	ResetJob(ctx context.Context, pipeline, stage string) error

	// Transactions
	InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error)
	TransactionsForOrg(ctx context.Context, orgID int64) ([]model.Transaction, error)

	// Summaries
	ReplaceSummary(ctx context.Context, s model.Summary) error
	GetSummary(ctx context.Context, orgID int64) (*model.Summary, error)

	// Schema-mapping cache
	GetSchemaMapping(ctx context.Context, headerHash string) (*model.MappingEntry, bool, error)
	PutSchemaMapping(ctx context.Context, entry model.MappingEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
