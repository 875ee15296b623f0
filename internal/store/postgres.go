package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/opencouncil/spendsync/internal/db"
	"github.com/opencouncil/spendsync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_job": `SELECT pipeline, stage, status, cursor, batch_size, total_processed, total_errors, error_log, started_at, last_run_at
		FROM jobs WHERE pipeline = $1 AND stage = $2`,
	"upsert_job": `INSERT INTO jobs (pipeline, stage, status, cursor, batch_size, total_processed, total_errors, error_log, started_at, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (pipeline, stage) DO UPDATE SET
		  status = EXCLUDED.status, cursor = EXCLUDED.cursor, batch_size = EXCLUDED.batch_size,
		  total_processed = EXCLUDED.total_processed, total_errors = EXCLUDED.total_errors,
		  error_log = EXCLUDED.error_log, last_run_at = EXCLUDED.last_run_at`,
	"get_schema_mapping": `SELECT mapping, created_at FROM schema_cache WHERE header_hash = $1`,
	"put_schema_mapping": `INSERT INTO schema_cache (header_hash, mapping, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (header_hash) DO UPDATE SET mapping = EXCLUDED.mapping, created_at = EXCLUDED.created_at`,
	"replace_summary": `INSERT INTO summaries (org_id, payload) VALUES ($1, $2)
		ON CONFLICT (org_id) DO UPDATE SET payload = EXCLUDED.payload`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: func() {}}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                 BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	name               TEXT NOT NULL UNIQUE,
	kind               TEXT NOT NULL DEFAULT '',
	website            TEXT NOT NULL DEFAULT '',
	company_number     TEXT NOT NULL DEFAULT '',
	profile_checked_at TIMESTAMPTZ,
	links_checked_at   TIMESTAMPTZ,
	spend_links        JSONB NOT NULL DEFAULT '[]',
	pending_files      INTEGER NOT NULL DEFAULT 0,
	dirty              BOOLEAN NOT NULL DEFAULT FALSE,
	enrichment_sources JSONB NOT NULL DEFAULT '[]',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	pipeline        TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	cursor          TEXT NOT NULL DEFAULT '',
	batch_size      INTEGER NOT NULL DEFAULT 0,
	total_processed INTEGER NOT NULL DEFAULT 0,
	total_errors    INTEGER NOT NULL DEFAULT 0,
	error_log       JSONB NOT NULL DEFAULT '[]',
	started_at      TIMESTAMPTZ NOT NULL,
	last_run_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pipeline, stage)
);

CREATE TABLE IF NOT EXISTS transactions (
	org_id      BIGINT NOT NULL REFERENCES organizations(id),
	date        DATE NOT NULL,
	amount      DOUBLE PRECISION NOT NULL,
	vendor_raw  TEXT NOT NULL,
	vendor_key  TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	subcategory TEXT NOT NULL DEFAULT '',
	department  TEXT NOT NULL DEFAULT '',
	reference   TEXT NOT NULL DEFAULT '',
	source_file TEXT NOT NULL,
	row_hash    TEXT NOT NULL,
	PRIMARY KEY (org_id, source_file, row_hash)
);

CREATE TABLE IF NOT EXISTS summaries (
	org_id  BIGINT PRIMARY KEY REFERENCES organizations(id),
	payload JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_cache (
	header_hash TEXT PRIMARY KEY,
	mapping     JSONB,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orgs_needs_website ON organizations(id) WHERE website = '';
CREATE INDEX IF NOT EXISTS idx_orgs_needs_profile ON organizations(id) WHERE website != '' AND profile_checked_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_orgs_needs_links ON organizations(id) WHERE website != '' AND links_checked_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_orgs_pending_files ON organizations(id) WHERE pending_files > 0;
CREATE INDEX IF NOT EXISTS idx_orgs_dirty ON organizations(id) WHERE dirty;
CREATE INDEX IF NOT EXISTS idx_tx_org_date ON transactions(org_id, date);
CREATE INDEX IF NOT EXISTS idx_tx_vendor_key ON transactions(org_id, vendor_key);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

// Organizations

func (s *PostgresStore) ImportOrgs(ctx context.Context, orgs []model.Org) (int, error) {
	rows := make([][]any, 0, len(orgs))
	now := time.Now().UTC()
	for _, o := range orgs {
		rows = append(rows, []any{o.Name, o.Kind, o.Website, now, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "organizations",
		Columns:      []string{"name", "kind", "website", "created_at", "updated_at"},
		ConflictKeys: []string{"name"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import orgs")
	}
	return int(n), nil
}

const pgOrgColumns = `id, name, kind, website, company_number, profile_checked_at,
	links_checked_at, spend_links, pending_files, dirty, enrichment_sources,
	created_at, updated_at`

func (s *PostgresStore) GetOrg(ctx context.Context, id int64) (*model.Org, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgOrgColumns+` FROM organizations WHERE id = $1`, id)
	o, err := scanPgOrg(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("org not found: %d", id)
	}
	return o, err
}

func (s *PostgresStore) CountOrgs(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count orgs")
}

func (s *PostgresStore) OrgsNeedingWebsite(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website = ''`, afterID, limit)
}

func (s *PostgresStore) OrgsNeedingProfile(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website != '' AND profile_checked_at IS NULL`, afterID, limit)
}

func (s *PostgresStore) OrgsNeedingLinks(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website != '' AND links_checked_at IS NULL`, afterID, limit)
}

func (s *PostgresStore) OrgsWithPendingFiles(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `pending_files > 0`, afterID, limit)
}

func (s *PostgresStore) OrgsNeedingAggregation(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `dirty`, afterID, limit)
}

func (s *PostgresStore) queryOrgs(ctx context.Context, where string, afterID int64, limit int) ([]model.Org, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgOrgColumns+` FROM organizations WHERE `+where+` AND id > $1 ORDER BY id ASC LIMIT $2`,
		afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query orgs")
	}
	defer rows.Close()

	var orgs []model.Org
	for rows.Next() {
		o, err := scanPgOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *o)
	}
	return orgs, eris.Wrap(rows.Err(), "postgres: query orgs iterate")
}

func (s *PostgresStore) SetOrgWebsite(ctx context.Context, id int64, website string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET website = $1, updated_at = now() WHERE id = $2`, website, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set website for org %d", id)
	}
	return checkTag(tag.RowsAffected(), "org", id)
}

func (s *PostgresStore) SetOrgProfile(ctx context.Context, id int64, companyNumber string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET company_number = $1, profile_checked_at = now(), updated_at = now() WHERE id = $2`,
		companyNumber, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set profile for org %d", id)
	}
	return checkTag(tag.RowsAffected(), "org", id)
}

func (s *PostgresStore) SetOrgSpendLinks(ctx context.Context, id int64, links []model.SpendLink) error {
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal spend links")
	}
	pending := 0
	for _, l := range links {
		if !l.Ingested {
			pending++
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET spend_links = $1, pending_files = $2, links_checked_at = now(), updated_at = now() WHERE id = $3`,
		linksJSON, pending, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set spend links for org %d", id)
	}
	return checkTag(tag.RowsAffected(), "org", id)
}

func (s *PostgresStore) MarkLinkIngested(ctx context.Context, id int64, url, note string) error {
	o, err := s.GetOrg(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	found := false
	pending := 0
	for i := range o.SpendLinks {
		if o.SpendLinks[i].URL == url {
			o.SpendLinks[i].Ingested = true
			o.SpendLinks[i].IngestedAt = &now
			o.SpendLinks[i].Note = note
			found = true
		}
		if !o.SpendLinks[i].Ingested {
			pending++
		}
	}
	if !found {
		return eris.Errorf("org %d has no spend link %s", id, url)
	}

	linksJSON, err := json.Marshal(o.SpendLinks)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal spend links")
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE organizations SET spend_links = $1, pending_files = $2, dirty = TRUE, updated_at = now() WHERE id = $3`,
		linksJSON, pending, id)
	return eris.Wrapf(err, "postgres: mark link ingested for org %d", id)
}

func (s *PostgresStore) TagOrg(ctx context.Context, id int64, source string) error {
	// jsonb append is conditional on absence so tags stay a set.
	_, err := s.pool.Exec(ctx,
		`UPDATE organizations
		 SET enrichment_sources = enrichment_sources || to_jsonb($1::text), updated_at = now()
		 WHERE id = $2 AND NOT enrichment_sources ? $1`,
		source, id)
	return eris.Wrapf(err, "postgres: tag org %d", id)
}

func (s *PostgresStore) ClearOrgDirty(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE organizations SET dirty = FALSE, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: clear dirty for org %d", id)
	}
	return checkTag(tag.RowsAffected(), "org", id)
}

// Jobs

func (s *PostgresStore) GetJob(ctx context.Context, pipeline, stage string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, "get_job", pipeline, stage)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

func (s *PostgresStore) UpsertJob(ctx context.Context, job model.Job) error {
	logJSON, err := json.Marshal(job.ErrorLog)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal error log")
	}
	_, err = s.pool.Exec(ctx, "upsert_job",
		job.Pipeline, job.Stage, string(job.Status), job.Cursor, job.BatchSize,
		job.TotalProcessed, job.TotalErrors, logJSON, job.StartedAt, job.LastRunAt)
	return eris.Wrapf(err, "postgres: upsert job %s/%s", job.Pipeline, job.Stage)
}

func (s *PostgresStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT pipeline, stage, status, cursor, batch_size, total_processed, total_errors, error_log, started_at, last_run_at
		 FROM jobs ORDER BY pipeline, stage`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) ResetJob(ctx context.Context, pipeline, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, cursor = '', last_run_at = now() WHERE pipeline = $2 AND stage = $3`,
		string(model.JobStatusRunning), pipeline, stage)
	if err != nil {
		return eris.Wrapf(err, "postgres: reset job %s/%s", pipeline, stage)
	}
	return checkTag(tag.RowsAffected(), "job", pipeline+"/"+stage)
}

// Transactions

var transactionColumns = []string{
	"org_id", "date", "amount", "vendor_raw", "vendor_key",
	"category", "subcategory", "department", "reference", "source_file", "row_hash",
}

func (s *PostgresStore) InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error) {
	rows := make([][]any, 0, len(txs))
	for _, t := range txs {
		rows = append(rows, []any{
			t.OrgID, t.Date, t.Amount, t.VendorRaw, t.VendorKey,
			t.Category, t.Subcategory, t.Department, t.Reference, t.SourceFile, t.RowHash,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "transactions",
		Columns:      transactionColumns,
		ConflictKeys: []string{"org_id", "source_file", "row_hash"},
		DoNothing:    true,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: insert transactions")
	}
	return int(n), nil
}

func (s *PostgresStore) TransactionsForOrg(ctx context.Context, orgID int64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org_id, date, amount, vendor_raw, vendor_key, category, subcategory, department, reference, source_file, row_hash
		 FROM transactions WHERE org_id = $1 ORDER BY date, row_hash`, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: transactions for org %d", orgID)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.OrgID, &t.Date, &t.Amount, &t.VendorRaw, &t.VendorKey,
			&t.Category, &t.Subcategory, &t.Department, &t.Reference, &t.SourceFile, &t.RowHash); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.Date = t.Date.UTC()
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "postgres: transactions iterate")
}

// Summaries

func (s *PostgresStore) ReplaceSummary(ctx context.Context, sum model.Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}
	_, err = s.pool.Exec(ctx, "replace_summary", sum.OrgID, payload)
	return eris.Wrapf(err, "postgres: replace summary for org %d", sum.OrgID)
}

func (s *PostgresStore) GetSummary(ctx context.Context, orgID int64) (*model.Summary, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM summaries WHERE org_id = $1`, orgID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get summary for org %d", orgID)
	}
	var sum model.Summary
	if err := json.Unmarshal(payload, &sum); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal summary")
	}
	return &sum, nil
}

// Schema-mapping cache

func (s *PostgresStore) GetSchemaMapping(ctx context.Context, headerHash string) (*model.MappingEntry, bool, error) {
	var mappingJSON []byte
	entry := model.MappingEntry{HeaderHash: headerHash}
	err := s.pool.QueryRow(ctx, "get_schema_mapping", headerHash).
		Scan(&mappingJSON, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get schema mapping")
	}
	if len(mappingJSON) > 0 {
		entry.Mapping = &model.ColumnMapping{}
		if err := json.Unmarshal(mappingJSON, entry.Mapping); err != nil {
			return nil, false, eris.Wrap(err, "postgres: unmarshal schema mapping")
		}
	}
	return &entry, true, nil
}

func (s *PostgresStore) PutSchemaMapping(ctx context.Context, entry model.MappingEntry) error {
	var mappingJSON []byte
	if entry.Mapping != nil {
		b, err := json.Marshal(entry.Mapping)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal schema mapping")
		}
		mappingJSON = b
	}
	_, err := s.pool.Exec(ctx, "put_schema_mapping", entry.HeaderHash, mappingJSON, entry.CreatedAt)
	return eris.Wrap(err, "postgres: put schema mapping")
}

// helpers

func checkTag(n int64, entity string, id any) error {
	if n == 0 {
		return eris.Errorf("%s not found: %v", entity, id)
	}
	return nil
}

func scanPgOrg(row pgx.Row) (*model.Org, error) {
	var o model.Org
	var profileAt, linksAt *time.Time
	var linksJSON, sourcesJSON []byte

	err := row.Scan(&o.ID, &o.Name, &o.Kind, &o.Website, &o.CompanyNumber,
		&profileAt, &linksAt, &linksJSON, &o.PendingFiles, &o.Dirty,
		&sourcesJSON, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan org")
	}

	o.ProfileCheckedAt = profileAt
	o.LinksCheckedAt = linksAt
	if err := json.Unmarshal(linksJSON, &o.SpendLinks); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal spend links")
	}
	if err := json.Unmarshal(sourcesJSON, &o.EnrichmentSources); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal sources")
	}
	return &o, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var logJSON []byte
	err := row.Scan(&j.Pipeline, &j.Stage, &j.Status, &j.Cursor, &j.BatchSize,
		&j.TotalProcessed, &j.TotalErrors, &logJSON, &j.StartedAt, &j.LastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	if err := json.Unmarshal(logJSON, &j.ErrorLog); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal error log")
	}
	return &j, nil
}
