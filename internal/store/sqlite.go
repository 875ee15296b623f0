package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/opencouncil/spendsync/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS organizations (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL UNIQUE,
	kind               TEXT NOT NULL DEFAULT '',
	website            TEXT NOT NULL DEFAULT '',
	company_number     TEXT NOT NULL DEFAULT '',
	profile_checked_at DATETIME,
	links_checked_at   DATETIME,
	spend_links        TEXT NOT NULL DEFAULT '[]',
	pending_files      INTEGER NOT NULL DEFAULT 0,
	dirty              INTEGER NOT NULL DEFAULT 0,
	enrichment_sources TEXT NOT NULL DEFAULT '[]',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	pipeline        TEXT NOT NULL,
	stage           TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	cursor          TEXT NOT NULL DEFAULT '',
	batch_size      INTEGER NOT NULL DEFAULT 0,
	total_processed INTEGER NOT NULL DEFAULT 0,
	total_errors    INTEGER NOT NULL DEFAULT 0,
	error_log       TEXT NOT NULL DEFAULT '[]',
	started_at      DATETIME NOT NULL,
	last_run_at     DATETIME NOT NULL,
	PRIMARY KEY (pipeline, stage)
);

CREATE TABLE IF NOT EXISTS transactions (
	org_id      INTEGER NOT NULL REFERENCES organizations(id),
	date        TEXT NOT NULL,
	amount      REAL NOT NULL,
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
	org_id  INTEGER PRIMARY KEY REFERENCES organizations(id),
	payload TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_cache (
	header_hash TEXT PRIMARY KEY,
	mapping     TEXT,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orgs_needs_website ON organizations(id) WHERE website = '';
CREATE INDEX IF NOT EXISTS idx_orgs_needs_profile ON organizations(id) WHERE website != '' AND profile_checked_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_orgs_needs_links ON organizations(id) WHERE website != '' AND links_checked_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_orgs_pending_files ON organizations(id) WHERE pending_files > 0;
CREATE INDEX IF NOT EXISTS idx_orgs_dirty ON organizations(id) WHERE dirty = 1;
CREATE INDEX IF NOT EXISTS idx_tx_org_date ON transactions(org_id, date);
CREATE INDEX IF NOT EXISTS idx_tx_vendor_key ON transactions(org_id, vendor_key);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Organizations

func (s *SQLiteStore) ImportOrgs(ctx context.Context, orgs []model.Org) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO organizations (name, kind, website, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	inserted := 0
	for _, o := range orgs {
		res, err := stmt.ExecContext(ctx, o.Name, o.Kind, o.Website, now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: import org %q", o.Name)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return inserted, nil
}

const orgColumns = `id, name, kind, website, company_number, profile_checked_at,
	links_checked_at, spend_links, pending_files, dirty, enrichment_sources,
	created_at, updated_at`

func (s *SQLiteStore) GetOrg(ctx context.Context, id int64) (*model.Org, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = ?`, id)
	o, err := scanOrg(row)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("org not found: %d", id)
	}
	return o, err
}

func (s *SQLiteStore) CountOrgs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count orgs")
}

func (s *SQLiteStore) OrgsNeedingWebsite(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website = ''`, afterID, limit)
}

func (s *SQLiteStore) OrgsNeedingProfile(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website != '' AND profile_checked_at IS NULL`, afterID, limit)
}

func (s *SQLiteStore) OrgsNeedingLinks(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `website != '' AND links_checked_at IS NULL`, afterID, limit)
}

func (s *SQLiteStore) OrgsWithPendingFiles(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `pending_files > 0`, afterID, limit)
}

func (s *SQLiteStore) OrgsNeedingAggregation(ctx context.Context, afterID int64, limit int) ([]model.Org, error) {
	return s.queryOrgs(ctx, `dirty = 1`, afterID, limit)
}

func (s *SQLiteStore) queryOrgs(ctx context.Context, where string, afterID int64, limit int) ([]model.Org, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE `+where+` AND id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query orgs")
	}
	defer rows.Close()

	var orgs []model.Org
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, *o)
	}
	return orgs, eris.Wrap(rows.Err(), "sqlite: query orgs iterate")
}

func (s *SQLiteStore) SetOrgWebsite(ctx context.Context, id int64, website string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET website = ?, updated_at = ? WHERE id = ?`,
		website, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set website for org %d", id)
	}
	return checkRowsAffected(res, "org", id)
}

func (s *SQLiteStore) SetOrgProfile(ctx context.Context, id int64, companyNumber string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET company_number = ?, profile_checked_at = ?, updated_at = ? WHERE id = ?`,
		companyNumber, now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set profile for org %d", id)
	}
	return checkRowsAffected(res, "org", id)
}

func (s *SQLiteStore) SetOrgSpendLinks(ctx context.Context, id int64, links []model.SpendLink) error {
	linksJSON, err := json.Marshal(links)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal spend links")
	}
	pending := 0
	for _, l := range links {
		if !l.Ingested {
			pending++
		}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET spend_links = ?, pending_files = ?, links_checked_at = ?, updated_at = ? WHERE id = ?`,
		string(linksJSON), pending, now, now, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set spend links for org %d", id)
	}
	return checkRowsAffected(res, "org", id)
}

// MarkLinkIngested flags one spend link done, recomputes pending_files and
// marks the org dirty so the aggregate stage picks it up.
func (s *SQLiteStore) MarkLinkIngested(ctx context.Context, id int64, url, note string) error {
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
		return eris.Wrap(err, "sqlite: marshal spend links")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE organizations SET spend_links = ?, pending_files = ?, dirty = 1, updated_at = ? WHERE id = ?`,
		string(linksJSON), pending, now, id)
	return eris.Wrapf(err, "sqlite: mark link ingested for org %d", id)
}

func (s *SQLiteStore) TagOrg(ctx context.Context, id int64, source string) error {
	o, err := s.GetOrg(ctx, id)
	if err != nil {
		return err
	}
	if o.HasSource(source) {
		return nil
	}
	tagsJSON, err := json.Marshal(append(o.EnrichmentSources, source))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal sources")
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE organizations SET enrichment_sources = ?, updated_at = ? WHERE id = ?`,
		string(tagsJSON), time.Now().UTC(), id)
	return eris.Wrapf(err, "sqlite: tag org %d", id)
}

func (s *SQLiteStore) ClearOrgDirty(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET dirty = 0, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: clear dirty for org %d", id)
	}
	return checkRowsAffected(res, "org", id)
}

// Jobs

func (s *SQLiteStore) GetJob(ctx context.Context, pipeline, stage string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT pipeline, stage, status, cursor, batch_size, total_processed,
		 total_errors, error_log, started_at, last_run_at
		 FROM jobs WHERE pipeline = ? AND stage = ?`, pipeline, stage)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job model.Job) error {
	logJSON, err := json.Marshal(job.ErrorLog)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal error log")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (pipeline, stage, status, cursor, batch_size, total_processed, total_errors, error_log, started_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pipeline, stage) DO UPDATE SET
		   status = excluded.status,
		   cursor = excluded.cursor,
		   batch_size = excluded.batch_size,
		   total_processed = excluded.total_processed,
		   total_errors = excluded.total_errors,
		   error_log = excluded.error_log,
		   last_run_at = excluded.last_run_at`,
		job.Pipeline, job.Stage, string(job.Status), job.Cursor, job.BatchSize,
		job.TotalProcessed, job.TotalErrors, string(logJSON), job.StartedAt, job.LastRunAt)
	return eris.Wrapf(err, "sqlite: upsert job %s/%s", job.Pipeline, job.Stage)
}

func (s *SQLiteStore) ListJobs(ctx context.Context) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipeline, stage, status, cursor, batch_size, total_processed,
		 total_errors, error_log, started_at, last_run_at
		 FROM jobs ORDER BY pipeline, stage`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) ResetJob(ctx context.Context, pipeline, stage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, cursor = '', last_run_at = ? WHERE pipeline = ? AND stage = ?`,
		string(model.JobStatusRunning), time.Now().UTC(), pipeline, stage)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reset job %s/%s", pipeline, stage)
	}
	return checkRowsAffected(res, "job", pipeline+"/"+stage)
}

// Transactions

const txDateLayout = "2006-01-02"

func (s *SQLiteStore) InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert transactions")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions (org_id, date, amount, vendor_raw, vendor_key, category, subcategory, department, reference, source_file, row_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, source_file, row_hash) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert transactions")
	}
	defer stmt.Close()

	inserted := 0
	for _, t := range txs {
		res, err := stmt.ExecContext(ctx,
			t.OrgID, t.Date.Format(txDateLayout), t.Amount, t.VendorRaw, t.VendorKey,
			t.Category, t.Subcategory, t.Department, t.Reference, t.SourceFile, t.RowHash)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert transaction for org %d", t.OrgID)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert transactions")
	}
	return inserted, nil
}

func (s *SQLiteStore) TransactionsForOrg(ctx context.Context, orgID int64) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, date, amount, vendor_raw, vendor_key, category, subcategory, department, reference, source_file, row_hash
		 FROM transactions WHERE org_id = ? ORDER BY date, row_hash`, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: transactions for org %d", orgID)
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var date string
		if err := rows.Scan(&t.OrgID, &date, &t.Amount, &t.VendorRaw, &t.VendorKey,
			&t.Category, &t.Subcategory, &t.Department, &t.Reference, &t.SourceFile, &t.RowHash); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		t.Date, err = time.ParseInLocation(txDateLayout, date, time.UTC)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: bad transaction date %q", date)
		}
		txs = append(txs, t)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: transactions iterate")
}

// Summaries

func (s *SQLiteStore) ReplaceSummary(ctx context.Context, sum model.Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO summaries (org_id, payload) VALUES (?, ?)
		 ON CONFLICT (org_id) DO UPDATE SET payload = excluded.payload`,
		sum.OrgID, string(payload))
	return eris.Wrapf(err, "sqlite: replace summary for org %d", sum.OrgID)
}

func (s *SQLiteStore) GetSummary(ctx context.Context, orgID int64) (*model.Summary, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM summaries WHERE org_id = ?`, orgID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get summary for org %d", orgID)
	}
	var sum model.Summary
	if err := json.Unmarshal([]byte(payload), &sum); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal summary")
	}
	return &sum, nil
}

// Schema-mapping cache

func (s *SQLiteStore) GetSchemaMapping(ctx context.Context, headerHash string) (*model.MappingEntry, bool, error) {
	var mappingJSON sql.NullString
	entry := model.MappingEntry{HeaderHash: headerHash}
	err := s.db.QueryRowContext(ctx,
		`SELECT mapping, created_at FROM schema_cache WHERE header_hash = ?`, headerHash).
		Scan(&mappingJSON, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get schema mapping")
	}
	if mappingJSON.Valid {
		entry.Mapping = &model.ColumnMapping{}
		if err := json.Unmarshal([]byte(mappingJSON.String), entry.Mapping); err != nil {
			return nil, false, eris.Wrap(err, "sqlite: unmarshal schema mapping")
		}
	}
	return &entry, true, nil
}

func (s *SQLiteStore) PutSchemaMapping(ctx context.Context, entry model.MappingEntry) error {
	var mappingJSON any
	if entry.Mapping != nil {
		b, err := json.Marshal(entry.Mapping)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal schema mapping")
		}
		mappingJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_cache (header_hash, mapping, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (header_hash) DO UPDATE SET mapping = excluded.mapping, created_at = excluded.created_at`,
		entry.HeaderHash, mappingJSON, entry.CreatedAt)
	return eris.Wrap(err, "sqlite: put schema mapping")
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %v", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanOrg(row scannable) (*model.Org, error) {
	var o model.Org
	var profileAt, linksAt sql.NullTime
	var linksJSON, sourcesJSON string

	err := row.Scan(&o.ID, &o.Name, &o.Kind, &o.Website, &o.CompanyNumber,
		&profileAt, &linksAt, &linksJSON, &o.PendingFiles, &o.Dirty,
		&sourcesJSON, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan org")
	}

	if profileAt.Valid {
		t := profileAt.Time.UTC()
		o.ProfileCheckedAt = &t
	}
	if linksAt.Valid {
		t := linksAt.Time.UTC()
		o.LinksCheckedAt = &t
	}
	if err := json.Unmarshal([]byte(linksJSON), &o.SpendLinks); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal spend links")
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &o.EnrichmentSources); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal sources")
	}
	return &o, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var logJSON string
	err := row.Scan(&j.Pipeline, &j.Stage, &j.Status, &j.Cursor, &j.BatchSize,
		&j.TotalProcessed, &j.TotalErrors, &logJSON, &j.StartedAt, &j.LastRunAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	if err := json.Unmarshal([]byte(logJSON), &j.ErrorLog); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal error log")
	}
	return &j, nil
}
