// Package ingest turns one published spend file into canonical transaction
// rows: download, parse, resolve the column layout, normalize fields, and
// persist idempotently.
package ingest

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/fetcher"
	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/internal/normalize"
)

// Downloader fetches a source file. Satisfied by fetcher.Client.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Resolver maps column headers to canonical fields. Satisfied by
// schema.Resolver; a nil mapping with no error means the layout is
// unmappable.
type Resolver interface {
	Resolve(ctx context.Context, headers []string, sampleRows [][]string) (*model.ColumnMapping, error)
}

// TxWriter persists canonical transaction rows. Satisfied by store.Store.
type TxWriter interface {
	InsertTransactions(ctx context.Context, txs []model.Transaction) (int, error)
}

// FileResult reports what happened to one source file.
type FileResult struct {
	SourceFile string `json:"source_file"`
	Rows       int    `json:"rows"`     // data rows in the file
	Inserted   int    `json:"inserted"` // new rows persisted
	Skipped    int    `json:"skipped"`  // rows dropped for missing required fields
	Unmappable bool   `json:"unmappable"`
}

// Ingestor downloads and ingests spend files for one organization at a time.
type Ingestor struct {
	download Downloader
	resolver Resolver
	writer   TxWriter
	rules    []normalize.CategoryRule
}

// New creates an Ingestor. rules may be nil to use the default category set.
func New(download Downloader, resolver Resolver, writer TxWriter, rules []normalize.CategoryRule) *Ingestor {
	if rules == nil {
		rules = normalize.DefaultCategoryRules()
	}
	return &Ingestor{download: download, resolver: resolver, writer: writer, rules: rules}
}

// sampleRowCount bounds how many data rows are handed to the resolver.
const sampleRowCount = 3

// IngestFile downloads one file and persists its rows for the org. Returns
// Unmappable (not an error) when the layout cannot be resolved, so the caller
// can record the link as done-but-useless rather than retrying forever.
func (ing *Ingestor) IngestFile(ctx context.Context, orgID int64, fileURL string) (*FileResult, error) {
	res := &FileResult{SourceFile: sourceFileName(fileURL)}

	body, err := ing.download.Download(ctx, fileURL)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: download %s", fileURL)
	}
	defer body.Close()

	headers, rows, err := parseFile(fileURL, body)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: parse %s", fileURL)
	}
	res.Rows = len(rows)
	if len(headers) == 0 || len(rows) == 0 {
		res.Unmappable = len(headers) == 0
		return res, nil
	}

	sample := rows
	if len(sample) > sampleRowCount {
		sample = sample[:sampleRowCount]
	}
	mapping, err := ing.resolver.Resolve(ctx, headers, sample)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: resolve layout for %s", fileURL)
	}
	if mapping == nil {
		res.Unmappable = true
		zap.L().Warn("unmappable layout",
			zap.Int64("org_id", orgID),
			zap.String("url", fileURL),
			zap.Strings("headers", headers))
		return res, nil
	}

	cols := indexColumns(headers, mapping)
	var txs []model.Transaction
	for _, row := range rows {
		tx, ok := buildTransaction(orgID, res.SourceFile, row, cols, ing.rules)
		if !ok {
			res.Skipped++
			continue
		}
		txs = append(txs, tx)
	}

	inserted, err := ing.writer.InsertTransactions(ctx, txs)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: persist rows from %s", fileURL)
	}
	res.Inserted = inserted

	zap.L().Info("file ingested",
		zap.Int64("org_id", orgID),
		zap.String("source_file", res.SourceFile),
		zap.Int("rows", res.Rows),
		zap.Int("inserted", res.Inserted),
		zap.Int("skipped", res.Skipped))
	return res, nil
}

// columnIndexes holds the position of each mapped header, -1 when unmapped.
type columnIndexes struct {
	date, amount, vendor, category, subcategory, department, reference int
}

func indexColumns(headers []string, m *model.ColumnMapping) columnIndexes {
	find := func(name string) int {
		if name == "" {
			return -1
		}
		for i, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(name)) {
				return i
			}
		}
		return -1
	}
	return columnIndexes{
		date:        find(m.Date),
		amount:      find(m.Amount),
		vendor:      find(m.Vendor),
		category:    find(m.Category),
		subcategory: find(m.Subcategory),
		department:  find(m.Department),
		reference:   find(m.Reference),
	}
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

// buildTransaction normalizes one data row. Rows missing a parseable date,
// amount or vendor are dropped rather than stored with nulls.
func buildTransaction(orgID int64, sourceFile string, row []string, cols columnIndexes, rules []normalize.CategoryRule) (model.Transaction, bool) {
	date, ok := normalize.ParseDate(cell(row, cols.date))
	if !ok {
		return model.Transaction{}, false
	}
	amount, ok := normalize.ParseAmount(cell(row, cols.amount))
	if !ok {
		return model.Transaction{}, false
	}
	vendorRaw := cell(row, cols.vendor)
	if vendorRaw == "" {
		return model.Transaction{}, false
	}

	tx := model.Transaction{
		OrgID:       orgID,
		Date:        date,
		Amount:      amount,
		VendorRaw:   vendorRaw,
		VendorKey:   normalize.VendorKey(vendorRaw),
		Category:    normalize.Categorize(cell(row, cols.category), rules),
		Subcategory: cell(row, cols.subcategory),
		Department:  cell(row, cols.department),
		Reference:   cell(row, cols.reference),
		SourceFile:  sourceFile,
	}
	tx.ComputeRowHash()
	return tx, true
}

// parseFile dispatches on the URL's file extension. Anything that is not
// xlsx is treated as CSV, which also covers extensionless download links.
func parseFile(fileURL string, body io.Reader) ([]string, [][]string, error) {
	if strings.EqualFold(path.Ext(urlPath(fileURL)), ".xlsx") {
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, nil, eris.Wrap(err, "read body")
		}
		return fetcher.ReadXLSX(data)
	}
	return fetcher.ReadCSV(body)
}

// sourceFileName derives the stable per-file identity from the URL path.
func sourceFileName(rawURL string) string {
	p := urlPath(rawURL)
	if name := path.Base(p); name != "." && name != "/" {
		return name
	}
	return rawURL
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
