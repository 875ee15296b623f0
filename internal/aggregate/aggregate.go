// Package aggregate recomputes per-organization spend summaries from the
// canonical transaction set. Everything here is deterministic: the same
// transactions always produce byte-identical summary output.
package aggregate

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/opencouncil/spendsync/internal/model"
)

// Config holds the vendor-size and scoring thresholds. These are business
// tuning, surfaced through configuration rather than baked in.
type Config struct {
	LargeVendorSpend   float64 `yaml:"large_vendor_spend" mapstructure:"large_vendor_spend"`
	LargeVendorTxCount int     `yaml:"large_vendor_tx_count" mapstructure:"large_vendor_tx_count"`
	BreadthThreshold   int     `yaml:"breadth_threshold" mapstructure:"breadth_threshold"`
	BreadthBonus       int     `yaml:"breadth_bonus" mapstructure:"breadth_bonus"`
	TopVendors         int     `yaml:"top_vendors" mapstructure:"top_vendors"`
}

// DefaultConfig returns the standard thresholds: a vendor is large above
// £100k total spend or 100 transactions, and more than 20 distinct small
// vendors earns a 10-point openness bonus.
func DefaultConfig() Config {
	return Config{
		LargeVendorSpend:   100_000,
		LargeVendorTxCount: 100,
		BreadthThreshold:   20,
		BreadthBonus:       10,
		TopVendors:         50,
	}
}

// neutralStability is the score when fewer than two years of data exist.
const neutralStability = 50

// TxReader loads an organization's transactions. Satisfied by store.Store.
type TxReader interface {
	TransactionsForOrg(ctx context.Context, orgID int64) ([]model.Transaction, error)
}

// SummaryWriter replaces an organization's summary. Satisfied by store.Store.
type SummaryWriter interface {
	ReplaceSummary(ctx context.Context, s model.Summary) error
}

// Aggregator recomputes and persists one organization's summary.
type Aggregator struct {
	reader TxReader
	writer SummaryWriter
	cfg    Config
}

// New creates an Aggregator.
func New(reader TxReader, writer SummaryWriter, cfg Config) *Aggregator {
	if cfg.TopVendors <= 0 {
		cfg = DefaultConfig()
	}
	return &Aggregator{reader: reader, writer: writer, cfg: cfg}
}

// Run rebuilds the summary for one organization from scratch.
func (a *Aggregator) Run(ctx context.Context, orgID int64) (*model.Summary, error) {
	txs, err := a.reader.TransactionsForOrg(ctx, orgID)
	if err != nil {
		return nil, eris.Wrapf(err, "aggregate: load transactions for org %d", orgID)
	}
	sum := Compute(orgID, txs, a.cfg)
	if err := a.writer.ReplaceSummary(ctx, sum); err != nil {
		return nil, eris.Wrapf(err, "aggregate: persist summary for org %d", orgID)
	}
	zap.L().Info("summary rebuilt",
		zap.Int64("org_id", orgID),
		zap.Int("transactions", sum.TransactionCount),
		zap.Float64("total_spend", sum.TotalSpend),
		zap.Int("openness", sum.OpennessScore),
		zap.Int("stability", sum.StabilityScore))
	return &sum, nil
}

type vendorAgg struct {
	spend    float64
	count    int
	rawNames map[string]int
}

// Compute derives the full summary in one pass over the transaction set.
// Output ordering is fully specified so recomputation on identical input is
// byte-identical.
func Compute(orgID int64, txs []model.Transaction, cfg Config) model.Summary {
	sum := model.Summary{OrgID: orgID, StabilityScore: neutralStability}
	if len(txs) == 0 {
		sum.Categories = []model.CategoryTotal{}
		sum.Vendors = []model.VendorTotal{}
		sum.Monthly = []model.MonthTotal{}
		return sum
	}

	categories := make(map[string]*model.CategoryTotal)
	vendors := make(map[string]*vendorAgg)
	monthly := make(map[string]*model.MonthTotal)
	yearVendors := make(map[int]map[string]bool)

	for _, t := range txs {
		sum.TotalSpend += t.Amount
		sum.TransactionCount++
		if sum.FirstDate.IsZero() || t.Date.Before(sum.FirstDate) {
			sum.FirstDate = t.Date
		}
		if t.Date.After(sum.LastDate) {
			sum.LastDate = t.Date
		}

		cat := t.Category
		if cat == "" {
			cat = "Other"
		}
		c := categories[cat]
		if c == nil {
			c = &model.CategoryTotal{Category: cat}
			categories[cat] = c
		}
		c.Spend += t.Amount
		c.Count++

		v := vendors[t.VendorKey]
		if v == nil {
			v = &vendorAgg{rawNames: make(map[string]int)}
			vendors[t.VendorKey] = v
		}
		v.spend += t.Amount
		v.count++
		v.rawNames[t.VendorRaw]++

		month := t.Date.Format("2006-01")
		m := monthly[month]
		if m == nil {
			m = &model.MonthTotal{Month: month}
			monthly[month] = m
		}
		m.Spend += t.Amount
		m.Count++

		year := t.Date.Year()
		if yearVendors[year] == nil {
			yearVendors[year] = make(map[string]bool)
		}
		yearVendors[year][t.VendorKey] = true
	}

	sum.Categories = sortedCategories(categories)
	sum.Monthly = sortedMonths(monthly)
	sum.Vendors = topVendors(vendors, cfg.TopVendors)

	// Vendor-size segmentation.
	smallVendors := 0
	for _, v := range vendors {
		if v.spend > cfg.LargeVendorSpend || v.count > cfg.LargeVendorTxCount {
			sum.LargeVendorSpend += v.spend
			sum.LargeVendorCount++
			sum.LargeVendorTxCount += v.count
		} else {
			sum.SmallVendorSpend += v.spend
			sum.SmallVendorCount++
			sum.SmallVendorTxCount += v.count
			smallVendors++
		}
	}

	sum.OpennessScore = opennessScore(sum.SmallVendorSpend, sum.LargeVendorSpend, smallVendors, cfg)
	sum.StabilityScore = stabilityScore(yearVendors)
	return sum
}

// opennessScore is min(100, round(small spend share % + breadth bonus)).
func opennessScore(small, large float64, smallVendors int, cfg Config) int {
	total := small + large
	if total <= 0 {
		return 0
	}
	share := small / total * 100
	bonus := 0
	if smallVendors > cfg.BreadthThreshold {
		bonus = cfg.BreadthBonus
	}
	score := int(math.Round(share)) + bonus
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

// stabilityScore is the mean Jaccard similarity of vendor sets across
// adjacent years, scaled to 0-100. Fewer than two years of data scores the
// neutral midpoint.
func stabilityScore(yearVendors map[int]map[string]bool) int {
	if len(yearVendors) < 2 {
		return neutralStability
	}
	years := make([]int, 0, len(yearVendors))
	for y := range yearVendors {
		years = append(years, y)
	}
	sort.Ints(years)

	var total float64
	pairs := 0
	for i := 1; i < len(years); i++ {
		total += jaccard(yearVendors[years[i-1]], yearVendors[years[i]])
		pairs++
	}
	return int(math.Round(total / float64(pairs) * 100))
}

func jaccard(a, b map[string]bool) float64 {
	intersection := 0
	for k := range a {
		if b[k] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func sortedCategories(m map[string]*model.CategoryTotal) []model.CategoryTotal {
	out := make([]model.CategoryTotal, 0, len(m))
	for _, c := range m {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spend != out[j].Spend {
			return out[i].Spend > out[j].Spend
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func sortedMonths(m map[string]*model.MonthTotal) []model.MonthTotal {
	out := make([]model.MonthTotal, 0, len(m))
	for _, mt := range m {
		out = append(out, *mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out
}

func topVendors(m map[string]*vendorAgg, limit int) []model.VendorTotal {
	out := make([]model.VendorTotal, 0, len(m))
	for key, v := range m {
		out = append(out, model.VendorTotal{
			VendorKey:  key,
			VendorName: commonestName(v.rawNames),
			Spend:      v.spend,
			Count:      v.count,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Spend != out[j].Spend {
			return out[i].Spend > out[j].Spend
		}
		return out[i].VendorKey < out[j].VendorKey
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// commonestName picks the most frequent raw rendering of a vendor name,
// breaking ties lexicographically so output stays deterministic.
func commonestName(names map[string]int) string {
	best := ""
	bestCount := -1
	for name, count := range names {
		if count > bestCount || (count == bestCount && name < best) {
			best = name
			bestCount = count
		}
	}
	return best
}
