package stages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/internal/aggregate"
	"github.com/opencouncil/spendsync/internal/fetcher"
	"github.com/opencouncil/spendsync/internal/ingest"
	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/internal/store"
	"github.com/opencouncil/spendsync/pkg/companies"
	"github.com/opencouncil/spendsync/pkg/websearch"
)

type fakeSearch struct {
	results []websearch.Result
	err     error
}

func (f *fakeSearch) Search(context.Context, string, int) ([]websearch.Result, error) {
	return f.results, f.err
}

type fakeCompanies struct {
	matches []companies.Match
	err     error
}

func (f *fakeCompanies) Lookup(context.Context, []string) ([]companies.Match, error) {
	return f.matches, f.err
}

type staticResolver struct {
	mapping *model.ColumnMapping
}

func (r *staticResolver) Resolve(context.Context, []string, [][]string) (*model.ColumnMapping, error) {
	return r.mapping, nil
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedOrg(t *testing.T, st *store.SQLiteStore, name string) model.Org {
	t.Helper()
	n, err := st.ImportOrgs(context.Background(), []model.Org{{Name: name, Kind: "council"}})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	orgs, err := st.OrgsNeedingWebsite(context.Background(), 0, 100)
	require.NoError(t, err)
	return orgs[len(orgs)-1]
}

func fastFetcher() *fetcher.Client {
	return fetcher.New(fetcher.Options{
		Policies:     []fetcher.HostPolicy{{Match: "127.0.0.1", Delay: time.Millisecond}},
		DefaultDelay: time.Millisecond,
		MaxRetries:   1,
	})
}

// --- website stage ---

func TestFindWebsite_PrefersOfficialDomain(t *testing.T) {
	st := newTestStore(t)
	org := seedOrg(t, st, "Birmingham City Council")

	d := Deps{Store: st, Search: &fakeSearch{results: []websearch.Result{
		{Title: "Wikipedia", URL: "https://en.wikipedia.org/wiki/Birmingham"},
		{Title: "Official", URL: "https://www.birmingham.gov.uk"},
	}}}
	require.NoError(t, d.findWebsite(context.Background(), org))

	got, err := st.GetOrg(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://www.birmingham.gov.uk", got.Website)
	assert.True(t, got.HasSource(SourceWebsite))
}

func TestFindWebsite_FallsBackToTopHit(t *testing.T) {
	st := newTestStore(t)
	org := seedOrg(t, st, "Some Trust")

	d := Deps{Store: st, Search: &fakeSearch{results: []websearch.Result{
		{URL: "https://sometrust.example.org"},
	}}}
	require.NoError(t, d.findWebsite(context.Background(), org))

	got, _ := st.GetOrg(context.Background(), org.ID)
	assert.Equal(t, "https://sometrust.example.org", got.Website)
}

func TestFindWebsite_NoResultsStillTagged(t *testing.T) {
	st := newTestStore(t)
	org := seedOrg(t, st, "Obscure Parish Council")

	d := Deps{Store: st, Search: &fakeSearch{}}
	require.NoError(t, d.findWebsite(context.Background(), org))

	got, _ := st.GetOrg(context.Background(), org.ID)
	assert.Empty(t, got.Website)
	assert.True(t, got.HasSource(SourceWebsite))
}

// --- profile stage ---

func TestMatchProfile_StrongMatch(t *testing.T) {
	st := newTestStore(t)
	org := seedOrg(t, st, "Capita")
	require.NoError(t, st.SetOrgWebsite(context.Background(), org.ID, "https://capita.com"))

	d := Deps{Store: st, Companies: &fakeCompanies{matches: []companies.Match{
		{Query: "Capita", Name: "CAPITA PLC", CompanyNumber: "02081330", Score: 0.97},
	}}}
	require.NoError(t, d.matchProfile(context.Background(), org))

	got, _ := st.GetOrg(context.Background(), org.ID)
	assert.Equal(t, "02081330", got.CompanyNumber)
	assert.NotNil(t, got.ProfileCheckedAt)
	assert.True(t, got.HasSource(SourceProfile))
}

func TestMatchProfile_WeakMatchLeavesNumberEmpty(t *testing.T) {
	st := newTestStore(t)
	org := seedOrg(t, st, "Ambiguous Org")
	require.NoError(t, st.SetOrgWebsite(context.Background(), org.ID, "https://a.gov.uk"))

	d := Deps{Store: st, Companies: &fakeCompanies{matches: []companies.Match{
		{Name: "SOMETHING ELSE LTD", CompanyNumber: "00000001", Score: 0.4},
	}}}
	require.NoError(t, d.matchProfile(context.Background(), org))

	got, _ := st.GetOrg(context.Background(), org.ID)
	assert.Empty(t, got.CompanyNumber)
	// Checked either way, so the org leaves the candidate queue.
	assert.NotNil(t, got.ProfileCheckedAt)
}

// --- links stage ---

func TestDiscoverLinks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<a href="/about">About</a>
			<a href="/transparency/spending">Spending data</a>
			<a href="/files/spend-2024-q1.csv">Q1</a>
		</body></html>`))
	})
	mux.HandleFunc("/transparency/spending", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<a href="/files/spend-2024-q2.xlsx">Q2</a>
			<a href="https://external.example.com/other.pdf">pdf</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	org := seedOrg(t, st, "Test Council")
	require.NoError(t, st.SetOrgWebsite(context.Background(), org.ID, srv.URL))
	org.Website = srv.URL

	d := Deps{Store: st, Fetch: fastFetcher()}
	require.NoError(t, d.discoverLinks(context.Background(), org))

	got, err := st.GetOrg(context.Background(), org.ID)
	require.NoError(t, err)
	require.Len(t, got.SpendLinks, 2)
	assert.Equal(t, srv.URL+"/files/spend-2024-q1.csv", got.SpendLinks[0].URL)
	assert.Equal(t, srv.URL+"/files/spend-2024-q2.xlsx", got.SpendLinks[1].URL)
	assert.Equal(t, 2, got.PendingFiles)
	assert.NotNil(t, got.LinksCheckedAt)
}

// --- files + aggregate stages ---

const stageCSV = `Transaction Date,Amount,Supplier
15/01/2024,100.00,ACME Ltd
16/01/2024,200.00,Globex Limited
`

func TestIngestFilesAndAggregate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/spend.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stageCSV))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	org := seedOrg(t, st, "Test Council")
	ctx := context.Background()
	require.NoError(t, st.SetOrgWebsite(ctx, org.ID, srv.URL))
	require.NoError(t, st.SetOrgSpendLinks(ctx, org.ID, []model.SpendLink{{URL: srv.URL + "/spend.csv"}}))

	fc := fastFetcher()
	ing := ingest.New(fc, &staticResolver{mapping: &model.ColumnMapping{
		Date: "Transaction Date", Amount: "Amount", Vendor: "Supplier",
	}}, st, nil)
	agg := aggregate.New(st, st, aggregate.DefaultConfig())
	d := Deps{Store: st, Fetch: fc, Ingestor: ing, Aggregator: agg}

	// Files stage.
	loaded, err := st.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	require.NoError(t, d.ingestFiles(ctx, *loaded))

	loaded, err = st.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Zero(t, loaded.PendingFiles)
	assert.True(t, loaded.Dirty)
	require.Len(t, loaded.SpendLinks, 1)
	assert.True(t, loaded.SpendLinks[0].Ingested)
	assert.Empty(t, loaded.SpendLinks[0].Note)

	txs, err := st.TransactionsForOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	// Aggregate stage.
	require.NoError(t, d.aggregateOrg(ctx, *loaded))

	sum, err := st.GetSummary(ctx, org.ID)
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 300.0, sum.TotalSpend)

	loaded, _ = st.GetOrg(ctx, org.ID)
	assert.False(t, loaded.Dirty)
}

func TestIngestFiles_UnmappableMarksLinkDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/odd.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Col A,Col B\nx,y\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := newTestStore(t)
	org := seedOrg(t, st, "Odd Council")
	ctx := context.Background()
	require.NoError(t, st.SetOrgWebsite(ctx, org.ID, srv.URL))
	require.NoError(t, st.SetOrgSpendLinks(ctx, org.ID, []model.SpendLink{{URL: srv.URL + "/odd.csv"}}))

	fc := fastFetcher()
	ing := ingest.New(fc, &staticResolver{mapping: nil}, st, nil)
	d := Deps{Store: st, Fetch: fc, Ingestor: ing}

	loaded, err := st.GetOrg(ctx, org.ID)
	require.NoError(t, err)
	require.NoError(t, d.ingestFiles(ctx, *loaded))

	loaded, _ = st.GetOrg(ctx, org.ID)
	assert.Zero(t, loaded.PendingFiles)
	require.Len(t, loaded.SpendLinks, 1)
	assert.True(t, loaded.SpendLinks[0].Ingested)
	assert.Equal(t, "unmappable layout", loaded.SpendLinks[0].Note)

	txs, err := st.TransactionsForOrg(ctx, org.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}
