package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/internal/model"
)

type memCache struct {
	entries map[string]model.MappingEntry
	gets    int
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]model.MappingEntry)}
}

func (c *memCache) GetSchemaMapping(_ context.Context, hash string) (*model.MappingEntry, bool, error) {
	c.gets++
	e, ok := c.entries[hash]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *memCache) PutSchemaMapping(_ context.Context, entry model.MappingEntry) error {
	c.puts++
	c.entries[entry.HeaderHash] = entry
	return nil
}

type spyClassifier struct {
	calls  int
	result *model.ColumnMapping
	err    error
}

func (s *spyClassifier) Classify(_ context.Context, _ []string, _ [][]string) (*model.ColumnMapping, error) {
	s.calls++
	return s.result, s.err
}

func TestHeaderHash_OrderInsensitive(t *testing.T) {
	a := HeaderHash([]string{"Date", "Amount", "Supplier"})
	b := HeaderHash([]string{"supplier", " amount ", "DATE"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HeaderHash([]string{"Date", "Amount", "Beneficiary"}))
}

func TestMatchStatic(t *testing.T) {
	layouts, err := LoadLayouts()
	require.NoError(t, err)

	m := MatchStatic(layouts, []string{"Payment Date", "Net Amount", "Supplier Name", "Expense Area", "Expense Type", "Directorate"})
	require.NotNil(t, m)
	assert.Equal(t, "Payment Date", m.Date)
	assert.Equal(t, "Net Amount", m.Amount)
	assert.Equal(t, "Supplier Name", m.Vendor)
	assert.Equal(t, "Directorate", m.Department)

	m = MatchStatic(layouts, []string{"Transaction Date", "Amount", "Supplier", "Reference"})
	require.NotNil(t, m)
	assert.Equal(t, "Transaction Date", m.Date)

	assert.Nil(t, MatchStatic(layouts, []string{"Col A", "Col B", "Col C"}))
}

func TestMatchStatic_SpecificLayoutFirst(t *testing.T) {
	layouts, err := LoadLayouts()
	require.NoError(t, err)

	// These headers satisfy both the service-division and standard
	// signatures; the more specific layout must win so Category comes from
	// Service Division, not a generic category column.
	m := MatchStatic(layouts, []string{"Transaction Date", "Amount", "Supplier", "Service Division", "Category"})
	require.NotNil(t, m)
	assert.Equal(t, "Service Division", m.Category)
}

func TestResolve_ClassifierCalledOnce(t *testing.T) {
	headers := []string{"Weird Col 1", "Weird Col 2", "Weird Col 3"}
	spy := &spyClassifier{result: &model.ColumnMapping{
		Date: "Weird Col 1", Amount: "Weird Col 2", Vendor: "Weird Col 3",
	}}
	r, err := NewResolver(newMemCache(), spy)
	require.NoError(t, err)

	m1, err := r.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	require.NotNil(t, m1)

	m2, err := r.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Equal(t, m1, m2)
	assert.Equal(t, 1, spy.calls)
}

func TestResolve_NegativeResultCached(t *testing.T) {
	headers := []string{"Nonsense A", "Nonsense B"}
	spy := &spyClassifier{result: nil}
	cache := newMemCache()
	r, err := NewResolver(cache, spy)
	require.NoError(t, err)

	m, err := r.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	m, err = r.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Equal(t, 1, spy.calls)

	// The tombstone is persisted, so a fresh resolver also skips the
	// classifier.
	spy2 := &spyClassifier{result: nil}
	r2, err := NewResolver(cache, spy2)
	require.NoError(t, err)
	m, err = r2.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.Zero(t, spy2.calls)
}

func TestResolve_StaticSkipsCacheAndClassifier(t *testing.T) {
	spy := &spyClassifier{}
	cache := newMemCache()
	r, err := NewResolver(cache, spy)
	require.NoError(t, err)

	m, err := r.Resolve(context.Background(), []string{"Date Paid", "Amount", "Beneficiary"}, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Zero(t, spy.calls)
	assert.Zero(t, cache.gets)
}

func TestResolve_ClassifierErrorNotCached(t *testing.T) {
	headers := []string{"Mystery 1", "Mystery 2"}
	spy := &spyClassifier{err: assert.AnError}
	cache := newMemCache()
	r, err := NewResolver(cache, spy)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), headers, nil)
	require.Error(t, err)
	assert.Zero(t, cache.puts)

	// The failure is retried on the next attempt.
	spy.err = nil
	spy.result = &model.ColumnMapping{Date: "Mystery 1", Amount: "Mystery 2", Vendor: "Mystery 1"}
	m, err := r.Resolve(context.Background(), headers, nil)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 2, spy.calls)
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"Here is the mapping:\n```json\n{\"date\":\"Date\"}\n```", `{"date":"Date"}`, true},
		{`prefix {"a":{"b":"}"}} suffix`, `{"a":{"b":"}"}}`, true},
		{`{"a":"quote \" and brace {"}`, `{"a":"quote \" and brace {"}`, true},
		{"no object here", "", false},
		{`{"unclosed": true`, "", false},
	}
	for _, tc := range cases {
		got, ok := extractJSONObject(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}
