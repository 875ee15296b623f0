package pipeline

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/internal/model"
	"github.com/opencouncil/spendsync/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedOrgs(t *testing.T, st *store.SQLiteStore, n int) {
	t.Helper()
	orgs := make([]model.Org, n)
	for i := range orgs {
		orgs[i] = model.Org{Name: "Org " + string(rune('A'+i)), Kind: "council"}
	}
	count, err := st.ImportOrgs(context.Background(), orgs)
	require.NoError(t, err)
	require.Equal(t, n, count)
}

func newJob(pipeline, stage string) *model.Job {
	now := time.Now().UTC()
	return &model.Job{
		Pipeline: pipeline, Stage: stage,
		Status: model.JobStatusRunning, StartedAt: now, LastRunAt: now,
	}
}

// collector records processed org IDs thread-safely.
type collector struct {
	mu  sync.Mutex
	ids []int64
}

func (c *collector) process(_ context.Context, org model.Org) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, org.ID)
	return nil
}

func (c *collector) sorted() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int64(nil), c.ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestBatchLoop_VisitsAllCandidatesOnce(t *testing.T) {
	st := newTestStore(t)
	seedOrgs(t, st, 7)
	ctx := context.Background()

	col := &collector{}
	job := newJob("enrich", "website")
	processed, exhausted, err := BatchLoop(ctx, job, 0, BatchConfig{
		Jobs:      st,
		Fetch:     st.OrgsNeedingWebsite,
		Process:   col.process,
		BatchSize: 3,
	})
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 7, processed)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, col.sorted())
	assert.Equal(t, 7, job.TotalProcessed)
	assert.Equal(t, "7", job.Cursor)
}

func TestBatchLoop_BudgetResumesFromPersistedCursor(t *testing.T) {
	st := newTestStore(t)
	seedOrgs(t, st, 5)
	ctx := context.Background()

	col := &collector{}
	job := newJob("enrich", "website")

	// First invocation: budget of 2.
	processed, exhausted, err := BatchLoop(ctx, job, 2, BatchConfig{
		Jobs: st, Fetch: st.OrgsNeedingWebsite, Process: col.process, BatchSize: 2,
	})
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.Equal(t, 2, processed)
	require.NoError(t, st.UpsertJob(ctx, *job))

	// Simulate a restart: reload the job from the store and continue.
	reloaded, err := st.GetJob(ctx, "enrich", "website")
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	assert.Equal(t, "2", reloaded.Cursor)

	processed, exhausted, err = BatchLoop(ctx, reloaded, 0, BatchConfig{
		Jobs: st, Fetch: st.OrgsNeedingWebsite, Process: col.process, BatchSize: 2,
	})
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.Equal(t, 3, processed)

	// Across both invocations every org was visited exactly once.
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, col.sorted())
	assert.Equal(t, 5, reloaded.TotalProcessed)
}

func TestBatchLoop_EntityErrorsDoNotStopBatch(t *testing.T) {
	st := newTestStore(t)
	seedOrgs(t, st, 4)
	ctx := context.Background()

	col := &collector{}
	job := newJob("enrich", "website")
	processed, exhausted, err := BatchLoop(ctx, job, 0, BatchConfig{
		Jobs:  st,
		Fetch: st.OrgsNeedingWebsite,
		Process: func(ctx context.Context, org model.Org) error {
			if org.ID == 2 {
				return assert.AnError
			}
			return col.process(ctx, org)
		},
		BatchSize: 2,
	})
	require.NoError(t, err)
	assert.True(t, exhausted)
	// The failing org still counts as processed; its failure is on the log.
	assert.Equal(t, 4, processed)
	assert.Equal(t, 1, job.TotalErrors)
	require.Len(t, job.ErrorLog, 1)
	assert.Contains(t, job.ErrorLog[0], "org 2:")
	assert.Equal(t, []int64{1, 3, 4}, col.sorted())
}

func TestBatchLoop_BadCursor(t *testing.T) {
	st := newTestStore(t)
	job := newJob("enrich", "website")
	job.Cursor = "garbage"
	_, _, err := BatchLoop(context.Background(), job, 0, BatchConfig{
		Jobs:  st,
		Fetch: st.OrgsNeedingWebsite,
		Process: func(context.Context, model.Org) error {
			return nil
		},
	})
	require.Error(t, err)
}

func TestBatchLoop_CancelledContext(t *testing.T) {
	st := newTestStore(t)
	seedOrgs(t, st, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := BatchLoop(ctx, newJob("enrich", "website"), 0, BatchConfig{
		Jobs:    st,
		Fetch:   st.OrgsNeedingWebsite,
		Process: func(context.Context, model.Org) error { return nil },
	})
	require.Error(t, err)
}
