package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencouncil/spendsync/internal/model"
)

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: make(map[string]model.Job)}
}

func (m *memJobs) GetJob(_ context.Context, pipeline, stage string) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[pipeline+"/"+stage]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *memJobs) UpsertJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.Pipeline+"/"+job.Stage] = job
	return nil
}

func staticStage(name string, total int) (Stage, *int) {
	// A stage with `total` candidates that processes min(budget, remaining)
	// per invocation, tracking overall progress through the job cursor.
	processedTotal := new(int)
	return Stage{
		Name: name,
		Run: func(_ context.Context, job *model.Job, budget int) (int, bool, error) {
			done, err := ParseCursor(job.Cursor)
			if err != nil {
				return 0, false, err
			}
			remaining := total - int(done)
			if remaining <= 0 {
				return 0, true, nil
			}
			n := remaining
			if budget > 0 && budget < n {
				n = budget
			}
			job.Cursor = FormatCursor(done + int64(n))
			job.TotalProcessed += n
			*processedTotal += n
			return n, n == remaining, nil
		},
	}, processedTotal
}

func TestOrchestrator_RunToCompletion(t *testing.T) {
	jobs := newMemJobs()
	o := New(jobs)
	s1, n1 := staticStage("first", 3)
	s2, n2 := staticStage("second", 2)
	o.Register("enrich", s1, s2)

	report, err := o.Run(context.Background(), "enrich", 0)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 5, report.Processed)
	assert.Equal(t, 3, *n1)
	assert.Equal(t, 2, *n2)

	j, err := jobs.GetJob(context.Background(), "enrich", "first")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusComplete, j.Status)
}

func TestOrchestrator_BudgetStopsMidPipeline(t *testing.T) {
	jobs := newMemJobs()
	o := New(jobs)
	s1, _ := staticStage("first", 3)
	s2, n2 := staticStage("second", 2)
	o.Register("enrich", s1, s2)

	// Budget covers only part of the first stage.
	report, err := o.Run(context.Background(), "enrich", 2)
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.Equal(t, 2, report.Processed)
	assert.Zero(t, *n2)

	j, _ := jobs.GetJob(context.Background(), "enrich", "first")
	assert.Equal(t, model.JobStatusPaused, j.Status)
	assert.Equal(t, "2", j.Cursor)

	// Next invocation picks up where the cursor left off and finishes both
	// stages.
	report, err = o.Run(context.Background(), "enrich", 10)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, *n2)
}

func TestOrchestrator_CompleteStagesSkipped(t *testing.T) {
	jobs := newMemJobs()
	o := New(jobs)
	s1, n1 := staticStage("first", 2)
	o.Register("enrich", s1)

	_, err := o.Run(context.Background(), "enrich", 0)
	require.NoError(t, err)
	require.Equal(t, 2, *n1)

	// A second full run does not reprocess anything.
	report, err := o.Run(context.Background(), "enrich", 0)
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Zero(t, report.Processed)
	assert.Equal(t, 2, *n1)
}

func TestOrchestrator_StageErrorRecorded(t *testing.T) {
	jobs := newMemJobs()
	o := New(jobs)
	o.Register("enrich", Stage{
		Name: "broken",
		Run: func(context.Context, *model.Job, int) (int, bool, error) {
			return 1, false, assert.AnError
		},
	})

	report, err := o.Run(context.Background(), "enrich", 0)
	require.Error(t, err)
	assert.False(t, report.Complete)

	j, _ := jobs.GetJob(context.Background(), "enrich", "broken")
	assert.Equal(t, model.JobStatusError, j.Status)
	assert.Equal(t, 1, j.TotalErrors)
	require.Len(t, j.ErrorLog, 1)
}

func TestOrchestrator_UnknownPipeline(t *testing.T) {
	o := New(newMemJobs())
	_, err := o.Run(context.Background(), "nope", 0)
	require.Error(t, err)
	require.Error(t, o.RunEntity(context.Background(), "nope", model.Org{}))
}

func TestOrchestrator_RunEntity(t *testing.T) {
	o := New(newMemJobs())
	var order []string
	mk := func(name string) Stage {
		return Stage{
			Name: name,
			Run:  func(context.Context, *model.Job, int) (int, bool, error) { return 0, true, nil },
			One: func(_ context.Context, org model.Org) error {
				order = append(order, name)
				return nil
			},
		}
	}
	o.Register("enrich", mk("a"), Stage{Name: "no-one"}, mk("b"))

	require.NoError(t, o.RunEntity(context.Background(), "enrich", model.Org{ID: 7}))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestParseCursor(t *testing.T) {
	id, err := ParseCursor("")
	require.NoError(t, err)
	assert.Zero(t, id)

	id, err = ParseCursor(FormatCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = ParseCursor("not-a-number")
	require.Error(t, err)
}
