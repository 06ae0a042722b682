package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// crashingRuns records the first crossing completion and then errors, as if
// the process died between the write and the next publish.
type crashingRuns struct {
	service.CompactionStore

	mu      sync.Mutex
	crashed bool
}

func (c *crashingRuns) CompleteGroup(ctx context.Context, requestID string, run int, groupKey, resource string) (*models.CompactionRun, models.Countdown, error) {
	rec, cd, err := c.CompactionStore.CompleteGroup(ctx, requestID, run, groupKey, resource)
	if err != nil || !cd.Crossed {
		return rec, cd, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.crashed {
		return rec, cd, nil
	}
	c.crashed = true
	return nil, models.Countdown{}, errors.New("process killed")
}

func immediateRecovery(s *config.Settings) {
	s.ProcessingRecoverySeconds = 0
}

func restart(t *testing.T, h *harness, requestID string) {
	t.Helper()
	ev := events.StartInformationRequest{RequestID: requestID, RequestStage: events.StageInitial}
	require.NoError(t, h.engine.Handle(context.Background(), ev))
}

func TestStalledRequestRepublishesLostQuery(t *testing.T) {
	h := newHarness(t, immediateRecovery, nil)
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "what about alpha?", 2)}})
	lost := h.runUntil(events.TypeQueryRequest)
	require.Len(t, lost, 1)
	stalled := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusProcessing, stalled.Status)
	require.NotNil(t, stalled.ProcessingStarted)

	restart(t, h, req.RequestID)
	h.run(false, 1)

	queries := h.emittedOf(events.TypeQueryRequest)
	require.Len(t, queries, 2)
	assert.Equal(t, service.QueryID(req.RequestID, 0), queries[1].(events.QueryRequest).QueryID)

	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	assert.Equal(t, entryNames("e1", "e2"), got.OriginalSources)
	assert.Len(t, h.emittedOf(events.TypeFinalResponse), 1)
}

func TestStalledRequestResumesVectorSearches(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		immediateRecovery(s)
		s.MaxVectorStoreSearchGroupSize = 1
	}, nil)
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "what about alpha?", 2)}})
	lost := h.runUntil(events.TypeVSQuery)
	require.Len(t, lost, 2)

	restart(t, h, req.RequestID)
	h.run(false, 1)

	assert.Len(t, h.emittedOf(events.TypeVSQuery), 4)
	assert.Len(t, h.emittedOf(events.TypeQueryRequest), 1)

	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	assert.Equal(t, entryNames("e1", "e2"), got.OriginalSources)
	queryJobs := h.childJobs(got.RootJob(), models.JobTypeQueryRequest)
	require.Len(t, queryJobs, 1)
	assert.Equal(t, models.JobStatusCompleted, queryJobs[0].Status)
}

func TestStalledRequestRedispatchesOpenGroups(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		immediateRecovery(s)
		s.MaxContentGroupSize = 5
	}, nil)
	h.seedArchive("docs", models.ArchiveTypeBasic, 7)
	ctx := context.Background()

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{inclusive("docs", 100, 100)}})
	first := h.runUntil(events.TypeBeginCompaction)
	require.Len(t, first, 2)
	for _, ev := range first {
		require.NoError(t, h.engine.Handle(ctx, ev))
	}

	// run 1 finished but the begin event of run 2 never went out
	lost := h.runUntil(events.TypeBeginCompaction)
	require.Len(t, lost, 1)
	assert.Equal(t, 2, lost[0].(events.BeginCompaction).Run)

	restart(t, h, req.RequestID)
	h.run(false, 1)

	assert.Equal(t, []int{1, 2}, compactionRuns(h.emittedOf(events.TypeBeginCompaction)))
	assert.Len(t, h.emittedOf(events.TypeFinalResponse), 1)
	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	for _, run := range h.childJobs(got.RootJob(), models.JobTypeCompactionRun) {
		assert.Equal(t, models.JobStatusCompleted, run.Status)
	}
}

func TestStalledRequestAdvancesAfterLostCrossing(t *testing.T) {
	runs := &crashingRuns{}
	h := newHarness(t, func(s *config.Settings) {
		immediateRecovery(s)
		s.MaxContentGroupSize = 5
	}, func(d *service.Dependencies) {
		runs.CompactionStore = d.Runs
		d.Runs = runs
	})
	h.seedArchive("docs", models.ArchiveTypeBasic, 7)
	ctx := context.Background()

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{inclusive("docs", 100, 100)}})
	completions := h.runUntil(events.TypeCompactionCompleted)
	require.Len(t, completions, 2)

	require.NoError(t, h.engine.Handle(ctx, completions[0]))
	require.Error(t, h.engine.Handle(ctx, completions[1]))
	// the redelivered crossing is now a duplicate and moves nothing
	require.NoError(t, h.engine.Handle(ctx, completions[1]))
	assert.Empty(t, h.rec.Events())
	assert.Equal(t, models.RequestStatusProcessing, h.request(req.RequestID).Status)

	restart(t, h, req.RequestID)
	h.run(false, 1)

	assert.Equal(t, []int{1, 2}, compactionRuns(h.emittedOf(events.TypeBeginCompaction)))
	assert.Len(t, h.emittedOf(events.TypeFinalResponse), 1)
	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	assert.Len(t, h.childJobs(got.RootJob(), models.JobTypeCompactionRun), 2)
}

func TestRecentProcessingRequestIsLeftAlone(t *testing.T) {
	h := newHarness(t, nil, nil)
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "what about alpha?", 2)}})
	require.Len(t, h.runUntil(events.TypeQueryRequest), 1)

	restart(t, h, req.RequestID)
	assert.Empty(t, h.rec.Drain())
	assert.Equal(t, models.RequestStatusProcessing, h.request(req.RequestID).Status)
}
