package service_test

import (
	"context"
	"testing"

	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedVectorArchive builds a VECTOR archive with three tagged stores. The
// derived query tags (alpha, beta) select vs-1 and vs-2.
func seedVectorArchive(t *testing.T, h *harness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.PutArchive(ctx, &models.Archive{ArchiveID: "vec", ArchiveType: models.ArchiveTypeVector}))
	for id, tags := range map[string][]string{"vs-1": {"alpha"}, "vs-2": {"beta"}, "vs-3": {"gamma"}} {
		require.NoError(t, h.store.PutVectorStore(ctx, &models.VectorStore{VectorStoreID: id, ArchiveID: "vec", Tags: tags}))
	}

	h.addEntry("vec", "e1", "first", "alpha", "beta")
	h.addEntry("vec", "e2", "second", "alpha")
	h.addEntry("vec", "e3", "third", "gamma")
	h.addEntry("vec", "e4", "fourth")

	emb := []float32{1, 0}
	require.NoError(t, h.store.AddVector(ctx, "vs-1", "e3", emb))
	require.NoError(t, h.store.AddVector(ctx, "vs-1", "e1", emb))
	require.NoError(t, h.store.AddVector(ctx, "vs-2", "e4", emb))
	require.NoError(t, h.store.AddVector(ctx, "vs-2", "e2", emb))
	require.NoError(t, h.store.AddVector(ctx, "vs-3", "e3", emb))
}

func entryNames(ids ...string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = models.EntryResource(id).String()
	}
	return out
}

func TestExclusiveQueryFansOutAndRanks(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.MaxVectorStoreSearchGroupSize = 1 }, nil)
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "what about alpha?", 2)}})
	h.run(false, 1)

	subs := h.emittedOf(events.TypeVSQuery)
	require.Len(t, subs, 2)
	assert.Equal(t, []string{"vs-1"}, subs[0].(events.VSQuery).VectorStoreIDs)
	assert.Equal(t, []string{"vs-2"}, subs[1].(events.VSQuery).VectorStoreIDs)

	queryID := service.QueryID(req.RequestID, 0)
	rec, err := h.store.GetQuery(context.Background(), queryID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"alpha", "beta"}, rec.TargetTags)
	assert.Len(t, rec.ResultingResources, 4)
	assert.NotNil(t, rec.CompletedOn)
	assert.Equal(t, 0, rec.RemainingProcesses)

	got := h.request(req.RequestID)
	assert.Equal(t, entryNames("e1", "e2"), got.OriginalSources)
	assert.Equal(t, []string{queryID}, got.CompletedQueries)
	assert.Equal(t, 0, got.RemainingQueries)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)

	queryJobs := h.childJobs(got.RootJob(), models.JobTypeQueryRequest)
	require.Len(t, queryJobs, 1)
	assert.Equal(t, models.JobStatusCompleted, queryJobs[0].Status)
	assert.Len(t, queryJobs[0].AIInvocations, 1)
	searches := h.childJobs(queryJobs[0].Key(), models.JobTypeVectorStorageQuery)
	require.Len(t, searches, 2)
	for _, s := range searches {
		assert.Equal(t, models.JobStatusCompleted, s.Status)
	}
}

func TestExclusiveAndInclusiveSourcesMerge(t *testing.T) {
	h := newHarness(t, nil, nil)
	seedVectorArchive(t, h)
	docs := h.seedArchive("docs", models.ArchiveTypeBasic, 2)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{
		inclusive("docs", 100, 10),
		exclusive("vec", "alpha things", 10),
	}})
	h.run(false, 1)

	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	assert.Subset(t, got.OriginalSources, entryNames(docs...))
	assert.Subset(t, got.OriginalSources, entryNames("e1", "e2", "e3", "e4"))
	assert.Len(t, got.OriginalSources, 6)
}

func TestMissingStoreIsTolerated(t *testing.T) {
	h := newHarness(t, nil, func(d *service.Dependencies) {
		d.Vectors = brokenStores{VectorIndex: d.Vectors, broken: []string{"vs-2"}}
	})
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "alpha", 5)}})
	h.run(false, 1)

	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusCompleted, got.Status)
	assert.ElementsMatch(t, entryNames("e3", "e1"), got.OriginalSources)
}

func TestAllStoresMissingFailsChain(t *testing.T) {
	h := newHarness(t, nil, func(d *service.Dependencies) {
		d.Vectors = brokenStores{VectorIndex: d.Vectors, broken: []string{"vs-1", "vs-2", "vs-3"}}
	})
	seedVectorArchive(t, h)

	req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{exclusive("vec", "alpha", 5)}})
	h.run(false, 1)

	got := h.request(req.RequestID)
	assert.Equal(t, models.RequestStatusFailed, got.Status)
	assert.Contains(t, got.StatusMessage, "vector store query failed")

	queryJobs := h.childJobs(got.RootJob(), models.JobTypeQueryRequest)
	require.Len(t, queryJobs, 1)
	assert.Equal(t, models.JobStatusFailed, queryJobs[0].Status)
	assert.Empty(t, h.emittedOf(events.TypeQueryComplete))
}

func TestExclusiveFlowUnderDuplicates(t *testing.T) {
	for seed := uint64(1); seed <= 5; seed++ {
		h := newHarness(t, func(s *config.Settings) { s.MaxVectorStoreSearchGroupSize = 1 }, nil)
		seedVectorArchive(t, h)

		req := h.submit(service.SubmitInput{Goal: "G", Requests: []models.SubRequest{
			exclusive("vec", "alpha", 2),
			exclusive("vec", "beta", 3),
		}})
		h.run(true, seed)

		got := h.request(req.RequestID)
		assert.Equal(t, models.RequestStatusCompleted, got.Status, "seed %d", seed)
		assert.Len(t, got.CompletedQueries, 2)
		assert.Len(t, h.childJobs(got.RootJob(), models.JobTypeQueryRequest), 2, "seed %d", seed)
		assert.Len(t, h.emittedOf(events.TypeFinalResponse), 1, "seed %d", seed)
	}
}

func TestSelectStores(t *testing.T) {
	stores := []models.VectorStore{
		{VectorStoreID: "c", Tags: []string{"alpha"}},
		{VectorStoreID: "a", Tags: []string{"alpha", "beta"}},
		{VectorStoreID: "b", Tags: []string{"gamma"}},
		{VectorStoreID: "d", Tags: []string{"beta"}},
	}

	assert.Equal(t, []string{"a", "c", "d"}, service.SelectStores(stores, []string{"alpha", "beta"}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, service.SelectStores(stores, []string{"delta"}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, service.SelectStores(stores, nil))
}
