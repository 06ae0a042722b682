//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// ryuk can fail in rootless docker setups
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testDB.InitSchema(ctx, 4); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	if err := testDB.WipeData(ctx); err != nil {
		log.Fatalf("Failed to wipe test database: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func newRequest(t *testing.T, remaining int) *models.InformationRequest {
	t.Helper()
	req := &models.InformationRequest{
		RequestID:        uuid.NewString(),
		Goal:             "goal",
		Requests:         []models.SubRequest{},
		OriginalSources:  []string{},
		CompletedQueries: []string{},
		Status:           models.RequestStatusPending,
		Created:          time.Now().UTC(),
	}
	created, err := testDB.CreateRequest(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)

	ok, err := testDB.BeginProcessing(context.Background(), req.RequestID, []string{"entry:seed"}, remaining, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	return req
}

// =============================================================================
// JOB TESTS
// =============================================================================

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	job := &models.Job{ID: uuid.NewString(), Type: models.JobTypeInformationRequest, Status: models.JobStatusPending, Created: time.Now().UTC()}
	require.NoError(t, testDB.PutJob(ctx, job))

	started := time.Now().UTC()
	ok, err := testDB.TransitionJob(ctx, job.Key(), models.JobStatusInProgress, started, "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.TransitionJob(ctx, job.Key(), models.JobStatusInProgress, time.Now().UTC(), "")
	require.NoError(t, err)
	assert.False(t, ok, "second start must not restamp")

	ok, err = testDB.TransitionJob(ctx, job.Key(), models.JobStatusFailed, time.Now().UTC(), "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.TransitionJob(ctx, job.Key(), models.JobStatusCompleted, time.Now().UTC(), "")
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs never change")

	got, err := testDB.GetJob(ctx, job.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "boom", got.StatusMessage)
	require.NotNil(t, got.Started)
	assert.WithinDuration(t, started, *got.Started, time.Millisecond)
}

func TestListJobsByParent(t *testing.T) {
	ctx := context.Background()
	root := &models.Job{ID: uuid.NewString(), Type: models.JobTypeInformationRequest, Status: models.JobStatusPending, Created: time.Now().UTC()}
	require.NoError(t, testDB.PutJob(ctx, root))
	for i := range 3 {
		child := &models.Job{
			ID:            uuid.NewString(),
			Type:          models.JobTypeDataCompaction,
			Status:        models.JobStatusPending,
			Created:       time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
			ParentJobID:   root.ID,
			ParentJobType: root.Type,
		}
		require.NoError(t, testDB.PutJob(ctx, child))
	}
	require.NoError(t, testDB.AppendAIInvocation(ctx, root.Key(), models.AIInvocation{ModelID: "m", InputTokens: 3, OutputTokens: 2}))

	key := root.Key()
	children, err := testDB.ListJobs(ctx, &key)
	require.NoError(t, err)
	assert.Len(t, children, 3)

	got, err := testDB.GetJob(ctx, key)
	require.NoError(t, err)
	in, out := got.TokenTotals()
	assert.EqualValues(t, 3, in)
	assert.EqualValues(t, 2, out)
}

// =============================================================================
// COUNTDOWN TESTS
// =============================================================================

func TestCompleteQueryCountsEachKeyOnce(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t, 2)

	_, cd, err := testDB.CompleteQuery(ctx, req.RequestID, "q1", []string{"entry:a"})
	require.NoError(t, err)
	assert.Equal(t, models.Countdown{Remaining: 1}, cd)

	_, cd, err = testDB.CompleteQuery(ctx, req.RequestID, "q1", []string{"entry:a"})
	require.NoError(t, err)
	assert.True(t, cd.Duplicate)

	got, cd, err := testDB.CompleteQuery(ctx, req.RequestID, "q2", []string{"entry:b", "entry:a"})
	require.NoError(t, err)
	assert.True(t, cd.Crossed)
	assert.ElementsMatch(t, []string{"entry:seed", "entry:a", "entry:b"}, got.OriginalSources)

	stored, err := testDB.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RemainingQueries)
	assert.ElementsMatch(t, []string{"q1", "q2"}, stored.CompletedQueries)
}

func TestConcurrentCompletionsCrossOnce(t *testing.T) {
	ctx := context.Background()
	const n = 8
	req := newRequest(t, n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	crossed := 0
	for i := range n {
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, cd, err := testDB.CompleteQuery(ctx, req.RequestID, fmt.Sprintf("q%d", i), nil)
				assert.NoError(t, err)
				if cd.Crossed {
					mu.Lock()
					crossed++
					mu.Unlock()
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, 1, crossed)
	stored, err := testDB.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.RemainingQueries)
	assert.Len(t, stored.CompletedQueries, n)
}

func TestCompleteGroupIgnoresStaleRuns(t *testing.T) {
	ctx := context.Background()
	id := uuid.NewString()
	run := func(n int, jobID string) *models.CompactionRun {
		return &models.CompactionRun{
			RequestID:                        id,
			CurrentRun:                       n,
			RunJobID:                         jobID,
			RunResources:                     []string{"entry:a", "entry:b", "entry:single"},
			GroupSize:                        2,
			RemainingProcesses:               1,
			ExpectedResults:                  2,
			CurrentRunCompletedResourceNames: []string{"entry:single"},
			CompletedGroups:                  []string{},
			Started:                          time.Now().UTC(),
		}
	}

	ok, err := testDB.StartRun(ctx, run(2, "early"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = testDB.StartRun(ctx, run(1, "first"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.StartRun(ctx, run(1, "again"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = testDB.StartRun(ctx, run(2, "second"))
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := testDB.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "second", stored.RunJobID)
	assert.Equal(t, [][]string{{"entry:a", "entry:b"}, {"entry:single"}}, stored.Groups())

	_, cd, err := testDB.CompleteGroup(ctx, id, 1, "1:0", "entry:old")
	require.NoError(t, err)
	assert.True(t, cd.Duplicate)

	rec, cd, err := testDB.CompleteGroup(ctx, id, 2, "2:0", "entry:new")
	require.NoError(t, err)
	assert.True(t, cd.Crossed)
	assert.Equal(t, []string{"entry:single", "entry:new"}, rec.CurrentRunCompletedResourceNames)

	missing, _, err := testDB.CompleteGroup(ctx, uuid.NewString(), 1, "1:0", "entry:x")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestQueryRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	q := &models.VectorStoreQuery{
		QueryID:            uuid.NewString(),
		RequestID:          uuid.NewString(),
		MaxEntries:         5,
		TargetTags:         []string{"alpha"},
		RemainingProcesses: 2,
		ResultingResources: []string{},
		CompletedBatches:   []string{},
		Created:            time.Now().UTC(),
	}
	created, err := testDB.CreateQuery(ctx, q)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = testDB.CreateQuery(ctx, q)
	require.NoError(t, err)
	assert.False(t, created)

	_, cd, err := testDB.CompleteBatch(ctx, q.QueryID, "0", []string{"entry:a"})
	require.NoError(t, err)
	assert.False(t, cd.Crossed)
	_, cd, err = testDB.CompleteBatch(ctx, q.QueryID, "0", []string{"entry:z"})
	require.NoError(t, err)
	assert.True(t, cd.Duplicate)
	rec, cd, err := testDB.CompleteBatch(ctx, q.QueryID, "1", []string{"entry:b", "entry:a"})
	require.NoError(t, err)
	assert.True(t, cd.Crossed)
	assert.Equal(t, []string{"entry:a", "entry:b"}, rec.ResultingResources)

	first := time.Now().UTC()
	require.NoError(t, testDB.MarkQueryCompleted(ctx, q.QueryID, first))
	require.NoError(t, testDB.MarkQueryCompleted(ctx, q.QueryID, first.Add(time.Hour)))
	stored, err := testDB.GetQuery(ctx, q.QueryID)
	require.NoError(t, err)
	require.NotNil(t, stored.CompletedOn)
	assert.WithinDuration(t, first, *stored.CompletedOn, time.Millisecond)
}

func TestRequestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	req := newRequest(t, 0)

	ok, err := testDB.CompleteRequest(ctx, req.RequestID, "entry-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = testDB.CompleteRequest(ctx, req.RequestID, "entry-2", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, testDB.FailRequest(ctx, req.RequestID, "late failure"))

	stored, err := testDB.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCompleted, stored.Status)
	assert.Equal(t, "entry-1", stored.EntryID)
	assert.Empty(t, stored.StatusMessage)

	ok, err = testDB.BeginProcessing(ctx, req.RequestID, nil, 3, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

// =============================================================================
// ENTRY AND ARCHIVE TESTS
// =============================================================================

func TestArchiveMembershipAndContent(t *testing.T) {
	ctx := context.Background()
	archive := "docs-" + uuid.NewString()
	require.NoError(t, testDB.PutArchive(ctx, &models.Archive{ArchiveID: archive, ArchiveType: models.ArchiveTypeBasic}))

	var ids []string
	for i := range 3 {
		e := models.NewEntry(uuid.NewString(), fmt.Sprintf("content %d", i), nil, time.Now().UTC())
		require.NoError(t, testDB.PutEntry(ctx, e))
		require.NoError(t, testDB.SaveContent(ctx, e.Resource().String(), fmt.Sprintf("content %d", i)))
		require.NoError(t, testDB.AddEntryToArchive(ctx, archive, e.EntryID))
		ids = append(ids, e.EntryID)
	}
	require.NoError(t, testDB.AddEntryToArchive(ctx, archive, ids[0]))

	listed, err := testDB.ListArchiveEntries(ctx, archive)
	require.NoError(t, err)
	assert.Equal(t, ids, listed)

	e, err := testDB.GetEntry(ctx, ids[1])
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, []string{archive}, e.Archives)

	body, ok, err := testDB.GetContent(ctx, models.EntryResource(ids[1]).String())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "content 1", body)

	_, ok, err = testDB.GetContent(ctx, "entry:missing")
	require.NoError(t, err)
	assert.False(t, ok)

	a, err := testDB.GetArchive(ctx, archive)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, models.ArchiveTypeBasic, a.ArchiveType)

	missing, err := testDB.GetArchive(ctx, "nope-"+uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestVectorSearch(t *testing.T) {
	ctx := context.Background()
	archive := "vec-" + uuid.NewString()
	store := "vs-" + uuid.NewString()
	require.NoError(t, testDB.PutArchive(ctx, &models.Archive{ArchiveID: archive, ArchiveType: models.ArchiveTypeVector}))
	require.NoError(t, testDB.PutVectorStore(ctx, &models.VectorStore{VectorStoreID: store, ArchiveID: archive, Tags: []string{"alpha"}}))

	require.NoError(t, testDB.AddVector(ctx, store, "near", []float32{1, 0, 0, 0}))
	require.NoError(t, testDB.AddVector(ctx, store, "far", []float32{0, 1, 0, 0}))
	require.NoError(t, testDB.AddVector(ctx, store, "mid", []float32{1, 1, 0, 0}))

	ids, err := testDB.SearchVectorStore(ctx, store, []float32{1, 0.1, 0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"near", "mid"}, ids)

	stores, err := testDB.ListVectorStores(ctx, archive)
	require.NoError(t, err)
	require.Len(t, stores, 1)
	assert.Equal(t, []string{"alpha"}, stores[0].Tags)

	_, err = testDB.SearchVectorStore(ctx, "unknown-"+uuid.NewString(), []float32{1, 0, 0, 0}, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWipeDataResetsRowsAndCaches(t *testing.T) {
	ctx := context.Background()
	archive := "wipe-" + uuid.NewString()
	require.NoError(t, testDB.PutArchive(ctx, &models.Archive{ArchiveID: archive, ArchiveType: models.ArchiveTypeBasic}))
	got, err := testDB.GetArchive(ctx, archive)
	require.NoError(t, err)
	require.NotNil(t, got)
	req := newRequest(t, 1)

	require.NoError(t, testDB.WipeData(ctx))

	got, err = testDB.GetArchive(ctx, archive)
	require.NoError(t, err)
	assert.Nil(t, got)
	stored, err := testDB.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Nil(t, stored)

	require.NoError(t, testDB.PutArchive(ctx, &models.Archive{ArchiveID: archive, ArchiveType: models.ArchiveTypeBasic}))
	got, err = testDB.GetArchive(ctx, archive)
	require.NoError(t, err)
	require.NotNil(t, got)
}
