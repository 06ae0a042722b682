package service_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/bus"
	"github.com/raphaelgruber/lakeflow/internal/config"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/llm"
	"github.com/raphaelgruber/lakeflow/internal/memstore"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/raphaelgruber/lakeflow/internal/service"
	"github.com/stretchr/testify/require"
)

var _ service.Store = (*memstore.Store)(nil)

const analysisReply = "<analysis><tags>alpha, beta</tags><completeness_score>HIGH</completeness_score></analysis>"

// scriptedAI answers insight prompts with a fixed analysis block and every
// other prompt with a short summary. fail, when set, decides per prompt
// whether the call errors.
type scriptedAI struct {
	mu    sync.Mutex
	calls []string
	fail  func(prompt string) bool
}

func (a *scriptedAI) Invoke(_ context.Context, prompt, modelID string, _ int) (llm.Result, error) {
	a.mu.Lock()
	a.calls = append(a.calls, prompt)
	n := len(a.calls)
	a.mu.Unlock()

	if a.fail != nil && a.fail(prompt) {
		return llm.Result{}, errors.New("model unavailable")
	}
	if strings.Contains(prompt, "<analysis>") {
		return llm.Result{Text: analysisReply, ModelID: modelID, InputTokens: 20, OutputTokens: 10}, nil
	}
	return llm.Result{Text: fmt.Sprintf("summary %d", n), ModelID: modelID, InputTokens: int64(len(prompt)), OutputTokens: 5}, nil
}

func (a *scriptedAI) count(substr string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, c := range a.calls {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

// gatedAI holds prompts with the given prefix until `want` of them are in
// flight, so duplicate deliveries overlap.
type gatedAI struct {
	llm.Invoker
	prefix string
	want   int

	mu      sync.Mutex
	waiting int
	open    chan struct{}
}

func newGatedAI(next llm.Invoker, prefix string, want int) *gatedAI {
	return &gatedAI{Invoker: next, prefix: prefix, want: want, open: make(chan struct{})}
}

func (g *gatedAI) Invoke(ctx context.Context, prompt, modelID string, maxTokens int) (llm.Result, error) {
	if strings.HasPrefix(prompt, g.prefix) {
		g.mu.Lock()
		g.waiting++
		if g.waiting == g.want {
			close(g.open)
		}
		g.mu.Unlock()
		select {
		case <-g.open:
		case <-time.After(5 * time.Second):
			return llm.Result{}, errors.New("gate never opened")
		}
	}
	return g.Invoker.Invoke(ctx, prompt, modelID, maxTokens)
}

type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

// brokenStores fails searches of the listed stores.
type brokenStores struct {
	service.VectorIndex
	broken []string
}

func (b brokenStores) SearchVectorStore(ctx context.Context, storeID string, embedding []float32, limit int) ([]string, error) {
	if slices.Contains(b.broken, storeID) {
		return nil, fmt.Errorf("store %s unreachable", storeID)
	}
	return b.VectorIndex.SearchVectorStore(ctx, storeID, embedding, limit)
}

type harness struct {
	t       *testing.T
	store   *memstore.Store
	rec     *bus.Recorder
	ai      *scriptedAI
	engine  *service.Engine
	emitted []events.Event
}

func newHarness(t *testing.T, settings func(*config.Settings), deps func(*service.Dependencies)) *harness {
	t.Helper()
	s := config.DefaultSettings()
	if settings != nil {
		settings(&s)
	}

	h := &harness{t: t, store: memstore.New(), rec: &bus.Recorder{}, ai: &scriptedAI{}}
	logger := slog.New(slog.DiscardHandler)
	d := service.Dependencies{
		Jobs:      jobs.NewTracker(h.store, logger),
		Embedder:  fixedEmbedder{},
		AI:        h.ai,
		Publisher: h.rec,
		Settings:  s,
		Logger:    logger,
		Rand:      rand.New(rand.NewPCG(1, 2)),
	}.FromStore(h.store)
	if deps != nil {
		deps(&d)
	}
	h.engine = service.NewEngine(d)
	return h
}

// seedArchive registers an archive with n entries and returns the entry ids.
func (h *harness) seedArchive(id string, typ models.ArchiveType, n int) []string {
	h.t.Helper()
	ctx := context.Background()
	require.NoError(h.t, h.store.PutArchive(ctx, &models.Archive{ArchiveID: id, ArchiveType: typ}))

	ids := make([]string, n)
	for i := range n {
		ids[i] = fmt.Sprintf("%s-e%d", id, i)
		h.addEntry(id, ids[i], fmt.Sprintf("content %d of %s", i, id))
	}
	return ids
}

func (h *harness) addEntry(archiveID, entryID, content string, tags ...string) {
	h.t.Helper()
	ctx := context.Background()
	e := models.NewEntry(entryID, content, nil, time.Now())
	e.Tags = tags
	require.NoError(h.t, h.store.PutEntry(ctx, e))
	require.NoError(h.t, h.store.SaveContent(ctx, e.Resource().String(), content))
	require.NoError(h.t, h.store.AddEntryToArchive(ctx, archiveID, entryID))
}

// run delivers recorded events until the workflow settles. With dup set
// every event is delivered twice in a shuffled order.
func (h *harness) run(dup bool, seed uint64) {
	h.t.Helper()
	ctx := context.Background()
	r := rand.New(rand.NewPCG(seed, seed))
	for range 1000 {
		batch := h.rec.Drain()
		if len(batch) == 0 {
			return
		}
		h.emitted = append(h.emitted, batch...)

		deliveries := batch
		if dup {
			deliveries = append(slices.Clone(batch), batch...)
			r.Shuffle(len(deliveries), func(i, j int) { deliveries[i], deliveries[j] = deliveries[j], deliveries[i] })
		}
		for _, ev := range deliveries {
			require.NoError(h.t, h.engine.Handle(ctx, ev), "event %s", ev.EventType())
		}
	}
	h.t.Fatal("workflow did not settle")
}

// runUntil delivers recorded events until the workflow settles, holding back
// every event of type held. The held events are returned undelivered.
func (h *harness) runUntil(held events.Type) []events.Event {
	h.t.Helper()
	ctx := context.Background()
	var out []events.Event
	for range 1000 {
		batch := h.rec.Drain()
		if len(batch) == 0 {
			return out
		}
		h.emitted = append(h.emitted, batch...)
		for _, ev := range batch {
			if ev.EventType() == held {
				out = append(out, ev)
				continue
			}
			require.NoError(h.t, h.engine.Handle(ctx, ev), "event %s", ev.EventType())
		}
	}
	h.t.Fatal("workflow did not settle")
	return nil
}

func (h *harness) emittedOf(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range h.emitted {
		if ev.EventType() == t {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) request(id string) *models.InformationRequest {
	h.t.Helper()
	req, err := h.store.GetRequest(context.Background(), id)
	require.NoError(h.t, err)
	require.NotNil(h.t, req)
	return req
}

func (h *harness) job(key models.JobKey) *models.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), key)
	require.NoError(h.t, err)
	require.NotNil(h.t, job)
	return job
}

// childJobs returns the children of parent with the given type.
func (h *harness) childJobs(parent models.JobKey, jobType string) []models.Job {
	h.t.Helper()
	all, err := h.store.ListJobs(context.Background(), &parent)
	require.NoError(h.t, err)
	var out []models.Job
	for _, j := range all {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

func (h *harness) submit(input service.SubmitInput) *models.InformationRequest {
	h.t.Helper()
	req, err := h.engine.Intake.Submit(context.Background(), input)
	require.NoError(h.t, err)
	return req
}

func ptr[T any](v T) *T {
	return &v
}

func inclusive(archiveID string, pct, maxEntries int) models.SubRequest {
	return models.SubRequest{
		ArchiveID:            archiveID,
		EvaluationType:       models.EvaluationInclusive,
		RequestType:          models.RequestTypeBasic,
		MaxEntries:           ptr(maxEntries),
		SampleSizePercentage: ptr(pct),
	}
}

func exclusive(archiveID, query string, maxEntries int) models.SubRequest {
	return models.SubRequest{
		ArchiveID:      archiveID,
		EvaluationType: models.EvaluationExclusive,
		RequestType:    models.RequestTypeVector,
		MaxEntries:     ptr(maxEntries),
		QueryString:    ptr(query),
	}
}

func compactionRuns(evs []events.Event) []int {
	var runs []int
	for _, ev := range evs {
		runs = append(runs, ev.(events.BeginCompaction).Run)
	}
	slices.Sort(runs)
	return slices.Compact(runs)
}
