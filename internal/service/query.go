package service

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/llm"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// searchConcurrency bounds the parallel store searches of one batch.
const searchConcurrency = 4

// QueryCoordinator answers EXCLUSIVE sub-requests by fanning a query out to
// batches of vector stores and collecting the results.
type QueryCoordinator struct {
	deps *Dependencies
}

// SelectStores returns the ids of the stores whose tags intersect tags,
// ordered by tag-match percentage and then id. When no store matches, every
// store is a candidate.
func SelectStores(stores []models.VectorStore, tags []string) []string {
	matching := lo.Filter(stores, func(vs models.VectorStore, _ int) bool {
		return len(lo.Intersect(vs.Tags, tags)) > 0
	})
	if len(matching) == 0 {
		matching = slices.Clone(stores)
	}
	slices.SortFunc(matching, func(a, b models.VectorStore) int {
		return cmp.Compare(a.VectorStoreID, b.VectorStoreID)
	})
	ranked := rankByScore(matching, func(vs models.VectorStore) float64 { return TagMatch(vs.Tags, tags) })
	return lo.Map(ranked, func(vs models.VectorStore, _ int) string { return vs.VectorStoreID })
}

// HandleQueryRequest derives target tags for the query, selects vector
// stores and dispatches one vs_query per batch of stores.
func (q *QueryCoordinator) HandleQueryRequest(ctx context.Context, ev events.QueryRequest) error {
	logger := q.deps.Logger.With("request_id", ev.RequestID, "query_id", ev.QueryID)

	existing, err := q.deps.Queries.GetQuery(ctx, ev.QueryID)
	if err != nil {
		return fmt.Errorf("get query: %w", err)
	}
	if existing != nil {
		logger.Debug("query already dispatched")
		return nil
	}

	parent := models.JobKey{Type: ev.ParentJobType, ID: ev.ParentJobID}
	job, err := q.deps.Jobs.CreateChild(ctx, parent, models.JobTypeQueryRequest)
	if err != nil {
		return err
	}

	opts := jobs.ExecOptions{FailureMessage: "query request failed", FailParent: true, SkipComplete: true}
	return q.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		s := q.deps.Settings

		archive, err := q.deps.Archives.GetArchive(ctx, ev.ArchiveID)
		if err != nil {
			return fmt.Errorf("get archive: %w", err)
		}
		if archive == nil {
			return sourceError("archive %s does not exist", ev.ArchiveID)
		}
		stores, err := q.deps.Archives.ListVectorStores(ctx, ev.ArchiveID)
		if err != nil {
			return fmt.Errorf("list vector stores: %w", err)
		}
		if len(stores) == 0 {
			return sourceError("archive %s has no vector stores", ev.ArchiveID)
		}

		tags, err := q.deriveTags(ctx, job.Key(), ev.QueryString)
		if err != nil {
			return err
		}
		batches := lo.Chunk(SelectStores(stores, tags), s.MaxVectorStoreSearchGroupSize)

		maxEntries := ev.MaxEntries
		if maxEntries <= 0 {
			maxEntries = s.DefaultMaxEntries
		}
		rec := &models.VectorStoreQuery{
			QueryID:            ev.QueryID,
			RequestID:          ev.RequestID,
			ArchiveID:          ev.ArchiveID,
			QueryString:        ev.QueryString,
			MaxEntries:         maxEntries,
			TargetTags:         tags,
			Batches:            batches,
			RemainingProcesses: len(batches),
			ResultingResources: []string{},
			CompletedBatches:   []string{},
			JobID:              job.ID,
			ParentJobID:        ev.ParentJobID,
			ParentJobType:      ev.ParentJobType,
			Created:            q.deps.now(),
		}
		created, err := q.deps.Queries.CreateQuery(ctx, rec)
		if err != nil {
			return fmt.Errorf("create query: %w", err)
		}
		if !created {
			logger.Debug("query dispatched by another delivery")
			return q.deps.Jobs.Complete(ctx, job.Key())
		}

		logger.Info("query dispatched", "tags", tags, "batches", len(batches))
		return q.dispatch(ctx, rec)
	})
}

// dispatch publishes vs_query for every batch of rec that has not been
// counted yet.
func (q *QueryCoordinator) dispatch(ctx context.Context, rec *models.VectorStoreQuery) error {
	for i, batch := range rec.Batches {
		if slices.Contains(rec.CompletedBatches, strconv.Itoa(i)) {
			continue
		}
		sub := events.VSQuery{
			ArchiveID:      rec.ArchiveID,
			QueryID:        rec.QueryID,
			QueryStr:       rec.QueryString,
			VectorStoreIDs: batch,
			Batch:          i,
		}
		if err := q.deps.Publisher.Submit(ctx, sub, 0); err != nil {
			return fmt.Errorf("publish vs_query: %w", err)
		}
	}
	return nil
}

// resume continues a query from its recorded state: open batches are
// searched again, and a query whose batches were all counted is finalized.
func (q *QueryCoordinator) resume(ctx context.Context, rec *models.VectorStoreQuery) error {
	q.deps.Logger.Info("resuming query", "query_id", rec.QueryID, "remaining", rec.RemainingProcesses)
	if rec.RemainingProcesses > 0 {
		return q.dispatch(ctx, rec)
	}
	job, err := q.deps.Jobs.Get(ctx, rec.Job())
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusFailed {
		return nil
	}
	return q.finalize(ctx, rec)
}

func (q *QueryCoordinator) deriveTags(ctx context.Context, job models.JobKey, query string) ([]string, error) {
	s := q.deps.Settings
	res, err := q.deps.AI.Invoke(ctx, llm.TagPrompt(query), s.QueryModelID, s.MaxOutputTokens)
	if err != nil {
		return nil, fmt.Errorf("invoke tag model: %w", err)
	}
	if err := q.deps.Jobs.RecordAIUsage(ctx, job, res.ModelID, res.InputTokens, res.OutputTokens); err != nil {
		return nil, err
	}
	insights, err := llm.ParseInsights(res.Text)
	if err != nil {
		return nil, fmt.Errorf("derive query tags: %w", err)
	}
	return insights.Tags, nil
}

// HandleVSQuery searches one batch of vector stores and reports the matched
// entries. Stores that cannot be searched are reported as missing; the
// batch only fails when no store could be searched.
func (q *QueryCoordinator) HandleVSQuery(ctx context.Context, ev events.VSQuery) error {
	logger := q.deps.Logger.With("query_id", ev.QueryID, "batch", ev.Batch)

	rec, err := q.deps.Queries.GetQuery(ctx, ev.QueryID)
	if err != nil {
		return fmt.Errorf("get query: %w", err)
	}
	if rec == nil {
		logger.Warn("vector store query for unknown query")
		return nil
	}
	if rec.CompletedOn != nil || slices.Contains(rec.CompletedBatches, strconv.Itoa(ev.Batch)) {
		logger.Debug("batch already searched")
		return nil
	}

	job, err := q.deps.Jobs.CreateChild(ctx, rec.Job(), models.JobTypeVectorStorageQuery)
	if err != nil {
		return err
	}

	opts := jobs.ExecOptions{FailureMessage: "vector store query failed", FailAllParents: true}
	return q.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		start := time.Now()
		embedding, err := q.deps.Embedder.Embed(ctx, ev.QueryStr)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		q.deps.Metrics.ObserveEmbedding(time.Since(start))

		results := make([][]string, len(ev.VectorStoreIDs))
		failures := make([]error, len(ev.VectorStoreIDs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(searchConcurrency)
		for i, storeID := range ev.VectorStoreIDs {
			g.Go(func() error {
				start := time.Now()
				ids, err := q.deps.Vectors.SearchVectorStore(gctx, storeID, embedding, q.deps.Settings.ResultsPerVectorStore)
				q.deps.Metrics.ObserveSearch(time.Since(start))
				if err != nil {
					failures[i] = err
					return nil
				}
				results[i] = ids
				return nil
			})
		}
		_ = g.Wait()

		var missing []string
		for i, err := range failures {
			if err != nil {
				missing = append(missing, ev.VectorStoreIDs[i])
				logger.Warn("vector store missing", "vector_store_id", ev.VectorStoreIDs[i], "error", err)
			}
		}
		if len(missing) == len(ev.VectorStoreIDs) {
			return sourceError("none of the vector stores %v could be searched", ev.VectorStoreIDs)
		}

		entryIDs := lo.Uniq(lo.Flatten(results))
		names := lo.Map(entryIDs, func(id string, _ int) models.ResourceName { return models.EntryResource(id) })
		logger.Info("batch searched", "stores", len(ev.VectorStoreIDs), "missing", len(missing), "results", len(names))

		done := events.QueryComplete{QueryID: ev.QueryID, Batch: ev.Batch, ResourceNames: names}
		if err := q.deps.Publisher.Submit(ctx, done, 0); err != nil {
			return fmt.Errorf("publish query_complete: %w", err)
		}
		return nil
	})
}

// HandleQueryComplete counts one finished batch. The participant that
// completes the query ranks and truncates the results and reports them to
// the request.
func (q *QueryCoordinator) HandleQueryComplete(ctx context.Context, ev events.QueryComplete) error {
	logger := q.deps.Logger.With("query_id", ev.QueryID, "batch", ev.Batch)

	rec, cd, err := q.deps.Queries.CompleteBatch(ctx, ev.QueryID, strconv.Itoa(ev.Batch), models.ResourceStrings(ev.ResourceNames))
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	switch {
	case rec == nil:
		logger.Warn("batch completed for unknown query")
		return nil
	case cd.Duplicate:
		logger.Debug("duplicate batch completion ignored")
		return nil
	case !cd.Crossed:
		logger.Debug("batch counted", "remaining", cd.Remaining)
		return nil
	}

	return q.finalize(ctx, rec)
}

// finalize ranks and truncates the results of a fully counted query and
// reports them to the request.
func (q *QueryCoordinator) finalize(ctx context.Context, rec *models.VectorStoreQuery) error {
	logger := q.deps.Logger.With("query_id", rec.QueryID)
	job, err := q.deps.Jobs.Get(ctx, rec.Job())
	if err != nil {
		return err
	}
	opts := jobs.ExecOptions{FailureMessage: "query request failed", FailParent: true, SkipStart: true}
	return q.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		resources := rec.ResultingResources
		if len(resources) > rec.MaxEntries {
			ranked, err := q.rankResources(ctx, resources, rec.TargetTags)
			if err != nil {
				return err
			}
			resources = ranked[:rec.MaxEntries]
		}
		names, err := models.ParseResourceNames(resources)
		if err != nil {
			return err
		}

		if err := q.deps.Queries.MarkQueryCompleted(ctx, rec.QueryID, q.deps.now()); err != nil {
			return fmt.Errorf("mark query completed: %w", err)
		}
		logger.Info("query completed", "request_id", rec.RequestID, "results", len(rec.ResultingResources), "kept", len(names))

		resume := events.StartInformationRequest{
			RequestID:     rec.RequestID,
			RequestStage:  events.StageQueryComplete,
			QueryID:       rec.QueryID,
			ResourceNames: names,
		}
		if err := q.deps.Publisher.Submit(ctx, resume, 0); err != nil {
			return fmt.Errorf("publish start_information_request: %w", err)
		}
		return nil
	})
}

// rankResources orders resources by the tag-match percentage of their entry
// against target. Ties keep result order; resources without an entry score
// zero.
func (q *QueryCoordinator) rankResources(ctx context.Context, resources, target []string) ([]string, error) {
	scores := make(map[string]float64, len(resources))
	for _, r := range resources {
		name, err := models.ParseResourceName(r)
		if err != nil {
			return nil, err
		}
		if name.Type != models.ResourceTypeEntry {
			continue
		}
		entry, err := q.deps.Entries.GetEntry(ctx, name.ID)
		if err != nil {
			return nil, fmt.Errorf("get entry %s: %w", name.ID, err)
		}
		if entry != nil {
			scores[r] = TagMatch(entry.Tags, target)
		}
	}
	return rankByScore(resources, func(r string) float64 { return scores[r] }), nil
}
