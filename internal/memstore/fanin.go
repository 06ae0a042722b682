package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// StartRun replaces the reduction state of a request when run follows the
// stored one: run 1 needs an empty slot, run n needs run n-1 in place.
func (s *Store) StartRun(_ context.Context, run *models.CompactionRun) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.runs[run.RequestID]
	if (!ok && run.CurrentRun != 1) || (ok && prev.CurrentRun != run.CurrentRun-1) {
		return false, nil
	}
	s.runs[run.RequestID] = cloneRun(run)
	return true, nil
}

// GetRun returns a copy of the reduction state, or nil.
func (s *Store) GetRun(_ context.Context, requestID string) (*models.CompactionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[requestID]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

// CompleteGroup counts one finished compaction group of the current run.
// Completions for any other run are absorbed as duplicates.
func (s *Store) CompleteGroup(_ context.Context, requestID string, run int, groupKey, resource string) (*models.CompactionRun, models.Countdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[requestID]
	if !ok {
		return nil, models.Countdown{}, nil
	}
	if rec.CurrentRun != run || slices.Contains(rec.CompletedGroups, groupKey) {
		return cloneRun(rec), models.Countdown{Remaining: rec.RemainingProcesses, Duplicate: true}, nil
	}

	before := rec.RemainingProcesses
	rec.CompletedGroups = append(rec.CompletedGroups, groupKey)
	rec.CurrentRunCompletedResourceNames = lo.Union(rec.CurrentRunCompletedResourceNames, []string{resource})
	rec.RemainingProcesses = max(before-1, 0)
	return cloneRun(rec), models.Countdown{Remaining: rec.RemainingProcesses, Crossed: before == 1}, nil
}

// CreateQuery stores a vector-store query record. Returns false if a record
// with the same id already exists.
func (s *Store) CreateQuery(_ context.Context, q *models.VectorStoreQuery) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queries[q.QueryID]; ok {
		return false, nil
	}
	s.queries[q.QueryID] = cloneQuery(q)
	return true, nil
}

// GetQuery returns a copy of a query record, or nil.
func (s *Store) GetQuery(_ context.Context, id string) (*models.VectorStoreQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	if !ok {
		return nil, nil
	}
	return cloneQuery(q), nil
}

// CompleteBatch counts one finished vector-store batch against a query.
func (s *Store) CompleteBatch(_ context.Context, queryID, batchKey string, resources []string) (*models.VectorStoreQuery, models.Countdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[queryID]
	if !ok {
		return nil, models.Countdown{}, nil
	}
	if slices.Contains(q.CompletedBatches, batchKey) {
		return cloneQuery(q), models.Countdown{Remaining: q.RemainingProcesses, Duplicate: true}, nil
	}

	before := q.RemainingProcesses
	q.CompletedBatches = append(q.CompletedBatches, batchKey)
	q.ResultingResources = lo.Union(q.ResultingResources, resources)
	q.RemainingProcesses = max(before-1, 0)
	return cloneQuery(q), models.Countdown{Remaining: q.RemainingProcesses, Crossed: before == 1}, nil
}

// MarkQueryCompleted stamps completed_on once.
func (s *Store) MarkQueryCompleted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queries[id]; ok && q.CompletedOn == nil {
		q.CompletedOn = &at
	}
	return nil
}

func cloneRun(r *models.CompactionRun) *models.CompactionRun {
	c := *r
	c.CurrentRunCompletedResourceNames = slices.Clone(r.CurrentRunCompletedResourceNames)
	c.CompletedGroups = slices.Clone(r.CompletedGroups)
	c.RunResources = slices.Clone(r.RunResources)
	return &c
}

func cloneQuery(q *models.VectorStoreQuery) *models.VectorStoreQuery {
	c := *q
	c.TargetTags = slices.Clone(q.TargetTags)
	c.ResultingResources = slices.Clone(q.ResultingResources)
	c.CompletedBatches = slices.Clone(q.CompletedBatches)
	c.Batches = make([][]string, len(q.Batches))
	for i, b := range q.Batches {
		c.Batches[i] = slices.Clone(b)
	}
	return &c
}
