// Package memstore is an in-process implementation of the workflow stores.
// Every method is one critical section, which gives the same single-row
// atomicity the SurrealDB implementation gets from conditional updates.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// Store holds every table in memory. The zero value is not usable; call New.
type Store struct {
	mu sync.Mutex

	jobs     map[models.JobKey]*models.Job
	requests map[string]*models.InformationRequest
	runs     map[string]*models.CompactionRun
	queries  map[string]*models.VectorStoreQuery

	entries  map[string]*models.Entry
	content  map[string]string
	archives map[string]*models.Archive
	stores   map[string]*models.VectorStore
	members  map[string][]string
	vectors  map[string][]vectorRow
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:     make(map[models.JobKey]*models.Job),
		requests: make(map[string]*models.InformationRequest),
		runs:     make(map[string]*models.CompactionRun),
		queries:  make(map[string]*models.VectorStoreQuery),
		entries:  make(map[string]*models.Entry),
		content:  make(map[string]string),
		archives: make(map[string]*models.Archive),
		stores:   make(map[string]*models.VectorStore),
		members:  make(map[string][]string),
		vectors:  make(map[string][]vectorRow),
	}
}

// PutJob inserts or replaces a job row.
func (s *Store) PutJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key()] = cloneJob(job)
	return nil
}

// GetJob returns a copy of a job row, or nil.
func (s *Store) GetJob(_ context.Context, key models.JobKey) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

// TransitionJob moves a non-terminal job to status. IN_PROGRESS only applies
// to PENDING jobs so redelivered events keep the first start time.
func (s *Store) TransitionJob(_ context.Context, key models.JobKey, status models.JobStatus, at time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok || job.Status.Terminal() {
		return false, nil
	}
	if status == models.JobStatusInProgress && job.Status != models.JobStatusPending {
		return false, nil
	}
	job.Status = status
	if status == models.JobStatusInProgress {
		job.Started = &at
	} else {
		job.Ended = &at
		job.StatusMessage = message
	}
	return true, nil
}

// AppendAIInvocation adds usage statistics to a job.
func (s *Store) AppendAIInvocation(_ context.Context, key models.JobKey, inv models.AIInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[key]; ok {
		job.AIInvocations = append(job.AIInvocations, inv)
	}
	return nil
}

// ListJobs returns the jobs whose parent is the given job, or every root job
// when parent is nil.
func (s *Store) ListJobs(_ context.Context, parent *models.JobKey) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		p := job.Parent()
		if (parent == nil && p == nil) || (parent != nil && p != nil && *p == *parent) {
			out = append(out, *cloneJob(job))
		}
	}
	slices.SortFunc(out, func(a, b models.Job) int { return a.Created.Compare(b.Created) })
	return out, nil
}

// CreateRequest stores a new request. Returns false if one already exists.
func (s *Store) CreateRequest(_ context.Context, req *models.InformationRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.RequestID]; ok {
		return false, nil
	}
	s.requests[req.RequestID] = cloneRequest(req)
	return true, nil
}

// GetRequest returns a copy of a request, or nil.
func (s *Store) GetRequest(_ context.Context, id string) (*models.InformationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return cloneRequest(req), nil
}

// BeginProcessing moves a PENDING request to PROCESSING, recording the
// sampled sources and the number of outstanding queries.
func (s *Store) BeginProcessing(_ context.Context, id string, sources []string, remainingQueries int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || req.Status != models.RequestStatusPending {
		return false, nil
	}
	req.Status = models.RequestStatusProcessing
	req.OriginalSources = lo.Union(req.OriginalSources, sources)
	req.RemainingQueries = remainingQueries
	req.ProcessingStarted = &at
	return true, nil
}

// CompleteQuery counts one finished query against the request.
func (s *Store) CompleteQuery(_ context.Context, id, queryID string, sources []string) (*models.InformationRequest, models.Countdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, models.Countdown{}, nil
	}
	if slices.Contains(req.CompletedQueries, queryID) {
		return cloneRequest(req), models.Countdown{Remaining: req.RemainingQueries, Duplicate: true}, nil
	}

	before := req.RemainingQueries
	req.CompletedQueries = append(req.CompletedQueries, queryID)
	req.OriginalSources = lo.Union(req.OriginalSources, sources)
	req.RemainingQueries = max(before-1, 0)
	return cloneRequest(req), models.Countdown{Remaining: req.RemainingQueries, Crossed: before == 1}, nil
}

// CompleteRequest marks a non-terminal request COMPLETED and reports whether
// this call did it.
func (s *Store) CompleteRequest(_ context.Context, id, entryID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || terminalRequest(req.Status) {
		return false, nil
	}
	req.Status = models.RequestStatusCompleted
	req.EntryID = entryID
	req.ResponseCompletedOn = &at
	return true, nil
}

// FailRequest marks a non-terminal request FAILED.
func (s *Store) FailRequest(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok || terminalRequest(req.Status) {
		return nil
	}
	req.Status = models.RequestStatusFailed
	req.StatusMessage = message
	return nil
}

func terminalRequest(s models.RequestStatus) bool {
	return s == models.RequestStatusCompleted || s == models.RequestStatusFailed
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.AIInvocations = slices.Clone(j.AIInvocations)
	return &c
}

func cloneRequest(r *models.InformationRequest) *models.InformationRequest {
	c := *r
	c.Requests = slices.Clone(r.Requests)
	c.ResourceNames = slices.Clone(r.ResourceNames)
	c.OriginalSources = slices.Clone(r.OriginalSources)
	c.CompletedQueries = slices.Clone(r.CompletedQueries)
	return &c
}
