package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// queryNamespace scopes the name-based UUIDs of EXCLUSIVE sub-requests.
var queryNamespace = uuid.MustParse("5d1f3c0e-8a4b-4f7e-9c2d-6b0e1a7f3d42")

// QueryID returns the id of the index-th sub-request of a request. The same
// inputs always give the same id, so a replayed intake reissues the same
// queries.
func QueryID(requestID string, index int) string {
	return uuid.NewSHA1(queryNamespace, fmt.Appendf(nil, "%s:%d", requestID, index)).String()
}

// SubmitInput is a new information request.
type SubmitInput struct {
	Goal                 string
	Requests             []models.SubRequest
	ResourceNames        []string
	DestinationArchiveID string
}

// Description is the polled state of a request.
type Description struct {
	Request *models.InformationRequest
	Job     *models.Job
}

// Intake accepts information requests and resolves their sub-requests.
type Intake struct {
	deps      *Dependencies
	compactor *Compactor
	queries   *QueryCoordinator

	// mu guards deps.Rand, which is not safe for concurrent use.
	mu sync.Mutex
}

// ValidateRequests checks every sub-request and returns all problems joined.
// Each problem is a *ValidationError.
func ValidateRequests(reqs []models.SubRequest, resourceNames int) error {
	var errs []error
	if len(reqs) == 0 && resourceNames == 0 {
		errs = append(errs, &ValidationError{Index: -1, Field: "requests", Msg: "at least one request or resource name is required"})
	}

	for i, r := range reqs {
		bad := func(field, msg string) {
			errs = append(errs, &ValidationError{Index: i, Field: field, Msg: msg})
		}

		if r.ArchiveID == "" {
			bad("archive_id", "is required")
		}
		switch r.EvaluationType {
		case models.EvaluationInclusive, models.EvaluationExclusive:
		default:
			bad("evaluation_type", fmt.Sprintf("must be INCLUSIVE or EXCLUSIVE, got %q", r.EvaluationType))
		}
		switch r.RequestType {
		case models.RequestTypeBasic, models.RequestTypeVector:
		default:
			bad("request_type", fmt.Sprintf("must be BASIC or VECTOR, got %q", r.RequestType))
		}

		switch {
		case r.MaxEntries == nil:
			bad("max_entries", "is required")
		case *r.MaxEntries < 1:
			bad("max_entries", "must be positive")
		}
		if r.EvaluationType == models.EvaluationInclusive {
			switch {
			case r.SampleSizePercentage == nil:
				bad("sample_size_percentage", "is required for INCLUSIVE requests")
			case *r.SampleSizePercentage < 1 || *r.SampleSizePercentage > 100:
				bad("sample_size_percentage", "must be between 1 and 100")
			}
		}
		if r.RequestType == models.RequestTypeVector && strings.TrimSpace(lo.FromPtr(r.QueryString)) == "" {
			bad("query_string", "is required for VECTOR requests")
		}
		if r.EvaluationType == models.EvaluationExclusive && r.RequestType == models.RequestTypeBasic {
			bad("evaluation_type", "EXCLUSIVE evaluation is not supported by BASIC archives")
		}
	}
	return errors.Join(errs...)
}

// Submit validates input, records the request with its root job and emits
// the INITIAL start event. Validation failures are returned before anything
// is written.
func (in *Intake) Submit(ctx context.Context, input SubmitInput) (*models.InformationRequest, error) {
	if err := ValidateRequests(input.Requests, len(input.ResourceNames)); err != nil {
		return nil, err
	}
	names, err := models.ParseResourceNames(input.ResourceNames)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	requestID := uuid.NewString()
	root, err := in.deps.Jobs.CreateWithID(ctx, models.JobTypeInformationRequest, requestID)
	if err != nil {
		return nil, err
	}
	req := newRequest(requestID, input.Goal, input.Requests, input.ResourceNames, input.DestinationArchiveID, root.Created)
	if _, err := in.deps.Requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	ev := events.StartInformationRequest{
		RequestID:     requestID,
		RequestStage:  events.StageInitial,
		Goal:          lo.EmptyableToPtr(input.Goal),
		Requests:      input.Requests,
		ResourceNames: names,
	}
	if err := in.deps.Publisher.Submit(ctx, ev, 0); err != nil {
		err = fmt.Errorf("publish start_information_request: %w", err)
		if ferr := in.deps.Jobs.Fail(ctx, root.Key(), err.Error()); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}

	in.deps.Logger.Info("information request submitted",
		"request_id", requestID,
		"requests", len(input.Requests),
		"resource_names", len(input.ResourceNames))
	return req, nil
}

// Describe returns a request and its root job.
func (in *Intake) Describe(ctx context.Context, requestID string) (*Description, error) {
	req, err := in.deps.Requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	job, err := in.deps.Jobs.Get(ctx, req.RootJob())
	if err != nil {
		return nil, err
	}
	return &Description{Request: req, Job: job}, nil
}

func newRequest(id, goal string, reqs []models.SubRequest, resourceNames []string, destination string, created time.Time) *models.InformationRequest {
	return &models.InformationRequest{
		RequestID:            id,
		Goal:                 goal,
		Requests:             reqs,
		ResourceNames:        resourceNames,
		DestinationArchiveID: destination,
		OriginalSources:      []string{},
		CompletedQueries:     []string{},
		Status:               models.RequestStatusPending,
		Created:              created,
	}
}

// HandleStart processes start_information_request in either stage.
func (in *Intake) HandleStart(ctx context.Context, ev events.StartInformationRequest) error {
	if ev.RequestStage == events.StageQueryComplete {
		return in.handleQueryComplete(ctx, ev)
	}
	return in.handleInitial(ctx, ev)
}

func (in *Intake) handleInitial(ctx context.Context, ev events.StartInformationRequest) error {
	logger := in.deps.Logger.With("request_id", ev.RequestID)

	req, err := in.deps.Requests.GetRequest(ctx, ev.RequestID)
	if err != nil {
		return fmt.Errorf("get request: %w", err)
	}
	if req == nil {
		if req, err = in.adopt(ctx, ev); err != nil {
			return err
		}
	}

	root, err := in.deps.Jobs.Get(ctx, req.RootJob())
	if err != nil {
		return err
	}
	if !root.Status.Terminal() && req.Status == models.RequestStatusProcessing && in.stalled(req) {
		opts := jobs.ExecOptions{FailureMessage: "information request failed", SkipStart: true, SkipComplete: true}
		return in.deps.Jobs.Execute(ctx, root, opts, func(ctx context.Context) error {
			return in.recover(ctx, root, req)
		})
	}
	if root.Status.Terminal() || req.Status != models.RequestStatusPending {
		logger.Debug("request already started", "request_status", req.Status, "job_status", root.Status)
		return nil
	}

	opts := jobs.ExecOptions{FailureMessage: "information request failed", SkipComplete: true}
	return in.deps.Jobs.Execute(ctx, root, opts, func(ctx context.Context) error {
		return in.resolve(ctx, root, req)
	})
}

// stalled reports whether req has been PROCESSING for longer than the
// recovery window.
func (in *Intake) stalled(req *models.InformationRequest) bool {
	if req.ProcessingStarted == nil {
		return false
	}
	window := time.Duration(in.deps.Settings.ProcessingRecoverySeconds) * time.Second
	return in.deps.now().Sub(*req.ProcessingStarted) >= window
}

// recover dispatches the outstanding work of a PROCESSING request again: the
// EXCLUSIVE queries it is still waiting for, or its reduction once every
// query has reported. Every step it repeats is idempotent.
func (in *Intake) recover(ctx context.Context, root *models.Job, req *models.InformationRequest) error {
	in.deps.Logger.Info("recovering stalled request", "request_id", req.RequestID, "remaining_queries", req.RemainingQueries)
	if req.RemainingQueries == 0 {
		return in.compactor.resume(ctx, req)
	}

	for i, sr := range req.Requests {
		if sr.EvaluationType != models.EvaluationExclusive {
			continue
		}
		ev := in.queryEvent(root, req, i, sr)
		if slices.Contains(req.CompletedQueries, ev.QueryID) {
			continue
		}
		rec, err := in.deps.Queries.GetQuery(ctx, ev.QueryID)
		if err != nil {
			return fmt.Errorf("get query: %w", err)
		}
		if rec != nil {
			if err := in.queries.resume(ctx, rec); err != nil {
				return err
			}
			continue
		}
		if err := in.deps.Publisher.Submit(ctx, ev, 0); err != nil {
			return fmt.Errorf("publish query_request: %w", err)
		}
	}
	return nil
}

func (in *Intake) queryEvent(root *models.Job, req *models.InformationRequest, index int, sr models.SubRequest) events.QueryRequest {
	return events.QueryRequest{
		ArchiveID:     sr.ArchiveID,
		MaxEntries:    lo.FromPtrOr(sr.MaxEntries, in.deps.Settings.DefaultMaxEntries),
		RequestID:     req.RequestID,
		QueryID:       QueryID(req.RequestID, index),
		QueryString:   lo.FromPtr(sr.QueryString),
		ParentJobID:   root.ID,
		ParentJobType: root.Type,
	}
}

// adopt records a request whose start event was published without going
// through Submit.
func (in *Intake) adopt(ctx context.Context, ev events.StartInformationRequest) (*models.InformationRequest, error) {
	key := models.JobKey{Type: models.JobTypeInformationRequest, ID: ev.RequestID}
	root, err := in.deps.Jobs.Get(ctx, key)
	if errors.Is(err, jobs.ErrJobNotFound) {
		root, err = in.deps.Jobs.CreateWithID(ctx, key.Type, key.ID)
	}
	if err != nil {
		return nil, err
	}

	req := newRequest(ev.RequestID, lo.FromPtr(ev.Goal), ev.Requests, models.ResourceStrings(ev.ResourceNames), "", root.Created)
	if _, err := in.deps.Requests.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	stored, err := in.deps.Requests.GetRequest(ctx, ev.RequestID)
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	in.deps.Logger.Info("adopted information request", "request_id", ev.RequestID)
	return stored, nil
}

func (in *Intake) resolve(ctx context.Context, root *models.Job, req *models.InformationRequest) error {
	if err := ValidateRequests(req.Requests, len(req.ResourceNames)); err != nil {
		return err
	}

	sources := []string{}
	if len(req.ResourceNames) > 0 {
		valid, err := in.validateResources(ctx, root, req.ResourceNames)
		if err != nil {
			return err
		}
		sources = append(sources, valid...)
	}

	var queries []events.QueryRequest
	for i, sr := range req.Requests {
		if sr.EvaluationType == models.EvaluationInclusive {
			sampled, err := in.sampleArchive(ctx, sr)
			if err != nil {
				return err
			}
			sources = lo.Union(sources, sampled)
			continue
		}
		queries = append(queries, in.queryEvent(root, req, i, sr))
	}

	applied, err := in.deps.Requests.BeginProcessing(ctx, req.RequestID, sources, len(queries), in.deps.now())
	if err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}
	if !applied {
		in.deps.Logger.Debug("request claimed by another delivery", "request_id", req.RequestID)
		return nil
	}
	in.deps.Logger.Info("request processing",
		"request_id", req.RequestID,
		"sources", len(sources),
		"queries", len(queries))

	if len(queries) == 0 {
		current, err := in.deps.Requests.GetRequest(ctx, req.RequestID)
		if err != nil {
			return fmt.Errorf("get request: %w", err)
		}
		return in.compactor.Start(ctx, current)
	}
	for _, q := range queries {
		if err := in.deps.Publisher.Submit(ctx, q, 0); err != nil {
			return fmt.Errorf("publish query_request: %w", err)
		}
	}
	return nil
}

// validateResources checks that every explicitly named resource exists,
// under a RESOURCE_VALIDATION child job that fails the request on error.
func (in *Intake) validateResources(ctx context.Context, root *models.Job, names []string) ([]string, error) {
	job, err := in.deps.Jobs.CreateChild(ctx, root.Key(), models.JobTypeResourceValidation)
	if err != nil {
		return nil, err
	}

	var valid []string
	opts := jobs.ExecOptions{FailureMessage: "resource validation failed", FailParent: true}
	err = in.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		parsed, err := models.ParseResourceNames(names)
		if err != nil {
			return err
		}
		for _, name := range parsed {
			if err := in.resourceExists(ctx, name); err != nil {
				return err
			}
		}
		valid = models.ResourceStrings(parsed)
		return nil
	})
	return valid, err
}

func (in *Intake) resourceExists(ctx context.Context, name models.ResourceName) error {
	if name.Type == models.ResourceTypeEntry {
		entry, err := in.deps.Entries.GetEntry(ctx, name.ID)
		if err != nil {
			return fmt.Errorf("get entry %s: %w", name.ID, err)
		}
		if entry == nil {
			return sourceError("entry %s does not exist", name.ID)
		}
		return nil
	}
	_, ok, err := in.deps.Content.GetContent(ctx, name.String())
	if err != nil {
		return fmt.Errorf("get source %s: %w", name.ID, err)
	}
	if !ok {
		return sourceError("source %s does not exist", name.ID)
	}
	return nil
}

// sampleArchive resolves an INCLUSIVE sub-request by drawing a random
// sample of the archive's entries.
func (in *Intake) sampleArchive(ctx context.Context, sr models.SubRequest) ([]string, error) {
	archive, err := in.deps.Archives.GetArchive(ctx, sr.ArchiveID)
	if err != nil {
		return nil, fmt.Errorf("get archive: %w", err)
	}
	if archive == nil {
		return nil, sourceError("archive %s does not exist", sr.ArchiveID)
	}
	ids, err := in.deps.Entries.ListArchiveEntries(ctx, sr.ArchiveID)
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}

	n := SampleSize(len(ids), lo.FromPtrOr(sr.SampleSizePercentage, in.deps.Settings.DefaultInclusiveSampleSize), lo.FromPtr(sr.MaxEntries))
	in.mu.Lock()
	picked := sample(in.deps.Rand, ids, n)
	in.mu.Unlock()

	in.deps.Logger.Debug("archive sampled", "archive_id", sr.ArchiveID, "total", len(ids), "sampled", n)
	return lo.Map(picked, func(id string, _ int) string { return models.EntryResource(id).String() }), nil
}

func (in *Intake) handleQueryComplete(ctx context.Context, ev events.StartInformationRequest) error {
	logger := in.deps.Logger.With("request_id", ev.RequestID, "query_id", ev.QueryID)

	req, cd, err := in.deps.Requests.CompleteQuery(ctx, ev.RequestID, ev.QueryID, models.ResourceStrings(ev.ResourceNames))
	if err != nil {
		return fmt.Errorf("complete query: %w", err)
	}
	switch {
	case req == nil:
		logger.Warn("query completed for unknown request")
		return nil
	case cd.Duplicate:
		logger.Debug("duplicate query completion ignored")
		return nil
	case !cd.Crossed:
		logger.Info("query completed", "remaining_queries", cd.Remaining)
		return nil
	case req.Status != models.RequestStatusProcessing:
		logger.Info("all queries completed for finished request", "request_status", req.Status)
		return nil
	}

	logger.Info("all queries completed", "sources", len(req.OriginalSources))
	return in.deps.continueJob(ctx, req.RootJob(), "information request failed", func(ctx context.Context) error {
		return in.compactor.Start(ctx, req)
	})
}
