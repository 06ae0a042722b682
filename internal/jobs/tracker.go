// Package jobs tracks the hierarchical execution status of workflow stages.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/lakeflow/internal/models"
)

// ErrJobNotFound is returned when a referenced job row does not exist.
var ErrJobNotFound = errors.New("job not found")

// Store persists job rows keyed by (job_type, job_id).
type Store interface {
	PutJob(ctx context.Context, job *models.Job) error
	// GetJob returns nil, nil when the job does not exist. Reads are
	// consistent.
	GetJob(ctx context.Context, key models.JobKey) (*models.Job, error)
	// TransitionJob moves a non-terminal job to status. IN_PROGRESS applies
	// only to PENDING jobs and stamps started; terminal statuses stamp ended
	// and the message. Returns false when nothing changed.
	TransitionJob(ctx context.Context, key models.JobKey, status models.JobStatus, at time.Time, message string) (bool, error)
	AppendAIInvocation(ctx context.Context, key models.JobKey, inv models.AIInvocation) error
}

// FailedError is returned by Execute once a body error has been recorded on
// the job. Redelivering the event that caused it cannot change the outcome.
type FailedError struct {
	Job     models.JobKey
	Message string
	Err     error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s job %s failed: %s", e.Job.Type, e.Job.ID, e.Message)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// FailureHook observes every job that the tracker moves to FAILED.
type FailureHook func(ctx context.Context, job models.JobKey, message string)

// Tracker creates jobs and runs guarded job executions.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	hooks  []FailureHook
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithFailureHook registers a hook run after a job is marked FAILED.
func WithFailureHook(h FailureHook) Option {
	return func(t *Tracker) { t.hooks = append(t.hooks, h) }
}

// NewTracker creates a tracker over store.
func NewTracker(store Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddFailureHook registers a hook after construction.
func (t *Tracker) AddFailureHook(h FailureHook) {
	t.hooks = append(t.hooks, h)
}

// Create creates a root job with a generated id.
func (t *Tracker) Create(ctx context.Context, jobType string) (*models.Job, error) {
	return t.CreateWithID(ctx, jobType, uuid.NewString())
}

// CreateWithID creates a root job with a caller-chosen id.
func (t *Tracker) CreateWithID(ctx context.Context, jobType, id string) (*models.Job, error) {
	job := &models.Job{
		ID:      id,
		Type:    jobType,
		Status:  models.JobStatusPending,
		Created: t.now().UTC(),
	}
	if err := t.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s job: %w", jobType, err)
	}
	t.logger.Debug("job created", "job_type", jobType, "job_id", id)
	return job, nil
}

// CreateChild creates a job linked to parent by id.
func (t *Tracker) CreateChild(ctx context.Context, parent models.JobKey, jobType string) (*models.Job, error) {
	return t.CreateChildWithID(ctx, parent, jobType, uuid.NewString())
}

// CreateChildWithID creates a child job with a caller-chosen id.
func (t *Tracker) CreateChildWithID(ctx context.Context, parent models.JobKey, jobType, id string) (*models.Job, error) {
	job := &models.Job{
		ID:            id,
		Type:          jobType,
		Status:        models.JobStatusPending,
		Created:       t.now().UTC(),
		ParentJobID:   parent.ID,
		ParentJobType: parent.Type,
	}
	if err := t.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create %s child job: %w", jobType, err)
	}
	t.logger.Debug("child job created", "job_type", jobType, "job_id", job.ID, "parent_job_id", parent.ID)
	return job, nil
}

// Get loads a job, returning ErrJobNotFound if it does not exist.
func (t *Tracker) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	job, err := t.store.GetJob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrJobNotFound, key.Type, key.ID)
	}
	return job, nil
}

// Start marks a job IN_PROGRESS.
func (t *Tracker) Start(ctx context.Context, key models.JobKey) error {
	if _, err := t.store.TransitionJob(ctx, key, models.JobStatusInProgress, t.now().UTC(), ""); err != nil {
		return fmt.Errorf("start job: %w", err)
	}
	return nil
}

// Complete marks a job COMPLETED.
func (t *Tracker) Complete(ctx context.Context, key models.JobKey) error {
	applied, err := t.store.TransitionJob(ctx, key, models.JobStatusCompleted, t.now().UTC(), "")
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if applied {
		t.logger.Info("job completed", "job_type", key.Type, "job_id", key.ID)
	}
	return nil
}

// Fail marks a job FAILED with message and runs the failure hooks. Failing
// an already terminal job is a no-op.
func (t *Tracker) Fail(ctx context.Context, key models.JobKey, message string) error {
	applied, err := t.store.TransitionJob(ctx, key, models.JobStatusFailed, t.now().UTC(), message)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if !applied {
		return nil
	}
	t.logger.Warn("job failed", "job_type", key.Type, "job_id", key.ID, "message", message)
	for _, h := range t.hooks {
		h(ctx, key, message)
	}
	return nil
}

// RecordAIUsage appends one model invocation to the job's statistics.
func (t *Tracker) RecordAIUsage(ctx context.Context, key models.JobKey, modelID string, inputTokens, outputTokens int64) error {
	inv := models.AIInvocation{
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		InvokedAt:    t.now().UTC(),
	}
	if err := t.store.AppendAIInvocation(ctx, key, inv); err != nil {
		return fmt.Errorf("record ai usage: %w", err)
	}
	return nil
}

// ExecOptions controls a guarded execution.
type ExecOptions struct {
	// FailureMessage prefixes the error text stored on a failed job.
	FailureMessage string
	// FailParent also fails the direct parent job.
	FailParent bool
	// FailAllParents fails every ancestor up to the root.
	FailAllParents bool
	// SkipStart leaves the job status alone on entry.
	SkipStart bool
	// SkipComplete leaves the job open on success, for stages that finish
	// the job from a later event.
	SkipComplete bool
}

// Execute runs fn as the body of job. On entry the job becomes IN_PROGRESS,
// on success COMPLETED, and on error FAILED with the error text. A body error
// comes back as *FailedError once it has been recorded.
func (t *Tracker) Execute(ctx context.Context, job *models.Job, opts ExecOptions, fn func(ctx context.Context) error) error {
	key := job.Key()
	if !opts.SkipStart {
		if err := t.Start(ctx, key); err != nil {
			return err
		}
	}

	runErr := fn(ctx)
	if runErr == nil {
		if opts.SkipComplete {
			return nil
		}
		return t.Complete(ctx, key)
	}

	message := runErr.Error()
	if opts.FailureMessage != "" {
		message = fmt.Sprintf("%s: %v", opts.FailureMessage, runErr)
	}

	errs := []error{runErr}
	if err := t.Fail(ctx, key, message); err != nil {
		errs = append(errs, err)
	}

	switch {
	case opts.FailAllParents:
		if err := t.failAncestors(ctx, job, message); err != nil {
			errs = append(errs, err)
		}
	case opts.FailParent:
		if parent := job.Parent(); parent != nil {
			if err := t.Fail(ctx, *parent, message); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 1 {
		return errors.Join(errs...)
	}
	return &FailedError{Job: key, Message: message, Err: runErr}
}

func (t *Tracker) failAncestors(ctx context.Context, job *models.Job, message string) error {
	visited := map[models.JobKey]bool{job.Key(): true}
	parent := job.Parent()
	for parent != nil && !visited[*parent] {
		visited[*parent] = true
		if err := t.Fail(ctx, *parent, message); err != nil {
			return err
		}
		next, err := t.store.GetJob(ctx, *parent)
		if err != nil {
			return fmt.Errorf("load ancestor: %w", err)
		}
		if next == nil {
			return nil
		}
		parent = next.Parent()
	}
	return nil
}
