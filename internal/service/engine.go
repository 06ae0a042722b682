package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/metrics"
	"github.com/raphaelgruber/lakeflow/internal/models"
)

// Engine routes workflow events to their handlers.
type Engine struct {
	deps *Dependencies

	Intake    *Intake
	Queries   *QueryCoordinator
	Compactor *Compactor
	Responder *Responder
}

// NewEngine creates the workflow components over deps. A failed
// INFORMATION_REQUEST job marks its request FAILED with the job's message.
func NewEngine(deps Dependencies) *Engine {
	deps.withDefaults()
	d := &deps
	e := &Engine{deps: d}
	e.Compactor = &Compactor{deps: d}
	e.Queries = &QueryCoordinator{deps: d}
	e.Intake = &Intake{deps: d, compactor: e.Compactor, queries: e.Queries}
	e.Responder = &Responder{deps: d}

	d.Jobs.AddFailureHook(func(ctx context.Context, job models.JobKey, message string) {
		if job.Type != models.JobTypeInformationRequest {
			return
		}
		if err := d.Requests.FailRequest(ctx, job.ID, message); err != nil {
			d.Logger.Error("mark request failed", "request_id", job.ID, "error", err)
		}
	})
	return e
}

// Handle dispatches one event. Failures already recorded on a job are
// logged and absorbed so the bus does not redeliver them; any other error is
// returned for redelivery.
func (e *Engine) Handle(ctx context.Context, ev events.Event) error {
	start := time.Now()
	err := e.dispatch(ctx, ev)
	elapsed := time.Since(start)

	var failed *jobs.FailedError
	if errors.As(err, &failed) {
		e.deps.Metrics.ObserveEvent(string(ev.EventType()), elapsed, metrics.Absorbed)
		e.deps.Logger.Warn("workflow stage failed",
			"event_type", ev.EventType(),
			"job_type", failed.Job.Type,
			"job_id", failed.Job.ID,
			"error", failed.Message)
		return nil
	}
	if err != nil {
		e.deps.Metrics.ObserveEvent(string(ev.EventType()), elapsed, metrics.Retried)
		e.deps.Logger.Error("handle event", "event_type", ev.EventType(), "error", err)
		return err
	}
	e.deps.Metrics.ObserveEvent(string(ev.EventType()), elapsed, metrics.Handled)
	return nil
}

func (e *Engine) dispatch(ctx context.Context, ev events.Event) error {
	switch ev := ev.(type) {
	case events.StartInformationRequest:
		return e.Intake.HandleStart(ctx, ev)
	case events.QueryRequest:
		return e.Queries.HandleQueryRequest(ctx, ev)
	case events.VSQuery:
		return e.Queries.HandleVSQuery(ctx, ev)
	case events.QueryComplete:
		return e.Queries.HandleQueryComplete(ctx, ev)
	case events.BeginCompaction:
		return e.Compactor.HandleBeginCompaction(ctx, ev)
	case events.CompactionCompleted:
		return e.Compactor.HandleCompactionCompleted(ctx, ev)
	case events.FinalResponse:
		return e.Responder.HandleFinalResponse(ctx, ev)
	case events.IndexEntry:
		return e.Responder.HandleIndexEntry(ctx, ev)
	default:
		return fmt.Errorf("%w: %s", events.ErrUnknownEventType, ev.EventType())
	}
}

// continueJob runs fn under an already started job, failing it when fn
// errors. A job that has already finished is left alone.
func (d *Dependencies) continueJob(ctx context.Context, key models.JobKey, message string, fn func(ctx context.Context) error) error {
	job, err := d.Jobs.Get(ctx, key)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		d.Logger.Info("job already finished, not continuing", "job_type", key.Type, "job_id", key.ID, "status", job.Status)
		return nil
	}
	opts := jobs.ExecOptions{FailureMessage: message, SkipStart: true, SkipComplete: true}
	return d.Jobs.Execute(ctx, job, opts, fn)
}

// storeEntry persists content as a new entry. fill may set tags and scores
// before the entry is written.
func (d *Dependencies) storeEntry(ctx context.Context, content string, sources []string, fill func(*models.Entry)) (*models.Entry, error) {
	entry := models.NewEntry(uuid.NewString(), content, sources, d.now())
	if fill != nil {
		fill(entry)
	}
	if err := d.Content.SaveContent(ctx, entry.Resource().String(), content); err != nil {
		return nil, fmt.Errorf("save entry content: %w", err)
	}
	if err := d.Entries.PutEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("put entry: %w", err)
	}
	return entry, nil
}
