package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/raphaelgruber/lakeflow/internal/events"
	"github.com/raphaelgruber/lakeflow/internal/jobs"
	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// ExpectedDepth returns the recursion depth needed to reduce total resources
// with groups of groupSize: one plus the number of ceil(n/groupSize) steps
// until a single resource remains.
func ExpectedDepth(total, groupSize int) int {
	depth := 1
	for total > 1 {
		total = (total + groupSize - 1) / groupSize
		depth++
	}
	return depth
}

func groupKey(run, group int) string {
	return fmt.Sprintf("%d:%d", run, group)
}

// reduction identifies the request a compaction chain works for.
type reduction struct {
	requestID string
	goal      string
	root      models.JobKey
}

// Compactor recursively reduces a request's sources to one resource.
type Compactor struct {
	deps *Dependencies
}

// Start begins the reduction of req's original sources. It must run under
// the request's root job: returned errors fail it.
func (c *Compactor) Start(ctx context.Context, req *models.InformationRequest) error {
	r := reduction{requestID: req.RequestID, goal: req.Goal, root: req.RootJob()}
	switch len(req.OriginalSources) {
	case 0:
		return sourceError("request %s resolved no sources", req.RequestID)
	case 1:
		return c.finish(ctx, r, req.OriginalSources[0])
	}
	return c.startRun(ctx, r, 1, req.OriginalSources)
}

func (c *Compactor) startRun(ctx context.Context, r reduction, run int, resources []string) error {
	s := c.deps.Settings
	depth := run - 1 + ExpectedDepth(len(resources), s.MaxContentGroupSize)
	if depth > s.CompactionMaximumRecursionDepth {
		return fmt.Errorf("%w: expected recursion depth of %d exceeds the maximum of %d",
			ErrRecursionLimit, depth, s.CompactionMaximumRecursionDepth)
	}
	if _, err := models.ParseResourceNames(resources); err != nil {
		return err
	}

	rec := &models.CompactionRun{
		RequestID:                        r.requestID,
		CurrentRun:                       run,
		RunJobID:                         uuid.NewString(),
		RunResources:                     resources,
		GroupSize:                        s.MaxContentGroupSize,
		CurrentRunCompletedResourceNames: []string{},
		CompletedGroups:                  []string{},
		Goal:                             r.goal,
		ParentJobID:                      r.root.ID,
		ParentJobType:                    r.root.Type,
		Started:                          c.deps.now(),
	}
	for _, g := range rec.Groups() {
		if len(g) == 1 {
			rec.CurrentRunCompletedResourceNames = append(rec.CurrentRunCompletedResourceNames, g[0])
		} else {
			rec.RemainingProcesses++
		}
	}
	rec.ExpectedResults = rec.RemainingProcesses + len(rec.CurrentRunCompletedResourceNames)
	if rec.RemainingProcesses == 0 {
		return fmt.Errorf("run %d of request %s has no group to compact", run, r.requestID)
	}

	applied, err := c.deps.Runs.StartRun(ctx, rec)
	if err != nil {
		return fmt.Errorf("start compaction run: %w", err)
	}
	if !applied {
		c.deps.Logger.Debug("compaction run already started", "request_id", r.requestID, "run", run)
		return nil
	}

	c.deps.Logger.Info("compaction run started",
		"request_id", r.requestID,
		"run", run,
		"resources", len(resources),
		"groups", rec.RemainingProcesses,
		"singles", len(rec.CurrentRunCompletedResourceNames))
	return c.dispatch(ctx, rec)
}

// dispatch makes sure the run job exists and publishes begin_compaction for
// every group of the run that has not completed yet.
func (c *Compactor) dispatch(ctx context.Context, rec *models.CompactionRun) error {
	runJob, err := c.deps.Jobs.Get(ctx, rec.RunJob())
	if errors.Is(err, jobs.ErrJobNotFound) {
		runJob, err = c.deps.Jobs.CreateChildWithID(ctx, rec.ParentJob(), models.JobTypeCompactionRun, rec.RunJobID)
	}
	if err != nil {
		return err
	}
	if runJob.Status.Terminal() {
		return nil
	}
	if runJob.Status == models.JobStatusPending {
		if err := c.deps.Jobs.Start(ctx, runJob.Key()); err != nil {
			return err
		}
	}

	for i, g := range rec.Groups() {
		if len(g) < 2 || slices.Contains(rec.CompletedGroups, groupKey(rec.CurrentRun, i)) {
			continue
		}
		names, err := models.ParseResourceNames(g)
		if err != nil {
			return err
		}
		ev := events.BeginCompaction{
			RequestID:     rec.RequestID,
			ResourceNames: names,
			Goal:          lo.EmptyableToPtr(rec.Goal),
			Run:           rec.CurrentRun,
			Group:         i,
			ParentJobID:   runJob.ID,
			ParentJobType: runJob.Type,
		}
		if err := c.deps.Publisher.Submit(ctx, ev, 0); err != nil {
			return fmt.Errorf("publish begin_compaction: %w", err)
		}
	}
	return nil
}

// resume picks the reduction of req up from its recorded state: it starts
// the first run, dispatches the current run's open groups again, or advances
// a run whose groups have all been counted.
func (c *Compactor) resume(ctx context.Context, req *models.InformationRequest) error {
	rec, err := c.deps.Runs.GetRun(ctx, req.RequestID)
	if err != nil {
		return fmt.Errorf("get compaction run: %w", err)
	}
	if rec == nil {
		return c.Start(ctx, req)
	}
	c.deps.Logger.Info("resuming compaction", "request_id", req.RequestID, "run", rec.CurrentRun, "remaining", rec.RemainingProcesses)
	if rec.RemainingProcesses > 0 {
		return c.dispatch(ctx, rec)
	}
	if err := c.deps.Jobs.Complete(ctx, rec.RunJob()); err != nil {
		return err
	}
	return c.advance(ctx, rec)
}

func (c *Compactor) finish(ctx context.Context, r reduction, resource string) error {
	name, err := models.ParseResourceName(resource)
	if err != nil {
		return err
	}
	c.deps.Logger.Info("reduction finished", "request_id", r.requestID, "resource", resource)
	ev := events.FinalResponse{
		RequestID:          r.requestID,
		SourceResourceName: name,
		ParentJobID:        r.root.ID,
		ParentJobType:      r.root.Type,
	}
	if err := c.deps.Publisher.Submit(ctx, ev, 0); err != nil {
		return fmt.Errorf("publish final_response: %w", err)
	}
	return nil
}

// HandleBeginCompaction summarizes one group of resources into a new entry.
func (c *Compactor) HandleBeginCompaction(ctx context.Context, ev events.BeginCompaction) error {
	logger := c.deps.Logger.With("request_id", ev.RequestID, "run", ev.Run, "group", ev.Group)

	runKey := models.JobKey{Type: ev.ParentJobType, ID: ev.ParentJobID}
	runJob, err := c.deps.Jobs.Get(ctx, runKey)
	if err != nil {
		return err
	}
	if runJob.Status.Terminal() {
		logger.Debug("compaction run already finished, skipping group", "status", runJob.Status)
		return nil
	}
	rec, err := c.deps.Runs.GetRun(ctx, ev.RequestID)
	if err != nil {
		return fmt.Errorf("get compaction run: %w", err)
	}
	if rec != nil && (rec.CurrentRun != ev.Run || slices.Contains(rec.CompletedGroups, groupKey(ev.Run, ev.Group))) {
		logger.Debug("group already compacted")
		return nil
	}

	job, err := c.deps.Jobs.CreateChild(ctx, runKey, models.JobTypeDataCompaction)
	if err != nil {
		return err
	}
	opts := jobs.ExecOptions{FailureMessage: "data compaction failed", FailAllParents: true}
	return c.deps.Jobs.Execute(ctx, job, opts, func(ctx context.Context) error {
		s := c.deps.Settings
		prompt, err := compactionPrompt(ctx, c.deps.Content, lo.FromPtr(ev.Goal), ev.ResourceNames)
		if err != nil {
			return err
		}

		res, err := c.deps.AI.Invoke(ctx, prompt, s.CompactionModelID, s.MaxOutputTokens)
		if err != nil {
			return fmt.Errorf("invoke compaction model: %w", err)
		}
		if err := c.deps.Jobs.RecordAIUsage(ctx, job.Key(), res.ModelID, res.InputTokens, res.OutputTokens); err != nil {
			return err
		}
		if strings.TrimSpace(res.Text) == "" {
			return fmt.Errorf("compaction model returned no content")
		}

		entry, err := c.deps.storeEntry(ctx, res.Text, models.ResourceStrings(ev.ResourceNames), nil)
		if err != nil {
			return err
		}
		logger.Info("group compacted", "entry_id", entry.EntryID, "resources", len(ev.ResourceNames), "chars", entry.CharCount)

		done := events.CompactionCompleted{
			RequestID:     ev.RequestID,
			ResourceName:  entry.Resource(),
			Run:           ev.Run,
			Group:         ev.Group,
			ParentJobID:   ev.ParentJobID,
			ParentJobType: ev.ParentJobType,
		}
		if err := c.deps.Publisher.Submit(ctx, done, 0); err != nil {
			return fmt.Errorf("publish compaction_completed: %w", err)
		}
		return nil
	})
}

// HandleCompactionCompleted counts one finished group. The participant that
// completes the run either finishes the reduction or starts the next run.
func (c *Compactor) HandleCompactionCompleted(ctx context.Context, ev events.CompactionCompleted) error {
	logger := c.deps.Logger.With("request_id", ev.RequestID, "run", ev.Run, "group", ev.Group)

	rec, cd, err := c.deps.Runs.CompleteGroup(ctx, ev.RequestID, ev.Run, groupKey(ev.Run, ev.Group), ev.ResourceName.String())
	if err != nil {
		return fmt.Errorf("complete compaction group: %w", err)
	}
	switch {
	case rec == nil:
		logger.Warn("compaction completed for unknown request")
		return nil
	case cd.Duplicate:
		logger.Debug("duplicate or stale compaction completion ignored", "current_run", rec.CurrentRun)
		return nil
	case !cd.Crossed:
		logger.Debug("compaction group counted", "remaining", cd.Remaining)
		return nil
	}

	runKey := models.JobKey{Type: ev.ParentJobType, ID: ev.ParentJobID}
	return c.deps.continueJob(ctx, rec.ParentJob(), "compaction failed", func(ctx context.Context) error {
		if err := c.deps.Jobs.Complete(ctx, runKey); err != nil {
			return err
		}
		return c.advance(ctx, rec)
	})
}

func (c *Compactor) advance(ctx context.Context, rec *models.CompactionRun) error {
	acc := rec.CurrentRunCompletedResourceNames
	if len(acc) != rec.ExpectedResults {
		return sourceError("run %d of request %s accumulated %d results, expected %d",
			rec.CurrentRun, rec.RequestID, len(acc), rec.ExpectedResults)
	}

	r := reduction{requestID: rec.RequestID, goal: rec.Goal, root: rec.ParentJob()}
	if rec.ExpectedResults == 1 {
		return c.finish(ctx, r, acc[0])
	}
	return c.startRun(ctx, r, rec.CurrentRun+1, acc)
}
