package db

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// StartRun replaces the reduction state of a request when run follows the
// stored one. Run 1 is created; run n replaces run n-1 only.
func (c *Client) StartRun(ctx context.Context, run *models.CompactionRun) (bool, error) {
	if run.CurrentRun == 1 {
		created, err := create(ctx, c, "compaction_run", run.RequestID, run)
		if err != nil {
			return false, fmt.Errorf("start run: %w", err)
		}
		return created, nil
	}

	replaced, err := retryConflicts(ctx, func() ([]models.CompactionRun, error) {
		return rows[models.CompactionRun](ctx, c, `
			UPDATE type::record("compaction_run", $id) CONTENT $run
			WHERE current_run = $prev
			RETURN BEFORE
		`, map[string]any{"id": run.RequestID, "run": run, "prev": run.CurrentRun - 1})
	})
	if err != nil {
		return false, fmt.Errorf("start run: %w", err)
	}
	return len(replaced) > 0, nil
}

// GetRun returns the reduction state of a request, or nil.
func (c *Client) GetRun(ctx context.Context, requestID string) (*models.CompactionRun, error) {
	run, err := first[models.CompactionRun](ctx, c, `SELECT * FROM type::record("compaction_run", $id)`, map[string]any{"id": requestID})
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// CompleteGroup counts one finished group of the current run. Completions for
// any other run, and repeated keys, leave the record untouched.
func (c *Client) CompleteGroup(ctx context.Context, requestID string, run int, groupKey, resource string) (*models.CompactionRun, models.Countdown, error) {
	before, err := retryConflicts(ctx, func() (*models.CompactionRun, error) {
		return first[models.CompactionRun](ctx, c, `
			UPDATE type::record("compaction_run", $id) SET
				completed_groups = array::append(completed_groups ?? [], $key),
				current_run_completed_resource_names = array::union(current_run_completed_resource_names ?? [], [$resource]),
				remaining_processes = math::max([remaining_processes - 1, 0])
			WHERE current_run = $run AND (completed_groups ?? []) CONTAINSNOT $key
			RETURN BEFORE
		`, map[string]any{"id": requestID, "run": run, "key": groupKey, "resource": resource})
	})
	if err != nil {
		return nil, models.Countdown{}, fmt.Errorf("complete group: %w", err)
	}

	if before == nil {
		current, err := c.GetRun(ctx, requestID)
		if err != nil || current == nil {
			return nil, models.Countdown{}, err
		}
		return current, models.Countdown{Remaining: current.RemainingProcesses, Duplicate: true}, nil
	}

	after := *before
	after.CompletedGroups = append(slices.Clone(before.CompletedGroups), groupKey)
	after.CurrentRunCompletedResourceNames = lo.Union(before.CurrentRunCompletedResourceNames, []string{resource})
	after.RemainingProcesses = max(before.RemainingProcesses-1, 0)
	return &after, models.Countdown{Remaining: after.RemainingProcesses, Crossed: before.RemainingProcesses == 1}, nil
}

// CreateQuery stores a vector-store query record. Returns false if a record
// with the same id already exists.
func (c *Client) CreateQuery(ctx context.Context, q *models.VectorStoreQuery) (bool, error) {
	return create(ctx, c, "vector_store_query", q.QueryID, q)
}

// GetQuery returns a query record, or nil.
func (c *Client) GetQuery(ctx context.Context, id string) (*models.VectorStoreQuery, error) {
	q, err := first[models.VectorStoreQuery](ctx, c, `SELECT * FROM type::record("vector_store_query", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// CompleteBatch counts one finished vector-store batch against a query.
func (c *Client) CompleteBatch(ctx context.Context, queryID, batchKey string, resources []string) (*models.VectorStoreQuery, models.Countdown, error) {
	before, err := retryConflicts(ctx, func() (*models.VectorStoreQuery, error) {
		return first[models.VectorStoreQuery](ctx, c, `
			UPDATE type::record("vector_store_query", $id) SET
				completed_batches = array::append(completed_batches ?? [], $key),
				resulting_resources = array::union(resulting_resources ?? [], $resources),
				remaining_processes = math::max([remaining_processes - 1, 0])
			WHERE (completed_batches ?? []) CONTAINSNOT $key
			RETURN BEFORE
		`, map[string]any{"id": queryID, "key": batchKey, "resources": nonNil(resources)})
	})
	if err != nil {
		return nil, models.Countdown{}, fmt.Errorf("complete batch: %w", err)
	}

	if before == nil {
		current, err := c.GetQuery(ctx, queryID)
		if err != nil || current == nil {
			return nil, models.Countdown{}, err
		}
		return current, models.Countdown{Remaining: current.RemainingProcesses, Duplicate: true}, nil
	}

	after := *before
	after.CompletedBatches = append(slices.Clone(before.CompletedBatches), batchKey)
	after.ResultingResources = lo.Union(before.ResultingResources, resources)
	after.RemainingProcesses = max(before.RemainingProcesses-1, 0)
	return &after, models.Countdown{Remaining: after.RemainingProcesses, Crossed: before.RemainingProcesses == 1}, nil
}

// MarkQueryCompleted stamps completed_on once.
func (c *Client) MarkQueryCompleted(ctx context.Context, id string, at time.Time) error {
	err := exec(ctx, c, `
		UPDATE type::record("vector_store_query", $id) SET completed_on = $at
		WHERE !completed_on
	`, map[string]any{"id": id, "at": at})
	if err != nil {
		return fmt.Errorf("mark query completed: %w", err)
	}
	return nil
}
