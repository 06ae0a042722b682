package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
	"github.com/samber/lo"
)

// CreateRequest stores a new request. Returns false if one already exists.
func (c *Client) CreateRequest(ctx context.Context, req *models.InformationRequest) (bool, error) {
	return create(ctx, c, "information_request", req.RequestID, req)
}

// GetRequest returns a request, or nil.
func (c *Client) GetRequest(ctx context.Context, id string) (*models.InformationRequest, error) {
	req, err := first[models.InformationRequest](ctx, c, `SELECT * FROM type::record("information_request", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListRequests returns the most recent requests, optionally only those with
// the given status.
func (c *Client) ListRequests(ctx context.Context, status models.RequestStatus, limit int) ([]models.InformationRequest, error) {
	where := ""
	vars := map[string]any{"limit": limit}
	if status != "" {
		where = "WHERE request_status = $status"
		vars["status"] = status
	}
	sql := fmt.Sprintf(`SELECT * FROM information_request %s ORDER BY created DESC LIMIT $limit`, where)

	reqs, err := rows[models.InformationRequest](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return reqs, nil
}

// BeginProcessing moves a PENDING request to PROCESSING. The status check
// and the write are one statement, so exactly one caller gets true.
func (c *Client) BeginProcessing(ctx context.Context, id string, sources []string, remainingQueries int, at time.Time) (bool, error) {
	changed, err := retryConflicts(ctx, func() ([]models.InformationRequest, error) {
		return rows[models.InformationRequest](ctx, c, `
			UPDATE type::record("information_request", $id) SET
				request_status = "PROCESSING",
				original_sources = array::union(original_sources ?? [], $sources),
				remaining_queries = $remaining,
				processing_started = $at
			WHERE request_status = "PENDING"
			RETURN BEFORE
		`, map[string]any{"id": id, "sources": nonNil(sources), "remaining": remainingQueries, "at": at})
	})
	if err != nil {
		return false, fmt.Errorf("begin processing: %w", err)
	}
	return len(changed) > 0, nil
}

// CompleteQuery counts queryID once against remaining_queries.
func (c *Client) CompleteQuery(ctx context.Context, id, queryID string, sources []string) (*models.InformationRequest, models.Countdown, error) {
	before, err := retryConflicts(ctx, func() (*models.InformationRequest, error) {
		return first[models.InformationRequest](ctx, c, `
			UPDATE type::record("information_request", $id) SET
				completed_queries = array::append(completed_queries ?? [], $key),
				original_sources = array::union(original_sources ?? [], $sources),
				remaining_queries = math::max([remaining_queries - 1, 0])
			WHERE (completed_queries ?? []) CONTAINSNOT $key
			RETURN BEFORE
		`, map[string]any{"id": id, "key": queryID, "sources": nonNil(sources)})
	})
	if err != nil {
		return nil, models.Countdown{}, fmt.Errorf("complete query: %w", err)
	}

	if before == nil {
		current, err := c.GetRequest(ctx, id)
		if err != nil || current == nil {
			return nil, models.Countdown{}, err
		}
		return current, models.Countdown{Remaining: current.RemainingQueries, Duplicate: true}, nil
	}

	after := *before
	after.CompletedQueries = append(slices.Clone(before.CompletedQueries), queryID)
	after.OriginalSources = lo.Union(before.OriginalSources, sources)
	after.RemainingQueries = max(before.RemainingQueries-1, 0)
	return &after, models.Countdown{Remaining: after.RemainingQueries, Crossed: before.RemainingQueries == 1}, nil
}

// CompleteRequest marks a non-terminal request COMPLETED. Only the caller
// that performed the transition gets true.
func (c *Client) CompleteRequest(ctx context.Context, id, entryID string, at time.Time) (bool, error) {
	changed, err := retryConflicts(ctx, func() ([]models.InformationRequest, error) {
		return rows[models.InformationRequest](ctx, c, `
			UPDATE type::record("information_request", $id) SET
				request_status = "COMPLETED",
				entry_id = $entry,
				response_completed_on = $at
			WHERE request_status IN ["PENDING", "PROCESSING"]
			RETURN BEFORE
		`, map[string]any{"id": id, "entry": entryID, "at": at})
	})
	if err != nil {
		return false, fmt.Errorf("complete request: %w", err)
	}
	return len(changed) > 0, nil
}

// FailRequest marks a non-terminal request FAILED.
func (c *Client) FailRequest(ctx context.Context, id, message string) error {
	_, err := retryConflicts(ctx, func() (struct{}, error) {
		return struct{}{}, exec(ctx, c, `
			UPDATE type::record("information_request", $id) SET
				request_status = "FAILED",
				status_message = $message
			WHERE request_status IN ["PENDING", "PROCESSING"]
		`, map[string]any{"id": id, "message": message})
	})
	if err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

// create inserts value under table:id. Returns false when the record already
// exists.
func create(ctx context.Context, c *Client, table, id string, value any) (bool, error) {
	err := exec(ctx, c, `CREATE type::record($table, $id) CONTENT $value`, map[string]any{
		"table": table,
		"id":    id,
		"value": value,
	})
	if errors.Is(err, ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create %s: %w", table, err)
	}
	return true, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
