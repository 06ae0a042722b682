package db

import (
	"context"
	"fmt"
	"time"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

func jobRecordID(key models.JobKey) string {
	return key.Type + "/" + key.ID
}

// PutJob inserts or replaces a job row.
func (c *Client) PutJob(ctx context.Context, job *models.Job) error {
	err := exec(ctx, c, `UPSERT type::record("job", $rid) CONTENT $job`, map[string]any{
		"rid": jobRecordID(job.Key()),
		"job": job,
	})
	if err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

// GetJob returns a job row, or nil.
func (c *Client) GetJob(ctx context.Context, key models.JobKey) (*models.Job, error) {
	job, err := first[models.Job](ctx, c, `SELECT * FROM type::record("job", $rid)`, map[string]any{
		"rid": jobRecordID(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// TransitionJob moves a non-terminal job to status in one conditional
// update. IN_PROGRESS only applies to PENDING jobs.
func (c *Client) TransitionJob(ctx context.Context, key models.JobKey, status models.JobStatus, at time.Time, message string) (bool, error) {
	sql := `
		UPDATE type::record("job", $rid) SET
			status = $status,
			ended = $at,
			status_message = $message
		WHERE status IN ["PENDING", "IN_PROGRESS"]
		RETURN BEFORE
	`
	if status == models.JobStatusInProgress {
		sql = `
			UPDATE type::record("job", $rid) SET
				status = $status,
				started = $at
			WHERE status = "PENDING"
			RETURN BEFORE
		`
	}
	vars := map[string]any{
		"rid":     jobRecordID(key),
		"status":  status,
		"at":      at,
		"message": message,
	}

	changed, err := retryConflicts(ctx, func() ([]models.Job, error) {
		return rows[models.Job](ctx, c, sql, vars)
	})
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return len(changed) > 0, nil
}

// AppendAIInvocation adds usage statistics to a job.
func (c *Client) AppendAIInvocation(ctx context.Context, key models.JobKey, inv models.AIInvocation) error {
	_, err := retryConflicts(ctx, func() (struct{}, error) {
		return struct{}{}, exec(ctx, c, `
			UPDATE type::record("job", $rid) SET
				ai_invocations = array::append(ai_invocations ?? [], $inv)
		`, map[string]any{"rid": jobRecordID(key), "inv": inv})
	})
	if err != nil {
		return fmt.Errorf("append ai invocation: %w", err)
	}
	return nil
}

// ListJobs returns the jobs whose parent is the given job, or every root job
// when parent is nil, oldest first.
func (c *Client) ListJobs(ctx context.Context, parent *models.JobKey) ([]models.Job, error) {
	sql := `SELECT * FROM job WHERE !parent_job_id ORDER BY created ASC`
	vars := map[string]any{}
	if parent != nil {
		sql = `
			SELECT * FROM job
			WHERE parent_job_type = $ptype AND parent_job_id = $pid
			ORDER BY created ASC
		`
		vars["ptype"] = parent.Type
		vars["pid"] = parent.ID
	}

	jobs, err := rows[models.Job](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
