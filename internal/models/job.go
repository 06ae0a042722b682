package models

import "time"

// JobStatus is the execution state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job types registered by the workflow stages.
const (
	JobTypeInformationRequest = "INFORMATION_REQUEST"
	JobTypeResourceValidation = "RESOURCE_VALIDATION"
	JobTypeQueryRequest       = "QUERY_REQUEST"
	JobTypeVectorStorageQuery = "VECTOR_STORAGE_QUERY"
	JobTypeCompactionRun      = "COMPACTION_RUN"
	JobTypeDataCompaction     = "DATA_COMPACTION"
	JobTypeFinalResponse      = "FINAL_RESPONSE"
	JobTypeIndexEntry         = "INDEX_ENTRY"
)

// JobKey addresses a job row.
type JobKey struct {
	Type string `json:"job_type"`
	ID   string `json:"job_id"`
}

// AIInvocation is the token usage of one model call made on behalf of a job.
type AIInvocation struct {
	ModelID      string    `json:"model_id"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	InvokedAt    time.Time `json:"invoked_at"`
}

// Job is one row of the execution ledger. Parent and child jobs are linked
// by id only.
type Job struct {
	ID            string         `json:"job_id"`
	Type          string         `json:"job_type"`
	Status        JobStatus      `json:"status"`
	Created       time.Time      `json:"created"`
	Started       *time.Time     `json:"started,omitempty"`
	Ended         *time.Time     `json:"ended,omitempty"`
	StatusMessage string         `json:"status_message,omitempty"`
	ParentJobID   string         `json:"parent_job_id,omitempty"`
	ParentJobType string         `json:"parent_job_type,omitempty"`
	AIInvocations []AIInvocation `json:"ai_invocations,omitempty"`
}

// Key returns the job's address.
func (j *Job) Key() JobKey {
	return JobKey{Type: j.Type, ID: j.ID}
}

// Parent returns the parent's address, or nil for a root job.
func (j *Job) Parent() *JobKey {
	if j.ParentJobID == "" {
		return nil
	}
	return &JobKey{Type: j.ParentJobType, ID: j.ParentJobID}
}

// TokenTotals sums the AI usage recorded on the job.
func (j *Job) TokenTotals() (input, output int64) {
	for _, inv := range j.AIInvocations {
		input += inv.InputTokens
		output += inv.OutputTokens
	}
	return input, output
}
