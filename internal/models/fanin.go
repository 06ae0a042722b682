package models

import "time"

// CompactionRun is the per-request reduction state. It is reset at the start
// of every run. RemainingProcesses counts the multi-resource groups
// dispatched this run; ExpectedResults adds the pass-through singles to that
// and is the size the accumulator reaches once the run is done.
// RunResources and GroupSize describe the run's partition so that its
// groups can be dispatched again.
type CompactionRun struct {
	RequestID                        string    `json:"request_id"`
	CurrentRun                       int       `json:"current_run"`
	RunJobID                         string    `json:"run_job_id"`
	RunResources                     []string  `json:"run_resources"`
	GroupSize                        int       `json:"group_size"`
	RemainingProcesses               int       `json:"remaining_processes"`
	ExpectedResults                  int       `json:"expected_results"`
	CurrentRunCompletedResourceNames []string  `json:"current_run_completed_resource_names"`
	CompletedGroups                  []string  `json:"completed_groups"`
	Goal                             string    `json:"goal,omitempty"`
	ParentJobID                      string    `json:"parent_job_id"`
	ParentJobType                    string    `json:"parent_job_type"`
	Started                          time.Time `json:"started"`
}

// ParentJob returns the address of the job that owns the reduction.
func (c *CompactionRun) ParentJob() JobKey {
	return JobKey{Type: c.ParentJobType, ID: c.ParentJobID}
}

// RunJob returns the address of the current run's COMPACTION_RUN job.
func (c *CompactionRun) RunJob() JobKey {
	return JobKey{Type: JobTypeCompactionRun, ID: c.RunJobID}
}

// Groups partitions RunResources the way the run was dispatched.
func (c *CompactionRun) Groups() [][]string {
	var groups [][]string
	for i := 0; i < len(c.RunResources); i += c.GroupSize {
		groups = append(groups, c.RunResources[i:min(i+c.GroupSize, len(c.RunResources))])
	}
	return groups
}

// VectorStoreQuery is the fan-in state of one EXCLUSIVE sub-request that is
// answered by parallel vector-store searches.
type VectorStoreQuery struct {
	QueryID            string     `json:"query_id"`
	RequestID          string     `json:"request_id"`
	ArchiveID          string     `json:"archive_id"`
	QueryString        string     `json:"query_string"`
	MaxEntries         int        `json:"max_entries"`
	TargetTags         []string   `json:"target_tags"`
	Batches            [][]string `json:"batches"`
	RemainingProcesses int        `json:"remaining_processes"`
	ResultingResources []string   `json:"resulting_resources"`
	CompletedBatches   []string   `json:"completed_batches"`
	JobID              string     `json:"job_id"`
	ParentJobID        string     `json:"parent_job_id"`
	ParentJobType      string     `json:"parent_job_type"`
	Created            time.Time  `json:"created"`
	CompletedOn        *time.Time `json:"completed_on,omitempty"`
}

// Job returns the address of the QUERY_REQUEST job that owns the query.
func (q *VectorStoreQuery) Job() JobKey {
	return JobKey{Type: JobTypeQueryRequest, ID: q.JobID}
}

// Countdown is the outcome of one decrement-and-report call on a fan-in
// counter.
type Countdown struct {
	Remaining int
	// Duplicate is set when the participant was already counted; nothing
	// changed.
	Duplicate bool
	// Crossed is set only for the call that moved the counter from 1 to 0.
	Crossed bool
}
