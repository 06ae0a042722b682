package models

import "time"

// EvaluationType decides whether a sub-request is resolved by sampling
// (INCLUSIVE) or by a live query (EXCLUSIVE).
type EvaluationType string

const (
	EvaluationInclusive EvaluationType = "INCLUSIVE"
	EvaluationExclusive EvaluationType = "EXCLUSIVE"
)

// RequestType names the archive capability a sub-request relies on.
type RequestType string

const (
	RequestTypeBasic  RequestType = "BASIC"
	RequestTypeVector RequestType = "VECTOR"
)

// SubRequest is one retrieval instruction of an information request.
// Optional keys are pointers so that absence can be told apart from zero.
type SubRequest struct {
	ArchiveID            string         `json:"archive_id"`
	EvaluationType       EvaluationType `json:"evaluation_type"`
	RequestType          RequestType    `json:"request_type"`
	MaxEntries           *int           `json:"max_entries,omitempty"`
	SampleSizePercentage *int           `json:"sample_size_percentage,omitempty"`
	QueryString          *string        `json:"query_string,omitempty"`
}

// RequestStatus is the externally visible state of an information request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "PENDING"
	RequestStatusProcessing RequestStatus = "PROCESSING"
	RequestStatusCompleted  RequestStatus = "COMPLETED"
	RequestStatusFailed     RequestStatus = "FAILED"
)

// InformationRequest is the per-request state record. RequestID equals the
// id of the request's root job.
type InformationRequest struct {
	RequestID            string        `json:"request_id"`
	Goal                 string        `json:"goal,omitempty"`
	Requests             []SubRequest  `json:"requests"`
	ResourceNames        []string      `json:"resource_names,omitempty"`
	DestinationArchiveID string        `json:"destination_archive_id,omitempty"`
	OriginalSources      []string      `json:"original_sources"`
	RemainingQueries     int           `json:"remaining_queries"`
	CompletedQueries     []string      `json:"completed_queries"`
	Status               RequestStatus `json:"request_status"`
	StatusMessage        string        `json:"status_message,omitempty"`
	EntryID              string        `json:"entry_id,omitempty"`
	Created              time.Time     `json:"created"`
	ProcessingStarted    *time.Time    `json:"processing_started,omitempty"`
	ResponseCompletedOn  *time.Time    `json:"response_completed_on,omitempty"`
}

// RootJob returns the address of the request's root job.
func (r *InformationRequest) RootJob() JobKey {
	return JobKey{Type: JobTypeInformationRequest, ID: r.RequestID}
}
