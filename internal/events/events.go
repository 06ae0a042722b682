// Package events defines the closed set of workflow events and their wire
// codec. Every body is validated when it crosses the bus boundary.
package events

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

// Type tags an event body on the wire.
type Type string

const (
	TypeStartInformationRequest Type = "start_information_request"
	TypeQueryRequest            Type = "query_request"
	TypeVSQuery                 Type = "vs_query"
	TypeQueryComplete           Type = "query_complete"
	TypeBeginCompaction         Type = "begin_compaction"
	TypeCompactionCompleted     Type = "compaction_completed"
	TypeFinalResponse           Type = "final_response"
	TypeIndexEntry              Type = "index_entry"
)

var (
	// ErrUnknownEventType is returned for an event_type outside the closed set.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrInvalidBody is returned when a body has unknown, missing or invalid fields.
	ErrInvalidBody = errors.New("invalid event body")
)

// Event is implemented by every body type.
type Event interface {
	EventType() Type
	Validate() error
}

// RequestStage says whether a start event opens a request or resumes it
// after a query finished.
type RequestStage string

const (
	StageInitial       RequestStage = "INITIAL"
	StageQueryComplete RequestStage = "QUERY_COMPLETE"
)

// StartInformationRequest opens a request (INITIAL) or reports one finished
// EXCLUSIVE sub-request back to it (QUERY_COMPLETE).
type StartInformationRequest struct {
	RequestID     string                `json:"request_id"`
	RequestStage  RequestStage          `json:"request_stage"`
	Goal          *string               `json:"goal,omitempty"`
	Requests      []models.SubRequest   `json:"requests,omitempty"`
	ResourceNames []models.ResourceName `json:"resource_names,omitempty"`
	QueryID       string                `json:"query_id,omitempty"`
}

func (StartInformationRequest) EventType() Type { return TypeStartInformationRequest }

func (e StartInformationRequest) Validate() error {
	v := newValidator(e.EventType())
	v.required("request_id", e.RequestID)
	switch e.RequestStage {
	case StageInitial:
	case StageQueryComplete:
		v.required("query_id", e.QueryID)
	default:
		v.fail("request_stage", fmt.Sprintf("unknown stage %q", e.RequestStage))
	}
	return v.err()
}

// QueryRequest asks the query coordinator to answer one EXCLUSIVE sub-request.
type QueryRequest struct {
	ArchiveID     string `json:"archive_id"`
	MaxEntries    int    `json:"max_entries"`
	RequestID     string `json:"request_id"`
	QueryID       string `json:"query_id"`
	QueryString   string `json:"query_string"`
	ParentJobID   string `json:"parent_job_id"`
	ParentJobType string `json:"parent_job_type"`
}

func (QueryRequest) EventType() Type { return TypeQueryRequest }

func (e QueryRequest) Validate() error {
	v := newValidator(e.EventType())
	v.required("archive_id", e.ArchiveID)
	v.required("request_id", e.RequestID)
	v.required("query_id", e.QueryID)
	v.required("query_string", e.QueryString)
	v.parent(e.ParentJobID, e.ParentJobType)
	if e.MaxEntries < 0 {
		v.fail("max_entries", "must not be negative")
	}
	return v.err()
}

// VSQuery searches one batch of vector stores.
type VSQuery struct {
	ArchiveID      string   `json:"archive_id"`
	QueryID        string   `json:"query_id"`
	QueryStr       string   `json:"query_str"`
	VectorStoreIDs []string `json:"vector_store_ids"`
	Batch          int      `json:"batch"`
}

func (VSQuery) EventType() Type { return TypeVSQuery }

func (e VSQuery) Validate() error {
	v := newValidator(e.EventType())
	v.required("archive_id", e.ArchiveID)
	v.required("query_id", e.QueryID)
	v.required("query_str", e.QueryStr)
	if len(e.VectorStoreIDs) == 0 {
		v.fail("vector_store_ids", "must not be empty")
	}
	if e.Batch < 0 {
		v.fail("batch", "must not be negative")
	}
	return v.err()
}

// QueryComplete carries the results of one vector-store batch.
type QueryComplete struct {
	QueryID       string                `json:"query_id"`
	Batch         int                   `json:"batch"`
	ResourceNames []models.ResourceName `json:"resource_names"`
}

func (QueryComplete) EventType() Type { return TypeQueryComplete }

func (e QueryComplete) Validate() error {
	v := newValidator(e.EventType())
	v.required("query_id", e.QueryID)
	if e.Batch < 0 {
		v.fail("batch", "must not be negative")
	}
	return v.err()
}

// BeginCompaction asks for one group of resources to be compacted.
type BeginCompaction struct {
	RequestID     string                `json:"request_id"`
	ResourceNames []models.ResourceName `json:"resource_names"`
	Goal          *string               `json:"goal,omitempty"`
	Run           int                   `json:"run"`
	Group         int                   `json:"group"`
	ParentJobID   string                `json:"parent_job_id"`
	ParentJobType string                `json:"parent_job_type"`
}

func (BeginCompaction) EventType() Type { return TypeBeginCompaction }

func (e BeginCompaction) Validate() error {
	v := newValidator(e.EventType())
	v.required("request_id", e.RequestID)
	if len(e.ResourceNames) < 2 {
		v.fail("resource_names", "a compaction group needs at least 2 resources")
	}
	v.run(e.Run, e.Group)
	v.parent(e.ParentJobID, e.ParentJobType)
	return v.err()
}

// CompactionCompleted reports the entry produced for one group.
type CompactionCompleted struct {
	RequestID     string              `json:"request_id"`
	ResourceName  models.ResourceName `json:"resource_name"`
	Run           int                 `json:"run"`
	Group         int                 `json:"group"`
	ParentJobID   string              `json:"parent_job_id"`
	ParentJobType string              `json:"parent_job_type"`
}

func (CompactionCompleted) EventType() Type { return TypeCompactionCompleted }

func (e CompactionCompleted) Validate() error {
	v := newValidator(e.EventType())
	v.required("request_id", e.RequestID)
	v.required("resource_name", e.ResourceName.ID)
	v.run(e.Run, e.Group)
	v.parent(e.ParentJobID, e.ParentJobType)
	return v.err()
}

// FinalResponse hands the single remaining resource to the response generator.
type FinalResponse struct {
	RequestID          string              `json:"request_id"`
	SourceResourceName models.ResourceName `json:"source_resource_name"`
	ParentJobID        string              `json:"parent_job_id"`
	ParentJobType      string              `json:"parent_job_type"`
}

func (FinalResponse) EventType() Type { return TypeFinalResponse }

func (e FinalResponse) Validate() error {
	v := newValidator(e.EventType())
	v.required("request_id", e.RequestID)
	v.required("source_resource_name", e.SourceResourceName.ID)
	v.parent(e.ParentJobID, e.ParentJobType)
	return v.err()
}

// IndexEntry adds a finished answer to an archive.
type IndexEntry struct {
	ArchiveID string `json:"archive_id"`
	EntryID   string `json:"entry_id"`
}

func (IndexEntry) EventType() Type { return TypeIndexEntry }

func (e IndexEntry) Validate() error {
	v := newValidator(e.EventType())
	v.required("archive_id", e.ArchiveID)
	v.required("entry_id", e.EntryID)
	return v.err()
}

type validator struct {
	typ  Type
	errs []error
}

func newValidator(t Type) *validator {
	return &validator{typ: t}
}

func (v *validator) fail(field, msg string) {
	v.errs = append(v.errs, fmt.Errorf("%s: %s", field, msg))
}

func (v *validator) required(field, val string) {
	if val == "" {
		v.fail(field, "is required")
	}
}

func (v *validator) parent(id, typ string) {
	v.required("parent_job_id", id)
	v.required("parent_job_type", typ)
}

func (v *validator) run(run, group int) {
	if run < 1 {
		v.fail("run", "must be at least 1")
	}
	if group < 0 {
		v.fail("group", "must not be negative")
	}
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrInvalidBody, v.typ, errors.Join(v.errs...))
}
