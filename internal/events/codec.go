package events

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an event.
type Envelope struct {
	EventType Type            `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}

// Encode validates an event and wraps it in an envelope.
func Encode(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", ev.EventType(), err)
	}
	data, err := json.Marshal(Envelope{EventType: ev.EventType(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope into its typed body. Unknown event types,
// unknown fields and missing required fields are rejected.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := strictUnmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %w", ErrInvalidBody, err)
	}

	ev, err := newBody(env.EventType)
	if err != nil {
		return nil, err
	}
	if len(env.Body) == 0 {
		return nil, fmt.Errorf("%w: %s: missing body", ErrInvalidBody, env.EventType)
	}
	if err := strictUnmarshal(env.Body, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidBody, env.EventType, err)
	}

	// Bodies are decoded through pointers; hand out values.
	out := deref(ev)
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func newBody(t Type) (Event, error) {
	switch t {
	case TypeStartInformationRequest:
		return &StartInformationRequest{}, nil
	case TypeQueryRequest:
		return &QueryRequest{}, nil
	case TypeVSQuery:
		return &VSQuery{}, nil
	case TypeQueryComplete:
		return &QueryComplete{}, nil
	case TypeBeginCompaction:
		return &BeginCompaction{}, nil
	case TypeCompactionCompleted:
		return &CompactionCompleted{}, nil
	case TypeFinalResponse:
		return &FinalResponse{}, nil
	case TypeIndexEntry:
		return &IndexEntry{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *StartInformationRequest:
		return *e
	case *QueryRequest:
		return *e
	case *VSQuery:
		return *e
	case *QueryComplete:
		return *e
	case *BeginCompaction:
		return *e
	case *CompactionCompleted:
		return *e
	case *FinalResponse:
		return *e
	case *IndexEntry:
		return *e
	}
	return ev
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}
