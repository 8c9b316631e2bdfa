package authorization

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntryKind distinguishes audit trail entries.
type EntryKind string

const (
	// EntryTransition records a state change.
	EntryTransition EntryKind = "transition"
	// EntryStage records one execution of a stage: input, output, timing and error.
	EntryStage EntryKind = "stage"
	// EntrySkipped records a stage that did not run and why.
	EntrySkipped EntryKind = "skipped"
)

// AuditEntry is one append-only line of a DecisionRecord's audit trail.
type AuditEntry struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Sequence   int             `json:"sequence"`
	Kind       EntryKind       `json:"kind"`
	Stage      Stage           `json:"stage,omitempty"`
	From       State           `json:"from,omitempty"`
	To         State           `json:"to,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	OutputRef  string          `json:"output_ref,omitempty"`
	Error      string          `json:"error,omitempty"`
	Note       string          `json:"note,omitempty"`
	Duration   time.Duration   `json:"duration_ns,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newEntry(workflowID string, kind EntryKind, stage Stage) *AuditEntry {
	return &AuditEntry{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Kind:       kind,
		Stage:      stage,
		Timestamp:  time.Now().UTC(),
	}
}

// marshalPayload never fails the audit: an unencodable payload is recorded as
// an error string instead.
func marshalPayload(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}

// StageTrace is the input to DecisionRecord.Trace.
type StageTrace struct {
	Stage     Stage
	Attempt   int
	Input     interface{}
	Output    interface{}
	Err       error
	StartedAt time.Time
	Note      string
}
