package authorization

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRecordClosed is returned when mutating a record that reached TERMINAL.
var ErrRecordClosed = errors.New("decision record is closed")

// TransitionError reports a state change the state machine does not permit.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// DecisionRecord is the aggregate root of one prior authorization run.
type DecisionRecord struct {
	WorkflowID     string               `json:"workflow_id"`
	PatientID      string               `json:"patient_id"`
	DrugID         string               `json:"drug_id"`
	PlanID         string               `json:"plan_id,omitempty"`
	Requester      Requester            `json:"requester"`
	State          State                `json:"state"`
	Outcome        State                `json:"outcome,omitempty"`
	Recommendation Recommendation       `json:"recommendation,omitempty"`
	Coverage       *Coverage            `json:"coverage,omitempty"`
	PolicyChunks   []ChunkRef           `json:"policy_chunks,omitempty"`
	Judgment       *EligibilityJudgment `json:"judgment,omitempty"`
	Narratives     []Narrative          `json:"narratives,omitempty"`
	Escalation     *Escalation          `json:"escalation,omitempty"`
	Form           *PAForm              `json:"form,omitempty"`
	Failure        *Failure             `json:"failure,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
	Trail          []*AuditEntry        `json:"audit_trail"`

	version  int
	executed map[Stage]bool
	skipped  map[Stage]bool
	changes  []*AuditEntry
}

// NewDecisionRecord starts a record in START.
func NewDecisionRecord(workflowID, patientID, drugID string, requester Requester) *DecisionRecord {
	return &DecisionRecord{
		WorkflowID: workflowID,
		PatientID:  patientID,
		DrugID:     drugID,
		Requester:  requester,
		State:      StateStart,
		CreatedAt:  time.Now().UTC(),
		Trail:      make([]*AuditEntry, 0, 16),
		executed:   make(map[Stage]bool),
		skipped:    make(map[Stage]bool),
		changes:    make([]*AuditEntry, 0, 16),
	}
}

// Version is the number of audit entries recorded so far.
func (r *DecisionRecord) Version() int { return r.version }

// Changes returns entries not yet handed to an audit sink.
func (r *DecisionRecord) Changes() []*AuditEntry { return r.changes }

// ClearChanges marks all pending entries as persisted.
func (r *DecisionRecord) ClearChanges() { r.changes = make([]*AuditEntry, 0, 4) }

// AuditTrail returns every entry in append order.
func (r *DecisionRecord) AuditTrail() []*AuditEntry { return r.Trail }

// IsClosed reports whether the record has reached TERMINAL.
func (r *DecisionRecord) IsClosed() bool { return r.State == StateTerminal }

// Trace appends a stage execution entry and returns its id so transitions can
// reference the output that triggered them.
func (r *DecisionRecord) Trace(t StageTrace) string {
	e := newEntry(r.WorkflowID, EntryStage, t.Stage)
	e.Attempt = t.Attempt
	e.Input = marshalPayload(t.Input)
	e.Output = marshalPayload(t.Output)
	e.Note = t.Note
	if t.Err != nil {
		e.Error = t.Err.Error()
	}
	if !t.StartedAt.IsZero() {
		e.Duration = e.Timestamp.Sub(t.StartedAt)
	}
	r.record(e)
	return e.ID
}

// Transition moves the record to a new state. ref points at the stage entry
// whose output triggered the change.
func (r *DecisionRecord) Transition(to State, stage Stage, ref, note string) error {
	if r.IsClosed() {
		return ErrRecordClosed
	}
	if !CanTransition(r.State, to) {
		return &TransitionError{From: r.State, To: to}
	}
	e := newEntry(r.WorkflowID, EntryTransition, stage)
	e.From = r.State
	e.To = to
	e.OutputRef = ref
	e.Note = note
	r.record(e)
	return nil
}

// Skip records that stage will not run. Later calls for the same stage are ignored.
func (r *DecisionRecord) Skip(stage Stage, reason string) {
	if r.executed[stage] || r.skipped[stage] {
		return
	}
	e := newEntry(r.WorkflowID, EntrySkipped, stage)
	e.Note = "not executed: " + reason
	r.record(e)
}

// Close records skipped entries for every stage that never ran, derives the
// recommendation and moves the record to TERMINAL.
func (r *DecisionRecord) Close() error {
	if r.IsClosed() {
		return ErrRecordClosed
	}
	if !r.State.IsOutcome() {
		return fmt.Errorf("cannot close record in state %s", r.State)
	}
	reason := "run ended in " + string(r.State)
	for _, stage := range PipelineStages {
		r.Skip(stage, reason)
	}
	return r.Transition(StateTerminal, "", "", string(r.Outcome))
}

// Fail attaches a failure cause.
func (r *DecisionRecord) Fail(kind FailureKind, stage Stage, cause error) {
	msg := "unknown"
	if cause != nil {
		msg = cause.Error()
	}
	r.Failure = &Failure{Kind: kind, Stage: stage, Cause: msg}
}

// Escalate attaches the reviewer payload.
func (r *DecisionRecord) Escalate(e *Escalation) { r.Escalation = e }

// AttachCoverage stores the coverage answer and the plan it was resolved for.
func (r *DecisionRecord) AttachCoverage(c *Coverage) {
	r.Coverage = c
	if c != nil {
		r.PlanID = c.PlanID
	}
}

// AttachChunks stores references to the retrieved policy chunks.
func (r *DecisionRecord) AttachChunks(refs []ChunkRef) { r.PolicyChunks = refs }

// AttachJudgment stores the accepted eligibility judgment.
func (r *DecisionRecord) AttachJudgment(j *EligibilityJudgment) { r.Judgment = j }

// AddNarrative appends a validated narrative attempt.
func (r *DecisionRecord) AddNarrative(n Narrative) { r.Narratives = append(r.Narratives, n) }

// AttachForm stores the rendered PA request form.
func (r *DecisionRecord) AttachForm(f *PAForm) { r.Form = f }

// BestNarrative returns the highest scoring attempt, the earliest on ties.
func (r *DecisionRecord) BestNarrative() *Narrative {
	var best *Narrative
	for i := range r.Narratives {
		if best == nil || r.Narratives[i].QualityScore > best.QualityScore {
			best = &r.Narratives[i]
		}
	}
	return best
}

// States returns the sequence of states recorded by transitions, starting at START.
func (r *DecisionRecord) States() []State {
	states := []State{StateStart}
	for _, e := range r.Trail {
		if e.Kind == EntryTransition {
			states = append(states, e.To)
		}
	}
	return states
}

// SkippedStages maps every skipped stage to its recorded reason.
func (r *DecisionRecord) SkippedStages() map[Stage]string {
	out := make(map[Stage]string)
	for _, e := range r.Trail {
		if e.Kind == EntrySkipped {
			out[e.Stage] = strings.TrimPrefix(e.Note, "not executed: ")
		}
	}
	return out
}

func (r *DecisionRecord) record(e *AuditEntry) {
	r.apply(e)
	r.Trail = append(r.Trail, e)
	r.changes = append(r.changes, e)
}

// apply folds an entry into the record's state.
func (r *DecisionRecord) apply(e *AuditEntry) {
	r.version++
	e.Sequence = r.version
	if r.executed == nil {
		r.executed = make(map[Stage]bool)
		r.skipped = make(map[Stage]bool)
	}

	switch e.Kind {
	case EntryStage:
		r.executed[e.Stage] = true
	case EntrySkipped:
		r.skipped[e.Stage] = true
	case EntryTransition:
		r.State = e.To
		if e.To.IsOutcome() {
			r.Outcome = e.To
			r.Recommendation = RecommendationFor(e.To)
		}
		if e.To == StateTerminal {
			completed := e.Timestamp
			r.CompletedAt = &completed
		}
	}
}

// LoadFromHistory rebuilds state from persisted entries. Entries keep their
// stored sequence numbers.
func (r *DecisionRecord) LoadFromHistory(entries []*AuditEntry) {
	for _, e := range entries {
		seq := e.Sequence
		r.apply(e)
		if seq != 0 {
			e.Sequence = seq
			r.version = seq
		}
		r.Trail = append(r.Trail, e)
	}
}
