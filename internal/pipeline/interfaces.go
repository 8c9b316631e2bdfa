// Package pipeline runs one prior authorization request through coverage,
// policy retrieval, eligibility reasoning and the narrative loop, and records
// every step in the request's DecisionRecord.
package pipeline

import (
	"context"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/eligibility"
	"github.com/drfirst/go-priorauth/internal/narrative"
	"github.com/drfirst/go-priorauth/internal/policy"
)

// PatientSource loads a patient record by id.
type PatientSource interface {
	Load(ctx context.Context, id string) (*authorization.PatientRecord, error)
}

// CoverageResolver answers the formulary question for a (plan, drug) pair.
type CoverageResolver interface {
	Resolve(ctx context.Context, planID, drugID string) (*authorization.Coverage, error)
	Alternatives(ctx context.Context, planID, excludeDrug string, limit int) ([]authorization.CoverageRule, error)
}

// PolicyRetriever searches the policy corpus.
type PolicyRetriever interface {
	Retrieve(ctx context.Context, query string, topK int, filters policy.Filters) ([]policy.Match, error)
}

// EligibilityEvaluator makes one structured eligibility judgment.
type EligibilityEvaluator interface {
	Evaluate(ctx context.Context, req eligibility.Request) eligibility.Result
}

// NarrativeWriter drafts one justification narrative.
type NarrativeWriter interface {
	Generate(ctx context.Context, req narrative.Request, attempt narrative.Attempt) narrative.GenerationResult
}

// NarrativeChecker scores a narrative against the patient record.
type NarrativeChecker interface {
	Validate(text string, patient *authorization.PatientRecord, requestedDrug string) narrative.Validation
}

// AuditSink persists the audit entries a record has not handed over yet.
type AuditSink interface {
	Save(ctx context.Context, rec *authorization.DecisionRecord) error
}

// Request starts one run. Patient, when set, is used instead of loading
// PatientID from the PatientSource.
type Request struct {
	WorkflowID string                       `json:"workflow_id,omitempty"`
	PatientID  string                       `json:"patient_id"`
	DrugID     string                       `json:"drug_id"`
	Requester  authorization.Requester      `json:"requester"`
	Patient    *authorization.PatientRecord `json:"patient,omitempty"`
}
