// Package authorization holds the prior authorization domain model: the
// clinical inputs, the intermediate artifacts of a pipeline run, and the
// DecisionRecord aggregate with its append-only audit trail.
package authorization

import (
	"strings"
	"time"
)

// Diagnosis is a coded condition on the patient's problem list.
type Diagnosis struct {
	Name  string `json:"name" yaml:"name" validate:"required"`
	ICD10 string `json:"icd10" yaml:"icd10"`
}

// LabResult is the most recent value recorded for a lab test.
type LabResult struct {
	Value float64   `json:"value" yaml:"value"`
	Unit  string    `json:"unit,omitempty" yaml:"unit,omitempty"`
	Date  time.Time `json:"date,omitempty" yaml:"date,omitempty"`
}

// TreatmentAttempt is one prior drug trial.
type TreatmentAttempt struct {
	Drug           string `json:"drug" yaml:"drug" validate:"required"`
	DurationMonths int    `json:"duration_months" yaml:"duration_months" validate:"min=0"`
	Dosage         string `json:"dosage,omitempty" yaml:"dosage,omitempty"`
	Outcome        string `json:"outcome" yaml:"outcome"`
	StartedDate    string `json:"started_date,omitempty" yaml:"started_date,omitempty"`
}

// PatientRecord is the clinical snapshot a run reasons over. It is loaded once
// per run and never modified afterwards.
type PatientRecord struct {
	ID                 string               `json:"patient_id" yaml:"patient_id" validate:"required"`
	Name               string               `json:"name" yaml:"name"`
	DateOfBirth        string               `json:"date_of_birth,omitempty" yaml:"date_of_birth,omitempty"`
	Gender             string               `json:"gender,omitempty" yaml:"gender,omitempty"`
	InsurancePlan      string               `json:"insurance_plan" yaml:"insurance_plan" validate:"required"`
	MemberID           string               `json:"member_id,omitempty" yaml:"member_id,omitempty"`
	Diagnoses          []Diagnosis          `json:"diagnoses" yaml:"diagnoses" validate:"dive"`
	Labs               map[string]LabResult `json:"labs" yaml:"labs"`
	TreatmentHistory   []TreatmentAttempt   `json:"treatment_history" yaml:"treatment_history" validate:"dive"`
	CurrentMedications []string             `json:"current_medications,omitempty" yaml:"current_medications,omitempty"`
	Allergies          []string             `json:"allergies,omitempty" yaml:"allergies,omitempty"`
}

// Lab returns the lab result whose name matches key case-insensitively.
func (p *PatientRecord) Lab(key string) (LabResult, bool) {
	if v, ok := p.Labs[key]; ok {
		return v, true
	}
	for name, v := range p.Labs {
		if strings.EqualFold(name, key) {
			return v, true
		}
	}
	return LabResult{}, false
}

// HasDiagnosisCode reports whether code is one of the patient's ICD-10 codes.
func (p *PatientRecord) HasDiagnosisCode(code string) bool {
	for _, d := range p.Diagnoses {
		if strings.EqualFold(d.ICD10, code) {
			return true
		}
	}
	return false
}

// Treatment returns the recorded attempt for drug, if any.
func (p *PatientRecord) Treatment(drug string) (TreatmentAttempt, bool) {
	for _, t := range p.TreatmentHistory {
		if strings.EqualFold(t.Drug, drug) {
			return t, true
		}
	}
	return TreatmentAttempt{}, false
}

// CoverageRule is the formulary entry for a (plan, drug) pair.
type CoverageRule struct {
	PlanID              string  `json:"plan_id" yaml:"plan_id"`
	DrugID              string  `json:"drug_id" yaml:"drug_id"`
	Covered             bool    `json:"covered" yaml:"covered"`
	PARequired          bool    `json:"pa_required" yaml:"pa_required"`
	CriteriaText        string  `json:"criteria_text,omitempty" yaml:"criteria_text,omitempty"`
	EstimatedCost       float64 `json:"estimated_cost" yaml:"estimated_cost"`
	Tier                int     `json:"tier,omitempty" yaml:"tier,omitempty"`
	StepTherapyRequired bool    `json:"step_therapy_required,omitempty" yaml:"step_therapy_required,omitempty"`
	QuantityLimit       string  `json:"quantity_limit,omitempty" yaml:"quantity_limit,omitempty"`
}

// Coverage is the resolved coverage answer for a run.
type Coverage struct {
	CoverageRule
	Reason string `json:"reason"`
	// Alternatives lists covered drugs on the same plan, filled when the
	// requested drug is not covered.
	Alternatives []CoverageRule `json:"alternatives,omitempty"`
}

// PolicyChunk is one indexed fragment of a policy document.
type PolicyChunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	PlanID     string    `json:"plan_id,omitempty"`
	DrugID     string    `json:"drug_id,omitempty"`
	Sequence   int       `json:"sequence"`
	Text       string    `json:"text"`
	Embedding  []float32 `json:"-"`
}

// ChunkRef points at a retrieved chunk from a DecisionRecord.
type ChunkRef struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Score      float64 `json:"score"`
}

// CriterionEvidence is the reasoner's verdict on a single policy criterion.
type CriterionEvidence struct {
	Met      bool   `json:"met"`
	Evidence string `json:"evidence"`
}

// EligibilityJudgment is the structured outcome of one reasoning call.
type EligibilityJudgment struct {
	MeetsCriteria         bool                         `json:"meets_criteria"`
	Confidence            float64                      `json:"confidence_score" validate:"min=0,max=1"`
	CriteriaAnalysis      map[string]CriterionEvidence `json:"criteria_analysis"`
	MissingData           []string                     `json:"missing_data"`
	ClinicalJustification string                       `json:"clinical_justification,omitempty"`
	Contraindications     []string                     `json:"contraindications,omitempty"`
	Recommendation        string                       `json:"recommendation,omitempty"`
	ApprovalProbability   float64                      `json:"estimated_pa_approval_probability,omitempty" validate:"min=0,max=1"`
}

// CheckName identifies one narrative consistency check.
type CheckName string

const (
	CheckDiagnoses  CheckName = "diagnoses"
	CheckLabValues  CheckName = "lab_values"
	CheckTreatments CheckName = "treatment_history"
	CheckICD10Codes CheckName = "icd10_codes"
)

// CheckResult is the 0/1 outcome of one check.
type CheckResult struct {
	Name   CheckName `json:"name"`
	Passed bool      `json:"passed"`
}

// Finding describes one claim in a narrative that is not supported by the record.
type Finding struct {
	Check  CheckName `json:"check"`
	Claim  string    `json:"claim"`
	Detail string    `json:"detail"`
}

// Narrative is one generation attempt together with its validation.
type Narrative struct {
	Attempt      int           `json:"attempt"`
	Text         string        `json:"text"`
	QualityScore float64       `json:"quality_score"`
	Passed       bool          `json:"passed"`
	Checks       []CheckResult `json:"checks,omitempty"`
	Findings     []Finding     `json:"findings,omitempty"`
}

// Requester describes who asked for the decision.
type Requester struct {
	ClientID       string            `json:"client_id,omitempty"`
	PrescriberNPI  string            `json:"prescriber_npi,omitempty"`
	PrescriberName string            `json:"prescriber_name,omitempty"`
	RequestID      string            `json:"request_id,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Escalation is everything a reviewer needs to finish a NEEDS_REVIEW case.
type Escalation struct {
	Reason        string               `json:"reason"`
	Stage         Stage                `json:"stage"`
	Judgment      *EligibilityJudgment `json:"judgment,omitempty"`
	BestNarrative *Narrative           `json:"best_narrative,omitempty"`
	Findings      []Finding            `json:"findings,omitempty"`
	MissingData   []string             `json:"missing_data,omitempty"`
	Coverage      *Coverage            `json:"coverage,omitempty"`
	Chunks        []ChunkRef           `json:"chunks,omitempty"`
	LastError     string               `json:"last_error,omitempty"`
}

// FailureKind classifies why a run ended in ERROR or CANCELLED.
type FailureKind string

const (
	FailureNotFound      FailureKind = "NotFoundError"
	FailureInvalidRecord FailureKind = "InvalidPatientRecord"
	FailureProvider      FailureKind = "ProviderError"
	FailureCancelled     FailureKind = "Cancelled"
	FailureInternal      FailureKind = "InternalError"
)

// Failure is the cause attached to ERROR and CANCELLED records.
type Failure struct {
	Kind  FailureKind `json:"kind"`
	Stage Stage       `json:"stage"`
	Cause string      `json:"cause"`
}

// PAForm is the rendered prior authorization request for an approved-ready run.
type PAForm struct {
	FormID   string `json:"form_id"`
	Markdown string `json:"markdown"`
}
