// Package r5 decodes the subset of FHIR R5 that patient ingest reads: the
// patient, their coverage, active problems, labs and medication history.
// Fields the mapper never looks at are not modelled and are dropped on decode.
package r5

// Identifier is a business identifier such as an MRN or member number.
type Identifier struct {
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

// CodeableConcept is free text plus any number of codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// HasCode reports whether any coding in system carries code. An empty system
// matches every coding.
func (c *CodeableConcept) HasCode(system, code string) bool {
	if c == nil {
		return false
	}
	for _, coding := range c.Coding {
		if coding.Code == code && (system == "" || coding.System == system) {
			return true
		}
	}
	return false
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference points at another resource by relative URL or urn.
type Reference struct {
	Reference string `json:"reference,omitempty"`
	Display   string `json:"display,omitempty"`
}

// CodeableReference holds either a concept or a reference (R5).
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period bounds are FHIR date or dateTime strings; see ParseDate.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

type Quantity struct {
	Value      float64 `json:"value,omitempty"`
	Comparator string  `json:"comparator,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// Annotation is a free-text note. Only the text is kept.
type Annotation struct {
	Text string `json:"text"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// OperationOutcome is returned to callers that posted a bundle the mapper
// could not read.
type OperationOutcome struct {
	ResourceType string         `json:"resourceType"`
	Issue        []OutcomeIssue `json:"issue"`
}

type OutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewErrorOutcome wraps a single error-severity issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OutcomeIssue{{Severity: "error", Code: code, Diagnostics: diagnostics}},
	}
}

const (
	SystemLOINC = "http://loinc.org"
	SystemICD10 = "http://hl7.org/fhir/sid/icd-10-cm"
	SystemMRN   = "http://hospital.example.org/mrn"
)

const (
	ClinicalStatusActive     = "active"
	ObservationCancelled     = "cancelled"
	MedicationEnteredInError = "entered-in-error"
)
