package r5

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	BirthDate    string       `json:"birthDate,omitempty"`
}

// GetOfficialName returns the patient's official name, or first available.
func (p *Patient) GetOfficialName() *HumanName {
	for i := range p.Name {
		if p.Name[i].Use == "official" {
			return &p.Name[i]
		}
	}
	if len(p.Name) > 0 {
		return &p.Name[0]
	}
	return nil
}

// GetFullName returns the patient's full name as a string.
func (p *Patient) GetFullName() string {
	name := p.GetOfficialName()
	if name == nil {
		return ""
	}
	if name.Text != "" {
		return name.Text
	}
	parts := append([]string{}, name.Given...)
	if name.Family != "" {
		parts = append(parts, name.Family)
	}
	return strings.Join(parts, " ")
}

// GetMRN returns the patient's medical record number.
func (p *Patient) GetMRN() string {
	for _, id := range p.Identifier {
		if id.System == SystemMRN {
			return id.Value
		}
		if id.Type.HasCode("", "MR") {
			return id.Value
		}
	}
	return ""
}

// Condition represents a FHIR R5 Condition resource.
type Condition struct {
	ResourceType       string           `json:"resourceType"`
	ID                 string           `json:"id,omitempty"`
	ClinicalStatus     *CodeableConcept `json:"clinicalStatus,omitempty"`
	VerificationStatus *CodeableConcept `json:"verificationStatus,omitempty"`
	Code               *CodeableConcept `json:"code,omitempty"`
	Subject            Reference        `json:"subject"`
	OnsetDateTime      string           `json:"onsetDateTime,omitempty"`
	RecordedDate       string           `json:"recordedDate,omitempty"`
}

// IsActive reports whether the condition is on the active problem list. A
// condition without a clinical status counts as active.
func (c *Condition) IsActive() bool {
	if c.ClinicalStatus == nil || len(c.ClinicalStatus.Coding) == 0 {
		return true
	}
	for _, coding := range c.ClinicalStatus.Coding {
		if coding.Code == ClinicalStatusActive || coding.Code == "recurrence" || coding.Code == "relapse" {
			return true
		}
	}
	return false
}

// Observation represents a FHIR R5 Observation resource.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id,omitempty"`
	Status            string            `json:"status"`
	Code              CodeableConcept   `json:"code"`
	Subject           *Reference        `json:"subject,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	Issued            string            `json:"issued,omitempty"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
	ValueString       string            `json:"valueString,omitempty"`
	Interpretation    []CodeableConcept `json:"interpretation,omitempty"`
}

// MedicationStatement represents a FHIR R5 MedicationStatement resource.
type MedicationStatement struct {
	ResourceType      string              `json:"resourceType"`
	ID                string              `json:"id,omitempty"`
	Status            string              `json:"status"` // recorded | entered-in-error | draft
	Medication        CodeableReference   `json:"medication"`
	Subject           Reference           `json:"subject"`
	EffectiveDateTime string              `json:"effectiveDateTime,omitempty"`
	EffectivePeriod   *Period             `json:"effectivePeriod,omitempty"`
	Reason            []CodeableReference `json:"reason,omitempty"`
	Note              []Annotation        `json:"note,omitempty"`
	Dosage            []Dosage            `json:"dosage,omitempty"`
	AdherenceCode     *CodeableConcept    `json:"adherence,omitempty"`
}

// Dosage carries the free-text sig of a medication statement.
type Dosage struct {
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`
}

// MedicationName returns the display text of the medication.
func (m *MedicationStatement) MedicationName() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		for _, coding := range c.Coding {
			if coding.Display != "" {
				return coding.Display
			}
		}
	}
	if r := m.Medication.Reference; r != nil {
		return r.Display
	}
	return ""
}

// Coverage represents a FHIR R5 Coverage resource.
type Coverage struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Status       string          `json:"status"`
	Kind         string          `json:"kind,omitempty"` // insurance | self-pay | other
	Identifier   []Identifier    `json:"identifier,omitempty"`
	SubscriberID []Identifier    `json:"subscriberId,omitempty"`
	Beneficiary  Reference       `json:"beneficiary"`
	Insurer      *Reference      `json:"insurer,omitempty"`
	Class        []CoverageClass `json:"class,omitempty"`
	Period       *Period         `json:"period,omitempty"`
}

// CoverageClass is one classification of a coverage, such as its plan.
type CoverageClass struct {
	Type  CodeableConcept `json:"type"`
	Value Identifier      `json:"value"`
	Name  string          `json:"name,omitempty"`
}

// PlanName returns the name of the plan class, falling back to the insurer.
func (c *Coverage) PlanName() string {
	for _, cl := range c.Class {
		if !cl.Type.HasCode("", "plan") {
			continue
		}
		if cl.Name != "" {
			return cl.Name
		}
		return cl.Value.Value
	}
	if c.Insurer != nil {
		return c.Insurer.Display
	}
	return ""
}

// MemberID returns the subscriber identifier.
func (c *Coverage) MemberID() string {
	for _, id := range c.SubscriberID {
		if id.Value != "" {
			return id.Value
		}
	}
	for _, id := range c.Identifier {
		if id.Value != "" {
			return id.Value
		}
	}
	return ""
}

// Bundle represents a FHIR R5 Bundle. Entry resources stay raw until Resources
// decodes them by resourceType.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"` // collection | searchset | transaction | ...
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleEntry is one entry of a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource"`
}

// BundleResources groups the decoded resources of a bundle. Unsupported
// resource types are counted and skipped.
type BundleResources struct {
	Patients             []Patient
	Conditions           []Condition
	Observations         []Observation
	MedicationStatements []MedicationStatement
	Coverages            []Coverage
	Skipped              int
}

// Resources decodes every entry.
func (b *Bundle) Resources() (*BundleResources, error) {
	out := &BundleResources{}
	for i, e := range b.Entry {
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		var err error
		switch head.ResourceType {
		case "Patient":
			var r Patient
			if err = json.Unmarshal(e.Resource, &r); err == nil {
				out.Patients = append(out.Patients, r)
			}
		case "Condition":
			var r Condition
			if err = json.Unmarshal(e.Resource, &r); err == nil {
				out.Conditions = append(out.Conditions, r)
			}
		case "Observation":
			var r Observation
			if err = json.Unmarshal(e.Resource, &r); err == nil {
				out.Observations = append(out.Observations, r)
			}
		case "MedicationStatement":
			var r MedicationStatement
			if err = json.Unmarshal(e.Resource, &r); err == nil {
				out.MedicationStatements = append(out.MedicationStatements, r)
			}
		case "Coverage":
			var r Coverage
			if err = json.Unmarshal(e.Resource, &r); err == nil {
				out.Coverages = append(out.Coverages, r)
			}
		default:
			out.Skipped++
		}
		if err != nil {
			return nil, fmt.Errorf("entry %d (%s): %w", i, head.ResourceType, err)
		}
	}
	return out, nil
}

// ParseDate reads a FHIR date or dateTime.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid FHIR date %q", s)
}

// ReferenceID extracts the id from a reference like "Patient/123" or "urn:uuid:123".
func ReferenceID(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
