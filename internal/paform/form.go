// Package paform renders the prior authorization request form for a run that
// reached APPROVED_READY.
package paform

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// Input is everything the form draws on.
type Input struct {
	Patient   *authorization.PatientRecord
	DrugID    string
	Coverage  *authorization.Coverage
	Judgment  *authorization.EligibilityJudgment
	Narrative *authorization.Narrative
	Requester authorization.Requester
}

// FormID builds PA_<yyyymmdd>_<patient>_<DRUG>.
func FormID(now time.Time, patientID, drugID string) string {
	return fmt.Sprintf("PA_%s_%s_%s", now.UTC().Format("20060102"), patientID, strings.ToUpper(drugID))
}

// Render produces the form. now fixes the form id and submission date.
func Render(in Input, now time.Time) (*authorization.PAForm, error) {
	if in.Patient == nil || in.Judgment == nil || in.Narrative == nil {
		return nil, errors.New("pa form needs a patient, a judgment and a narrative")
	}

	id := FormID(now, in.Patient.ID, in.DrugID)
	data := formData{
		Input:          in,
		FormID:         id,
		SubmissionDate: now.UTC().Format(time.RFC3339),
		Provider:       or(in.Requester.PrescriberName, "Not provided"),
		NPI:            or(in.Requester.PrescriberNPI, "Not provided"),
		DateOfBirth:    or(in.Patient.DateOfBirth, "N/A"),
		MemberID:       or(in.Patient.MemberID, "N/A"),
		Criteria:       metCriteria(in.Judgment),
	}
	if len(in.Patient.Diagnoses) > 0 {
		data.Primary = in.Patient.Diagnoses[0]
	}

	var b strings.Builder
	if err := formTemplate.Execute(&b, data); err != nil {
		return nil, fmt.Errorf("render pa form: %w", err)
	}
	return &authorization.PAForm{FormID: id, Markdown: b.String()}, nil
}

type formData struct {
	Input
	FormID         string
	SubmissionDate string
	Provider       string
	NPI            string
	DateOfBirth    string
	MemberID       string
	Primary        authorization.Diagnosis
	Criteria       []criterion
}

type criterion struct {
	Name     string
	Evidence string
}

func metCriteria(j *authorization.EligibilityJudgment) []criterion {
	var out []criterion
	for name, c := range j.CriteriaAnalysis {
		if c.Met {
			out = append(out, criterion{Name: name, Evidence: c.Evidence})
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

func or(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

var formTemplate = template.Must(template.New("paform").Funcs(template.FuncMap{
	"percent": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).Parse(`# PRIOR AUTHORIZATION REQUEST

## Form Information
- **Form ID**: {{.FormID}}
- **Submission Date**: {{.SubmissionDate}}
- **Requesting Provider**: {{.Provider}}
- **NPI**: {{.NPI}}

## Patient Information
- **Name**: {{if .Patient.Name}}{{.Patient.Name}}{{else}}N/A{{end}}
- **Patient ID**: {{.Patient.ID}}
- **Date of Birth**: {{.DateOfBirth}}
- **Member ID**: {{.MemberID}}
- **Insurance Plan**: {{.Patient.InsurancePlan}}

## Clinical Information
- **Requested Drug**: {{.DrugID}}
{{- with .Coverage}}
- **Formulary Tier**: {{if .Tier}}{{.Tier}}{{else}}N/A{{end}}
{{- if .QuantityLimit}}
- **Quantity Limit**: {{.QuantityLimit}}{{end}}
{{- if .StepTherapyRequired}}
- **Step Therapy**: required{{end}}{{end}}
- **Primary Diagnosis**: {{if .Primary.Name}}{{.Primary.Name}}{{if .Primary.ICD10}} ({{.Primary.ICD10}}){{end}}{{else}}N/A{{end}}

## Clinical Justification

{{.Narrative.Text}}

### Clinical Findings
{{range .Patient.Diagnoses}}- {{.Name}}{{if .ICD10}} ({{.ICD10}}){{end}}
{{end}}{{range $name, $lab := .Patient.Labs}}- {{$name}}: {{$lab.Value}}{{if $lab.Unit}} {{$lab.Unit}}{{end}}
{{end}}
### Prior Treatments
{{range .Patient.TreatmentHistory}}- {{.Drug}}: {{.DurationMonths}} months{{if .Outcome}}, {{.Outcome}}{{end}}
{{else}}- None recorded
{{end}}
### Supporting Evidence
{{range .Criteria}}- {{.Name}}: {{.Evidence}}
{{else}}- Policy criteria verified
{{end}}- **Eligibility Confidence**: {{percent .Judgment.Confidence}}
- **Narrative Quality Score**: {{percent .Narrative.QualityScore}}
{{- if .Judgment.Contraindications}}
- **Contraindications**: {{range $i, $c := .Judgment.Contraindications}}{{if $i}}, {{end}}{{$c}}{{end}}{{else}}
- **Contraindications**: None noted{{end}}

---
**Confidential - For Insurance Use Only**
`))
