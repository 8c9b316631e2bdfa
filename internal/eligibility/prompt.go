package eligibility

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/policy"
)

const systemPrompt = `You are an expert medical utilization review specialist. You evaluate
prior authorization requests against insurance policy criteria.

Cite specific lab values, ICD-10 codes and treatment durations as evidence.
When a criterion depends on data that is absent from the patient record, list it
under missing_data and treat the criterion as not met. Never estimate or invent
values. Respond with one JSON object and nothing else.`

var promptTemplate = template.Must(template.New("eligibility").Funcs(template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}).Parse(`Evaluate whether the patient meets the insurance policy criteria for {{.DrugID}}.

RETRIEVED POLICY CONTEXT:
{{.Context}}

INSURANCE POLICY CRITERIA:
Plan: {{.PlanID}}
Drug: {{.DrugID}}
{{if .Criteria}}{{.Criteria}}{{else}}No plan-specific criteria on file; use the retrieved policy context.{{end}}
{{- if .StepTherapy}}
Step therapy is required for this plan.{{end}}

PATIENT CLINICAL DATA:
Patient ID: {{.Patient.ID}}
Diagnoses:
{{range .Patient.Diagnoses}}- {{.Name}}{{if .ICD10}} ({{.ICD10}}){{end}}
{{else}}- none recorded
{{end}}Lab results:
{{range $name, $lab := .Patient.Labs}}- {{$name}}: {{$lab.Value}}{{if $lab.Unit}} {{$lab.Unit}}{{end}}
{{else}}- none recorded
{{end}}Treatment history:
{{range $i, $t := .Patient.TreatmentHistory}}{{inc $i}}. {{$t.Drug}}: {{$t.DurationMonths}} months, outcome: {{$t.Outcome}}
{{else}}- none recorded
{{end}}{{if .Patient.CurrentMedications}}Current medications: {{join .Patient.CurrentMedications ", "}}
{{end}}
SPECIFIC POLICY REQUIREMENTS:
1. Evaluate each criterion separately and record it in criteria_analysis with the evidence used.
2. Check the treatment history against any step therapy requirement.
3. Note contraindications found in the record.
4. List required data that is missing instead of assuming it.

Respond with JSON in exactly this shape:
{
  "meets_criteria": true or false,
  "criteria_analysis": {"<criterion>": {"met": true or false, "evidence": "<patient data>"}},
  "clinical_justification": "<summary>",
  "contraindications": ["<item>"],
  "confidence_score": <number between 0 and 1>,
  "missing_data": ["<item>"],
  "recommendation": "APPROVE, DENY or NEEDS_REVIEW",
  "estimated_pa_approval_probability": <number between 0 and 1>
}`))

type promptData struct {
	Patient     *authorization.PatientRecord
	DrugID      string
	PlanID      string
	Criteria    string
	StepTherapy bool
	Context     string
}

// buildContext concatenates matches best first, stopping at limit characters.
// A chunk that does not fit whole is cut at the limit.
func buildContext(matches []policy.Match, limit int) string {
	if len(matches) == 0 {
		return "No policy documents matched this request."
	}

	var b strings.Builder
	for i, m := range matches {
		entry := fmt.Sprintf("[Context %d - %s (%.0f%% match)]\n%s\n\n",
			i+1, chunkSource(m.Chunk), m.Score*100, m.Chunk.Text)
		if limit > 0 && b.Len()+len(entry) > limit {
			if remaining := limit - b.Len(); remaining > 0 {
				b.WriteString(strings.ToValidUTF8(entry[:remaining], ""))
			}
			break
		}
		b.WriteString(entry)
	}
	return strings.TrimSpace(b.String())
}

func chunkSource(c authorization.PolicyChunk) string {
	switch {
	case c.PlanID != "" && c.DrugID != "":
		return c.PlanID + "/" + c.DrugID
	case c.PlanID != "":
		return c.PlanID
	case c.DrugID != "":
		return c.DrugID
	}
	return c.DocumentID
}
