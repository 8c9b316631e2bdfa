package vocabulary

import (
	"testing"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

func TestDefaultParses(t *testing.T) {
	v := Default()
	if len(v.Labs) == 0 || len(v.Diagnoses) == 0 || len(v.Drugs) == 0 {
		t.Fatalf("default vocabulary is incomplete: %d labs, %d diagnoses, %d drugs",
			len(v.Labs), len(v.Diagnoses), len(v.Drugs))
	}
}

func TestMentionedLabs(t *testing.T) {
	v := Default()
	got := v.MentionedLabs("BMI > 30 AND HbA1c > 7.5; repeat A1c in 3 months")
	if len(got) != 2 || got[0] != "BMI" || got[1] != "HbA1c" {
		t.Fatalf("MentionedLabs() = %v, want [BMI HbA1c]", got)
	}
}

func TestPatientLabAliases(t *testing.T) {
	v := Default()
	p := &authorization.PatientRecord{Labs: map[string]authorization.LabResult{
		"a1c":    {Value: 8.5},
		"weight": {Value: 210},
	}}
	if r, ok := v.PatientLab(p, "HbA1c"); !ok || r.Value != 8.5 {
		t.Errorf("PatientLab(HbA1c) = %v, %v", r, ok)
	}
	if r, ok := v.PatientLab(p, "weight_lbs"); !ok || r.Value != 210 {
		t.Errorf("PatientLab(weight_lbs) = %v, %v", r, ok)
	}
	if _, ok := v.PatientLab(p, "BMI"); ok {
		t.Errorf("PatientLab(BMI) found a value that is not recorded")
	}
}

func TestPatientHasDiagnosis(t *testing.T) {
	v := Default()
	p := &authorization.PatientRecord{Diagnoses: []authorization.Diagnosis{
		{Name: "Type 2 diabetes mellitus without complications", ICD10: "E11.9"},
		{Name: "Class 1 obesity", ICD10: "E66.811"},
	}}

	for _, term := range v.MentionedDiagnoses("history of type 2 diabetes, obesity and hypertension") {
		has := v.PatientHas(p, term)
		switch term.Name {
		case "Type 2 diabetes", "Obesity":
			if !has {
				t.Errorf("PatientHas(%s) = false", term.Name)
			}
		case "Hypertension":
			if has {
				t.Errorf("PatientHas(Hypertension) = true")
			}
		}
	}
}

func TestFindDrugsOrdered(t *testing.T) {
	v := Default()
	got := v.FindDrugs("Trial of Metformin then Jardiance; requesting Ozempic.", "Ozempic")
	want := []string{"metformin", "jardiance", "ozempic"}
	if len(got) != len(want) {
		t.Fatalf("FindDrugs() = %v", got)
	}
	for i := range want {
		if got[i].Drug != want[i] {
			t.Errorf("mention %d = %s, want %s", i, got[i].Drug, want[i])
		}
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	if _, err := Parse([]byte("labs: []\nsynonyms: []\n")); err == nil {
		t.Fatal("Parse() accepted an unknown field")
	}
}
