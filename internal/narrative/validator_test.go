package narrative

import (
	"strings"
	"testing"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

func scenarioPatient() *authorization.PatientRecord {
	return &authorization.PatientRecord{
		ID:            "P001",
		InsurancePlan: "BlueCross PPO",
		Diagnoses: []authorization.Diagnosis{
			{Name: "Type 2 diabetes mellitus", ICD10: "E11.9"},
			{Name: "Obesity", ICD10: "E66.9"},
		},
		Labs: map[string]authorization.LabResult{
			"BMI":   {Value: 33.1},
			"HbA1c": {Value: 8.5},
		},
		TreatmentHistory: []authorization.TreatmentAttempt{
			{Drug: "Metformin", DurationMonths: 6, Outcome: "inadequate response"},
		},
	}
}

const faithfulNarrative = `The patient has type 2 diabetes mellitus (E11.9) and obesity (E66.9) with a BMI of 33.1 kg/m2 and an HbA1c of 8.5%. ` +
	`The patient failed Metformin after 6 months of therapy with inadequate glycemic control. ` +
	`Policy requires a BMI above 30, which is met. Ozempic is medically necessary.`

func checkPassed(v Validation, name authorization.CheckName) bool {
	for _, c := range v.Checks {
		if c.Name == name {
			return c.Passed
		}
	}
	return false
}

func TestValidateFaithfulNarrative(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	got := v.Validate(faithfulNarrative, scenarioPatient(), "Ozempic")
	if !got.Passed || got.Score != 1 {
		t.Fatalf("Validate() = %+v", got)
	}
	if len(got.Checks) != 4 {
		t.Errorf("len(Checks) = %d, want 4", len(got.Checks))
	}
}

func TestValidateDetectsFabrications(t *testing.T) {
	tests := []struct {
		name   string
		old    string
		new    string
		failed authorization.CheckName
	}{
		{"wrong lab value", "BMI of 33.1", "BMI of 35.2", authorization.CheckLabValues},
		{"unrecorded lab", "an HbA1c of 8.5%", "an LDL of 190", authorization.CheckLabValues},
		{"extra diagnosis", "and obesity (E66.9)", "and hypertension", authorization.CheckDiagnoses},
		{"unknown treatment", "failed Metformin", "failed Jardiance", authorization.CheckTreatments},
		{"wrong duration", "after 6 months", "after 12 months", authorization.CheckTreatments},
		{"unknown code", "(E66.9)", "(I10)", authorization.CheckICD10Codes},
		{"lab value before name", "an HbA1c of 8.5%", "a 10.2% HbA1c", authorization.CheckLabValues},
		{"lab value after threshold words", "an HbA1c of 8.5%", "an HbA1c that remains above goal at 10.2%", authorization.CheckLabValues},
		{"duration before drug", "failed Metformin after 6 months of therapy", "failed a 12-month trial of Metformin", authorization.CheckTreatments},
		{"contradicted outcome", "with inadequate glycemic control", "and achieved excellent control", authorization.CheckTreatments},
		{"cued diagnosis outside vocabulary", "Ozempic is medically necessary.", "The patient was also diagnosed with restless legs syndrome. Ozempic is medically necessary.", authorization.CheckDiagnoses},
	}
	v := NewValidator(nil, DefaultValidatorConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := strings.Replace(faithfulNarrative, tt.old, tt.new, 1)
			if text == faithfulNarrative {
				t.Fatalf("replacement %q not applied", tt.old)
			}
			got := v.Validate(text, scenarioPatient(), "Ozempic")
			if got.Passed {
				t.Fatalf("Validate() passed a narrative with %s", tt.name)
			}
			if checkPassed(got, tt.failed) {
				t.Errorf("check %s passed", tt.failed)
			}
			if got.Score >= 1 {
				t.Errorf("Score = %f", got.Score)
			}
			if len(got.Findings) == 0 || got.Findings[0].Check != tt.failed {
				t.Errorf("Findings = %+v", got.Findings)
			}
		})
	}
}

func TestValidateLabTolerance(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	p := scenarioPatient()

	for _, cited := range []string{"33.1", "33.12", "33.15", "33"} {
		text := "The patient has a BMI of " + cited + " kg/m2."
		if got := v.Validate(text, p, ""); !checkPassed(got, authorization.CheckLabValues) {
			t.Errorf("BMI %s rejected: %+v", cited, got.Findings)
		}
	}
	for _, cited := range []string{"33.6", "31", "3.31"} {
		text := "The patient has a BMI of " + cited + " kg/m2."
		if got := v.Validate(text, p, ""); checkPassed(got, authorization.CheckLabValues) {
			t.Errorf("BMI %s accepted", cited)
		}
	}
}

func TestValidateReadsLabValuesAroundTheName(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	p := scenarioPatient()

	faithful := []string{
		"An 8.5% HbA1c was recorded.",
		"HbA1c (8.5%) remains above a goal of 7.",
		"BMI 33.1, HbA1c 8.5.",
		"Policy requires an HbA1c above 7.5% and a BMI of at least 30.",
		"Type 2 diabetes with an HbA1c of 8.5% despite 6 months of metformin 1000 mg.",
	}
	for _, text := range faithful {
		if got := v.Validate(text, p, ""); !checkPassed(got, authorization.CheckLabValues) {
			t.Errorf("%q rejected: %+v", text, got.Findings)
		}
	}

	fabricated := []string{
		"A 10.2% HbA1c was recorded.",
		"HbA1c remains above goal at 10.2%.",
		"BMI 33.1, HbA1c 10.2.",
		"Her HbA1c was 8.5% in March and 10.2% in June.",
	}
	for _, text := range fabricated {
		if got := v.Validate(text, p, ""); checkPassed(got, authorization.CheckLabValues) {
			t.Errorf("%q accepted", text)
		}
	}
}

func TestValidateTreatmentClaims(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	p := scenarioPatient()

	faithful := []string{
		"After a 6-month trial of Metformin, glycemic control remained inadequate.",
		"Metformin was tried for 6 months and was not effective.",
		"Metformin was tried; diabetes remains poorly controlled.",
	}
	for _, text := range faithful {
		if got := v.Validate(text, p, "Ozempic"); !checkPassed(got, authorization.CheckTreatments) {
			t.Errorf("%q rejected: %+v", text, got.Findings)
		}
	}

	fabricated := []string{
		"After a 12-month trial of Metformin the patient was referred.",
		"Metformin was tried and achieved excellent control.",
		"Prior therapy with Metformin was effective.",
	}
	for _, text := range fabricated {
		if got := v.Validate(text, p, "Ozempic"); checkPassed(got, authorization.CheckTreatments) {
			t.Errorf("%q accepted", text)
		}
	}
}

func TestValidateCuedDiagnoses(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	p := scenarioPatient()

	if got := v.Validate("The patient was diagnosed with type 2 diabetes mellitus in 2019 and obesity.", p, ""); !checkPassed(got, authorization.CheckDiagnoses) {
		t.Errorf("recorded diagnoses rejected: %+v", got.Findings)
	}
	got := v.Validate("The patient was diagnosed with restless legs syndrome.", p, "")
	if checkPassed(got, authorization.CheckDiagnoses) {
		t.Fatal("unrecorded cued diagnosis accepted")
	}
	if got.Findings[0].Claim != "restless legs syndrome" {
		t.Errorf("Claim = %q", got.Findings[0].Claim)
	}
}

func TestValidateVetoesAnyFailedCheck(t *testing.T) {
	cfg := DefaultValidatorConfig()
	cfg.QualityThreshold = 0.5
	v := NewValidator(nil, cfg)

	text := strings.Replace(faithfulNarrative, "(E66.9)", "(I10)", 1)
	got := v.Validate(text, scenarioPatient(), "Ozempic")
	if got.Score != 0.75 {
		t.Fatalf("Score = %f, want 0.75", got.Score)
	}
	if got.Passed {
		t.Error("a failed check must fail the narrative even above the threshold")
	}
}

func TestValidateIgnoresRequestedDrugAndVitamins(t *testing.T) {
	v := NewValidator(nil, DefaultValidatorConfig())
	text := "Treatment with Ozempic is requested after prior therapy. Vitamin B12 levels are normal."
	got := v.Validate(text, scenarioPatient(), "Ozempic")
	if !got.Passed {
		t.Fatalf("Validate() = %+v", got.Findings)
	}
}

func TestSentenceBoundsKeepsDecimals(t *testing.T) {
	text := "HbA1c was 8.5 today. Metformin failed."
	start, end := sentenceBounds(text, 3)
	if got := text[start:end]; got != "HbA1c was 8.5 today" {
		t.Errorf("sentence = %q", got)
	}
}
