package eligibility

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/llm"
	"github.com/drfirst/go-priorauth/internal/policy"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	last  llm.CompletionRequest
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (string, error) {
	f.calls++
	f.last = req
	return f.reply, f.err
}

func testPatient() *authorization.PatientRecord {
	return &authorization.PatientRecord{
		ID:            "P001",
		InsurancePlan: "BlueCross PPO",
		Diagnoses: []authorization.Diagnosis{
			{Name: "Type 2 diabetes mellitus", ICD10: "E11.9"},
			{Name: "Obesity", ICD10: "E66.9"},
		},
		Labs: map[string]authorization.LabResult{
			"BMI": {Value: 33.1, Unit: "kg/m2"},
		},
		TreatmentHistory: []authorization.TreatmentAttempt{
			{Drug: "Metformin", DurationMonths: 6, Outcome: "inadequate response"},
		},
	}
}

func testRequest() Request {
	return Request{
		Patient: testPatient(),
		DrugID:  "Ozempic",
		Coverage: &authorization.Coverage{CoverageRule: authorization.CoverageRule{
			PlanID: "BlueCross PPO", DrugID: "Ozempic", Covered: true, PARequired: true,
			CriteriaText: "BMI > 30 AND HbA1c > 7.5",
		}},
		Matches: []policy.Match{{
			Chunk: authorization.PolicyChunk{ID: "glp1#0", DocumentID: "glp1", Text: "GLP-1 agonists require BMI above 30."},
			Score: 0.91,
		}},
	}
}

const approveJSON = `{"meets_criteria": true, "confidence_score": 0.92,
 "criteria_analysis": {"BMI > 30": {"met": true, "evidence": "BMI 33.1"}},
 "missing_data": [], "recommendation": "approve", "estimated_pa_approval_probability": 0.85}`

func TestEvaluateSuccess(t *testing.T) {
	fc := &fakeCompleter{reply: "```json\n" + approveJSON + "\n```"}
	r := NewReasoner(fc, nil, DefaultConfig(), zaptest.NewLogger(t))

	res := r.Evaluate(context.Background(), testRequest())
	if res.Kind != llm.Success {
		t.Fatalf("Kind = %s, err = %v", res.Kind, res.Err)
	}
	j := res.Judgment
	if !j.MeetsCriteria || j.Confidence != 0.92 || j.Recommendation != "APPROVE" {
		t.Errorf("judgment = %+v", j)
	}
	if !fc.last.JSON || fc.last.Temperature != 0.1 {
		t.Errorf("request = %+v, want JSON mode at temperature 0.1", fc.last)
	}
	if !strings.Contains(fc.last.User, "BMI > 30 AND HbA1c > 7.5") || !strings.Contains(fc.last.User, "1. Metformin: 6 months") {
		t.Errorf("prompt is missing criteria or treatment history:\n%s", fc.last.User)
	}
}

func TestEvaluateMergesMissingData(t *testing.T) {
	fc := &fakeCompleter{reply: approveJSON}
	r := NewReasoner(fc, nil, DefaultConfig(), zaptest.NewLogger(t))

	res := r.Evaluate(context.Background(), testRequest())
	if res.Kind != llm.Success {
		t.Fatalf("Kind = %s", res.Kind)
	}
	if len(res.Judgment.MissingData) != 1 || res.Judgment.MissingData[0] != "HbA1c" {
		t.Errorf("MissingData = %v, want [HbA1c]", res.Judgment.MissingData)
	}
}

func TestEvaluateParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"prose", "The patient qualifies."},
		{"truncated", `{"meets_criteria": true, "confidence_score": 0.9`},
		{"missing confidence", `{"meets_criteria": true}`},
		{"missing verdict", `{"confidence_score": 0.9}`},
		{"confidence out of range", `{"meets_criteria": true, "confidence_score": 1.4}`},
		{"wrong type", `{"meets_criteria": "yes", "confidence_score": 0.9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReasoner(&fakeCompleter{reply: tt.reply}, nil, DefaultConfig(), zaptest.NewLogger(t))
			res := r.Evaluate(context.Background(), testRequest())
			if res.Kind != llm.ParseError {
				t.Fatalf("Kind = %s, want parse_error", res.Kind)
			}
			if res.Raw != tt.reply {
				t.Errorf("Raw not kept")
			}
		})
	}
}

func TestEvaluateFalseVerdictIsValid(t *testing.T) {
	r := NewReasoner(&fakeCompleter{reply: `{"meets_criteria": false, "confidence_score": 0}`}, nil, DefaultConfig(), zaptest.NewLogger(t))
	res := r.Evaluate(context.Background(), testRequest())
	if res.Kind != llm.Success || res.Judgment.MeetsCriteria {
		t.Fatalf("Evaluate() = %s %+v", res.Kind, res.Judgment)
	}
}

func TestEvaluateProviderErrors(t *testing.T) {
	tests := []struct {
		err  error
		want llm.ResultKind
	}{
		{&llm.StatusError{StatusCode: 429}, llm.TransientFailure},
		{&llm.StatusError{StatusCode: 503}, llm.TransientFailure},
		{context.DeadlineExceeded, llm.TransientFailure},
		{&llm.StatusError{StatusCode: 401}, llm.FatalFailure},
		{&llm.StatusError{StatusCode: 400}, llm.FatalFailure},
		{errors.New("boom"), llm.FatalFailure},
	}
	for _, tt := range tests {
		r := NewReasoner(&fakeCompleter{err: tt.err}, nil, DefaultConfig(), zaptest.NewLogger(t))
		res := r.Evaluate(context.Background(), testRequest())
		if res.Kind != tt.want {
			t.Errorf("error %v: Kind = %s, want %s", tt.err, res.Kind, tt.want)
		}
		if !errors.Is(res.Err, tt.err) {
			t.Errorf("error %v not wrapped: %v", tt.err, res.Err)
		}
	}
}

func TestEvaluateIsConsistent(t *testing.T) {
	fc := &fakeCompleter{reply: approveJSON}
	r := NewReasoner(fc, nil, DefaultConfig(), zaptest.NewLogger(t))
	req := testRequest()

	first := r.Evaluate(context.Background(), req)
	firstPrompt := fc.last.User
	for i := 0; i < 10; i++ {
		res := r.Evaluate(context.Background(), req)
		if res.Judgment.MeetsCriteria != first.Judgment.MeetsCriteria {
			t.Fatalf("run %d changed the verdict", i)
		}
		if fc.last.User != firstPrompt {
			t.Fatalf("run %d rendered a different prompt", i)
		}
	}
}

func TestContextIsBounded(t *testing.T) {
	long := strings.Repeat("criteria text ", 200)
	matches := []policy.Match{
		{Chunk: authorization.PolicyChunk{DocumentID: "a", Text: long}, Score: 0.9},
		{Chunk: authorization.PolicyChunk{DocumentID: "b", Text: long}, Score: 0.8},
	}
	got := buildContext(matches, 1000)
	if len(got) > 1000 {
		t.Errorf("context has %d chars, limit 1000", len(got))
	}
	if !strings.HasPrefix(got, "[Context 1 - a (90% match)]") {
		t.Errorf("context starts with %q", got[:40])
	}
	if strings.Contains(got, "[Context 2") {
		t.Errorf("second chunk should not fit")
	}
}

func TestMissingDataTreatmentHistory(t *testing.T) {
	r := NewReasoner(&fakeCompleter{}, nil, DefaultConfig(), zaptest.NewLogger(t))
	req := testRequest()
	req.Patient.TreatmentHistory = nil
	req.Coverage.CriteriaText = "Failed trial of metformin for at least 3 months"

	got := r.MissingData(req)
	if len(got) != 1 || got[0] != "treatment history" {
		t.Errorf("MissingData() = %v", got)
	}
}
