// Package eligibility asks a reasoning model whether a patient meets the
// policy criteria for a drug and turns the answer into a validated judgment.
package eligibility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/llm"
	"github.com/drfirst/go-priorauth/internal/policy"
	"github.com/drfirst/go-priorauth/internal/vocabulary"
)

var (
	// ErrNoJSON is returned when the model output contains no JSON object.
	ErrNoJSON = errors.New("no JSON object in model output")

	errNoPatient = errors.New("eligibility request without patient")
)

// Config holds the reasoning call settings.
type Config struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	MaxContextChars int
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Temperature:     0.1,
		MaxTokens:       1000,
		MaxContextChars: 6000,
	}
}

// Request is the input to one evaluation.
type Request struct {
	Patient  *authorization.PatientRecord
	DrugID   string
	Coverage *authorization.Coverage
	Matches  []policy.Match
}

// Result is the tagged outcome of Evaluate. Judgment is set only for Success.
type Result struct {
	Kind     llm.ResultKind
	Judgment *authorization.EligibilityJudgment
	Err      error
	Raw      string
}

// Reasoner evaluates eligibility with a single structured model call.
type Reasoner struct {
	completer llm.Completer
	vocab     *vocabulary.Vocabulary
	validate  *validator.Validate
	config    Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewReasoner creates a reasoner. A nil vocabulary uses the built-in terms.
func NewReasoner(completer llm.Completer, vocab *vocabulary.Vocabulary, cfg Config, logger *zap.Logger) *Reasoner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vocab == nil {
		vocab = vocabulary.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Reasoner{
		completer: completer,
		vocab:     vocab,
		validate:  validator.New(),
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("eligibility"),
	}
}

// Evaluate runs one reasoning call. It never retries; the caller decides what
// to do with ParseError and TransientFailure.
func (r *Reasoner) Evaluate(ctx context.Context, req Request) Result {
	if req.Patient == nil {
		return Result{Kind: llm.FatalFailure, Err: errNoPatient}
	}
	ctx, span := r.tracer.Start(ctx, "Reasoner.Evaluate",
		trace.WithAttributes(
			attribute.String("patient_id", req.Patient.ID),
			attribute.String("drug_id", req.DrugID),
			attribute.Int("context_chunks", len(req.Matches)),
		),
	)
	defer span.End()

	prompt, err := r.Prompt(req)
	if err != nil {
		span.RecordError(err)
		return Result{Kind: llm.FatalFailure, Err: err}
	}

	raw, err := r.completer.Complete(ctx, llm.CompletionRequest{
		Model:       r.config.Model,
		System:      systemPrompt,
		User:        prompt,
		Temperature: r.config.Temperature,
		MaxTokens:   r.config.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		kind := llm.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		return Result{Kind: kind, Err: fmt.Errorf("reasoning call: %w", err)}
	}

	judgment, err := r.Parse(raw)
	if err != nil {
		r.logger.Warn("unusable eligibility output",
			zap.String("patient_id", req.Patient.ID),
			zap.Error(err),
		)
		span.SetStatus(codes.Error, llm.ParseError.String())
		return Result{Kind: llm.ParseError, Err: err, Raw: raw}
	}

	judgment.MissingData = mergeMissing(judgment.MissingData, r.MissingData(req))
	span.SetAttributes(
		attribute.Bool("meets_criteria", judgment.MeetsCriteria),
		attribute.Float64("confidence", judgment.Confidence),
	)
	return Result{Kind: llm.Success, Judgment: judgment, Raw: raw}
}

// Prompt renders the user prompt for req.
func (r *Reasoner) Prompt(req Request) (string, error) {
	if req.Patient == nil {
		return "", errNoPatient
	}
	data := promptData{
		Patient: req.Patient,
		DrugID:  req.DrugID,
		PlanID:  req.Patient.InsurancePlan,
		Context: buildContext(req.Matches, r.config.MaxContextChars),
	}
	if req.Coverage != nil {
		data.PlanID = req.Coverage.PlanID
		data.Criteria = req.Coverage.CriteriaText
		data.StepTherapy = req.Coverage.StepTherapyRequired
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render eligibility prompt: %w", err)
	}
	return b.String(), nil
}

// judgmentOutput mirrors the JSON contract. Pointers distinguish a missing
// field from its zero value.
type judgmentOutput struct {
	MeetsCriteria         *bool                                      `json:"meets_criteria" validate:"required"`
	Confidence            *float64                                   `json:"confidence_score" validate:"required,min=0,max=1"`
	CriteriaAnalysis      map[string]authorization.CriterionEvidence `json:"criteria_analysis"`
	MissingData           []string                                   `json:"missing_data"`
	ClinicalJustification string                                     `json:"clinical_justification"`
	Contraindications     []string                                   `json:"contraindications"`
	Recommendation        string                                     `json:"recommendation"`
	ApprovalProbability   *float64                                   `json:"estimated_pa_approval_probability" validate:"omitempty,min=0,max=1"`
}

// Parse extracts and validates the judgment from raw model output. Markdown
// fences and text around the object are tolerated.
func (r *Reasoner) Parse(raw string) (*authorization.EligibilityJudgment, error) {
	body, err := extractObject(raw)
	if err != nil {
		return nil, err
	}

	var out judgmentOutput
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return nil, fmt.Errorf("decode judgment: %w", err)
	}
	if err := r.validate.Struct(&out); err != nil {
		return nil, fmt.Errorf("invalid judgment: %w", err)
	}

	j := &authorization.EligibilityJudgment{
		MeetsCriteria:         *out.MeetsCriteria,
		Confidence:            *out.Confidence,
		CriteriaAnalysis:      out.CriteriaAnalysis,
		MissingData:           out.MissingData,
		ClinicalJustification: out.ClinicalJustification,
		Contraindications:     out.Contraindications,
		Recommendation:        strings.ToUpper(strings.TrimSpace(out.Recommendation)),
	}
	if out.ApprovalProbability != nil {
		j.ApprovalProbability = *out.ApprovalProbability
	}
	if j.CriteriaAnalysis == nil {
		j.CriteriaAnalysis = map[string]authorization.CriterionEvidence{}
	}
	if j.MissingData == nil {
		j.MissingData = []string{}
	}
	return j, nil
}

func extractObject(raw string) (string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return raw[start : end+1], nil
}

var treatmentCriteria = regexp.MustCompile(`(?i)\b(step therapy|trial of|tried|failed|failure|inadequate response|prior treatment)\b`)

// MissingData lists the clinical fields the criteria depend on that are absent
// from the patient record. The result depends only on req.
func (r *Reasoner) MissingData(req Request) []string {
	text := criteriaText(req)
	var missing []string
	for _, key := range r.vocab.MentionedLabs(text) {
		if _, ok := r.vocab.PatientLab(req.Patient, key); !ok {
			missing = append(missing, key)
		}
	}

	stepTherapy := req.Coverage != nil && req.Coverage.StepTherapyRequired
	if len(req.Patient.TreatmentHistory) == 0 && (stepTherapy || treatmentCriteria.MatchString(text)) {
		missing = append(missing, "treatment history")
	}
	return missing
}

// criteriaText is the plan's criteria when present, otherwise the retrieved
// policy text.
func criteriaText(req Request) string {
	if req.Coverage != nil && strings.TrimSpace(req.Coverage.CriteriaText) != "" {
		return req.Coverage.CriteriaText
	}
	parts := make([]string, len(req.Matches))
	for i, m := range req.Matches {
		parts[i] = m.Chunk.Text
	}
	return strings.Join(parts, "\n")
}

// mergeMissing appends the detected fields the model did not already list.
func mergeMissing(reported, detected []string) []string {
	out := append([]string{}, reported...)
	for _, d := range detected {
		found := false
		for _, r := range reported {
			if strings.Contains(strings.ToLower(r), strings.ToLower(d)) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, d)
		}
	}
	return out
}
