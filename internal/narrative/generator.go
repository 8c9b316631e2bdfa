// Package narrative writes the medical necessity narrative for an eligible
// request and checks every clinical fact in it against the patient record.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/llm"
)

// ErrEmptyNarrative is returned when the model answers with no text.
var ErrEmptyNarrative = errors.New("empty narrative")

// GeneratorConfig holds the generation call settings.
type GeneratorConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// DefaultGeneratorConfig returns the settings used when none are configured.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{Temperature: 0.3, MaxTokens: 600}
}

// Request is the input to narrative generation.
type Request struct {
	Patient  *authorization.PatientRecord
	DrugID   string
	Coverage *authorization.Coverage
	Judgment *authorization.EligibilityJudgment
}

// Attempt numbers a generation try. Attempts after the first carry the
// findings of the previous try and use the stricter prompt.
type Attempt struct {
	Number           int
	PreviousFindings []authorization.Finding
}

// Strict reports whether the stricter prompt applies.
func (a Attempt) Strict() bool { return a.Number > 1 }

// GenerationResult is the tagged outcome of Generate.
type GenerationResult struct {
	Kind llm.ResultKind
	Text string
	Err  error
}

// Generator drafts narratives with a single model call per attempt.
type Generator struct {
	completer llm.Completer
	config    GeneratorConfig
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewGenerator creates a generator.
func NewGenerator(completer llm.Completer, cfg GeneratorConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultGeneratorConfig().MaxTokens
	}
	return &Generator{
		completer: completer,
		config:    cfg,
		logger:    logger,
		tracer:    otel.Tracer("narrative"),
	}
}

// Generate drafts one narrative.
func (g *Generator) Generate(ctx context.Context, req Request, attempt Attempt) GenerationResult {
	if req.Patient == nil || req.Judgment == nil {
		return GenerationResult{Kind: llm.FatalFailure, Err: errors.New("narrative request needs a patient and a judgment")}
	}
	ctx, span := g.tracer.Start(ctx, "Generator.Generate",
		trace.WithAttributes(
			attribute.String("patient_id", req.Patient.ID),
			attribute.Int("attempt", attempt.Number),
			attribute.Bool("strict", attempt.Strict()),
		),
	)
	defer span.End()

	prompt, err := Prompt(req, attempt)
	if err != nil {
		span.RecordError(err)
		return GenerationResult{Kind: llm.FatalFailure, Err: err}
	}

	system := systemPrompt
	if attempt.Strict() {
		system += strictSystemSuffix
	}
	text, err := g.completer.Complete(ctx, llm.CompletionRequest{
		Model:       g.config.Model,
		System:      system,
		User:        prompt,
		Temperature: g.config.Temperature,
		MaxTokens:   g.config.MaxTokens,
	})
	if err != nil {
		kind := llm.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		return GenerationResult{Kind: kind, Err: fmt.Errorf("generation call: %w", err)}
	}

	text = strings.TrimSpace(text)
	if text == "" {
		span.SetStatus(codes.Error, llm.ParseError.String())
		return GenerationResult{Kind: llm.ParseError, Err: ErrEmptyNarrative}
	}
	g.logger.Debug("narrative drafted",
		zap.String("patient_id", req.Patient.ID),
		zap.Int("attempt", attempt.Number),
		zap.Int("words", len(strings.Fields(text))),
	)
	return GenerationResult{Kind: llm.Success, Text: text}
}

const systemPrompt = `You are a clinical documentation specialist writing prior authorization
letters. Write in plain text without markdown, headings or bullet points.`

const strictSystemSuffix = `
Your previous draft contained statements that are not supported by the patient
record. Use only the facts listed in the request. Do not mention any diagnosis,
lab value, ICD-10 code, medication or treatment duration that is not listed.`

var promptTemplate = template.Must(template.New("narrative").Parse(`Write a medical necessity narrative of 150 to 200 words for a prior
authorization request for {{.DrugID}}{{if .PlanID}} under {{.PlanID}}{{end}}.

Establish medical necessity. Cite the specific lab values, diagnoses with their
ICD-10 codes and the treatment history below, and explain why previous
treatments were insufficient.

PATIENT FACTS:
Diagnoses:
{{range .Patient.Diagnoses}}- {{.Name}}{{if .ICD10}} (ICD-10 {{.ICD10}}){{end}}
{{else}}- none recorded
{{end}}Lab results:
{{range $name, $lab := .Patient.Labs}}- {{$name}}: {{$lab.Value}}{{if $lab.Unit}} {{$lab.Unit}}{{end}}
{{else}}- none recorded
{{end}}Treatment history:
{{range .Patient.TreatmentHistory}}- {{.Drug}} for {{.DurationMonths}} months, outcome: {{.Outcome}}
{{else}}- none recorded
{{end}}
ELIGIBILITY ASSESSMENT:
{{if .Judgment.ClinicalJustification}}{{.Judgment.ClinicalJustification}}{{else}}Criteria met.{{end}}
{{- range $name, $c := .Judgment.CriteriaAnalysis}}{{if $c.Met}}
- {{$name}}: {{$c.Evidence}}{{end}}{{end}}
{{- if .Findings}}

PROBLEMS IN THE PREVIOUS DRAFT (do not repeat them):
{{range .Findings}}- {{.Claim}}: {{.Detail}}
{{end}}
Mention only the facts listed above.{{end}}
`))

type promptData struct {
	Patient  *authorization.PatientRecord
	Judgment *authorization.EligibilityJudgment
	DrugID   string
	PlanID   string
	Findings []authorization.Finding
}

// Prompt renders the user prompt for one attempt.
func Prompt(req Request, attempt Attempt) (string, error) {
	data := promptData{
		Patient:  req.Patient,
		Judgment: req.Judgment,
		DrugID:   req.DrugID,
		PlanID:   req.Patient.InsurancePlan,
	}
	if req.Coverage != nil {
		data.PlanID = req.Coverage.PlanID
	}
	if attempt.Strict() {
		data.Findings = attempt.PreviousFindings
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render narrative prompt: %w", err)
	}
	return b.String(), nil
}
