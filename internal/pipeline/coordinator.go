package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/config"
	"github.com/drfirst/go-priorauth/internal/coverage"
	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/eligibility"
	"github.com/drfirst/go-priorauth/internal/llm"
	"github.com/drfirst/go-priorauth/internal/narrative"
	"github.com/drfirst/go-priorauth/internal/observability/metrics"
	"github.com/drfirst/go-priorauth/internal/paform"
	"github.com/drfirst/go-priorauth/internal/patient"
	"github.com/drfirst/go-priorauth/internal/policy"
)

// Config holds the decision gates and retry settings.
type Config struct {
	EligibilityThreshold float64
	QualityThreshold     float64
	NarrativeRetries     int
	TopK                 int
	Retry                RetryPolicy
}

// DefaultConfig returns the gates used when none are configured.
func DefaultConfig() Config {
	return Config{
		EligibilityThreshold: 0.8,
		QualityThreshold:     0.9,
		NarrativeRetries:     2,
		TopK:                 3,
		Retry:                DefaultRetryPolicy(),
	}
}

// ConfigFrom converts the loaded service configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		EligibilityThreshold: c.Pipeline.EligibilityThreshold,
		QualityThreshold:     c.Pipeline.QualityThreshold,
		NarrativeRetries:     c.Pipeline.NarrativeRetries,
		TopK:                 c.Pipeline.TopK,
		Retry:                RetryPolicyFrom(c.Retry),
	}
}

// Dependencies are the capabilities a Coordinator drives. Audit and Metrics
// are optional.
type Dependencies struct {
	Patients    PatientSource
	Coverage    CoverageResolver
	Policies    PolicyRetriever
	Eligibility EligibilityEvaluator
	Writer      NarrativeWriter
	Checker     NarrativeChecker
	Audit       AuditSink
	Metrics     *metrics.Metrics
}

// Coordinator runs requests through the decision state machine. It holds no
// per-request state and is safe for concurrent use.
type Coordinator struct {
	deps   Dependencies
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewCoordinator checks that every required capability is present.
func NewCoordinator(deps Dependencies, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case deps.Patients == nil:
		return nil, errors.New("pipeline: patient source is required")
	case deps.Coverage == nil:
		return nil, errors.New("pipeline: coverage resolver is required")
	case deps.Policies == nil:
		return nil, errors.New("pipeline: policy retriever is required")
	case deps.Eligibility == nil:
		return nil, errors.New("pipeline: eligibility evaluator is required")
	case deps.Writer == nil || deps.Checker == nil:
		return nil, errors.New("pipeline: narrative writer and checker are required")
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.NarrativeRetries < 0 {
		cfg.NarrativeRetries = 0
	}
	return &Coordinator{
		deps:   deps,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("pipeline"),
		now:    time.Now,
	}, nil
}

// WorkflowID formats the id of a run started at t. The random suffix keeps
// runs for the same patient and drug in the same second apart.
func WorkflowID(t time.Time, patientID, drugID string) string {
	return fmt.Sprintf("WF_%d_%s_%s_%s", t.Unix(), patientID, strings.ToUpper(drugID), uuid.NewString()[:8])
}

// Process runs req to a terminal state and returns the closed record. It never
// returns nil and never panics; failures are recorded as ERROR or CANCELLED.
func (c *Coordinator) Process(ctx context.Context, req Request) *authorization.DecisionRecord {
	return c.start(ctx, req, (*run).execute)
}

// Reject closes a record for req in ERROR without running any stage. If ctx
// has already ended the record is CANCELLED instead.
func (c *Coordinator) Reject(ctx context.Context, req Request, kind authorization.FailureKind, cause error) *authorization.DecisionRecord {
	return c.start(ctx, req, func(r *run) {
		if !r.cancelled() {
			r.fail(kind, cause)
		}
	})
}

func (c *Coordinator) start(ctx context.Context, req Request, body func(*run)) (rec *authorization.DecisionRecord) {
	started := c.now()
	id := req.WorkflowID
	if id == "" {
		id = WorkflowID(started, req.PatientID, req.DrugID)
	}
	rec = authorization.NewDecisionRecord(id, req.PatientID, req.DrugID, req.Requester)

	ctx, span := c.tracer.Start(ctx, "Coordinator.Process",
		trace.WithAttributes(
			attribute.String("workflow_id", id),
			attribute.String("patient_id", req.PatientID),
			attribute.String("drug_id", req.DrugID),
		),
	)
	defer span.End()

	c.deps.Metrics.RunStarted()
	r := &run{
		c:      c,
		ctx:    ctx,
		req:    req,
		rec:    rec,
		logger: c.logger.With(zap.String("workflow_id", id)),
		stage:  authorization.StageIntake,
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("pipeline panic", zap.Any("panic", p), zap.String("stage", string(r.stage)))
			if rec.State.IsInFlight() {
				r.fail(authorization.FailureInternal, fmt.Errorf("panic: %v", p))
			}
		}
		r.finish(span, started)
	}()

	body(r)
	return rec
}

// run is the state of one Process call.
type run struct {
	c       *Coordinator
	ctx     context.Context
	req     Request
	rec     *authorization.DecisionRecord
	logger  *zap.Logger
	stage   authorization.Stage
	patient *authorization.PatientRecord
	matches []policy.Match
}

func (r *run) execute() {
	if !r.loadPatient() || !r.checkCoverage() || !r.retrievePolicy() || !r.evaluate() {
		return
	}
	r.narrativeLoop()
}

func (r *run) loadPatient() bool {
	r.stage = authorization.StageIntake
	if r.cancelled() {
		return false
	}
	started := r.c.now()

	p := r.req.Patient
	var err error
	if p == nil {
		p, err = r.c.deps.Patients.Load(r.ctx, r.req.PatientID)
	} else if r.req.PatientID != "" && p.ID != r.req.PatientID {
		err = fmt.Errorf("%w: request names %s but record is %s", patient.ErrInvalidRecord, r.req.PatientID, p.ID)
	}
	if err == nil {
		err = patient.Validate(p)
	}

	st := authorization.StageTrace{
		Stage:     authorization.StageIntake,
		Attempt:   1,
		Input:     map[string]string{"patient_id": r.req.PatientID, "drug_id": r.req.DrugID},
		Err:       err,
		StartedAt: started,
	}
	if err == nil {
		st.Output = map[string]interface{}{
			"insurance_plan": p.InsurancePlan,
			"diagnoses":      len(p.Diagnoses),
			"labs":           len(p.Labs),
			"treatments":     len(p.TreatmentHistory),
		}
	}
	r.rec.Trace(st)
	r.observe(started)

	if err != nil {
		if r.cancelled() {
			return false
		}
		kind := authorization.FailureInternal
		switch {
		case errors.Is(err, patient.ErrNotFound):
			kind = authorization.FailureNotFound
		case errors.Is(err, patient.ErrInvalidRecord):
			kind = authorization.FailureInvalidRecord
		}
		r.fail(kind, err)
		return false
	}
	r.patient = p
	return true
}

func (r *run) checkCoverage() bool {
	r.stage = authorization.StageCoverage
	if r.cancelled() {
		return false
	}
	ctx, span := r.c.tracer.Start(r.ctx, "stage.coverage")
	defer span.End()
	started := r.c.now()

	cov, err := r.c.deps.Coverage.Resolve(ctx, r.patient.InsurancePlan, r.req.DrugID)
	ref := r.rec.Trace(authorization.StageTrace{
		Stage:     authorization.StageCoverage,
		Attempt:   1,
		Input:     map[string]string{"plan_id": r.patient.InsurancePlan, "drug_id": r.req.DrugID},
		Output:    cov,
		Err:       err,
		StartedAt: started,
	})
	r.observe(started)

	if err != nil {
		recordSpanError(span, err)
		if r.cancelled() {
			return false
		}
		kind := authorization.FailureInternal
		if errors.Is(err, coverage.ErrNotFound) {
			kind = authorization.FailureNotFound
		}
		r.fail(kind, err)
		return false
	}

	if !cov.Covered {
		r.suggestAlternatives(ctx, cov)
	}
	r.rec.AttachCoverage(cov)
	if !r.transition(authorization.StateCoverageChecked, ref, cov.Reason) {
		return false
	}
	switch {
	case !cov.Covered:
		r.transition(authorization.StateNotCovered, ref, cov.Reason)
		return false
	case !cov.PARequired:
		r.transition(authorization.StateNoPANeeded, ref, cov.Reason)
		return false
	}
	return true
}

// maxAlternatives caps the suggestions attached to a NOT_COVERED record.
const maxAlternatives = 5

// suggestAlternatives attaches covered drugs on the same plan to a NOT_COVERED
// answer. A lookup failure only loses the suggestions.
func (r *run) suggestAlternatives(ctx context.Context, cov *authorization.Coverage) {
	alts, err := r.c.deps.Coverage.Alternatives(ctx, cov.PlanID, r.req.DrugID, maxAlternatives)
	if err != nil {
		r.logger.Warn("alternatives lookup failed",
			zap.String("plan_id", cov.PlanID),
			zap.Error(err))
		return
	}
	cov.Alternatives = alts
}

// retrievalQuery follows the form "<drug> <diagnoses> treatment criteria requirements".
func retrievalQuery(p *authorization.PatientRecord, drugID string) string {
	names := make([]string, 0, len(p.Diagnoses))
	for _, d := range p.Diagnoses {
		names = append(names, d.Name)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s treatment criteria requirements", drugID, strings.Join(names, ", ")))
}

func (r *run) retrievePolicy() bool {
	r.stage = authorization.StagePolicyRetrieval
	if r.cancelled() {
		return false
	}
	ctx, span := r.c.tracer.Start(r.ctx, "stage.policy_retrieval")
	defer span.End()

	query := retrievalQuery(r.patient, r.req.DrugID)
	filters := policy.Filters{PlanID: r.rec.PlanID, DrugID: r.req.DrugID}

	var ref string
	matches, err := retry(ctx, r.c.config.Retry, r.notify(authorization.StagePolicyRetrieval),
		func(attempt int) ([]policy.Match, error) {
			started := r.c.now()
			m, err := r.c.deps.Policies.Retrieve(ctx, query, r.c.config.TopK, filters)
			refs := make([]authorization.ChunkRef, len(m))
			for i := range m {
				refs[i] = m[i].Ref()
			}
			ref = r.rec.Trace(authorization.StageTrace{
				Stage:     authorization.StagePolicyRetrieval,
				Attempt:   attempt,
				Input:     map[string]interface{}{"query": query, "top_k": r.c.config.TopK, "filters": filters},
				Output:    refs,
				Err:       err,
				StartedAt: started,
			})
			r.observe(started)
			if err != nil && !llm.IsTransient(err) {
				return m, errFatal(err)
			}
			return m, err
		})

	if err != nil {
		recordSpanError(span, err)
		if r.cancelled() {
			return false
		}
		if llm.IsTransient(err) {
			r.escalate(authorization.StateNeedsReview, ref, &authorization.Escalation{
				Reason:    "policy retrieval failed after retries",
				Coverage:  r.rec.Coverage,
				LastError: err.Error(),
			})
			return false
		}
		r.fail(authorization.FailureProvider, err)
		return false
	}

	refs := make([]authorization.ChunkRef, len(matches))
	for i := range matches {
		refs[i] = matches[i].Ref()
	}
	r.matches = matches
	r.rec.AttachChunks(refs)
	span.SetAttributes(attribute.Int("matches", len(matches)))

	note := fmt.Sprintf("%d policy chunks", len(matches))
	if len(matches) == 0 {
		note = "no policy chunks matched; reasoning with plan criteria only"
	}
	return r.transition(authorization.StatePolicyRetrieved, ref, note)
}

func (r *run) evaluate() bool {
	r.stage = authorization.StageEligibility
	if r.cancelled() {
		return false
	}
	ctx, span := r.c.tracer.Start(r.ctx, "stage.eligibility")
	defer span.End()

	req := eligibility.Request{
		Patient:  r.patient,
		DrugID:   r.req.DrugID,
		Coverage: r.rec.Coverage,
		Matches:  r.matches,
	}

	var ref string
	res, _ := retry(ctx, r.c.config.Retry, r.notify(authorization.StageEligibility),
		func(attempt int) (eligibility.Result, error) {
			started := r.c.now()
			callCtx, cancel := r.callContext(ctx)
			res := r.c.deps.Eligibility.Evaluate(callCtx, req)
			cancel()

			var output interface{} = res.Judgment
			if res.Judgment == nil && res.Raw != "" {
				output = map[string]string{"raw": res.Raw}
			}
			ref = r.rec.Trace(authorization.StageTrace{
				Stage:     authorization.StageEligibility,
				Attempt:   attempt,
				Input:     map[string]interface{}{"chunks": len(r.matches), "plan_id": r.rec.PlanID},
				Output:    output,
				Err:       res.Err,
				StartedAt: started,
				Note:      res.Kind.String(),
			})
			r.observe(started)
			return res, r.attemptError(res.Kind, res.Err)
		})

	if r.cancelled() {
		return false
	}
	switch res.Kind {
	case llm.Success:
	case llm.FatalFailure:
		recordSpanError(span, res.Err)
		r.fail(authorization.FailureProvider, res.Err)
		return false
	default:
		recordSpanError(span, res.Err)
		r.escalate(authorization.StateNeedsReview, ref, &authorization.Escalation{
			Reason:    fmt.Sprintf("eligibility evaluation failed after %d attempts: %s", r.c.config.Retry.MaxAttempts, res.Kind),
			Coverage:  r.rec.Coverage,
			Chunks:    r.rec.PolicyChunks,
			LastError: errString(res.Err),
		})
		return false
	}

	j := res.Judgment
	r.rec.AttachJudgment(j)
	span.SetAttributes(
		attribute.Bool("meets_criteria", j.MeetsCriteria),
		attribute.Float64("confidence", j.Confidence),
	)
	note := fmt.Sprintf("meets_criteria=%t confidence=%.2f", j.MeetsCriteria, j.Confidence)
	if !r.transition(authorization.StateEligibilityEvaluated, ref, note) {
		return false
	}

	if j.Confidence < r.c.config.EligibilityThreshold {
		r.escalate(authorization.StateNeedsReview, ref, &authorization.Escalation{
			Reason: fmt.Sprintf("confidence %.2f below threshold %.2f",
				j.Confidence, r.c.config.EligibilityThreshold),
			Judgment:    j,
			MissingData: j.MissingData,
			Coverage:    r.rec.Coverage,
			Chunks:      r.rec.PolicyChunks,
		})
		return false
	}
	if !j.MeetsCriteria {
		r.transition(authorization.StateDenied, ref, "criteria not met")
		return false
	}
	return r.transition(authorization.StateNarrativePending, ref, "eligible")
}

// narrativeLoop drafts and validates narratives until one passes or the
// attempts run out.
func (r *run) narrativeLoop() {
	var findings []authorization.Finding
	var ref string
	attempts := 1 + r.c.config.NarrativeRetries

	for n := 1; n <= attempts; n++ {
		if n > 1 {
			note := fmt.Sprintf("regenerating: %d findings in attempt %d", len(findings), n-1)
			if !r.transition(authorization.StateNarrativePending, ref, note) {
				return
			}
		}

		text, ok := r.generate(narrative.Attempt{Number: n, PreviousFindings: findings})
		if !ok {
			return
		}

		var passed bool
		ref, passed = r.validate(n, text)
		if !r.transition(authorization.StateNarrativeValidated, ref, fmt.Sprintf("attempt %d", n)) {
			return
		}
		if passed {
			r.approve(ref)
			return
		}
		findings = r.rec.Narratives[len(r.rec.Narratives)-1].Findings
	}

	best := r.rec.BestNarrative()
	esc := &authorization.Escalation{
		Reason: fmt.Sprintf("no narrative reached quality threshold %.2f in %d attempts",
			r.c.config.QualityThreshold, attempts),
		Judgment:      r.rec.Judgment,
		BestNarrative: best,
		MissingData:   r.rec.Judgment.MissingData,
		Coverage:      r.rec.Coverage,
		Chunks:        r.rec.PolicyChunks,
	}
	if best != nil {
		esc.Findings = best.Findings
	}
	r.escalate(authorization.StateNeedsReview, ref, esc)
}

// generate runs one narrative attempt with transient retries. ok is false
// when the run has already been moved to an outcome.
func (r *run) generate(attempt narrative.Attempt) (string, bool) {
	r.stage = authorization.StageNarrativeGeneration
	if r.cancelled() {
		return "", false
	}
	ctx, span := r.c.tracer.Start(r.ctx, "stage.narrative_generation",
		trace.WithAttributes(attribute.Int("attempt", attempt.Number)))
	defer span.End()

	req := narrative.Request{
		Patient:  r.patient,
		DrugID:   r.req.DrugID,
		Coverage: r.rec.Coverage,
		Judgment: r.rec.Judgment,
	}

	var ref string
	res, _ := retry(ctx, r.c.config.Retry, r.notify(authorization.StageNarrativeGeneration),
		func(call int) (narrative.GenerationResult, error) {
			started := r.c.now()
			callCtx, cancel := r.callContext(ctx)
			res := r.c.deps.Writer.Generate(callCtx, req, attempt)
			cancel()

			ref = r.rec.Trace(authorization.StageTrace{
				Stage:     authorization.StageNarrativeGeneration,
				Attempt:   call,
				Input:     map[string]interface{}{"narrative_attempt": attempt.Number, "strict": attempt.Strict(), "previous_findings": len(attempt.PreviousFindings)},
				Output:    map[string]string{"text": res.Text},
				Err:       res.Err,
				StartedAt: started,
				Note:      res.Kind.String(),
			})
			r.observe(started)
			return res, r.attemptError(res.Kind, res.Err)
		})

	if r.cancelled() {
		return "", false
	}
	switch res.Kind {
	case llm.Success:
		return res.Text, true
	case llm.FatalFailure:
		recordSpanError(span, res.Err)
		r.fail(authorization.FailureProvider, res.Err)
	default:
		recordSpanError(span, res.Err)
		best := r.rec.BestNarrative()
		esc := &authorization.Escalation{
			Reason:        fmt.Sprintf("narrative generation failed: %s", res.Kind),
			Judgment:      r.rec.Judgment,
			BestNarrative: best,
			Coverage:      r.rec.Coverage,
			Chunks:        r.rec.PolicyChunks,
			LastError:     errString(res.Err),
		}
		if best != nil {
			esc.Findings = best.Findings
		}
		r.escalate(authorization.StateNeedsReview, ref, esc)
	}
	return "", false
}

// validate scores text and records it as a narrative attempt.
func (r *run) validate(n int, text string) (string, bool) {
	r.stage = authorization.StageNarrativeValidation
	started := r.c.now()
	_, span := r.c.tracer.Start(r.ctx, "stage.narrative_validation",
		trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()

	v := r.c.deps.Checker.Validate(text, r.patient, r.req.DrugID)
	passed := v.Passed && v.Score >= r.c.config.QualityThreshold

	r.rec.AddNarrative(authorization.Narrative{
		Attempt:      n,
		Text:         text,
		QualityScore: v.Score,
		Passed:       passed,
		Checks:       v.Checks,
		Findings:     v.Findings,
	})
	ref := r.rec.Trace(authorization.StageTrace{
		Stage:     authorization.StageNarrativeValidation,
		Attempt:   n,
		Output:    map[string]interface{}{"score": v.Score, "passed": passed, "checks": v.Checks, "findings": v.Findings},
		StartedAt: started,
	})
	r.observe(started)
	span.SetAttributes(attribute.Float64("score", v.Score), attribute.Bool("passed", passed))
	return ref, passed
}

func (r *run) approve(ref string) {
	r.stage = authorization.StageForm
	started := r.c.now()
	last := r.rec.Narratives[len(r.rec.Narratives)-1]
	form, err := paform.Render(paform.Input{
		Patient:   r.patient,
		DrugID:    r.req.DrugID,
		Coverage:  r.rec.Coverage,
		Judgment:  r.rec.Judgment,
		Narrative: &last,
		Requester: r.req.Requester,
	}, started)

	var output interface{}
	if form != nil {
		output = map[string]string{"form_id": form.FormID}
	}
	formRef := r.rec.Trace(authorization.StageTrace{
		Stage:     authorization.StageForm,
		Attempt:   1,
		Output:    output,
		Err:       err,
		StartedAt: started,
	})
	if err != nil {
		r.fail(authorization.FailureInternal, err)
		return
	}
	r.rec.AttachForm(form)
	r.transition(authorization.StateApprovedReady, formRef, fmt.Sprintf("narrative attempt %d passed (validation %s)", last.Attempt, ref))
}

// callContext bounds a single provider call.
func (r *run) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.c.config.Retry.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.c.config.Retry.CallTimeout)
}

// attemptError tells retry what to do with a tagged result.
func (r *run) attemptError(kind llm.ResultKind, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}
	switch kind {
	case llm.Success:
		return nil
	case llm.FatalFailure:
		r.c.deps.Metrics.ProviderError(kind.String())
		return errFatal(err)
	}
	r.c.deps.Metrics.ProviderError(kind.String())
	return err
}

func (r *run) notify(stage authorization.Stage) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		r.c.deps.Metrics.StageRetried(string(stage))
		r.logger.Warn("retrying stage",
			zap.String("stage", string(stage)),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
}

// cancelled moves the record to CANCELLED once the caller's context is done.
func (r *run) cancelled() bool {
	err := r.ctx.Err()
	if err == nil {
		return false
	}
	if r.rec.State.IsInFlight() {
		r.rec.Fail(authorization.FailureCancelled, r.stage, err)
		r.transition(authorization.StateCancelled, "", err.Error())
	}
	return true
}

func (r *run) fail(kind authorization.FailureKind, err error) {
	r.rec.Fail(kind, r.stage, err)
	r.logger.Warn("run failed",
		zap.String("stage", string(r.stage)),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	r.transition(authorization.StateError, "", string(kind))
}

func (r *run) escalate(to authorization.State, ref string, e *authorization.Escalation) {
	e.Stage = r.stage
	r.rec.Escalate(e)
	r.logger.Info("escalated for review",
		zap.String("stage", string(r.stage)),
		zap.String("reason", e.Reason),
	)
	r.transition(to, ref, e.Reason)
}

// transition records a state change and flushes it. An illegal transition is
// a coordinator bug; the run is moved to ERROR instead.
func (r *run) transition(to authorization.State, ref, note string) bool {
	if err := r.rec.Transition(to, r.stage, ref, note); err != nil {
		r.logger.Error("illegal transition", zap.Error(err))
		if to != authorization.StateError && r.rec.State.IsInFlight() {
			r.rec.Fail(authorization.FailureInternal, r.stage, err)
			_ = r.rec.Transition(authorization.StateError, r.stage, "", err.Error())
		}
		r.flush()
		return false
	}
	r.flush()
	return true
}

// flush hands pending entries to the audit sink. A failing sink is logged and
// the entries stay pending for the next flush.
func (r *run) flush() {
	if r.c.deps.Audit == nil || len(r.rec.Changes()) == 0 {
		return
	}
	if err := r.c.deps.Audit.Save(context.WithoutCancel(r.ctx), r.rec); err != nil {
		r.logger.Warn("audit flush failed", zap.Error(err))
	}
}

func (r *run) observe(started time.Time) {
	r.c.deps.Metrics.ObserveStage(string(r.stage), r.c.now().Sub(started))
}

func (r *run) finish(span trace.Span, started time.Time) {
	if r.rec.State.IsInFlight() {
		r.fail(authorization.FailureInternal, errors.New("run ended without an outcome"))
	}
	if err := r.rec.Close(); err != nil {
		r.logger.Error("close decision record", zap.Error(err))
	}
	r.flush()

	outcome := string(r.rec.Outcome)
	span.SetAttributes(attribute.String("outcome", outcome))
	if r.rec.Outcome == authorization.StateError {
		span.SetStatus(codes.Error, r.rec.Failure.Cause)
	}
	r.c.deps.Metrics.RunFinished(outcome, r.c.now().Sub(started), len(r.rec.Narratives))
	r.logger.Info("authorization decided",
		zap.String("outcome", outcome),
		zap.String("recommendation", string(r.rec.Recommendation)),
		zap.Int("audit_entries", r.rec.Version()),
		zap.Duration("duration", r.c.now().Sub(started)),
	)
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
