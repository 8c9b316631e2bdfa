package authorization

// State is a pipeline state of a DecisionRecord.
type State string

const (
	StateStart                State = "START"
	StateCoverageChecked      State = "COVERAGE_CHECKED"
	StateNotCovered           State = "NOT_COVERED"
	StateNoPANeeded           State = "NO_PA_NEEDED"
	StatePolicyRetrieved      State = "POLICY_RETRIEVED"
	StateEligibilityEvaluated State = "ELIGIBILITY_EVALUATED"
	StateDenied               State = "DENIED"
	StateNarrativePending     State = "NARRATIVE_PENDING"
	StateNarrativeValidated   State = "NARRATIVE_VALIDATED"
	StateApprovedReady        State = "APPROVED_READY"
	StateNeedsReview          State = "NEEDS_REVIEW"
	StateCancelled            State = "CANCELLED"
	StateError                State = "ERROR"
	StateTerminal             State = "TERMINAL"
)

// Recommendation is the final answer carried by a DecisionRecord.
type Recommendation string

const (
	RecommendApprove      Recommendation = "APPROVE"
	RecommendDeny         Recommendation = "DENY"
	RecommendNeedsReview  Recommendation = "NEEDS_REVIEW"
	RecommendNotCovered   Recommendation = "NOT_COVERED"
	RecommendNoPARequired Recommendation = "NO_PA_REQUIRED"
)

// Stage names a unit of pipeline work.
type Stage string

const (
	StageIntake              Stage = "intake"
	StageCoverage            Stage = "coverage"
	StagePolicyRetrieval     Stage = "policy_retrieval"
	StageEligibility         Stage = "eligibility"
	StageNarrativeGeneration Stage = "narrative_generation"
	StageNarrativeValidation Stage = "narrative_validation"
	StageForm                Stage = "pa_form"
)

// PipelineStages lists the decision stages in execution order. Each one either
// leaves a trace in the audit trail or an explicit skipped entry.
var PipelineStages = []Stage{
	StageCoverage,
	StagePolicyRetrieval,
	StageEligibility,
	StageNarrativeGeneration,
	StageNarrativeValidation,
}

// interrupts may follow any in-flight state.
var interrupts = []State{StateCancelled, StateError}

var transitions = map[State][]State{
	StateStart:                {StateCoverageChecked},
	StateCoverageChecked:      {StateNotCovered, StateNoPANeeded, StatePolicyRetrieved, StateNeedsReview},
	StatePolicyRetrieved:      {StateEligibilityEvaluated, StateNeedsReview},
	StateEligibilityEvaluated: {StateDenied, StateNarrativePending, StateNeedsReview},
	StateNarrativePending:     {StateNarrativeValidated, StateNeedsReview},
	StateNarrativeValidated:   {StateApprovedReady, StateNeedsReview, StateNarrativePending},
	StateNotCovered:           {StateTerminal},
	StateNoPANeeded:           {StateTerminal},
	StateDenied:               {StateTerminal},
	StateApprovedReady:        {StateTerminal},
	StateNeedsReview:          {StateTerminal},
	StateCancelled:            {StateTerminal},
	StateError:                {StateTerminal},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	if from.IsInFlight() {
		for _, s := range interrupts {
			if s == to {
				return true
			}
		}
	}
	return false
}

// IsInFlight reports whether s still has stages left to run.
func (s State) IsInFlight() bool {
	switch s {
	case StateStart, StateCoverageChecked, StatePolicyRetrieved,
		StateEligibilityEvaluated, StateNarrativePending, StateNarrativeValidated:
		return true
	}
	return false
}

// IsOutcome reports whether s is a final outcome that leads only to TERMINAL.
func (s State) IsOutcome() bool {
	next := transitions[s]
	return len(next) == 1 && next[0] == StateTerminal
}

// RecommendationFor derives the recommendation from the outcome state.
// ERROR and CANCELLED carry no recommendation.
func RecommendationFor(outcome State) Recommendation {
	switch outcome {
	case StateApprovedReady:
		return RecommendApprove
	case StateDenied:
		return RecommendDeny
	case StateNeedsReview:
		return RecommendNeedsReview
	case StateNotCovered:
		return RecommendNotCovered
	case StateNoPANeeded:
		return RecommendNoPARequired
	}
	return ""
}
