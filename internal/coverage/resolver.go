// Package coverage answers whether a plan covers a drug and whether prior
// authorization is required. Lookups are deterministic and never retried.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// ErrNotFound matches every NotFoundError.
var ErrNotFound = errors.New("coverage rule not found")

// NotFoundError reports a plan, or a (plan, drug) pair, absent from the formulary.
type NotFoundError struct {
	PlanID string
	DrugID string
}

func (e *NotFoundError) Error() string {
	if e.DrugID == "" {
		return fmt.Sprintf("plan %q not found in formulary", e.PlanID)
	}
	return fmt.Sprintf("no formulary entry for drug %q on plan %q", e.DrugID, e.PlanID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Coverage reason strings.
const (
	ReasonNotCovered   = "Drug not covered by plan"
	ReasonPARequired   = "Covered with prior authorization"
	ReasonNoPARequired = "Covered without prior authorization"
	stepTherapyNote    = "step therapy required"
)

// ReferenceData is the formulary a Resolver reads. Implementations return an
// error matching ErrNotFound for unknown pairs.
type ReferenceData interface {
	Rule(ctx context.Context, planID, drugID string) (*authorization.CoverageRule, error)
	Rules(ctx context.Context, planID string) ([]authorization.CoverageRule, error)
}

// Resolver resolves coverage for a (plan, drug) pair.
type Resolver struct {
	data   ReferenceData
	logger *zap.Logger
	tracer trace.Tracer
}

// NewResolver creates a resolver over data.
func NewResolver(data ReferenceData, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		data:   data,
		logger: logger,
		tracer: otel.Tracer("coverage"),
	}
}

// Resolve returns the coverage answer for planID and drugID. An unknown pair
// yields a *NotFoundError.
func (r *Resolver) Resolve(ctx context.Context, planID, drugID string) (*authorization.Coverage, error) {
	ctx, span := r.tracer.Start(ctx, "coverage_resolve",
		trace.WithAttributes(
			attribute.String("plan_id", planID),
			attribute.String("drug_id", drugID),
		))
	defer span.End()

	rule, err := r.data.Rule(ctx, planID, drugID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrNotFound) {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return nil, nf
			}
			return nil, &NotFoundError{PlanID: planID, DrugID: drugID}
		}
		return nil, fmt.Errorf("lookup coverage: %w", err)
	}

	cov := &authorization.Coverage{CoverageRule: *rule, Reason: reasonFor(rule)}
	if !rule.Covered {
		// A rule that is not covered never requires PA.
		cov.PARequired = false
	}

	span.SetAttributes(
		attribute.Bool("covered", cov.Covered),
		attribute.Bool("pa_required", cov.PARequired))
	r.logger.Debug("coverage resolved",
		zap.String("plan_id", planID),
		zap.String("drug_id", drugID),
		zap.Bool("covered", cov.Covered),
		zap.Bool("pa_required", cov.PARequired))
	return cov, nil
}

// Alternatives lists covered drugs on the plan other than excludeDrug, cheapest
// tier first, at most limit entries (10 when limit <= 0).
func (r *Resolver) Alternatives(ctx context.Context, planID, excludeDrug string, limit int) ([]authorization.CoverageRule, error) {
	if limit <= 0 {
		limit = 10
	}
	rules, err := r.data.Rules(ctx, planID)
	if err != nil {
		return nil, err
	}

	out := make([]authorization.CoverageRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Covered || strings.EqualFold(rule.DrugID, excludeDrug) {
			continue
		}
		out = append(out, rule)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].DrugID < out[j].DrugID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func reasonFor(rule *authorization.CoverageRule) string {
	switch {
	case !rule.Covered:
		return ReasonNotCovered
	case rule.PARequired && rule.StepTherapyRequired:
		return ReasonPARequired + "; " + stepTherapyNote
	case rule.PARequired:
		return ReasonPARequired
	case rule.StepTherapyRequired:
		return ReasonNoPARequired + "; " + stepTherapyNote
	default:
		return ReasonNoPARequired
	}
}
