package coverage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// PostgresStore reads the formulary table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const ruleColumns = `plan_id, drug_id, covered, pa_required, criteria_text,
	estimated_cost::float8, tier, step_therapy_required, quantity_limit`

func scanRule(row pgx.CollectableRow) (authorization.CoverageRule, error) {
	var r authorization.CoverageRule
	err := row.Scan(&r.PlanID, &r.DrugID, &r.Covered, &r.PARequired, &r.CriteriaText,
		&r.EstimatedCost, &r.Tier, &r.StepTherapyRequired, &r.QuantityLimit)
	return r, err
}

// Rule implements ReferenceData.
func (s *PostgresStore) Rule(ctx context.Context, planID, drugID string) (*authorization.CoverageRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM formulary
		WHERE lower(plan_id) = lower($1) AND lower(drug_id) = lower($2)`, planID, drugID)
	if err != nil {
		return nil, err
	}
	rule, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &NotFoundError{PlanID: planID, DrugID: drugID}
		}
		return nil, fmt.Errorf("query formulary: %w", err)
	}
	return &rule, nil
}

// Rules implements ReferenceData.
func (s *PostgresStore) Rules(ctx context.Context, planID string) ([]authorization.CoverageRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+ruleColumns+` FROM formulary
		WHERE lower(plan_id) = lower($1) ORDER BY tier, drug_id`, planID)
	if err != nil {
		return nil, err
	}
	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, fmt.Errorf("query formulary: %w", err)
	}
	if len(rules) == 0 {
		return nil, &NotFoundError{PlanID: planID}
	}
	return rules, nil
}

// Upsert writes rules in one batch.
func (s *PostgresStore) Upsert(ctx context.Context, rules []authorization.CoverageRule) error {
	batch := &pgx.Batch{}
	for _, r := range rules {
		batch.Queue(`
			INSERT INTO formulary (plan_id, drug_id, covered, pa_required, criteria_text,
				estimated_cost, tier, step_therapy_required, quantity_limit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (plan_id, drug_id) DO UPDATE
			SET covered = EXCLUDED.covered, pa_required = EXCLUDED.pa_required,
			    criteria_text = EXCLUDED.criteria_text, estimated_cost = EXCLUDED.estimated_cost,
			    tier = EXCLUDED.tier, step_therapy_required = EXCLUDED.step_therapy_required,
			    quantity_limit = EXCLUDED.quantity_limit
		`, r.PlanID, r.DrugID, r.Covered, r.PARequired, r.CriteriaText,
			r.EstimatedCost, r.Tier, r.StepTherapyRequired, r.QuantityLimit)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert formulary: %w", err)
	}
	return nil
}
