package authorization_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
	"github.com/drfirst/go-priorauth/internal/infrastructure/postgres/postgrestest"
)

func TestRepositoryRoundTrip(t *testing.T) {
	pool := postgrestest.Pool(t, 0)
	ctx := context.Background()
	repo := authorization.NewRepository(pool, authorization.DefaultRepositoryConfig(), zaptest.NewLogger(t))

	rec := authorization.NewDecisionRecord("WF_1_P1_WEGOVY", "P1", "Wegovy", authorization.Requester{ClientID: "clinic-1"})
	ref := rec.Trace(authorization.StageTrace{Stage: authorization.StageCoverage, Output: map[string]bool{"covered": false}})
	if err := rec.Transition(authorization.StateCoverageChecked, authorization.StageCoverage, ref, ""); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(rec.Changes()) != 0 {
		t.Errorf("Save left %d pending entries", len(rec.Changes()))
	}

	if err := rec.Transition(authorization.StateNotCovered, authorization.StageCoverage, ref, "not on formulary"); err != nil {
		t.Fatal(err)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded, err := repo.Load(ctx, rec.WorkflowID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.State != authorization.StateTerminal || loaded.Outcome != authorization.StateNotCovered {
		t.Errorf("loaded state %s outcome %s", loaded.State, loaded.Outcome)
	}
	if loaded.Version() != rec.Version() || len(loaded.AuditTrail()) != len(rec.AuditTrail()) {
		t.Errorf("loaded version %d with %d entries, want %d", loaded.Version(), len(loaded.AuditTrail()), rec.Version())
	}

	trail, err := repo.GetAuditTrail(ctx, rec.WorkflowID)
	if err != nil {
		t.Fatalf("GetAuditTrail() error = %v", err)
	}
	outcome, err := authorization.VerifyComplete(trail)
	if err != nil || outcome != authorization.StateNotCovered {
		t.Errorf("VerifyComplete() = %s, %v", outcome, err)
	}

	ids, err := repo.ListByOutcome(ctx, authorization.StateNotCovered, 10)
	if err != nil || len(ids) != 1 || ids[0] != rec.WorkflowID {
		t.Errorf("ListByOutcome() = %v, %v", ids, err)
	}

	var audit, decisions int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE topic = 'audit.trail'),
		       COUNT(*) FILTER (WHERE topic = 'pa.decisions')
		FROM outbox WHERE workflow_id = $1`, rec.WorkflowID).Scan(&audit, &decisions)
	if err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if audit != len(rec.AuditTrail()) || decisions != 1 {
		t.Errorf("outbox has %d audit and %d decision entries, want %d and 1", audit, decisions, len(rec.AuditTrail()))
	}

	if _, err := repo.Load(ctx, "WF_missing"); !errors.Is(err, authorization.ErrRecordNotFound) {
		t.Errorf("Load(missing) error = %v", err)
	}
}
