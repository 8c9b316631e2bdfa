package coverage

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"
)

const formularyYAML = `
rules:
  - plan_id: BlueCross PPO
    drug_id: Ozempic
    covered: true
    pa_required: true
    criteria_text: "BMI > 30 AND HbA1c > 7.5"
    estimated_cost: 950
    tier: 3
    step_therapy_required: true
  - plan_id: BlueCross PPO
    drug_id: Metformin
    covered: true
    pa_required: false
    estimated_cost: 10
    tier: 1
  - plan_id: BlueCross PPO
    drug_id: Wegovy
    covered: false
    pa_required: true
    tier: 4
  - plan_id: Aetna HMO
    drug_id: Ozempic
    covered: true
    pa_required: true
    tier: 2
`

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	table, err := ParseTable(strings.NewReader(formularyYAML))
	if err != nil {
		t.Fatalf("ParseTable() error = %v", err)
	}
	return NewResolver(table, zaptest.NewLogger(t))
}

func TestResolve(t *testing.T) {
	r := newResolver(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		plan, drug string
		covered    bool
		paRequired bool
		reason     string
	}{
		{"pa required", "BlueCross PPO", "Ozempic", true, true, ReasonPARequired + "; step therapy required"},
		{"case insensitive", "bluecross ppo", "OZEMPIC", true, true, ReasonPARequired + "; step therapy required"},
		{"no pa", "BlueCross PPO", "Metformin", true, false, ReasonNoPARequired},
		{"not covered clears pa", "BlueCross PPO", "Wegovy", false, false, ReasonNotCovered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cov, err := r.Resolve(ctx, tt.plan, tt.drug)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if cov.Covered != tt.covered || cov.PARequired != tt.paRequired {
				t.Errorf("covered=%v pa=%v, want covered=%v pa=%v", cov.Covered, cov.PARequired, tt.covered, tt.paRequired)
			}
			if cov.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", cov.Reason, tt.reason)
			}
		})
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newResolver(t)

	for _, pair := range [][2]string{{"BlueCross PPO", "Mounjaro"}, {"Unknown Plan", "Ozempic"}} {
		_, err := r.Resolve(context.Background(), pair[0], pair[1])
		if err == nil {
			t.Fatalf("Resolve(%v) expected error", pair)
		}
		var nf *NotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("error %v is not a *NotFoundError", err)
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("errors.Is(err, ErrNotFound) = false for %v", err)
		}
		if nf.PlanID != pair[0] {
			t.Errorf("PlanID = %q, want %q", nf.PlanID, pair[0])
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	r := newResolver(t)
	first, err := r.Resolve(context.Background(), "Aetna HMO", "Ozempic")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		got, err := r.Resolve(context.Background(), "Aetna HMO", "Ozempic")
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(*got, *first) {
			t.Fatalf("Resolve() call %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestAlternatives(t *testing.T) {
	r := newResolver(t)

	alts, err := r.Alternatives(context.Background(), "BlueCross PPO", "Ozempic", 0)
	if err != nil {
		t.Fatalf("Alternatives() error = %v", err)
	}
	if len(alts) != 1 || alts[0].DrugID != "Metformin" {
		t.Fatalf("Alternatives() = %+v, want only Metformin", alts)
	}

	if _, err := r.Alternatives(context.Background(), "Nope", "Ozempic", 5); !errors.Is(err, ErrNotFound) {
		t.Errorf("Alternatives(unknown plan) error = %v, want ErrNotFound", err)
	}
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := ParseTable(strings.NewReader(`
rules:
  - {plan_id: A, drug_id: X, covered: true}
  - {plan_id: a, drug_id: x, covered: false}
`))
	if err == nil {
		t.Fatal("expected duplicate entry error")
	}
}

func TestParseTableRejectsUnknownFields(t *testing.T) {
	_, err := ParseTable(strings.NewReader(`
rules:
  - {plan_id: A, drug_id: X, covred: true}
`))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}
