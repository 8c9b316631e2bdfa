package coverage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/drfirst/go-priorauth/internal/domain/authorization"
)

// Table is an in-memory formulary. Plan and drug ids match case-insensitively.
// It is read-only after construction and safe for concurrent use.
type Table struct {
	rules map[string]authorization.CoverageRule
	plans map[string][]authorization.CoverageRule
}

type tableFile struct {
	Rules []authorization.CoverageRule `yaml:"rules"`
}

// NewTable builds a table. A repeated (plan, drug) pair is an error.
func NewTable(rules []authorization.CoverageRule) (*Table, error) {
	t := &Table{
		rules: make(map[string]authorization.CoverageRule, len(rules)),
		plans: make(map[string][]authorization.CoverageRule),
	}
	for i, rule := range rules {
		if rule.PlanID == "" || rule.DrugID == "" {
			return nil, fmt.Errorf("rule %d: plan_id and drug_id are required", i)
		}
		k := key(rule.PlanID, rule.DrugID)
		if _, dup := t.rules[k]; dup {
			return nil, fmt.Errorf("rule %d: duplicate entry for %s/%s", i, rule.PlanID, rule.DrugID)
		}
		t.rules[k] = rule
		p := strings.ToLower(rule.PlanID)
		t.plans[p] = append(t.plans[p], rule)
	}
	return t, nil
}

// ParseTable reads a YAML document with a top-level "rules" list.
func ParseTable(r io.Reader) (*Table, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f tableFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode formulary: %w", err)
	}
	return NewTable(f.Rules)
}

// LoadTable reads a formulary file.
func LoadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := ParseTable(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Rule implements ReferenceData.
func (t *Table) Rule(_ context.Context, planID, drugID string) (*authorization.CoverageRule, error) {
	rule, ok := t.rules[key(planID, drugID)]
	if !ok {
		if _, known := t.plans[strings.ToLower(planID)]; !known {
			return nil, &NotFoundError{PlanID: planID}
		}
		return nil, &NotFoundError{PlanID: planID, DrugID: drugID}
	}
	return &rule, nil
}

// Rules implements ReferenceData.
func (t *Table) Rules(_ context.Context, planID string) ([]authorization.CoverageRule, error) {
	rules, ok := t.plans[strings.ToLower(planID)]
	if !ok {
		return nil, &NotFoundError{PlanID: planID}
	}
	out := make([]authorization.CoverageRule, len(rules))
	copy(out, rules)
	return out, nil
}

// All returns every rule, e.g. to seed a database.
func (t *Table) All() []authorization.CoverageRule {
	out := make([]authorization.CoverageRule, 0, len(t.rules))
	for _, rules := range t.plans {
		out = append(out, rules...)
	}
	return out
}

func key(planID, drugID string) string {
	return strings.ToLower(planID) + "|" + strings.ToLower(drugID)
}
