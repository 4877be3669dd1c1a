package rules

import (
	"errors"
	"fmt"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/services/validation"
)

type compiledRule struct {
	rule      models.EvaluationRule
	expr      *Expr
	validator Validator
	params    Params
}

// Program is a policy compiled for evaluation. Programs are immutable and
// safe for concurrent use.
type Program struct {
	Policy   *models.Policy
	Schema   *validation.Schema
	rules    []compiledRule
	stateful bool
}

// Compile checks a policy document and prepares its rules. Unknown ops,
// unknown validators and malformed conditions are load-time errors.
func Compile(p *models.Policy, reg *Registry) (*Program, error) {
	if p == nil {
		return nil, errors.New("policy is nil")
	}
	if p.ID == "" {
		return nil, errors.New("policy id is required")
	}
	if p.Version == "" {
		return nil, fmt.Errorf("policy %s: version is required", p.ID)
	}
	if p.MinAssurance != "" && !p.MinAssurance.Valid() {
		return nil, fmt.Errorf("policy %s: unknown min_assurance %q", p.ID, p.MinAssurance)
	}
	if reg == nil {
		reg = NewRegistry()
	}

	schema, err := validation.Compile(p)
	if err != nil {
		return nil, err
	}
	prog := &Program{Policy: p, Schema: schema}

	seen := make(map[string]bool, len(p.EvaluationRules))
	for i, r := range p.EvaluationRules {
		if r.Name == "" {
			return nil, fmt.Errorf("policy %s: rule %d has no name", p.ID, i)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("policy %s: duplicate rule %q", p.ID, r.Name)
		}
		seen[r.Name] = true
		if r.DenyCode == "" {
			return nil, fmt.Errorf("policy %s: rule %q has no deny_code", p.ID, r.Name)
		}

		cr := compiledRule{rule: r, params: Params(r.Params)}
		switch r.Type {
		case models.RuleTypeExpression:
			expr, err := ParseExpr(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("policy %s: rule %q: %w", p.ID, r.Name, err)
			}
			cr.expr = expr
		case models.RuleTypeCustomValidator:
			v, ok := reg.Get(r.Validator)
			if !ok {
				return nil, fmt.Errorf("policy %s: rule %q: unknown validator %q", p.ID, r.Name, r.Validator)
			}
			if v.CheckParams != nil {
				if err := v.CheckParams(cr.params); err != nil {
					return nil, fmt.Errorf("policy %s: rule %q: %w", p.ID, r.Name, err)
				}
			}
			cr.validator = v
			prog.stateful = prog.stateful || v.Stateful
		default:
			return nil, fmt.Errorf("policy %s: rule %q: unknown type %q", p.ID, r.Name, r.Type)
		}
		prog.rules = append(prog.rules, cr)
	}

	return prog, nil
}

// MustCompile is Compile for policies known to be valid
func MustCompile(p *models.Policy, reg *Registry) *Program {
	prog, err := Compile(p, reg)
	if err != nil {
		panic(err)
	}
	return prog
}

// Stateful reports whether any rule reads an external store
func (p *Program) Stateful() bool {
	return p.stateful
}

// RuleNames returns the rule names in evaluation order
func (p *Program) RuleNames() []string {
	names := make([]string, len(p.rules))
	for i, r := range p.rules {
		names[i] = r.rule.Name
	}
	return names
}

// RuleDenyCode returns the deny code of the first rule using validator
func (p *Program) RuleDenyCode(validator string) (string, bool) {
	for _, r := range p.rules {
		if r.rule.Type == models.RuleTypeCustomValidator && r.rule.Validator == validator {
			return r.rule.DenyCode, true
		}
	}
	return "", false
}
