package safety

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

// RuleSpec is the policy-file form of an escalation rule.
type RuleSpec struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Expr        string `yaml:"expr" json:"expr"`
}

// Rule is a compiled CEL escalation rule. A rule that evaluates to true turns
// an allow verdict into require_human. Rules cannot relax any verdict.
type Rule struct {
	ID   string
	Expr string
	desc string
	prg  cel.Program
}

var ruleEnv = mustRuleEnv()

func mustRuleEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("decision", cel.DynType),
		cel.Variable("collective", cel.DynType),
		cel.Variable("trust", cel.DynType),
		cel.Variable("environment", cel.DynType),
		cel.Variable("action_class", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("safety: failed to create CEL environment: %v", err))
	}
	return env
}

// CompileRule compiles a rule spec. The expression must evaluate to a bool.
func CompileRule(spec RuleSpec) (*Rule, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("escalation rule: id is required")
	}
	ast, issues := ruleEnv.Compile(spec.Expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("escalation rule %s: compile: %w", spec.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("escalation rule %s: expression must be bool, got %s", spec.ID, ast.OutputType())
	}
	prg, err := ruleEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("escalation rule %s: program: %w", spec.ID, err)
	}
	return &Rule{ID: spec.ID, Expr: spec.Expr, desc: spec.Description, prg: prg}, nil
}

// CompileRules compiles all specs, stopping at the first failure.
func CompileRules(specs []RuleSpec) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(specs))
	for _, s := range specs {
		r, err := CompileRule(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// RuleID is the identifier recorded in a verdict when this rule fires.
func (r *Rule) RuleID() string { return "rule." + r.ID }

// Description falls back to the expression text.
func (r *Rule) Description() string {
	if r.desc != "" {
		return r.desc
	}
	return r.Expr
}

// Matches evaluates the rule against the gate input.
func (r *Rule) Matches(in Input) (bool, error) {
	activation, err := activationFor(in)
	if err != nil {
		return false, err
	}
	out, _, err := r.prg.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

func activationFor(in Input) (map[string]any, error) {
	vars := map[string]any{
		"action_class": string(in.ActionClass()),
		"tenant_id":    in.TenantID(),
	}
	for name, v := range map[string]any{
		"decision":    in.Decision,
		"collective":  in.Collective,
		"trust":       in.Trust,
		"environment": in.Env,
	} {
		n, err := canonicalize.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("activation %s: %w", name, err)
		}
		vars[name] = n
	}
	return vars, nil
}
