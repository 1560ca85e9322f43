package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is one operator-configured expression evaluated between the built-in
// label checks and the quota. Expressions see the mutation as flat
// variables; a rule whose expression evaluates true decides with its
// configured outcome.
type Rule struct {
	Name       string  `yaml:"name" json:"name"`
	Expr       string  `yaml:"expr" json:"expr"`
	Outcome    Outcome `yaml:"outcome" json:"outcome"`
	ReasonCode string  `yaml:"reason_code" json:"reason_code"`
}

// RuleSet holds compiled rules in evaluation order.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	rule Rule
	prog cel.Program
}

// CompileRules builds a RuleSet. Compilation failures name the offending
// rule; a misconfigured rule must fail startup, not silently allow.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("room_id", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("target_host", cel.StringType),
		cel.Variable("purpose_tag", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: build rule env: %w", err)
	}

	rs := &RuleSet{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("policy: rule %q: expression must be boolean", r.Name)
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		if r.Outcome != Deny && r.Outcome != RequireApproval {
			return nil, fmt.Errorf("policy: rule %q: outcome must be deny or require_approval", r.Name)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, prog: prog})
	}
	return rs, nil
}

// Eval returns the first rule whose expression is true, or nil.
func (rs *RuleSet) Eval(in *Input) (*Rule, error) {
	if rs == nil || len(rs.rules) == 0 {
		return nil, nil
	}
	vars := map[string]any{
		"action":      in.Action,
		"actor_type":  string(in.ActorType),
		"actor_id":    in.ActorID,
		"room_id":     in.RoomID,
		"tool":        in.Tool,
		"target_host": hostOf(in.TargetURL),
		"purpose_tag": in.PurposeTag,
	}
	for _, cr := range rs.rules {
		out, _, err := cr.prog.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("policy: eval rule %q: %w", cr.rule.Name, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			r := cr.rule
			return &r, nil
		}
	}
	return nil, nil
}
