package settlement

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
)

// Policy is the declarative, versioned decision rule mapping an oracle's
// numeric result to approve/reject. Threshold and comparison operator live in
// configuration, never in code.
type Policy struct {
	Version    string  `yaml:"version" json:"version"`
	Expression string  `yaml:"expression" json:"expression"`
	Threshold  float64 `yaml:"threshold" json:"threshold"`
}

// DecisionPolicy is a compiled Policy.
type DecisionPolicy struct {
	raw       Policy
	version   *semver.Version
	program   cel.Program
	threshold float64
}

// NewDecisionPolicy validates the version, compiles the CEL expression, and
// returns an evaluator. The expression sees `result` and `threshold` as
// doubles and must evaluate to a bool; true means approved.
func NewDecisionPolicy(p Policy) (*DecisionPolicy, error) {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return nil, fmt.Errorf("decision policy version %q: %w", p.Version, err)
	}

	env, err := cel.NewEnv(
		cel.Variable("result", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("decision policy env: %w", err)
	}
	ast, issues := env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("decision policy expression: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("decision policy expression must yield bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("decision policy program: %w", err)
	}

	return &DecisionPolicy{raw: p, version: v, program: prg, threshold: p.Threshold}, nil
}

// Evaluate applies the rule to an oracle result.
func (d *DecisionPolicy) Evaluate(result float64) (Decision, error) {
	out, _, err := d.program.Eval(map[string]any{
		"result":    result,
		"threshold": d.threshold,
	})
	if err != nil {
		return DecisionPending, fmt.Errorf("evaluate decision policy v%s: %w", d.version, err)
	}
	approved, ok := out.Value().(bool)
	if !ok {
		return DecisionPending, fmt.Errorf("decision policy v%s returned %T, want bool", d.version, out.Value())
	}
	if approved {
		return DecisionApproved, nil
	}
	return DecisionRejected, nil
}

// Version returns the policy's semantic version string.
func (d *DecisionPolicy) Version() string { return d.version.String() }

// SelectLatest compiles the highest-versioned policy from candidates.
// Deployments ship the full policy history; the newest one is active.
func SelectLatest(candidates []Policy) (*DecisionPolicy, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no decision policies configured")
	}
	var best Policy
	var bestVer *semver.Version
	for _, p := range candidates {
		v, err := semver.NewVersion(p.Version)
		if err != nil {
			return nil, fmt.Errorf("decision policy version %q: %w", p.Version, err)
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = p, v
		}
	}
	return NewDecisionPolicy(best)
}
