// Package routing selects a backend for an agent using ordered expression
// rules, e.g. `agent startsWith "claude"`.
package routing

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env holds the variables available to rule expressions.
type Env struct {
	Agent      string `expr:"agent"`
	SessionKey string `expr:"sessionKey"`
	Mode       string `expr:"mode"`
	Cwd        string `expr:"cwd"`
}

// Rule routes matching requests to Backend.
type Rule struct {
	When    string `yaml:"when" json:"when"`
	Backend string `yaml:"backend" json:"backend"`
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// Router evaluates rules in order; the first match wins.
type Router struct {
	rules    []compiledRule
	fallback string
}

// New compiles rules. fallback is used when no rule matches.
func New(rules []Rule, fallback string) (*Router, error) {
	r := &Router{fallback: fallback}
	for i, rule := range rules {
		if rule.Backend == "" {
			return nil, fmt.Errorf("routing rule %d: backend is required", i)
		}
		if rule.When == "" {
			return nil, fmt.Errorf("routing rule %d: empty expression", i)
		}
		program, err := expr.Compile(rule.When, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("routing rule %d: expression compile error: %w", i, err)
		}
		r.rules = append(r.rules, compiledRule{Rule: rule, program: program})
	}
	return r, nil
}

// Resolve returns the backend for env. An explicit override wins over the
// rules.
func (r *Router) Resolve(env Env, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	for _, rule := range r.rules {
		out, err := expr.Run(rule.program, env)
		if err != nil {
			return "", fmt.Errorf("expression eval error for %q: %w", rule.When, err)
		}
		if matched, _ := out.(bool); matched {
			return rule.Backend, nil
		}
	}
	if r.fallback == "" {
		return "", fmt.Errorf("no backend matches agent %q", env.Agent)
	}
	return r.fallback, nil
}

// Backends lists every backend named by a rule or the fallback.
func (r *Router) Backends() []string {
	seen := make(map[string]bool)
	var out []string
	for _, rule := range r.rules {
		if !seen[rule.Backend] {
			seen[rule.Backend] = true
			out = append(out, rule.Backend)
		}
	}
	if r.fallback != "" && !seen[r.fallback] {
		out = append(out, r.fallback)
	}
	return out
}
