// Package gate decides whether a shell command requested by the agent may run.
//
// A Gate holds an immutable allowlist of rules. Each rule names one program
// and one rule kind; the kind selects the check applied to the arguments.
// Evaluation is pure: no I/O, no state mutation, same input same answer.
package gate

import (
	"errors"
	"fmt"
	"sort"
)

// Reason is the machine-readable code attached to a denial.
type Reason string

const (
	// ReasonNone is the empty reason carried by an allowed decision.
	ReasonNone Reason = ""
	// ReasonNotAllowlisted means the program has no rule.
	ReasonNotAllowlisted Reason = "NOT_ALLOWLISTED"
	// ReasonConstraintViolation means the program has a rule but the arguments break it.
	ReasonConstraintViolation Reason = "CONSTRAINT_VIOLATION"
	// ReasonMalformed means the command line could not be tokenized safely.
	ReasonMalformed Reason = "MALFORMED_COMMAND"
)

// ErrPolicyInvalid is returned when a policy cannot be turned into a gate.
var ErrPolicyInvalid = errors.New("invalid command policy")

// Request is a single command the agent wants to run.
type Request struct {
	Program string
	Args    []string
}

// Decision is the gate's answer for one request.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Gate evaluates requests against an allowlist.
type Gate struct {
	rules map[string]Rule
}

// New builds a gate from a policy, validating every rule.
func New(policy Policy) (*Gate, error) {
	g := &Gate{rules: make(map[string]Rule, len(policy.Rules))}
	for i, rule := range policy.Rules {
		if err := rule.validate(); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrPolicyInvalid, i, err)
		}
		if _, dup := g.rules[rule.Program]; dup {
			return nil, fmt.Errorf("%w: duplicate rule for %q", ErrPolicyInvalid, rule.Program)
		}
		g.rules[rule.Program] = rule
	}
	return g, nil
}

// Default returns a gate built from DefaultPolicy.
func Default() *Gate {
	g, err := New(DefaultPolicy())
	if err != nil {
		panic("gate: default policy invalid: " + err.Error())
	}
	return g
}

// Evaluate decides a single request.
func (g *Gate) Evaluate(req Request) Decision {
	if req.Program == "" {
		return deny(ReasonMalformed, "empty command")
	}
	rule, ok := g.lookup(req.Program)
	if !ok {
		return deny(ReasonNotAllowlisted, "command %q is not in the allowlist", req.Program)
	}
	return rule.check(req)
}

// lookup finds the rule for a program. Script rules are keyed by the base
// name so that "./init.sh" resolves to the "init.sh" rule; all other kinds
// require an exact program match.
func (g *Gate) lookup(program string) (Rule, bool) {
	if rule, ok := g.rules[program]; ok {
		return rule, true
	}
	if rule, ok := g.rules[baseName(program)]; ok && rule.Kind == KindScript {
		return rule, true
	}
	return Rule{}, false
}

// Rules returns the gate's rules sorted by program name.
func (g *Gate) Rules() []Rule {
	out := make([]Rule, 0, len(g.rules))
	for _, r := range g.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Program < out[j].Program })
	return out
}
