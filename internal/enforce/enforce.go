package enforce

import (
	"context"
	"fmt"
	"strings"

	"github.com/ppiankov/consentgate/internal/model"
)

// Evaluator produces a verdict for one action against one entity.
type Evaluator interface {
	Evaluate(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) model.Verdict
}

// GovernanceViolation is raised when the consent gate blocks an action.
// It carries the full check trail so callers can render it to an operator.
type GovernanceViolation struct {
	Entity model.EntityRef
	Action model.PermittedUse
	Actor  string
	Reason string
	Checks []model.CheckResult
}

func (e *GovernanceViolation) Error() string {
	return fmt.Sprintf("governance violation (%s): %s on %s: %s", e.Code(), e.Action, e.Entity, e.Reason)
}

// Failed returns the checks that did not pass.
func (e *GovernanceViolation) Failed() []model.CheckResult {
	var out []model.CheckResult
	for _, c := range e.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Code returns the code of the first failed check.
func (e *GovernanceViolation) Code() model.Code {
	for _, c := range e.Checks {
		if !c.Passed {
			return c.Code
		}
	}
	return model.CodeSystemError
}

// SystemError reports whether the gate denied because it could not determine
// consent, as opposed to a policy denial.
func (e *GovernanceViolation) SystemError() bool {
	return e.Code() == model.CodeSystemError
}

// Explain renders the violation with every check, one per line.
func (e *GovernanceViolation) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Blocked: %s on %s", e.Action, e.Entity)
	if e.Actor != "" {
		fmt.Fprintf(&b, " by %s", e.Actor)
	}
	fmt.Fprintf(&b, "\nReason: %s\n", e.Reason)
	for _, c := range e.Checks {
		mark := "PASS"
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  [%s] %s", mark, c.Rule)
		if c.Reason != "" {
			fmt.Fprintf(&b, ": %s", c.Reason)
		}
		b.WriteString("\n")
		if c.RequiredAction != "" {
			fmt.Fprintf(&b, "         required: %s\n", c.RequiredAction)
		}
	}
	return b.String()
}

// FromVerdict returns nil for an allowed verdict and a *GovernanceViolation
// otherwise.
func FromVerdict(v model.Verdict) error {
	if v.Allowed {
		return nil
	}
	reason := v.Reason
	if reason == "" {
		if failed := v.Failed(); len(failed) > 0 {
			reason = failed[0].Reason
		} else {
			reason = "denied"
		}
	}
	checks := v.Checks
	if len(v.Failed()) == 0 {
		// A denial with no failed check is treated as undeterminable.
		checks = append(append([]model.CheckResult{}, checks...), model.CheckResult{
			Rule:   model.RuleSystemError,
			Code:   model.CodeSystemError,
			Reason: reason,
		})
	}
	return &GovernanceViolation{
		Entity: v.Entity,
		Action: v.Action,
		Actor:  v.Actor,
		Reason: reason,
		Checks: checks,
	}
}

// Enforcer turns evaluator verdicts into errors.
type Enforcer struct {
	eval Evaluator
}

// NewEnforcer creates an Enforcer backed by eval.
func NewEnforcer(eval Evaluator) *Enforcer {
	return &Enforcer{eval: eval}
}

// Enforce evaluates action and returns a *GovernanceViolation on denial.
// The verdict is returned in both cases.
func (e *Enforcer) Enforce(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) (model.Verdict, error) {
	v := e.eval.Evaluate(ctx, ref, action, actor)
	return v, FromVerdict(v)
}
