package model

import "time"

// Rule names one governance check in an evaluation trail.
type Rule string

const (
	RuleConsentExists     Rule = "consent_exists"
	RuleNotRevoked        Rule = "consent_not_revoked"
	RuleNotExpired        Rule = "consent_not_expired"
	RuleActionPermitted   Rule = "action_permitted"
	RuleLevelRestriction  Rule = "consent_level_restriction"
	RuleCulturalAuthority Rule = "cultural_authority_required"
	RuleSystemError       Rule = "system_error"
)

// Code classifies why a check failed.
type Code string

const (
	CodeNotFound                  Code = "not_found"
	CodeRevoked                   Code = "revoked"
	CodeExpired                   Code = "expired"
	CodeActionNotPermitted        Code = "action_not_permitted"
	CodeLevelRestriction          Code = "level_restriction"
	CodeCulturalAuthorityRequired Code = "cultural_authority_required"
	CodeInvalidConsent            Code = "invalid_consent"
	CodeSystemError               Code = "system_error"
)

// Decision is the gate outcome recorded in audit and alert events.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// CheckResult is one pass/fail step of an evaluation.
type CheckResult struct {
	Rule           Rule   `json:"rule"`
	Passed         bool   `json:"passed"`
	Code           Code   `json:"code,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RequiredAction string `json:"required_action,omitempty"`
}

// Pass returns a passing check for rule.
func Pass(rule Rule) CheckResult {
	return CheckResult{Rule: rule, Passed: true}
}

// Verdict is the outcome of evaluating one action against an entity.
type Verdict struct {
	Allowed     bool          `json:"allowed"`
	Entity      EntityRef     `json:"entity"`
	Action      PermittedUse  `json:"action"`
	Actor       string        `json:"actor,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	EntryID     string        `json:"entry_id,omitempty"`
	Checks      []CheckResult `json:"checks"`
	EvaluatedAt time.Time     `json:"evaluated_at"`
}

// Decision maps Allowed to a Decision value.
func (v Verdict) Decision() Decision {
	if v.Allowed {
		return Allow
	}
	return Deny
}

// Failed returns the checks that did not pass.
func (v Verdict) Failed() []CheckResult {
	var out []CheckResult
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Code returns the code of the first failed check, or "" when allowed.
func (v Verdict) Code() Code {
	for _, c := range v.Checks {
		if !c.Passed {
			return c.Code
		}
	}
	return ""
}
