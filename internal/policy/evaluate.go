package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
)

// Required-action hints attached to failed checks.
const (
	ActionRenewConsent     = "renew consent"
	ActionObtainConsent    = "record consent for this entity"
	ActionUpdateUses       = "update consent to include this action"
	ActionEscalateLevel    = "escalate consent level to Community Controlled or Public"
	ActionTrainingApproval = "obtain community approval for AI training"
)

// Reader is the read side of the consent ledger.
type Reader interface {
	Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error)
}

// Evaluator decides whether an action is permitted against an entity's
// governing ledger entry. It never writes.
type Evaluator struct {
	ledger Reader
	now    func() time.Time
}

// NewEvaluator creates an Evaluator reading from r. A nil clock uses time.Now.
func NewEvaluator(r Reader, now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{ledger: r, now: now}
}

// Evaluate reads the governing entry for ref and evaluates action against it.
// Store failures produce a system_error denial; the verdict is never allowed
// unless every check passed.
func (e *Evaluator) Evaluate(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) model.Verdict {
	now := e.now().UTC()

	if err := ref.Validate(); err != nil {
		v := denyVerdict(ref, action, now, model.CheckResult{
			Rule:   model.RuleConsentExists,
			Code:   model.CodeNotFound,
			Reason: err.Error(),
		})
		v.Actor = actor
		return v
	}

	entry, err := e.ledger.Current(ctx, ref)
	var v model.Verdict
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		v = EvaluateEntry(nil, action, now)
		v.Entity = ref
	case err != nil:
		v = denyVerdict(ref, action, now, model.CheckResult{
			Rule:   model.RuleSystemError,
			Code:   model.CodeSystemError,
			Reason: err.Error(),
		})
		v.Reason = "system error checking consent"
	default:
		v = EvaluateEntry(entry, action, now)
	}
	v.Actor = actor
	return v
}

// EvaluateEntry applies the governance checks to entry at time now.
//
// Evaluation order (must not be changed):
//  1. Entry exists
//  2. Not revoked
//  3. Not expired
//  4. Action in the permitted-use set
//  5. Level-specific restriction
//
// The first failure ends evaluation. Passing checks before it stay in the trail.
func EvaluateEntry(entry *model.Entry, action model.PermittedUse, now time.Time) model.Verdict {
	v := model.Verdict{Action: action, EvaluatedAt: now}

	if entry == nil {
		return fail(v, model.CheckResult{
			Rule:           model.RuleConsentExists,
			Code:           model.CodeNotFound,
			Reason:         "no consent record found",
			RequiredAction: ActionObtainConsent,
		}, "no consent record found for this entity")
	}
	v.Entity = entry.Entity
	v.EntryID = entry.ID
	v.Checks = append(v.Checks, model.Pass(model.RuleConsentExists))

	if entry.Revoked {
		reason := "consent revoked"
		if entry.RevokedAt != nil {
			reason = "consent revoked on " + entry.RevokedAt.UTC().Format(time.RFC3339)
		}
		return fail(v, model.CheckResult{
			Rule:   model.RuleNotRevoked,
			Code:   model.CodeRevoked,
			Reason: reason,
		}, "consent has been revoked")
	}
	v.Checks = append(v.Checks, model.Pass(model.RuleNotRevoked))

	if entry.ExpiredAt(now) {
		return fail(v, model.CheckResult{
			Rule:           model.RuleNotExpired,
			Code:           model.CodeExpired,
			Reason:         "consent expired on " + entry.ExpiresAt.UTC().Format(time.RFC3339),
			RequiredAction: ActionRenewConsent,
		}, "consent has expired")
	}
	v.Checks = append(v.Checks, model.Pass(model.RuleNotExpired))

	if check := checkPermitted(entry, action); !check.Passed {
		return fail(v, check, fmt.Sprintf("action %q not permitted", action))
	}
	v.Checks = append(v.Checks, model.Pass(model.RuleActionPermitted))

	if check := CheckLevel(entry, action); !check.Passed {
		return fail(v, check, check.Reason)
	}
	v.Checks = append(v.Checks, model.Pass(model.RuleLevelRestriction))

	v.Allowed = true
	return v
}

func checkPermitted(entry *model.Entry, action model.PermittedUse) model.CheckResult {
	if !action.Valid() {
		return model.CheckResult{
			Rule:   model.RuleActionPermitted,
			Code:   model.CodeActionNotPermitted,
			Reason: fmt.Sprintf("unknown action %q", action),
		}
	}
	if entry.Permits(action) {
		return model.Pass(model.RuleActionPermitted)
	}
	uses := make([]string, len(entry.PermittedUses))
	for i, u := range entry.PermittedUses {
		uses[i] = string(u)
	}
	listed := strings.Join(uses, ", ")
	if listed == "" {
		listed = "none"
	}
	return model.CheckResult{
		Rule:           model.RuleActionPermitted,
		Code:           model.CodeActionNotPermitted,
		Reason:         fmt.Sprintf("action %q not in permitted uses: %s", action, listed),
		RequiredAction: ActionUpdateUses,
	}
}

// CheckLevel applies the restriction of the entry's consent level to action.
// Levels outside the closed set fail.
func CheckLevel(entry *model.Entry, action model.PermittedUse) model.CheckResult {
	restrict := func(reason, required string) model.CheckResult {
		return model.CheckResult{
			Rule:           model.RuleLevelRestriction,
			Code:           model.CodeLevelRestriction,
			Reason:         reason,
			RequiredAction: required,
		}
	}

	switch entry.Level {
	case model.LevelPublic:
		return model.Pass(model.RuleLevelRestriction)
	case model.LevelCommunity:
		if action == model.UseTrainingAI && entry.TrainingOverride == nil {
			return restrict("Community Controlled entities require explicit permission for AI training",
				ActionTrainingApproval)
		}
		return model.Pass(model.RuleLevelRestriction)
	case model.LevelPrivate:
		if action != model.UseQueryInternal {
			return restrict("Strictly Private entities can only be queried internally", ActionEscalateLevel)
		}
		return model.Pass(model.RuleLevelRestriction)
	default:
		return restrict(fmt.Sprintf("unknown consent level %q", entry.Level), "")
	}
}

func fail(v model.Verdict, check model.CheckResult, summary string) model.Verdict {
	v.Allowed = false
	v.Checks = append(v.Checks, check)
	v.Reason = summary
	return v
}

func denyVerdict(ref model.EntityRef, action model.PermittedUse, now time.Time, check model.CheckResult) model.Verdict {
	return fail(model.Verdict{Entity: ref, Action: action, EvaluatedAt: now}, check, check.Reason)
}
