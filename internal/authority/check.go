package authority

import (
	"strings"

	"github.com/ppiankov/consentgate/internal/model"
)

// RequiredAction is the remediation hint attached to a missing authority.
const RequiredAction = "specify who holds authority over this knowledge"

// Validate checks that non-public levels name who holds cultural authority.
// Public Knowledge Commons passes trivially. Unknown levels fail closed.
func Validate(level model.ConsentLevel, culturalAuthority string) model.CheckResult {
	switch level {
	case model.LevelPublic:
		return model.Pass(model.RuleCulturalAuthority)
	case model.LevelCommunity, model.LevelPrivate:
		if strings.TrimSpace(culturalAuthority) == "" {
			return model.CheckResult{
				Rule:           model.RuleCulturalAuthority,
				Code:           model.CodeCulturalAuthorityRequired,
				Reason:         "cultural authority required for " + level.Label(),
				RequiredAction: RequiredAction,
			}
		}
		return model.Pass(model.RuleCulturalAuthority)
	default:
		return model.CheckResult{
			Rule:   model.RuleCulturalAuthority,
			Code:   model.CodeInvalidConsent,
			Reason: "unknown consent level " + string(level),
		}
	}
}

// ValidateEntry re-validates an existing ledger entry.
func ValidateEntry(e *model.Entry) model.CheckResult {
	if e == nil {
		return model.CheckResult{
			Rule:   model.RuleCulturalAuthority,
			Code:   model.CodeNotFound,
			Reason: "no consent record found",
		}
	}
	return Validate(e.Level, e.CulturalAuthority)
}
