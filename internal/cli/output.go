package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ppiankov/consentgate/internal/model"
)

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func formatVerdict(v model.Verdict) string {
	var b strings.Builder
	if v.Allowed {
		fmt.Fprintf(&b, "ALLOW  %s on %s\n", v.Action, v.Entity)
	} else {
		fmt.Fprintf(&b, "DENY   %s on %s (%s)\n", v.Action, v.Entity, v.Code())
		fmt.Fprintf(&b, "  reason: %s\n", v.Reason)
	}
	for _, c := range v.Checks {
		mark := "ok  "
		if !c.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "  %s %s", mark, c.Rule)
		if c.Reason != "" && !c.Passed {
			fmt.Fprintf(&b, ": %s", c.Reason)
		}
		if c.RequiredAction != "" {
			fmt.Fprintf(&b, " (next: %s)", c.RequiredAction)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatEntry(e model.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s  %s\n", e.Seq, e.ID, e.Level.Label())
	fmt.Fprintf(&b, "  uses:       %s\n", joinUses(e.PermittedUses))
	if e.CulturalAuthority != "" {
		fmt.Fprintf(&b, "  authority:  %s\n", e.CulturalAuthority)
	}
	fmt.Fprintf(&b, "  given:      %s by %s\n", e.GivenAt.Format(time.RFC3339), e.GivenBy)
	if e.ExpiresAt != nil {
		fmt.Fprintf(&b, "  expires:    %s\n", e.ExpiresAt.Format(time.RFC3339))
	}
	if e.TrainingOverride != nil {
		fmt.Fprintf(&b, "  training:   override by %s\n", e.TrainingOverride.GrantedBy)
	}
	if e.Revoked {
		at := ""
		if e.RevokedAt != nil {
			at = e.RevokedAt.Format(time.RFC3339) + " "
		}
		fmt.Fprintf(&b, "  REVOKED     %sby %s", at, e.RevokedBy)
		if e.RevocationReason != "" {
			fmt.Fprintf(&b, ": %s", e.RevocationReason)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatUsage(h *model.UsageHistory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d usage records, total revenue %.2f\n", h.Entity, len(h.Entries), h.TotalRevenue)
	for _, e := range h.Entries {
		fmt.Fprintf(&b, "  %s  %-16s %s", e.CreatedAt.Format(time.RFC3339), e.Action, orDash(e.ActorID))
		if e.Revenue != nil {
			fmt.Fprintf(&b, "  %.2f", *e.Revenue)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func joinUses(uses []model.PermittedUse) string {
	if len(uses) == 0 {
		return "none"
	}
	parts := make([]string, len(uses))
	for i, u := range uses {
		parts[i] = string(u)
	}
	return strings.Join(parts, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
