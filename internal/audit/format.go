package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

var opLabels = map[string]string{
	OpGrant:       "GRANT",
	OpRevoke:      "REVOKE",
	OpDeny:        "DENY",
	OpSystemError: "SYSERR",
}

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	subject := result.Entity
	if subject == "" {
		subject = "all entities"
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("Entity: %s | No entries found.\n", subject)
	}

	var b strings.Builder

	first := formatDateTime(result.Summary.FirstTimestamp)
	last := formatDateTime(result.Summary.LastTimestamp)
	fmt.Fprintf(&b, "Entity: %s | %s to %s UTC\n", subject, first, last)
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(FormatEntry(e))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatEntry renders one entry as a single timeline row.
func FormatEntry(e AuditEntry) string {
	label, ok := opLabels[e.Operation]
	if !ok {
		label = strings.ToUpper(e.Operation)
	}
	detail := e.Action
	if detail == "" {
		detail = e.Level
	}
	note := e.Reason
	if e.Code != "" {
		note = e.Code + ": " + note
	}
	return fmt.Sprintf("%-19s %-7s %-28s %-16s %-24s %s\n",
		formatDateTime(e.Timestamp), label,
		truncate(e.Entity.String(), 28), truncate(e.Actor, 16),
		truncate(detail, 24), truncate(note, 60))
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	if s.GrantCount > 0 {
		parts = append(parts, fmt.Sprintf("%d grant", s.GrantCount))
	}
	if s.RevokeCount > 0 {
		parts = append(parts, fmt.Sprintf("%d revoke", s.RevokeCount))
	}
	if s.DenyCount > 0 {
		parts = append(parts, fmt.Sprintf("%d deny", s.DenyCount))
	}
	if s.SystemErrorCount > 0 {
		parts = append(parts, fmt.Sprintf("%d system error", s.SystemErrorCount))
	}
	return fmt.Sprintf("Summary: %d entries | %s\n", s.Total, strings.Join(parts, ", "))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
