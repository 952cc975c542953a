package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter holds filtering criteria for an entity's audit trail.
type ReplayFilter struct {
	Entity string    // "type:id"; empty matches every entity
	Actor  string    // empty matches every actor
	From   time.Time // zero value = no lower bound
	To     time.Time // zero value = no upper bound
}

// ReplaySummary holds operation counts and metadata for a replayed trail.
type ReplaySummary struct {
	Total            int    `json:"total"`
	GrantCount       int    `json:"grant_count"`
	RevokeCount      int    `json:"revoke_count"`
	DenyCount        int    `json:"deny_count"`
	SystemErrorCount int    `json:"system_error_count"`
	FirstTimestamp   string `json:"first_timestamp"`
	LastTimestamp    string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a replay.
type ReplayResult struct {
	Entity  string        `json:"entity,omitempty"`
	Entries []AuditEntry  `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{Entity: filter.Entity}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}
		if !filter.matches(entry) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return result, nil
}

// Tail returns the last n entries of the log, oldest first.
func Tail(path string, n int) ([]AuditEntry, error) {
	result, err := Replay(path, ReplayFilter{})
	if err != nil {
		return nil, err
	}
	entries := result.Entries
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (f ReplayFilter) matches(entry AuditEntry) bool {
	if f.Entity != "" && entry.Entity.String() != f.Entity {
		return false
	}
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if f.From.IsZero() && f.To.IsZero() {
		return true
	}
	ts, err := time.Parse(TimestampFormat, entry.Timestamp)
	if err != nil {
		return false
	}
	if !f.From.IsZero() && ts.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ts.After(f.To) {
		return false
	}
	return true
}

func updateSummary(s *ReplaySummary, entry AuditEntry) {
	s.Total++

	switch entry.Operation {
	case OpGrant:
		s.GrantCount++
	case OpRevoke:
		s.RevokeCount++
	case OpDeny:
		s.DenyCount++
	case OpSystemError:
		s.SystemErrorCount++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
