// Package ledger stores consent ledger entries and usage log records.
//
// The ledger is append-biased: granting or updating consent appends a new
// entry, and the entry with the highest sequence number for an entity is the
// one that governs. Revocation is the only in-place mutation and is applied
// with a compare-and-set against the entry that was current when it was read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/consentgate/internal/authority"
	"github.com/ppiankov/consentgate/internal/model"
)

var (
	// ErrNotFound means the entity has no ledger entry.
	ErrNotFound = errors.New("no consent record found")
	// ErrInvalidConsent means a new entry failed write-time validation.
	ErrInvalidConsent = errors.New("invalid consent")
	// ErrSuperseded means a newer entry was created between reading the
	// current entry and revoking it. The revocation was not applied.
	ErrSuperseded = errors.New("consent entry superseded by a newer entry")
)

// Store is the durable consent ledger.
type Store interface {
	// Current returns the governing entry, or ErrNotFound.
	Current(ctx context.Context, ref model.EntityRef) (*model.Entry, error)
	// Create validates and appends a new entry.
	Create(ctx context.Context, in model.ConsentInput) (*model.Entry, error)
	// RevokeCurrent sets the revocation fields of the governing entry.
	RevokeCurrent(ctx context.Context, ref model.EntityRef, rev model.Revocation) (*model.Entry, error)
	// History returns every entry for the entity, newest first.
	History(ctx context.Context, ref model.EntityRef) ([]model.Entry, error)
	Close() error
}

// UsageLog is the durable usage log. Every Store implementation in this
// package also implements it against the same database.
type UsageLog interface {
	AppendUsage(ctx context.Context, e model.UsageEntry) error
	ListUsage(ctx context.Context, ref model.EntityRef, f model.UsageFilter) ([]model.UsageEntry, error)
}

var (
	_ Store    = (*MemoryStore)(nil)
	_ UsageLog = (*MemoryStore)(nil)
	_ Store    = (*SQLiteStore)(nil)
	_ UsageLog = (*SQLiteStore)(nil)
	_ Store    = (*PostgresStore)(nil)
	_ UsageLog = (*PostgresStore)(nil)
)

// ValidationError carries the failed check behind ErrInvalidConsent.
type ValidationError struct {
	Check model.CheckResult
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid consent: %s", e.Check.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConsent
}

func invalid(reason string) error {
	return &ValidationError{Check: model.CheckResult{
		Rule:   "consent_input",
		Code:   model.CodeInvalidConsent,
		Reason: reason,
	}}
}

// Validate applies write-time constraints to a new entry.
func Validate(in model.ConsentInput, now time.Time) error {
	if err := in.Entity.Validate(); err != nil {
		return invalid(err.Error())
	}
	if !in.Level.Valid() {
		return invalid(fmt.Sprintf("unknown consent level %q", in.Level))
	}
	if strings.TrimSpace(in.GrantedBy) == "" {
		return invalid("consent_given_by is required")
	}
	for _, u := range in.PermittedUses {
		if !u.Valid() {
			return invalid(fmt.Sprintf("unknown permitted use %q", u))
		}
	}
	if len(in.PermittedUses) == 0 && in.Level != model.LevelPrivate {
		return invalid("permitted uses must not be empty for " + in.Level.Label())
	}
	if check := authority.Validate(in.Level, in.CulturalAuthority); !check.Passed {
		return &ValidationError{Check: check}
	}
	if rs := in.RevenueShare; rs != nil && (rs.Percentage < 0 || rs.Percentage > 100) {
		return invalid(fmt.Sprintf("revenue share percentage %.2f outside 0..100", rs.Percentage))
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return invalid("consent_expires_at must be in the future")
	}
	if o := in.TrainingOverride; o != nil && strings.TrimSpace(o.GrantedBy) == "" {
		return invalid("training override must name who granted it")
	}
	for i, c := range in.Contributors {
		if strings.TrimSpace(c.Name) == "" {
			return invalid(fmt.Sprintf("contributor %d has no name", i+1))
		}
	}
	return nil
}

// newEntry builds the entry for a validated input. Seq is assigned by the store.
func newEntry(in model.ConsentInput, now time.Time) model.Entry {
	e := model.Entry{
		ID:                uuid.NewString(),
		Entity:            in.Entity,
		Level:             in.Level,
		PermittedUses:     dedupeUses(in.PermittedUses),
		CulturalAuthority: strings.TrimSpace(in.CulturalAuthority),
		Contributors:      append([]model.Contributor{}, in.Contributors...),
		AttributionText:   in.AttributionText,
		GivenBy:           in.GrantedBy,
		GivenAt:           now,
		Notes:             in.Notes,
		CreatedAt:         now,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC()
		e.ExpiresAt = &exp
	}
	if in.RevenueShare != nil {
		rs := *in.RevenueShare
		e.RevenueShare = &rs
	}
	if in.TrainingOverride != nil {
		o := *in.TrainingOverride
		if o.GrantedAt.IsZero() {
			o.GrantedAt = now
		}
		e.TrainingOverride = &o
	}
	return e
}

func dedupeUses(uses []model.PermittedUse) []model.PermittedUse {
	out := make([]model.PermittedUse, 0, len(uses))
	seen := make(map[model.PermittedUse]bool, len(uses))
	for _, u := range uses {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func validateRevocation(rev model.Revocation) error {
	if strings.TrimSpace(rev.RevokedBy) == "" {
		return invalid("revoked_by is required")
	}
	return nil
}
