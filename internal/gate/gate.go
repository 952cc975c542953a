// Package gate is the consent gate: the only surface callers use to check,
// grant and revoke consent and to record usage against governed entities.
//
// Transports (gRPC, HTTP, MCP, CLI) are thin adapters over Service.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/consentgate/internal/alert"
	"github.com/ppiankov/consentgate/internal/audit"
	"github.com/ppiankov/consentgate/internal/authority"
	"github.com/ppiankov/consentgate/internal/enforce"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/policy"
	"github.com/ppiankov/consentgate/internal/redact"
	"github.com/ppiankov/consentgate/internal/usage"
)

// Options configures a Service. Ledger is required; everything else is
// optional.
type Options struct {
	Ledger  ledger.Store
	Usage   usage.Recorder
	History usage.Source
	Audit   *audit.Log
	Alerts  *alert.Dispatcher

	ConfigHash   string
	AuditDenials bool
	AutoLogUsage bool

	// RedactQueries scrubs personal data from usage query text before it is
	// recorded.
	RedactQueries bool

	Now    func() time.Time
	Logger *log.Logger
}

// Service implements the gate operations.
type Service struct {
	ledger   ledger.Store
	eval     *policy.Evaluator
	enforcer *enforce.Enforcer
	usage    usage.Recorder
	history  usage.Source
	audit    *audit.Log

	auditDenials  bool
	autoLogUsage  bool
	redactQueries bool
	now           func() time.Time
	logger        *log.Logger

	mu         sync.RWMutex
	alerts     *alert.Dispatcher
	configHash string
}

// New creates a Service. When History is nil and the ledger also implements
// usage.Source, the ledger serves usage history.
func New(opts Options) (*Service, error) {
	if opts.Ledger == nil {
		return nil, errors.New("gate: ledger is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.History == nil {
		if src, ok := opts.Ledger.(usage.Source); ok {
			opts.History = src
		}
	}

	eval := policy.NewEvaluator(opts.Ledger, opts.Now)
	return &Service{
		ledger:        opts.Ledger,
		eval:          eval,
		enforcer:      enforce.NewEnforcer(eval),
		usage:         opts.Usage,
		history:       opts.History,
		audit:         opts.Audit,
		auditDenials:  opts.AuditDenials,
		autoLogUsage:  opts.AutoLogUsage,
		redactQueries: opts.RedactQueries,
		now:           opts.Now,
		logger:        opts.Logger,
		alerts:        opts.Alerts,
		configHash:    opts.ConfigHash,
	}, nil
}

// SetAlerts swaps the alert dispatcher and config hash. Called on config reload.
func (s *Service) SetAlerts(d *alert.Dispatcher, configHash string) {
	s.mu.Lock()
	s.alerts = d
	s.configHash = configHash
	s.mu.Unlock()
}

// ConfigHash returns the hash of the configuration currently in effect.
func (s *Service) ConfigHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.configHash
}

// CheckPermission evaluates action against the governing entry of ref.
// Denials are returned in the verdict, never as errors.
func (s *Service) CheckPermission(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) model.Verdict {
	v := s.eval.Evaluate(ctx, ref, action, actor)
	s.observe(v)
	return v
}

// Enforce evaluates action and returns a *enforce.GovernanceViolation on
// denial. On allow, a usage record is queued when auto logging is enabled.
func (s *Service) Enforce(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) error {
	v, err := s.enforcer.Enforce(ctx, ref, action, actor)
	s.observe(v)
	if err != nil {
		return err
	}
	if s.autoLogUsage {
		s.LogUsage(ctx, model.UsageEntry{Entity: ref, Action: action, ActorID: actor})
	}
	return nil
}

// UpdateConsent appends a new ledger entry for in.Entity. The new entry
// governs from now on. Invalid input fails with ledger.ErrInvalidConsent.
func (s *Service) UpdateConsent(ctx context.Context, in model.ConsentInput) (*model.Entry, error) {
	entry, err := s.ledger.Create(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("gate: update consent: %w", err)
	}

	if err := s.record(audit.AuditEntry{
		Operation: audit.OpGrant,
		Entity:    auditEntity(entry.Entity),
		Actor:     entry.GivenBy,
		Level:     string(entry.Level),
		EntryID:   entry.ID,
		Reason:    usesSummary(entry.PermittedUses),
	}); err != nil {
		return entry, fmt.Errorf("gate: update consent: entry %s written but not audited: %w", entry.ID, err)
	}

	s.dispatch(alert.AlertEvent{
		Type:       alert.EventConsentUpdated,
		EntityType: string(entry.Entity.Type),
		EntityID:   entry.Entity.ID,
		Actor:      entry.GivenBy,
		Reason:     fmt.Sprintf("%s: %s", entry.Level.Label(), usesSummary(entry.PermittedUses)),
	})
	return entry, nil
}

// RevokeConsent revokes the governing entry of ref. It fails with
// ledger.ErrNotFound when there is no entry and ledger.ErrSuperseded when a
// newer entry was created concurrently. Revoking a revoked entry returns it
// unchanged.
func (s *Service) RevokeConsent(ctx context.Context, ref model.EntityRef, revokedBy, reason string) (*model.Entry, error) {
	before, err := s.ledger.Current(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("gate: revoke consent: %w", err)
	}
	if before.Revoked {
		return before, nil
	}

	// Postgres keeps microseconds; the stored time must compare equal to at.
	at := s.now().UTC().Truncate(time.Microsecond)
	entry, err := s.ledger.RevokeCurrent(ctx, ref, model.Revocation{
		RevokedBy: revokedBy,
		Reason:    reason,
		At:        at,
	})
	if err != nil {
		return nil, fmt.Errorf("gate: revoke consent: %w", err)
	}
	if entry.ID != before.ID || entry.RevokedBy != revokedBy || entry.RevokedAt == nil || !entry.RevokedAt.Equal(at) {
		// Another revoker won the race against the same entry.
		return entry, nil
	}

	if err := s.record(audit.AuditEntry{
		Operation: audit.OpRevoke,
		Entity:    auditEntity(ref),
		Actor:     revokedBy,
		Level:     string(entry.Level),
		EntryID:   entry.ID,
		Reason:    reason,
	}); err != nil {
		return entry, fmt.Errorf("gate: revoke consent: entry %s revoked but not audited: %w", entry.ID, err)
	}

	s.dispatch(alert.AlertEvent{
		Type:       alert.EventRevoked,
		EntityType: string(ref.Type),
		EntityID:   ref.ID,
		Actor:      revokedBy,
		Reason:     orDefault(reason, "consent revoked"),
	})
	return entry, nil
}

// ValidateAuthority re-checks the cultural authority of the governing entry
// of ref without a full evaluation.
func (s *Service) ValidateAuthority(ctx context.Context, ref model.EntityRef) model.CheckResult {
	entry, err := s.ledger.Current(ctx, ref)
	if errors.Is(err, ledger.ErrNotFound) {
		return model.CheckResult{
			Rule:           model.RuleCulturalAuthority,
			Code:           model.CodeNotFound,
			Reason:         "no consent record found",
			RequiredAction: policy.ActionObtainConsent,
		}
	}
	if err != nil {
		s.logger.Printf("validate authority %s: %v", ref, err)
		return model.CheckResult{
			Rule:   model.RuleSystemError,
			Code:   model.CodeSystemError,
			Reason: "system error checking consent",
		}
	}
	return authority.ValidateEntry(entry)
}

// LogUsage records a usage entry. Failures are logged and never returned:
// usage logging cannot change a decision that was already made.
func (s *Service) LogUsage(ctx context.Context, e model.UsageEntry) {
	if s.usage == nil {
		return
	}
	if s.redactQueries && e.QueryText != "" {
		e.QueryText = redact.Text(e.QueryText)
	}
	if err := s.usage.Record(ctx, e); err != nil {
		s.logger.Printf("usage for %s (%s) not recorded: %v", e.Entity, e.Action, err)
	}
}

// UsageHistory returns usage of ref matching f, newest first, with the
// revenue total.
func (s *Service) UsageHistory(ctx context.Context, ref model.EntityRef, f model.UsageFilter) (*model.UsageHistory, error) {
	if s.history == nil {
		return nil, errors.New("gate: usage history is not configured")
	}
	h, err := usage.History(ctx, s.history, ref, f)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	return h, nil
}

// ListEntries returns every ledger entry of ref, newest first.
func (s *Service) ListEntries(ctx context.Context, ref model.EntityRef) ([]model.Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	entries, err := s.ledger.History(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("gate: list entries: %w", err)
	}
	return entries, nil
}

// observe audits and alerts on denied verdicts.
func (s *Service) observe(v model.Verdict) {
	if v.Allowed {
		return
	}
	code := v.Code()
	systemErr := code == model.CodeSystemError
	if systemErr {
		for _, c := range v.Failed() {
			s.logger.Printf("check %s on %s: %s", v.Action, v.Entity, c.Reason)
		}
	}

	if s.auditDenials || systemErr {
		op := audit.OpDeny
		if systemErr {
			op = audit.OpSystemError
		}
		err := s.record(audit.AuditEntry{
			Operation: op,
			Entity:    auditEntity(v.Entity),
			Actor:     orDefault(v.Actor, "anonymous"),
			Action:    string(v.Action),
			EntryID:   v.EntryID,
			Code:      string(code),
			Reason:    v.Reason,
		})
		if err != nil {
			s.logger.Printf("audit denial of %s on %s: %v", v.Action, v.Entity, err)
		}
	}

	event := alert.AlertEvent{
		EntityType: string(v.Entity.Type),
		EntityID:   v.Entity.ID,
		Action:     string(v.Action),
		Actor:      v.Actor,
		Decision:   string(model.Deny),
		Code:       string(code),
		Reason:     v.Reason,
	}
	if systemErr {
		event.Type = alert.EventSystemError
	}
	s.dispatch(event)
}

func (s *Service) record(e audit.AuditEntry) error {
	if s.audit == nil {
		return nil
	}
	e.Timestamp = s.now().UTC().Format(audit.TimestampFormat)
	e.ConfigHash = s.ConfigHash()
	return s.audit.Record(e)
}

func (s *Service) dispatch(event alert.AlertEvent) {
	s.mu.RLock()
	d := s.alerts
	hash := s.configHash
	s.mu.RUnlock()
	if d == nil {
		return
	}
	event.Timestamp = s.now().UTC().Format(audit.TimestampFormat)
	event.ConfigHash = hash
	d.Dispatch(event)
}

func auditEntity(ref model.EntityRef) audit.AuditEntity {
	return audit.AuditEntity{Type: string(ref.Type), ID: ref.ID}
}

func usesSummary(uses []model.PermittedUse) string {
	if len(uses) == 0 {
		return "no permitted uses"
	}
	parts := make([]string, len(uses))
	for i, u := range uses {
		parts[i] = string(u)
	}
	return strings.Join(parts, ",")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
