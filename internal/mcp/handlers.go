package mcp

import (
	"context"
	"fmt"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/consentgate/internal/model"
)

// --- Input/Output types ---

// CheckInput defines parameters for the consent_check tool.
type CheckInput struct {
	Entity string `json:"entity" jsonschema:"entity reference as type:id, e.g. story:s-1"`
	Action string `json:"action" jsonschema:"query_internal, publish, export_reports, training_ai or commercial"`
	Actor  string `json:"actor,omitempty" jsonschema:"who is asking"`
}

// CheckOutput contains the verdict.
type CheckOutput struct {
	Allowed bool                `json:"allowed"`
	Code    string              `json:"code,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	EntryID string              `json:"entry_id,omitempty"`
	Checks  []model.CheckResult `json:"checks"`
}

// EntityInput names one entity.
type EntityInput struct {
	Entity string `json:"entity" jsonschema:"entity reference as type:id"`
}

// EntriesOutput lists ledger entries, newest first.
type EntriesOutput struct {
	Entries []model.Entry `json:"entries"`
}

// UsageHistoryInput defines parameters for the consent_usage_history tool.
type UsageHistoryInput struct {
	Entity string `json:"entity" jsonschema:"entity reference as type:id"`
	Action string `json:"action,omitempty" jsonschema:"only this action kind"`
	Since  string `json:"since,omitempty" jsonschema:"RFC3339 lower bound"`
	Until  string `json:"until,omitempty" jsonschema:"RFC3339 upper bound"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum entries returned"`
}

// UsageHistoryOutput is the aggregated usage of an entity.
type UsageHistoryOutput struct {
	Entries      []model.UsageEntry `json:"entries"`
	TotalRevenue float64            `json:"total_revenue"`
}

// LogUsageInput defines parameters for the consent_log_usage tool.
type LogUsageInput struct {
	Entity      string   `json:"entity" jsonschema:"entity reference as type:id"`
	Action      string   `json:"action" jsonschema:"the permitted action that was taken"`
	Actor       string   `json:"actor,omitempty" jsonschema:"who took the action"`
	Revenue     *float64 `json:"revenue,omitempty" jsonschema:"revenue generated, if any"`
	Destination string   `json:"destination,omitempty" jsonschema:"where the data went"`
}

// LogUsageOutput acknowledges a usage record.
type LogUsageOutput struct {
	Accepted bool `json:"accepted"`
}

// UpdateInput defines parameters for the consent_update tool.
type UpdateInput struct {
	Entity            string   `json:"entity" jsonschema:"entity reference as type:id"`
	Level             string   `json:"level" jsonschema:"public_knowledge_commons, community_controlled or strictly_private"`
	PermittedUses     []string `json:"permitted_uses" jsonschema:"allowed action kinds"`
	CulturalAuthority string   `json:"cultural_authority,omitempty" jsonschema:"who holds authority over this knowledge"`
	GrantedBy         string   `json:"granted_by" jsonschema:"who gave consent"`
	ExpiresAt         string   `json:"expires_at,omitempty" jsonschema:"RFC3339 expiry"`
	Notes             string   `json:"notes,omitempty"`
}

// EntryOutput returns one ledger entry.
type EntryOutput struct {
	Entry *model.Entry `json:"entry,omitempty"`
	Error string       `json:"error,omitempty"`
}

// RevokeInput defines parameters for the consent_revoke tool.
type RevokeInput struct {
	Entity    string `json:"entity" jsonschema:"entity reference as type:id"`
	RevokedBy string `json:"revoked_by" jsonschema:"who is revoking"`
	Reason    string `json:"reason,omitempty"`
}

// --- Handlers ---

func (s *Server) handleCheck(ctx context.Context, req *mcpsdk.CallToolRequest, input CheckInput) (*mcpsdk.CallToolResult, CheckOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, CheckOutput{}, err
	}
	actor := input.Actor
	if actor == "" {
		actor = s.actor
	}

	v := s.gate.CheckPermission(ctx, ref, model.PermittedUse(input.Action), actor)
	out := CheckOutput{
		Allowed: v.Allowed,
		Code:    string(v.Code()),
		Reason:  v.Reason,
		EntryID: v.EntryID,
		Checks:  v.Checks,
	}
	if !v.Allowed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleEntries(ctx context.Context, req *mcpsdk.CallToolRequest, input EntityInput) (*mcpsdk.CallToolResult, EntriesOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, EntriesOutput{}, err
	}
	entries, err := s.gate.ListEntries(ctx, ref)
	if err != nil {
		return nil, EntriesOutput{}, err
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	return nil, EntriesOutput{Entries: entries}, nil
}

func (s *Server) handleUsageHistory(ctx context.Context, req *mcpsdk.CallToolRequest, input UsageHistoryInput) (*mcpsdk.CallToolResult, UsageHistoryOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, UsageHistoryOutput{}, err
	}
	f := model.UsageFilter{Action: model.PermittedUse(input.Action), Limit: input.Limit}
	if f.Since, err = parseTime(input.Since); err != nil {
		return nil, UsageHistoryOutput{}, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(input.Until); err != nil {
		return nil, UsageHistoryOutput{}, fmt.Errorf("until: %w", err)
	}

	h, err := s.gate.UsageHistory(ctx, ref, f)
	if err != nil {
		return nil, UsageHistoryOutput{}, err
	}
	return nil, UsageHistoryOutput{Entries: h.Entries, TotalRevenue: h.TotalRevenue}, nil
}

func (s *Server) handleLogUsage(ctx context.Context, req *mcpsdk.CallToolRequest, input LogUsageInput) (*mcpsdk.CallToolResult, LogUsageOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, LogUsageOutput{}, err
	}
	actor := input.Actor
	if actor == "" {
		actor = s.actor
	}
	s.gate.LogUsage(ctx, model.UsageEntry{
		Entity:      ref,
		Action:      model.PermittedUse(input.Action),
		ActorID:     actor,
		Revenue:     input.Revenue,
		Destination: input.Destination,
	})
	return nil, LogUsageOutput{Accepted: true}, nil
}

func (s *Server) handleUpdate(ctx context.Context, req *mcpsdk.CallToolRequest, input UpdateInput) (*mcpsdk.CallToolResult, EntryOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, EntryOutput{}, err
	}
	level, err := model.ParseConsentLevel(input.Level)
	if err != nil {
		return nil, EntryOutput{}, err
	}
	uses := make([]model.PermittedUse, 0, len(input.PermittedUses))
	for _, u := range input.PermittedUses {
		use, err := model.ParsePermittedUse(u)
		if err != nil {
			return nil, EntryOutput{}, err
		}
		uses = append(uses, use)
	}
	expires, err := parseTime(input.ExpiresAt)
	if err != nil {
		return nil, EntryOutput{}, fmt.Errorf("expires_at: %w", err)
	}

	in := model.ConsentInput{
		Entity:            ref,
		Level:             level,
		PermittedUses:     uses,
		CulturalAuthority: input.CulturalAuthority,
		GrantedBy:         input.GrantedBy,
		Notes:             input.Notes,
	}
	if !expires.IsZero() {
		in.ExpiresAt = &expires
	}

	entry, err := s.gate.UpdateConsent(ctx, in)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, EntryOutput{Error: err.Error()}, nil
	}
	return nil, EntryOutput{Entry: entry}, nil
}

func (s *Server) handleRevoke(ctx context.Context, req *mcpsdk.CallToolRequest, input RevokeInput) (*mcpsdk.CallToolResult, EntryOutput, error) {
	ref, err := model.ParseEntityRef(input.Entity)
	if err != nil {
		return nil, EntryOutput{}, err
	}
	entry, err := s.gate.RevokeConsent(ctx, ref, input.RevokedBy, input.Reason)
	if err != nil {
		return &mcpsdk.CallToolResult{IsError: true}, EntryOutput{Error: err.Error()}, nil
	}
	return nil, EntryOutput{Entry: entry}, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
