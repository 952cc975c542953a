// Package client is a fail-closed gRPC client for a remote consent gate.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/consentgate/internal/enforce"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/server"
)

const defaultTimeout = 5 * time.Second

// Client connects to a consentgate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a gRPC client connected to the given address.
// Fail-closed: if the server cannot be reached, checks deny.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to consent server: %w", err)
	}
	return &Client{conn: conn, timeout: defaultTimeout}, nil
}

// CheckPermission asks the remote gate for a verdict.
// Fail-closed: any RPC error yields a system_error denial.
func (c *Client) CheckPermission(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) model.Verdict {
	var v model.Verdict
	err := c.call(ctx, server.MethodCheckPermission, server.CheckRequest{Entity: ref, Action: action, Actor: actor}, &v)
	if err != nil {
		reason := fmt.Sprintf("consent server unreachable: %v", err)
		return model.Verdict{
			Entity: ref,
			Action: action,
			Actor:  actor,
			Reason: reason,
			Checks: []model.CheckResult{{
				Rule:   model.RuleSystemError,
				Code:   model.CodeSystemError,
				Reason: reason,
			}},
			EvaluatedAt: time.Now().UTC(),
		}
	}
	return v
}

// Enforce returns a *enforce.GovernanceViolation unless the remote gate
// allows the action.
func (c *Client) Enforce(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) error {
	return enforce.FromVerdict(c.CheckPermission(ctx, ref, action, actor))
}

// UpdateConsent appends a new ledger entry on the remote gate.
func (c *Client) UpdateConsent(ctx context.Context, in model.ConsentInput) (*model.Entry, error) {
	var entry model.Entry
	if err := c.call(ctx, server.MethodUpdateConsent, in, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// RevokeConsent revokes the governing entry of ref on the remote gate.
func (c *Client) RevokeConsent(ctx context.Context, ref model.EntityRef, revokedBy, reason string) (*model.Entry, error) {
	var entry model.Entry
	err := c.call(ctx, server.MethodRevokeConsent, server.RevokeRequest{Entity: ref, RevokedBy: revokedBy, Reason: reason}, &entry)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ValidateAuthority re-validates the cultural authority of ref's governing
// entry. Fail-closed like CheckPermission.
func (c *Client) ValidateAuthority(ctx context.Context, ref model.EntityRef) model.CheckResult {
	var res model.CheckResult
	if err := c.call(ctx, server.MethodValidateAuthority, server.EntityRequest{Entity: ref}, &res); err != nil {
		return model.CheckResult{
			Rule:   model.RuleSystemError,
			Code:   model.CodeSystemError,
			Reason: fmt.Sprintf("consent server unreachable: %v", err),
		}
	}
	return res
}

// LogUsage sends a usage record. The error is informational; callers must
// not fail a permitted action because of it.
func (c *Client) LogUsage(ctx context.Context, e model.UsageEntry) error {
	return c.call(ctx, server.MethodLogUsage, e, nil)
}

// UsageHistory fetches usage of ref from the remote gate.
func (c *Client) UsageHistory(ctx context.Context, ref model.EntityRef, f model.UsageFilter) (*model.UsageHistory, error) {
	var h model.UsageHistory
	if err := c.call(ctx, server.MethodUsageHistory, server.HistoryRequest{Entity: ref, Filter: f}, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ListEntries fetches every ledger entry of ref, newest first.
func (c *Client) ListEntries(ctx context.Context, ref model.EntityRef) ([]model.Entry, error) {
	var resp server.EntriesResponse
	if err := c.call(ctx, server.MethodListEntries, server.EntityRequest{Entity: ref}, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := server.Encode(req)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, server.FullMethod(method), in, out); err != nil {
		return server.FromStatus(err)
	}
	if resp == nil {
		return nil
	}
	return server.Decode(out, resp)
}
