package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/consentgate/internal/enforce"
	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/server"
	"github.com/ppiankov/consentgate/internal/usage"
)

var storyRef = model.EntityRef{Type: model.EntityStory, ID: "s-7"}

// startTestServer creates a server and returns a connected client.
func startTestServer(t *testing.T) *Client {
	t.Helper()

	store := ledger.NewMemoryStore(nil)
	rec := usage.NewLogger(store, 8, 1, nil, nil)
	svc, err := gate.New(gate.Options{Ledger: store, Usage: rec})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	srv := server.New(svc, server.Config{}, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	c, err := New(lis.Addr().String())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		srv.GracefulStop()
		rec.Close(context.Background())
	})
	return c
}

func TestClientGrantAndCheck(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	entry, err := c.UpdateConsent(ctx, model.ConsentInput{
		Entity:            storyRef,
		Level:             model.LevelCommunity,
		PermittedUses:     []model.PermittedUse{model.UsePublish},
		CulturalAuthority: "Elders council",
		GrantedBy:         "uncle-jo",
	})
	if err != nil {
		t.Fatalf("UpdateConsent: %v", err)
	}
	if entry.Level != model.LevelCommunity {
		t.Errorf("unexpected entry: %+v", entry)
	}

	if v := c.CheckPermission(ctx, storyRef, model.UsePublish, "editor"); !v.Allowed {
		t.Errorf("expected allow, got %+v", v)
	}
	if err := c.Enforce(ctx, storyRef, model.UseCommercial, "sales"); err == nil {
		t.Error("expected violation for commercial use")
	}
}

func TestClientRevokeNotFound(t *testing.T) {
	c := startTestServer(t)

	_, err := c.RevokeConsent(context.Background(), storyRef, "aunty-may", "")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientInvalidConsent(t *testing.T) {
	c := startTestServer(t)

	_, err := c.UpdateConsent(context.Background(), model.ConsentInput{
		Entity:        storyRef,
		Level:         model.LevelPrivate,
		PermittedUses: []model.PermittedUse{model.UseQueryInternal},
		GrantedBy:     "uncle-jo",
	})
	if !errors.Is(err, ledger.ErrInvalidConsent) {
		t.Fatalf("expected ErrInvalidConsent, got %v", err)
	}
}

func TestClientUsageHistory(t *testing.T) {
	c := startTestServer(t)
	ctx := context.Background()

	rev := 12.5
	if err := c.LogUsage(ctx, model.UsageEntry{Entity: storyRef, Action: model.UseCommercial, Revenue: &rev}); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}

	// Delivery is asynchronous on the server.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h, err := c.UsageHistory(ctx, storyRef, model.UsageFilter{})
		if err != nil {
			t.Fatalf("UsageHistory: %v", err)
		}
		if len(h.Entries) == 1 {
			if h.TotalRevenue != 12.5 {
				t.Errorf("expected revenue 12.5, got %v", h.TotalRevenue)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("usage record never became visible")
}

func TestClientFailClosed(t *testing.T) {
	// Connect to a port with nothing listening.
	c, err := New("127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()
	c.timeout = 500 * time.Millisecond

	v := c.CheckPermission(context.Background(), storyRef, model.UsePublish, "editor")
	if v.Allowed {
		t.Fatal("expected deny when server is unreachable (fail-closed)")
	}
	if v.Code() != model.CodeSystemError {
		t.Errorf("expected system_error, got %s", v.Code())
	}
	if !strings.Contains(v.Reason, "unreachable") {
		t.Errorf("expected unreachable reason, got %s", v.Reason)
	}

	var gv *enforce.GovernanceViolation
	if err := c.Enforce(context.Background(), storyRef, model.UsePublish, "editor"); !errors.As(err, &gv) || !gv.SystemError() {
		t.Errorf("expected system error violation, got %v", err)
	}

	if res := c.ValidateAuthority(context.Background(), storyRef); res.Passed || res.Code != model.CodeSystemError {
		t.Errorf("expected system error check, got %+v", res)
	}
}
