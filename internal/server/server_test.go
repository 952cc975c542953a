package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/usage"
)

var storyRef = model.EntityRef{Type: model.EntityStory, ID: "s-1"}

// testServer spins up an in-process gRPC server on a random port and returns a
// connection to it.
func testServer(t *testing.T, configPath string) (*Server, *grpc.ClientConn) {
	t.Helper()

	svc, err := gate.New(gate.Options{Ledger: ledger.NewMemoryStore(nil)})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	srv := New(svc, Config{ConfigPath: configPath}, nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		srv.GracefulStop()
		t.Fatalf("dial: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.GracefulStop()
	})
	return srv, conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, method string, req, resp any) error {
	t.Helper()
	in, err := Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(context.Background(), FullMethod(method), in, out); err != nil {
		return err
	}
	if resp != nil {
		if err := Decode(out, resp); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}
	return nil
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

func publicGrant(uses ...model.PermittedUse) model.ConsentInput {
	return model.ConsentInput{
		Entity:        storyRef,
		Level:         model.LevelPublic,
		PermittedUses: uses,
		GrantedBy:     "uncle-jo",
	}
}

func TestCheckPermissionWithoutRecordDenies(t *testing.T) {
	_, conn := testServer(t, "")

	var v model.Verdict
	if err := invoke(t, conn, MethodCheckPermission, CheckRequest{Entity: storyRef, Action: model.UsePublish}, &v); err != nil {
		t.Fatalf("CheckPermission: %v", err)
	}
	if v.Allowed {
		t.Fatal("expected deny with no record")
	}
	if v.Code() != model.CodeNotFound {
		t.Errorf("expected not_found, got %s", v.Code())
	}
}

func TestGrantCheckRevoke(t *testing.T) {
	_, conn := testServer(t, "")

	var entry model.Entry
	if err := invoke(t, conn, MethodUpdateConsent, publicGrant(model.UsePublish), &entry); err != nil {
		t.Fatalf("UpdateConsent: %v", err)
	}
	if entry.ID == "" || entry.Seq == 0 {
		t.Fatalf("expected stored entry, got %+v", entry)
	}

	var v model.Verdict
	invoke(t, conn, MethodCheckPermission, CheckRequest{Entity: storyRef, Action: model.UsePublish, Actor: "editor"}, &v)
	if !v.Allowed {
		t.Fatalf("expected allow, got %+v", v)
	}
	if len(v.Checks) != 5 {
		t.Errorf("expected full check trail, got %d checks", len(v.Checks))
	}

	var revoked model.Entry
	if err := invoke(t, conn, MethodRevokeConsent, RevokeRequest{Entity: storyRef, RevokedBy: "aunty-may"}, &revoked); err != nil {
		t.Fatalf("RevokeConsent: %v", err)
	}
	if !revoked.Revoked {
		t.Error("expected revoked entry")
	}

	invoke(t, conn, MethodCheckPermission, CheckRequest{Entity: storyRef, Action: model.UsePublish}, &v)
	if v.Allowed || v.Code() != model.CodeRevoked {
		t.Errorf("expected revoked deny, got %+v", v)
	}

	var list EntriesResponse
	invoke(t, conn, MethodListEntries, EntityRequest{Entity: storyRef}, &list)
	if len(list.Entries) != 1 || !list.Entries[0].Revoked {
		t.Errorf("expected one revoked entry in history, got %+v", list.Entries)
	}
}

func TestUpdateConsentInvalidArgument(t *testing.T) {
	_, conn := testServer(t, "")

	in := publicGrant(model.UsePublish)
	in.Level = model.LevelCommunity
	err := invoke(t, conn, MethodUpdateConsent, in, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	if !errors.Is(FromStatus(err), ledger.ErrInvalidConsent) {
		t.Errorf("expected ErrInvalidConsent after mapping, got %v", FromStatus(err))
	}
}

func TestRevokeMissingNotFound(t *testing.T) {
	_, conn := testServer(t, "")

	err := invoke(t, conn, MethodRevokeConsent, RevokeRequest{Entity: storyRef, RevokedBy: "aunty-may"}, nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if !errors.Is(FromStatus(err), ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound after mapping, got %v", FromStatus(err))
	}
}

func TestUsageHistoryRoundTrip(t *testing.T) {
	_, conn := testServer(t, "")

	// No usage recorder configured: LogUsage still acknowledges.
	var ack Ack
	if err := invoke(t, conn, MethodLogUsage, model.UsageEntry{Entity: storyRef, Action: model.UsePublish}, &ack); err != nil {
		t.Fatalf("LogUsage: %v", err)
	}
	if !ack.Accepted {
		t.Error("expected ack")
	}

	var h model.UsageHistory
	if err := invoke(t, conn, MethodUsageHistory, HistoryRequest{Entity: storyRef}, &h); err != nil {
		t.Fatalf("UsageHistory: %v", err)
	}
	if h.Entity != storyRef || len(h.Entries) != 0 {
		t.Errorf("unexpected history: %+v", h)
	}

	err := invoke(t, conn, MethodUsageHistory, HistoryRequest{Entity: storyRef, Filter: model.UsageFilter{Limit: -1}}, nil)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument for negative limit, got %v", err)
	}
	mapped := FromStatus(err)
	if !errors.Is(mapped, usage.ErrInvalidFilter) || errors.Is(mapped, ledger.ErrInvalidConsent) {
		t.Errorf("expected ErrInvalidFilter after mapping, got %v", mapped)
	}
}

type downHistory struct{}

func (downHistory) ListUsage(context.Context, model.EntityRef, model.UsageFilter) ([]model.UsageEntry, error) {
	return nil, errors.New("connection refused")
}

func TestUsageHistoryStoreFailureIsInternal(t *testing.T) {
	svc, err := gate.New(gate.Options{Ledger: ledger.NewMemoryStore(nil), History: downHistory{}})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	req, err := Encode(HistoryRequest{Entity: storyRef})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = New(svc, Config{}, nil).UsageHistory(context.Background(), req)
	if status.Code(err) != codes.Internal {
		t.Fatalf("expected Internal, got %v", err)
	}
	if mapped := FromStatus(err); errors.Is(mapped, ledger.ErrInvalidConsent) || errors.Is(mapped, usage.ErrInvalidFilter) {
		t.Errorf("store failure mapped to a validation error: %v", mapped)
	}
}

func TestValidateAuthorityRPC(t *testing.T) {
	_, conn := testServer(t, "")

	var c model.CheckResult
	invoke(t, conn, MethodValidateAuthority, EntityRequest{Entity: storyRef}, &c)
	if c.Passed || c.Code != model.CodeNotFound {
		t.Errorf("expected not_found, got %+v", c)
	}

	invoke(t, conn, MethodUpdateConsent, publicGrant(model.UsePublish), nil)
	invoke(t, conn, MethodValidateAuthority, EntityRequest{Entity: storyRef}, &c)
	if !c.Passed {
		t.Errorf("expected pass for public entry, got %+v", c)
	}
}

func TestConcurrentChecks(t *testing.T) {
	_, conn := testServer(t, "")
	invoke(t, conn, MethodUpdateConsent, publicGrant(model.UsePublish), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, _ := Encode(CheckRequest{Entity: storyRef, Action: model.UsePublish})
			out := &structpb.Struct{}
			if err := conn.Invoke(context.Background(), FullMethod(MethodCheckPermission), in, out); err != nil {
				errs <- err
				return
			}
			var v model.Verdict
			Decode(out, &v)
			if !v.Allowed {
				errs <- errors.New("unexpected deny: " + v.Reason)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestReloadConfigSwapsHash(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "store:\n  driver: memory\n")
	srv, _ := testServer(t, path)

	if err := srv.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	first := srv.gate.ConfigHash()

	os.WriteFile(path, []byte("store:\n  driver: memory\nalerts:\n  - url: http://127.0.0.1:1/hook\n    events: [revoked]\n"), 0644)
	if err := srv.ReloadConfig(); err != nil {
		t.Fatalf("ReloadConfig: %v", err)
	}
	if srv.gate.ConfigHash() == first {
		t.Error("expected config hash to change after reload")
	}
}

func TestReloadConfigRejectsInvalid(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "store:\n  driver: mongo\n")
	srv, _ := testServer(t, path)

	if err := srv.ReloadConfig(); err == nil {
		t.Fatal("expected error for invalid config")
	}
}

func TestReloaderWatchesConfig(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "store:\n  driver: memory\n")
	srv, _ := testServer(t, path)

	r, err := NewReloader(srv, []string{path, "", "/nonexistent/config.yaml"})
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if len(r.Paths()) != 1 {
		t.Fatalf("expected only the existing path watched, got %v", r.Paths())
	}
	r.debounce = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// Write to trigger reload
	os.WriteFile(path, []byte("store:\n  driver: memory\naudit_denials: true\n"), 0644)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if srv.gate.ConfigHash() != "" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected config hash set by hot-reload")
}
