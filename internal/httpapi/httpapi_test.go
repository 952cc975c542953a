package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/ratelimit"
	"github.com/ppiankov/consentgate/internal/usage"
)

var (
	testNow = time.Date(2026, 6, 3, 9, 30, 0, 0, time.UTC)
	clock   = func() time.Time { return testNow }
)

// syncRecorder writes usage straight to the store so tests can read it back.
type syncRecorder struct{ sink usage.Sink }

func (r syncRecorder) Record(ctx context.Context, e model.UsageEntry) error {
	e, err := usage.Prepare(e, clock())
	if err != nil {
		return err
	}
	return r.sink.AppendUsage(ctx, e)
}

func newTestAPI(t *testing.T) (*httptest.Server, *gate.Service) {
	t.Helper()
	store := ledger.NewMemoryStore(clock)
	svc, err := gate.New(gate.Options{
		Ledger:       store,
		Usage:        syncRecorder{store},
		AutoLogUsage: true,
		Now:          clock,
	})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	srv := httptest.NewServer(New(svc, Options{MaxBodyBytes: 4096}))
	t.Cleanup(srv.Close)
	return srv, svc
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ActorHeader, "analyst-7")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s: %v", method, url, err)
	}
	return resp, out
}

const publicGrant = `{"consent_level":"public_knowledge_commons","permitted_uses":["publish","query_internal"],"consent_given_by":"p-1"}`

func TestHealthz(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected healthz: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers")
	}
}

func TestGrantCheckRevoke(t *testing.T) {
	srv, _ := newTestAPI(t)
	base := srv.URL + "/v1/entities/story/s-1"

	resp, body := do(t, http.MethodPost, base+"/consent", publicGrant)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, body)
	}
	if body["consent_level"] != "public_knowledge_commons" {
		t.Errorf("unexpected entry: %v", body)
	}

	check := `{"entity":{"entity_type":"story","entity_id":"s-1"},"action":"publish"}`
	_, body = do(t, http.MethodPost, srv.URL+"/v1/check", check)
	if body["allowed"] != true {
		t.Fatalf("expected allow, got %v", body)
	}
	if body["actor"] != "analyst-7" {
		t.Errorf("expected actor from header, got %v", body["actor"])
	}

	resp, body = do(t, http.MethodPost, base+"/revoke", `{"reason":"family request"}`)
	if resp.StatusCode != http.StatusOK || body["consent_revoked"] != true {
		t.Fatalf("revoke failed: %d %v", resp.StatusCode, body)
	}
	if body["consent_revoked_by"] != "analyst-7" {
		t.Errorf("expected revoker from header, got %v", body["consent_revoked_by"])
	}

	resp, body = do(t, http.MethodPost, srv.URL+"/v1/check", check)
	if resp.StatusCode != http.StatusOK || body["allowed"] != false {
		t.Fatalf("expected deny after revoke, got %v", body)
	}
}

func TestUpdateConsentInvalid(t *testing.T) {
	srv, _ := newTestAPI(t)
	// Community controlled without cultural authority.
	grant := `{"consent_level":"community_controlled","permitted_uses":["publish"],"consent_given_by":"p-1"}`
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/entities/story/s-2/consent", grant)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %v", resp.StatusCode, body)
	}
	if _, ok := body["check"]; !ok {
		t.Errorf("expected failed check in body, got %v", body)
	}
}

func TestRevokeNotFound(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/entities/story/missing/revoke", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestBadEntityType(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, _ := do(t, http.MethodGet, srv.URL+"/v1/entities/planet/p-1/consent", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestListEntriesEmpty(t *testing.T) {
	srv, _ := newTestAPI(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-9/consent", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	entries, ok := body["entries"].([]any)
	if !ok || len(entries) != 0 {
		t.Errorf("expected empty entries, got %v", body["entries"])
	}
}

func TestAuthority(t *testing.T) {
	srv, _ := newTestAPI(t)
	_, body := do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-3/authority", "")
	if body["passed"] != false || body["code"] != "not_found" {
		t.Fatalf("expected not_found check, got %v", body)
	}

	do(t, http.MethodPost, srv.URL+"/v1/entities/story/s-3/consent", publicGrant)
	_, body = do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-3/authority", "")
	if body["passed"] != true {
		t.Fatalf("expected passing check, got %v", body)
	}
}

func TestUsageLogAndHistory(t *testing.T) {
	srv, _ := newTestAPI(t)
	base := srv.URL + "/v1/entities/story/s-4/usage"

	resp, _ := do(t, http.MethodPost, base, `{"action":"publish","revenue_generated":12.5}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	do(t, http.MethodPost, base, `{"action":"export_reports","revenue_generated":2.5}`)

	_, body := do(t, http.MethodGet, base, "")
	if body["total_revenue"] != 15.0 {
		t.Errorf("expected total 15, got %v", body["total_revenue"])
	}

	_, body = do(t, http.MethodGet, base+"?action=publish&limit=5", "")
	entries, _ := body["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 publish entry, got %v", body["entries"])
	}
	first, _ := entries[0].(map[string]any)
	if first["user_id"] != "analyst-7" {
		t.Errorf("expected actor from header, got %v", first["user_id"])
	}
}

func TestUsageHistoryBadQuery(t *testing.T) {
	srv, _ := newTestAPI(t)
	for _, q := range []string{"?since=yesterday", "?until=x", "?limit=many", "?limit=-1", "?action=resell"} {
		resp, _ := do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-4/usage"+q, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, resp.StatusCode)
		}
	}
}

type downHistory struct{}

func (downHistory) ListUsage(context.Context, model.EntityRef, model.UsageFilter) ([]model.UsageEntry, error) {
	return nil, errors.New("connection refused to 10.0.0.5:5432")
}

func TestUsageHistoryStoreFailureIs500(t *testing.T) {
	svc, err := gate.New(gate.Options{
		Ledger:  ledger.NewMemoryStore(clock),
		History: downHistory{},
		Now:     clock,
	})
	if err != nil {
		t.Fatalf("gate.New: %v", err)
	}
	srv := httptest.NewServer(New(svc, Options{}))
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-4/usage", "")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if body["error"] != "internal error" {
		t.Errorf("expected store details hidden, got %v", body["error"])
	}
}

func TestBodyLimit(t *testing.T) {
	srv, _ := newTestAPI(t)
	big := `{"notes":"` + strings.Repeat("x", 8192) + `"}`
	resp, _ := do(t, http.MethodPost, srv.URL+"/v1/entities/story/s-5/consent", big)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for oversized body, got %d", resp.StatusCode)
	}
}

func TestRequireConsent(t *testing.T) {
	_, svc := newTestAPI(t)
	ctx := context.Background()
	if _, err := svc.UpdateConsent(ctx, model.ConsentInput{
		Entity:        model.EntityRef{Type: model.EntityStory, ID: "open"},
		Level:         model.LevelPublic,
		PermittedUses: []model.PermittedUse{model.UsePublish},
		GrantedBy:     "p-1",
	}); err != nil {
		t.Fatalf("UpdateConsent: %v", err)
	}

	r := chi.NewRouter()
	r.With(RequireConsent(svc, model.UsePublish, EntityFromURL(model.EntityStory, "id"))).
		Get("/stories/{id}", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"story": chi.URLParam(r, "id")})
		})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, body := do(t, http.MethodGet, srv.URL+"/stories/open", "")
	if resp.StatusCode != http.StatusOK || body["story"] != "open" {
		t.Fatalf("expected handler to run, got %d %v", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/stories/closed", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body["code"] != "not_found" {
		t.Errorf("expected not_found code, got %v", body["code"])
	}
}

type brokenEnforcer struct{}

func (brokenEnforcer) Enforce(context.Context, model.EntityRef, model.PermittedUse, string) error {
	return context.DeadlineExceeded
}

func TestRequireConsentFailsClosed(t *testing.T) {
	h := RequireConsent(brokenEnforcer{}, model.UsePublish, func(*http.Request) (model.EntityRef, error) {
		return model.EntityRef{Type: model.EntityStory, ID: "s-1"}, nil
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitPerActor(t *testing.T) {
	store := ledger.NewMemoryStore(clock)
	svc, err := gate.New(gate.Options{Ledger: store, Now: clock})
	if err != nil {
		t.Fatal(err)
	}
	limiter := ratelimit.New(map[string]ratelimit.Config{
		"*": {ratelimit.CategoryCheck: {MaxRequests: 2, Window: time.Hour}},
	}, clock)
	srv := httptest.NewServer(New(svc, Options{Limiter: limiter}))
	defer srv.Close()

	check := `{"entity":{"entity_type":"story","entity_id":"s-1"},"action":"publish"}`
	for i := 0; i < 2; i++ {
		if resp, _ := do(t, http.MethodPost, srv.URL+"/v1/check", check); resp.StatusCode != http.StatusOK {
			t.Fatalf("call %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp, body := do(t, http.MethodPost, srv.URL+"/v1/check", check)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if !strings.Contains(body["error"].(string), "rate limit exceeded") {
		t.Errorf("unexpected error: %v", body)
	}

	// Other categories are unlimited.
	if resp, _ := do(t, http.MethodGet, srv.URL+"/v1/entities/story/s-1/consent", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("expected consent routes unaffected, got %d", resp.StatusCode)
	}
}
