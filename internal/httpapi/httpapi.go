// Package httpapi serves the consent gate as a JSON HTTP API and provides
// middleware that gates HTTP handlers on consent.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/consentgate/internal/gate"
	"github.com/ppiankov/consentgate/internal/ledger"
	"github.com/ppiankov/consentgate/internal/model"
	"github.com/ppiankov/consentgate/internal/ratelimit"
	"github.com/ppiankov/consentgate/internal/usage"
)

// ActorHeader carries the caller identity recorded on checks and usage.
const ActorHeader = "X-Actor-ID"

// Options configures the HTTP API.
type Options struct {
	MaxBodyBytes int64

	// Limiter caps requests per actor; nil disables rate limiting.
	Limiter *ratelimit.Limiter
	Logger  *log.Logger
}

type api struct {
	gate    *gate.Service
	limiter *ratelimit.Limiter
	logger  *log.Logger
}

// New returns the router for svc.
func New(svc *gate.Service, opts Options) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	a := &api{gate: svc, limiter: opts.Limiter, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(securityHeaders)
	r.Use(limitBody(opts.MaxBodyBytes))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "consentgate"})
	})

	r.With(a.limit(ratelimit.CategoryCheck)).Post("/v1/check", a.check)
	r.Route("/v1/entities/{type}/{id}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(a.limit(ratelimit.CategoryConsent))
			r.Get("/consent", a.listEntries)
			r.Post("/consent", a.updateConsent)
			r.Post("/revoke", a.revoke)
			r.Get("/authority", a.validateAuthority)
		})
		r.Group(func(r chi.Router) {
			r.Use(a.limit(ratelimit.CategoryUsage))
			r.Get("/usage", a.usageHistory)
			r.Post("/usage", a.logUsage)
		})
	})
	return r
}

type checkRequest struct {
	Entity model.EntityRef    `json:"entity"`
	Action model.PermittedUse `json:"action"`
	Actor  string             `json:"actor,omitempty"`
}

// check always answers 200; the verdict carries the decision.
func (a *api) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get(ActorHeader)
	}
	writeJSON(w, http.StatusOK, a.gate.CheckPermission(r.Context(), req.Entity, req.Action, req.Actor))
}

func (a *api) listEntries(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	entries, err := a.gate.ListEntries(r.Context(), ref)
	if err != nil {
		a.fail(w, "list entries", err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": ref, "entries": entries})
}

func (a *api) updateConsent(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	var in model.ConsentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	in.Entity = ref
	if in.GrantedBy == "" {
		in.GrantedBy = r.Header.Get(ActorHeader)
	}
	entry, err := a.gate.UpdateConsent(r.Context(), in)
	if err != nil {
		a.fail(w, "update consent", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type revokeRequest struct {
	RevokedBy string `json:"revoked_by"`
	Reason    string `json:"reason,omitempty"`
}

func (a *api) revoke(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	var req revokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RevokedBy == "" {
		req.RevokedBy = r.Header.Get(ActorHeader)
	}
	entry, err := a.gate.RevokeConsent(r.Context(), ref, req.RevokedBy, req.Reason)
	if err != nil {
		a.fail(w, "revoke consent", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *api) validateAuthority(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.gate.ValidateAuthority(r.Context(), ref))
}

type usageRequest struct {
	Action      model.PermittedUse `json:"action"`
	Actor       string             `json:"user_id,omitempty"`
	Revenue     *float64           `json:"revenue_generated,omitempty"`
	QueryText   string             `json:"query_text,omitempty"`
	Destination string             `json:"destination,omitempty"`
}

// logUsage is best-effort and answers 202 once the body parses.
func (a *api) logUsage(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	var req usageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Actor == "" {
		req.Actor = r.Header.Get(ActorHeader)
	}
	a.gate.LogUsage(r.Context(), model.UsageEntry{
		Entity:      ref,
		Action:      req.Action,
		ActorID:     req.Actor,
		Revenue:     req.Revenue,
		QueryText:   req.QueryText,
		Destination: req.Destination,
	})
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *api) usageHistory(w http.ResponseWriter, r *http.Request) {
	ref, ok := entityParam(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := model.UsageFilter{Action: model.PermittedUse(q.Get("action"))}
	var err error
	if f.Since, err = queryTime(q.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	if f.Until, err = queryTime(q.Get("until")); err != nil {
		writeError(w, http.StatusBadRequest, "until must be RFC3339")
		return
	}
	if s := q.Get("limit"); s != "" {
		if f.Limit, err = strconv.Atoi(s); err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}

	h, err := a.gate.UsageHistory(r.Context(), ref, f)
	if err != nil {
		a.fail(w, "usage history", err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidConsent):
		var ve *ledger.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "check": ve.Check})
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrSuperseded):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, usage.ErrInvalidFilter):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		a.logger.Printf("http %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// limit rejects requests over the caller's rate limit with 429.
func (a *api) limit(category string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if res := a.limiter.Allow(r.Header.Get(ActorHeader), category); res.Exceeded {
				writeError(w, http.StatusTooManyRequests, res.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func entityParam(w http.ResponseWriter, r *http.Request) (model.EntityRef, bool) {
	ref, err := model.ParseEntityRef(chi.URLParam(r, "type") + ":" + chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return model.EntityRef{}, false
	}
	return ref, true
}

func queryTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func limitBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}
