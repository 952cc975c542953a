package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/consentgate/internal/enforce"
	"github.com/ppiankov/consentgate/internal/model"
)

// Enforcer is satisfied by gate.Service and the remote client.
type Enforcer interface {
	Enforce(ctx context.Context, ref model.EntityRef, action model.PermittedUse, actor string) error
}

// EntityFunc extracts the governed entity from a request.
type EntityFunc func(r *http.Request) (model.EntityRef, error)

// EntityFromURL reads the entity id from the chi URL parameter param.
func EntityFromURL(t model.EntityType, param string) EntityFunc {
	return func(r *http.Request) (model.EntityRef, error) {
		ref := model.EntityRef{Type: t, ID: chi.URLParam(r, param)}
		return ref, ref.Validate()
	}
}

// RequireConsent runs next only when action on the request's entity is
// allowed. Denials answer 403 with the failed checks; undeterminable
// decisions answer 503. Both fail closed.
func RequireConsent(e Enforcer, action model.PermittedUse, entity EntityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ref, err := entity(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			err = e.Enforce(r.Context(), ref, action, r.Header.Get(ActorHeader))
			if err == nil {
				next.ServeHTTP(w, r)
				return
			}

			var gv *enforce.GovernanceViolation
			if !errors.As(err, &gv) {
				writeError(w, http.StatusServiceUnavailable, "consent could not be determined")
				return
			}
			status := http.StatusForbidden
			if gv.SystemError() {
				status = http.StatusServiceUnavailable
			}
			writeJSON(w, status, map[string]any{
				"error":  gv.Error(),
				"code":   gv.Code(),
				"reason": gv.Reason,
				"failed": gv.Failed(),
			})
		})
	}
}
