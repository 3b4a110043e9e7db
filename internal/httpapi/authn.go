package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"qazna.org/adminauth/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withSession resolves the bearer token to a session view and stores both in
// the request context.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="adminauth"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		view, err := a.svc.ValidateSession(r.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrSessionExpired):
				writeError(w, r, http.StatusUnauthorized, "session expired")
			case errors.Is(err, auth.ErrSessionInvalid), errors.Is(err, auth.ErrUserInactive):
				writeError(w, r, http.StatusUnauthorized, "invalid session")
			default:
				a.handleServiceError(w, r, err)
			}
			return
		}

		ctx := auth.ContextWithSession(r.Context(), view)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects sessions lacking perm with 403.
func (a *API) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			view, ok := auth.SessionFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "missing session")
				return
			}
			if !view.HasPermission(perm) {
				writeError(w, r, http.StatusForbidden, "permission "+perm+" required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
