package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleServiceError maps auth errors onto HTTP statuses. Storage faults are
// logged and hidden from the caller.
func (a *API) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var lerr *auth.LoginError
	switch {
	case errors.Is(err, auth.ErrStorage):
		a.logger.Error("storage failure", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	case errors.As(err, &lerr):
		code := http.StatusUnauthorized
		switch {
		case errors.Is(lerr.Kind, auth.ErrAccountLocked), lerr.NowLocked:
			code = http.StatusLocked
		case errors.Is(lerr.Kind, auth.ErrAccountInactive):
			code = http.StatusForbidden
		}
		if lerr.LockedUntil != nil && code == http.StatusLocked {
			writeJSON(w, code, map[string]any{
				"error":        lerr.Message(),
				"locked_until": lerr.LockedUntil.UTC(),
				"request_id":   RequestIDFromContext(r.Context()),
			})
			return
		}
		writeError(w, r, code, lerr.Message())
	case errors.Is(err, auth.ErrValidation), errors.Is(err, auth.ErrRoleNotFound):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrDuplicateEmail), errors.Is(err, auth.ErrInUse), errors.Is(err, auth.ErrProtected):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrSessionInvalid), errors.Is(err, auth.ErrUserInactive):
		writeError(w, r, http.StatusUnauthorized, "session is not valid")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid email or password")
	default:
		a.logger.Error("request failed", zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
