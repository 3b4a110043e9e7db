package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"qazna.org/adminauth/internal/audit"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

func (a *API) handleLoginHistory(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := a.svc.LoginHistory(r.Context(), f)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID: strings.TrimSpace(q.Get("user_id")),
		Email:  strings.ToLower(strings.TrimSpace(q.Get("email"))),
		Limit:  defaultHistoryLimit,
	}
	if raw := q.Get("success"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return audit.Filter{}, errBadQuery("success", raw)
		}
		f.Success = &v
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, errBadQuery("since", raw)
		}
		f.Since = t
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return audit.Filter{}, errBadQuery("limit", raw)
		}
		f.Limit = min(n, maxHistoryLimit)
	}
	return f, nil
}

type queryError struct{ name, value string }

func (e queryError) Error() string { return "invalid " + e.name + " query parameter " + strconv.Quote(e.value) }

func errBadQuery(name, value string) error { return queryError{name: name, value: value} }

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.GetStatistics(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
