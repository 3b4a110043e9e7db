package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
)

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req auth.RoleInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), req)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.create", zap.String("role_id", role.ID), zap.String("name", role.Name))
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, err := a.svc.GetRole(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req auth.RolePatch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.UpdateRole(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.update", zap.String("role_id", role.ID))
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.DeleteRole(r.Context(), id); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "role.delete", zap.String("role_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.UserInput
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.CreateUser(r.Context(), req)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "user.create", zap.String("user_id", user.ID), zap.String("employee_id", user.EmployeeID))
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLookupUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	employeeID := strings.TrimSpace(q.Get("employee_id"))
	var (
		user auth.AdminUser
		err  error
	)
	switch {
	case email != "" && employeeID != "":
		writeError(w, r, http.StatusBadRequest, "use either email or employee_id")
		return
	case email != "":
		user, err = a.svc.FindUserByEmail(r.Context(), email)
	case employeeID != "":
		user, err = a.svc.FindUserByEmployeeID(r.Context(), employeeID)
	default:
		writeError(w, r, http.StatusBadRequest, "email or employee_id is required")
		return
	}
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req auth.UserPatch
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.UpdateUser(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "user.update", zap.String("user_id", user.ID), zap.Bool("password_changed", req.Password != nil))
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, "user.delete", zap.String("user_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleActivateUser(w http.ResponseWriter, r *http.Request) {
	a.userAction(w, r, "user.activate", a.svc.ActivateUser)
}

func (a *API) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	a.userAction(w, r, "user.deactivate", a.svc.DeactivateUser)
}

func (a *API) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	a.userAction(w, r, "user.unlock", a.svc.UnlockUser)
}

func (a *API) userAction(w http.ResponseWriter, r *http.Request, name string, fn func(ctx context.Context, id string) (auth.AdminUser, error)) {
	user, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	a.event(r, name, zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.svc.ListSessions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.handleServiceError(w, r, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:             s.ID,
			CreatedAt:      s.CreatedAt,
			ExpiresAt:      s.ExpiresAt,
			LastActivityAt: s.LastActivityAt,
			IPAddress:      s.IPAddress,
			UserAgent:      s.UserAgent,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// sessionResponse omits the token hash.
type sessionResponse struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// event logs an administrative change together with its actor.
func (a *API) event(r *http.Request, name string, fields ...zap.Field) {
	actor, _ := auth.SessionFromContext(r.Context())
	fields = append(fields,
		zap.String("event", name),
		zap.String("actor_id", actor.UserID),
		zap.String("request_id", RequestIDFromContext(r.Context())),
	)
	a.logger.Info("admin change", fields...)
}
