package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"qazna.org/adminauth/internal/auth"
	"qazna.org/adminauth/internal/obs"
	"qazna.org/adminauth/internal/persist"
)

const (
	serviceName  = "adminauth"
	maxBodyBytes = 1 << 20
)

// ReadyProbe проверяет готовность (ping хранилища).
type ReadyProbe struct {
	Port persist.Port
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Port == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return persist.Ping(ctx, rp.Port)
}

// Options configures New.
// TrustedProxies are the peers allowed to set X-Forwarded-For.
type Options struct {
	Version        string
	Logger         *zap.Logger
	LoginLimit     *IPRateLimiter
	ReadyProbe     *ReadyProbe
	MaxBodySize    int64
	TrustedProxies TrustedProxies
}

// API реализует HTTP слой.
type API struct {
	svc        *auth.Service
	router     chi.Router
	readyProbe ReadyProbe
	limiter    *IPRateLimiter
	proxies    TrustedProxies
	logger     *zap.Logger
	version    string
}

func New(svc *auth.Service, opts Options) *API {
	a := &API{
		svc:        svc,
		readyProbe: ReadyProbe{Port: svc.Port()},
		limiter:    opts.LoginLimit,
		proxies:    opts.TrustedProxies,
		logger:     opts.Logger,
		version:    opts.Version,
	}
	if a.logger == nil {
		a.logger = obs.Logger().Named("http")
	}
	if opts.ReadyProbe != nil {
		a.readyProbe = *opts.ReadyProbe
	}
	body := opts.MaxBodySize
	if body <= 0 {
		body = maxBodyBytes
	}
	a.router = a.routes(body)
	return a
}

func (a *API) routes(body int64) chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(ClientIP(a.proxies))
	r.Use(Recover(a.logger))
	r.Use(Logging(a.logger))
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(MaxBodyBytes(body))

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/info", a.Info)
		r.With(a.limiter.Middleware).Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.withSession)
			r.Post("/auth/logout", a.handleLogout)
			r.Get("/auth/session", a.handleSession)
			r.Get("/permissions", a.handlePermissions)

			r.Route("/roles", func(r chi.Router) {
				r.Use(a.requirePermission(auth.PermRolesManage))
				r.Get("/", a.handleListRoles)
				r.Post("/", a.handleCreateRole)
				r.Get("/{id}", a.handleGetRole)
				r.Patch("/{id}", a.handleUpdateRole)
				r.Delete("/{id}", a.handleDeleteRole)
			})

			r.Route("/users", func(r chi.Router) {
				r.Use(a.requirePermission(auth.PermUsersManage))
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
				r.Get("/lookup", a.handleLookupUser)
				r.Get("/{id}", a.handleGetUser)
				r.Patch("/{id}", a.handleUpdateUser)
				r.Delete("/{id}", a.handleDeleteUser)
				r.Post("/{id}/activate", a.handleActivateUser)
				r.Post("/{id}/deactivate", a.handleDeactivateUser)
				r.Post("/{id}/unlock", a.handleUnlockUser)
				r.Get("/{id}/sessions", a.handleUserSessions)
			})

			r.With(a.requirePermission(auth.PermAuditRead)).Get("/audit/logins", a.handleLoginHistory)
			r.With(a.requirePermission(auth.PermStatsRead)).Get("/stats", a.handleStats)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler() http.Handler {
	return a.router
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}
