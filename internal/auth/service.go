package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"qazna.org/adminauth/internal/audit"
	"qazna.org/adminauth/internal/obs"
	"qazna.org/adminauth/internal/persist"
)

// Failure reasons recorded in the audit trail.
const (
	ReasonUserNotFound    = "user not found"
	ReasonAccountLocked   = "account locked"
	ReasonAccountInactive = "account inactive"
	ReasonWrongPassword   = "wrong password"
)

// Config holds the recognised options. Zero values take defaults.
type Config struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	SessionMaxAge     time.Duration
	AuditLogCap       int
	SlidingExpiration bool
	MinPasswordLength int
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		MaxFailedAttempts: DefaultMaxFailedAttempts,
		LockoutDuration:   DefaultLockoutDuration,
		SessionMaxAge:     DefaultSessionMaxAge,
		AuditLogCap:       audit.DefaultCap,
		MinPasswordLength: DefaultMinPasswordLength,
	}
}

// Validate rejects negative settings.
func (c Config) Validate() error {
	switch {
	case c.MaxFailedAttempts < 0:
		return fmt.Errorf("%w: max failed attempts must not be negative", ErrValidation)
	case c.LockoutDuration < 0:
		return fmt.Errorf("%w: lockout duration must not be negative", ErrValidation)
	case c.SessionMaxAge < 0:
		return fmt.Errorf("%w: session max age must not be negative", ErrValidation)
	case c.AuditLogCap < 0:
		return fmt.Errorf("%w: audit log cap must not be negative", ErrValidation)
	case c.MinPasswordLength < 0:
		return fmt.Errorf("%w: min password length must not be negative", ErrValidation)
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxFailedAttempts == 0 {
		c.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if c.LockoutDuration == 0 {
		c.LockoutDuration = def.LockoutDuration
	}
	if c.SessionMaxAge == 0 {
		c.SessionMaxAge = def.SessionMaxAge
	}
	if c.AuditLogCap == 0 {
		c.AuditLogCap = def.AuditLogCap
	}
	if c.MinPasswordLength == 0 {
		c.MinPasswordLength = def.MinPasswordLength
	}
	return c
}

// Service wires the stores together and implements login, logout and
// session validation.
type Service struct {
	cfg      Config
	port     persist.Port
	roles    *RoleStore
	users    *UserStore
	sessions *SessionStore
	audit    *audit.Log
	policy   LoginAttemptPolicy
	hasher   Hasher
	now      func() time.Time
	logger   *zap.Logger

	dummyOnce   sync.Once
	dummyDigest string
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHasher overrides the credential hasher.
func WithHasher(h Hasher) Option {
	return func(s *Service) error {
		if h == nil {
			return errors.New("auth: hasher is nil")
		}
		s.hasher = h
		return nil
	}
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithAuditLog supplies a prebuilt audit log instead of one over the port.
func WithAuditLog(l *audit.Log) Option {
	return func(s *Service) error {
		s.audit = l
		return nil
	}
}

// New builds a Service over port.
func New(cfg Config, port persist.Port, opts ...Option) (*Service, error) {
	if port == nil {
		return nil, errors.New("auth: persistence port is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	svc := &Service{
		cfg:    cfg,
		port:   port,
		now:    time.Now,
		hasher: NewArgon2Hasher(DefaultArgon2Params()),
		logger: obs.Logger().Named("auth"),
		policy: LoginAttemptPolicy{
			MaxFailedAttempts: cfg.MaxFailedAttempts,
			LockoutDuration:   cfg.LockoutDuration,
		},
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	clock := func() time.Time { return svc.now() }
	svc.roles = NewRoleStore(port, clock)
	svc.users = NewUserStore(port, svc.roles, svc.hasher, UserStoreConfig{
		Policy:            svc.policy,
		MinPasswordLength: cfg.MinPasswordLength,
		Now:               clock,
	})
	svc.sessions = NewSessionStore(port, svc.users, svc.roles, SessionStoreConfig{
		MaxAge:  cfg.SessionMaxAge,
		Sliding: cfg.SlidingExpiration,
		Now:     clock,
	})
	if svc.audit == nil {
		log, err := audit.New(context.Background(), port,
			audit.WithCap(cfg.AuditLogCap),
			audit.WithClock(clock),
			audit.WithLogger(svc.logger.Named("audit")),
		)
		if err != nil {
			return nil, storageErr("open audit log", err)
		}
		svc.audit = log
	}
	return svc, nil
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Port exposes the persistence port for readiness checks.
func (s *Service) Port() persist.Port { return s.port }

// Roles

func (s *Service) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	return s.roles.Create(ctx, in)
}

func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.roles.Get(ctx, id)
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.roles.List(ctx)
}

func (s *Service) UpdateRole(ctx context.Context, id string, patch RolePatch) (Role, error) {
	return s.roles.Update(ctx, id, patch)
}

// DeleteRole fails with ErrInUse while any user, active or not, holds the role.
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	return s.roles.Delete(ctx, id)
}

// Users

func (s *Service) CreateUser(ctx context.Context, in UserInput) (AdminUser, error) {
	user, err := s.users.Create(ctx, in)
	if err != nil {
		return AdminUser{}, err
	}
	s.logger.Info("user created", zap.String("user_id", user.ID), zap.String("employee_id", user.EmployeeID))
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, id string) (AdminUser, error) {
	return s.users.Get(ctx, id)
}

func (s *Service) ListUsers(ctx context.Context) ([]AdminUser, error) {
	return s.users.List(ctx)
}

func (s *Service) FindUserByEmail(ctx context.Context, email string) (AdminUser, error) {
	return s.users.FindByEmail(ctx, email)
}

func (s *Service) FindUserByEmployeeID(ctx context.Context, employeeID string) (AdminUser, error) {
	return s.users.FindByEmployeeID(ctx, employeeID)
}

// UpdateUser applies patch. Changing the password or deactivating the
// account ends all of its sessions.
func (s *Service) UpdateUser(ctx context.Context, id string, patch UserPatch) (AdminUser, error) {
	user, err := s.users.Update(ctx, id, patch)
	if err != nil {
		return AdminUser{}, err
	}
	if patch.Password != nil || !user.IsActive {
		if _, err := s.sessions.InvalidateAllForUser(ctx, user.ID); err != nil {
			return user, err
		}
	}
	return user, nil
}

// DeleteUser ends the user's sessions, then removes it. Superuser-role members are
// protected.
func (s *Service) DeleteUser(ctx context.Context, id string) error {
	removed, err := s.users.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: superuser accounts cannot be deleted", ErrProtected)
	}
	s.logger.Info("user deleted", zap.String("user_id", id))
	return nil
}

func (s *Service) DeactivateUser(ctx context.Context, id string) (AdminUser, error) {
	inactive := false
	user, err := s.UpdateUser(ctx, id, UserPatch{IsActive: &inactive})
	if err != nil {
		return AdminUser{}, err
	}
	s.logger.Info("user deactivated", zap.String("user_id", id))
	return user, nil
}

func (s *Service) ActivateUser(ctx context.Context, id string) (AdminUser, error) {
	active := true
	return s.users.Update(ctx, id, UserPatch{IsActive: &active})
}

// UnlockUser clears a lockout ahead of its expiry.
func (s *Service) UnlockUser(ctx context.Context, id string) (AdminUser, error) {
	user, err := s.users.Unlock(ctx, id)
	if err != nil {
		return AdminUser{}, err
	}
	s.logger.Info("user unlocked", zap.String("user_id", id))
	return user, nil
}

// ChangePassword replaces the password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, id, current, next string) error {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.hasher.Verify(current, user.PasswordDigest) {
		return ErrInvalidCredentials
	}
	_, err = s.UpdateUser(ctx, id, UserPatch{Password: &next})
	return err
}

// Login authenticates email and password. Every refusal is audited before it
// is returned. Once the password verifies, the counter reset is committed
// even if issuing the session or auditing the success then fails.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	rec := audit.Record{
		Email:     email,
		Method:    audit.MethodPassword,
		IPAddress: client.IPAddress,
		UserAgent: client.UserAgent,
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		// keep timing close to the wrong-password path
		s.hasher.Verify(password, s.dummy())
		return LoginResult{}, s.refuse(ctx, rec, ReasonUserNotFound, &LoginError{Kind: ErrInvalidCredentials})
	}
	if err != nil {
		return LoginResult{}, err
	}
	rec.UserID = user.ID

	now := s.now().UTC()
	if s.policy.Evaluate(user.FailedLoginAttempts, user.LockedUntil, now) == Locked {
		return LoginResult{}, s.refuse(ctx, rec, ReasonAccountLocked,
			&LoginError{Kind: ErrAccountLocked, LockedUntil: user.LockedUntil})
	}
	if !user.IsActive {
		return LoginResult{}, s.refuse(ctx, rec, ReasonAccountInactive, &LoginError{Kind: ErrAccountInactive})
	}

	if !s.hasher.Verify(password, user.PasswordDigest) {
		updated, err := s.users.RecordFailedAttempt(ctx, user.ID)
		if err != nil {
			return LoginResult{}, errors.Join(err, s.refuse(ctx, rec, ReasonWrongPassword, &LoginError{Kind: ErrInvalidCredentials}))
		}
		lerr := &LoginError{Kind: ErrInvalidCredentials}
		if updated.IsLocked(now) {
			lerr.NowLocked = true
			lerr.LockedUntil = updated.LockedUntil
			obs.ObserveLockout()
			s.logger.Warn("account locked",
				zap.String("user_id", user.ID),
				zap.Int("failed_attempts", updated.FailedLoginAttempts),
				zap.Timep("locked_until", updated.LockedUntil))
		}
		return LoginResult{}, s.refuse(ctx, rec, ReasonWrongPassword, lerr)
	}

	user, err = s.users.RecordSuccessfulLogin(ctx, user.ID)
	switch {
	case errors.Is(err, ErrAccountLocked):
		return LoginResult{}, s.refuse(ctx, rec, ReasonAccountLocked,
			&LoginError{Kind: ErrAccountLocked, LockedUntil: user.LockedUntil})
	case errors.Is(err, ErrAccountInactive):
		return LoginResult{}, s.refuse(ctx, rec, ReasonAccountInactive, &LoginError{Kind: ErrAccountInactive})
	case err != nil:
		return LoginResult{}, err
	}

	sess, err := s.sessions.Create(ctx, user.ID, client)
	if err != nil {
		return LoginResult{}, err
	}
	view, err := s.sessions.View(ctx, sess)
	if err != nil {
		_ = s.sessions.Invalidate(ctx, sess.Token)
		return LoginResult{}, err
	}
	rec.Success = true
	if _, err := s.audit.Append(ctx, rec); err != nil {
		_ = s.sessions.Invalidate(ctx, sess.Token)
		return LoginResult{}, storageErr("audit login", err)
	}
	obs.ObserveLogin("success")
	return LoginResult{Token: sess.Token, ExpiresAt: sess.ExpiresAt, Session: view}, nil
}

// refuse audits a failed attempt and returns lerr, joined with any audit
// failure.
func (s *Service) refuse(ctx context.Context, rec audit.Record, reason string, lerr *LoginError) error {
	rec.Success = false
	rec.FailureReason = reason
	obs.ObserveLogin(reason)
	if _, err := s.audit.Append(ctx, rec); err != nil {
		return errors.Join(lerr, storageErr("audit login", err))
	}
	return lerr
}

func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		d, err := s.hasher.Hash("timing-equaliser-" + time.Now().String())
		if err == nil {
			s.dummyDigest = d
		}
	})
	return s.dummyDigest
}

// Logout ends the session for token. Unknown tokens are not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

func (s *Service) ValidateSession(ctx context.Context, token string) (SessionView, error) {
	view, err := s.sessions.Validate(ctx, token)
	switch {
	case err == nil:
		obs.ObserveSessionValidation("valid")
	case errors.Is(err, ErrSessionExpired):
		obs.ObserveSessionValidation("expired")
	case errors.Is(err, ErrUserInactive):
		obs.ObserveSessionValidation("user_inactive")
	case errors.Is(err, ErrSessionInvalid):
		obs.ObserveSessionValidation("invalid")
	default:
		obs.ObserveSessionValidation("error")
	}
	return view, err
}

// ListSessions returns sessions held by userID.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if _, err := s.users.Get(ctx, userID); err != nil {
		return nil, err
	}
	return s.sessions.ListForUser(ctx, userID)
}

// LoginHistory returns audit records matching f, newest first.
func (s *Service) LoginHistory(ctx context.Context, f audit.Filter) ([]audit.Record, error) {
	recs, err := s.audit.Collect(ctx, f)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	return recs, nil
}

// GetStatistics aggregates the stores at the current time.
func (s *Service) GetStatistics(ctx context.Context) (Statistics, error) {
	now := s.now().UTC()
	var st Statistics

	users, err := s.users.List(ctx)
	if err != nil {
		return Statistics{}, err
	}
	st.TotalUsers = len(users)
	for _, u := range users {
		if u.IsActive {
			st.ActiveUsers++
		}
		if u.IsLocked(now) {
			st.LockedUsers++
		}
	}
	roles, err := s.roles.List(ctx)
	if err != nil {
		return Statistics{}, err
	}
	st.TotalRoles = len(roles)
	if st.ActiveSessions, err = s.sessions.CountActive(ctx, now); err != nil {
		return Statistics{}, err
	}
	total, ok, failed, err := s.audit.Counts(ctx)
	if err != nil {
		return Statistics{}, storageErr("count audit", err)
	}
	st.TotalLoginAttempts, st.SuccessfulLogins, st.FailedLogins = total, ok, failed
	return st, nil
}

// PurgeExpiredSessions removes sessions already past expiry.
func (s *Service) PurgeExpiredSessions(ctx context.Context) (int, error) {
	n, err := s.sessions.PurgeExpired(ctx, s.now().UTC())
	obs.ObserveSessionsPurged(n)
	return n, err
}

// RunJanitor purges expired sessions every interval until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: janitor interval must be positive", ErrValidation)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.PurgeExpiredSessions(ctx)
			if err != nil {
				s.logger.Error("purge expired sessions", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("purged expired sessions", zap.Int("count", n))
			}
		}
	}
}
