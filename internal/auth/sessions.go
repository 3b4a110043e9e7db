package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"qazna.org/adminauth/internal/ids"
	"qazna.org/adminauth/internal/persist"
)

const (
	DefaultSessionMaxAge = 24 * time.Hour
	tokenBytes           = 32
)

// SessionStore owns session lifetime. Sessions are keyed by the SHA-256 of
// their token; the token itself is never stored.
type SessionStore struct {
	port    persist.Port
	users   *UserStore
	roles   *RoleStore
	now     func() time.Time
	maxAge  time.Duration
	sliding bool

	// tokenMu serialises validation and invalidation of one session.
	tokenMu *keyedMutex
}

// SessionStoreConfig configures NewSessionStore.
type SessionStoreConfig struct {
	MaxAge  time.Duration
	Sliding bool
	Now     func() time.Time
}

// NewSessionStore constructs a SessionStore and registers it to be cleared
// whenever users removes an account.
func NewSessionStore(port persist.Port, users *UserStore, roles *RoleStore, cfg SessionStoreConfig) *SessionStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	s := &SessionStore{
		port:    port,
		users:   users,
		roles:   roles,
		now:     now,
		maxAge:  maxAge,
		sliding: cfg.Sliding,
		tokenMu: newKeyedMutex(),
	}
	users.beforeRemove = func(ctx context.Context, userID string) error {
		_, err := s.InvalidateAllForUser(ctx, userID)
		return err
	}
	return s
}

// Create issues a new session for userID.
func (s *SessionStore) Create(ctx context.Context, userID string, client ClientInfo) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	now := s.now().UTC()
	sess := Session{
		ID:             ids.NewAt(now),
		UserID:         userID,
		Token:          token,
		TokenHash:      hashToken(token),
		ExpiresAt:      now.Add(s.maxAge),
		LastActivityAt: now,
		CreatedAt:      now,
		IPAddress:      client.IPAddress,
		UserAgent:      client.UserAgent,
	}
	if err := putJSON(ctx, s.port, persist.CollectionSessions, sess.TokenHash, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Validate resolves token to the current identity. Expired sessions and
// sessions of inactive or deleted users are removed as a side effect.
func (s *SessionStore) Validate(ctx context.Context, token string) (SessionView, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionView{}, ErrSessionInvalid
	}
	key := hashToken(token)
	unlock := s.tokenMu.Lock(key)
	defer unlock()

	raw, err := s.port.Get(ctx, persist.CollectionSessions, key)
	if errors.Is(err, persist.ErrNotFound) {
		return SessionView{}, ErrSessionInvalid
	}
	if err != nil {
		return SessionView{}, storageErr("get sessions", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return SessionView{}, storageErr("decode sessions", err)
	}

	now := s.now().UTC()
	if now.After(sess.ExpiresAt) {
		if err := deleteKey(ctx, s.port, persist.CollectionSessions, key); err != nil {
			return SessionView{}, err
		}
		return SessionView{}, ErrSessionExpired
	}

	user, role, err := s.resolve(ctx, sess.UserID)
	if errors.Is(err, ErrUserInactive) {
		if derr := deleteKey(ctx, s.port, persist.CollectionSessions, key); derr != nil {
			return SessionView{}, derr
		}
		return SessionView{}, err
	}
	if err != nil {
		return SessionView{}, err
	}

	sess.LastActivityAt = now
	patched, err := persist.SetField(raw, "last_activity_at", now)
	if err == nil && s.sliding {
		sess.ExpiresAt = now.Add(s.maxAge)
		patched, err = persist.SetField(patched, "expires_at", sess.ExpiresAt)
	}
	if err != nil {
		return SessionView{}, fmt.Errorf("patch session: %w", err)
	}
	if err := s.port.Put(ctx, persist.CollectionSessions, key, patched); err != nil {
		return SessionView{}, storageErr("put sessions", err)
	}
	return materialize(sess, user, role), nil
}

// View builds the identity for a freshly created session.
func (s *SessionStore) View(ctx context.Context, sess Session) (SessionView, error) {
	user, role, err := s.resolve(ctx, sess.UserID)
	if err != nil {
		return SessionView{}, err
	}
	return materialize(sess, user, role), nil
}

// Invalidate removes the session for token. Unknown tokens are ignored.
func (s *SessionStore) Invalidate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	key := hashToken(token)
	unlock := s.tokenMu.Lock(key)
	defer unlock()
	return deleteKey(ctx, s.port, persist.CollectionSessions, key)
}

// InvalidateAllForUser removes every session owned by userID.
func (s *SessionStore) InvalidateAllForUser(ctx context.Context, userID string) (int, error) {
	recs, err := s.port.Scan(ctx, persist.CollectionSessions, persist.FieldEquals("user_id", userID))
	if err != nil {
		return 0, storageErr("scan sessions", err)
	}
	removed := 0
	for _, r := range recs {
		if err := s.deleteLocked(ctx, r.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ListForUser returns sessions of userID, oldest first. Tokens are not
// recoverable and are left empty.
func (s *SessionStore) ListForUser(ctx context.Context, userID string) ([]Session, error) {
	sessions, err := scanJSON[Session](ctx, s.port, persist.CollectionSessions, persist.FieldEquals("user_id", userID))
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// CountActive counts sessions not yet expired at now.
func (s *SessionStore) CountActive(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.port.Scan(ctx, persist.CollectionSessions, persist.TimeAfter("expires_at", now.Add(-time.Nanosecond)))
	if err != nil {
		return 0, storageErr("scan sessions", err)
	}
	return len(recs), nil
}

// PurgeExpired removes sessions whose expiry is before now.
func (s *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	recs, err := s.port.Scan(ctx, persist.CollectionSessions, persist.TimeBefore("expires_at", now))
	if err != nil {
		return 0, storageErr("scan sessions", err)
	}
	purged := 0
	for _, r := range recs {
		unlock := s.tokenMu.Lock(r.Key)
		// a concurrent validation may have slid the expiry
		var sess Session
		err := getJSON(ctx, s.port, persist.CollectionSessions, r.Key, &sess, ErrNotFound)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			unlock()
			return purged, err
		case sess.ExpiresAt.Before(now):
			if err := deleteKey(ctx, s.port, persist.CollectionSessions, r.Key); err != nil {
				unlock()
				return purged, err
			}
			purged++
		}
		unlock()
	}
	return purged, nil
}

func (s *SessionStore) deleteLocked(ctx context.Context, key string) error {
	unlock := s.tokenMu.Lock(key)
	defer unlock()
	return deleteKey(ctx, s.port, persist.CollectionSessions, key)
}

// resolve loads the owner and role; a missing or inactive owner or a
// missing role yields ErrUserInactive.
func (s *SessionStore) resolve(ctx context.Context, userID string) (AdminUser, Role, error) {
	user, err := s.users.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return AdminUser{}, Role{}, ErrUserInactive
	}
	if err != nil {
		return AdminUser{}, Role{}, err
	}
	if !user.IsActive {
		return AdminUser{}, Role{}, ErrUserInactive
	}
	role, err := s.roles.Get(ctx, user.RoleID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return AdminUser{}, Role{}, ErrUserInactive
	}
	if err != nil {
		return AdminUser{}, Role{}, err
	}
	return user, role, nil
}

func materialize(sess Session, user AdminUser, role Role) SessionView {
	perms := make([]string, len(role.Permissions))
	copy(perms, role.Permissions)
	return SessionView{
		SessionID:    sess.ID,
		UserID:       user.ID,
		EmployeeID:   user.EmployeeID,
		DisplayName:  user.DisplayName,
		Email:        user.Email,
		RoleID:       role.ID,
		RoleName:     role.Name,
		Permissions:  perms,
		LastActivity: sess.LastActivityAt,
		ExpiresAt:    sess.ExpiresAt,
	}
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
