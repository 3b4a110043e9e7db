package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"qazna.org/adminauth/internal/ids"
	"qazna.org/adminauth/internal/persist"
)

const DefaultMinPasswordLength = 8

// userDoc is the stored form of AdminUser; it is the only place the digest
// is serialised.
type userDoc struct {
	AdminUser
	PasswordDigest string `json:"password_digest"`
}

func (d userDoc) user() AdminUser {
	u := d.AdminUser
	u.PasswordDigest = d.PasswordDigest
	return u
}

// UserStore owns administrator accounts and their lockout counters.
type UserStore struct {
	port      persist.Port
	roles     *RoleStore
	hasher    Hasher
	policy    LoginAttemptPolicy
	now       func() time.Time
	minPasswd int

	// createMu guards email and employee ID uniqueness.
	createMu sync.Mutex
	// userMu serialises read-modify-write of a single user.
	userMu *keyedMutex

	// beforeRemove runs ahead of deleting a user; an error aborts the delete.
	beforeRemove func(ctx context.Context, userID string) error
}

// UserStoreConfig configures NewUserStore.
type UserStoreConfig struct {
	Policy            LoginAttemptPolicy
	MinPasswordLength int
	Now               func() time.Time
}

func NewUserStore(port persist.Port, roles *RoleStore, hasher Hasher, cfg UserStoreConfig) *UserStore {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	minLen := cfg.MinPasswordLength
	if minLen <= 0 {
		minLen = DefaultMinPasswordLength
	}
	s := &UserStore{
		port:      port,
		roles:     roles,
		hasher:    hasher,
		policy:    cfg.Policy,
		now:       now,
		minPasswd: minLen,
		userMu:    newKeyedMutex(),
	}
	roles.usage = s.CountByRole
	return s
}

func (s *UserStore) Create(ctx context.Context, in UserInput) (AdminUser, error) {
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return AdminUser{}, fmt.Errorf("%w: display name is required", ErrValidation)
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return AdminUser{}, err
	}
	if err := s.checkPassword(in.Password); err != nil {
		return AdminUser{}, err
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	release := s.roles.hold()
	defer release()

	role, err := s.roles.Get(ctx, in.RoleID)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return AdminUser{}, fmt.Errorf("%w: %s", ErrRoleNotFound, strings.TrimSpace(in.RoleID))
	}
	if err != nil {
		return AdminUser{}, err
	}
	all, err := s.List(ctx)
	if err != nil {
		return AdminUser{}, err
	}
	for _, u := range all {
		if u.Email == email {
			return AdminUser{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
		}
	}
	digest, err := s.hasher.Hash(in.Password)
	if err != nil {
		return AdminUser{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	user := AdminUser{
		ID:             ids.NewAt(now),
		EmployeeID:     nextEmployeeID(role.RolePrefix, all),
		DisplayName:    name,
		Email:          email,
		RoleID:         role.ID,
		PasswordDigest: digest,
		IsActive:       active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.save(ctx, user); err != nil {
		return AdminUser{}, err
	}
	return user, nil
}

func (s *UserStore) Get(ctx context.Context, id string) (AdminUser, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return AdminUser{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	var doc userDoc
	if err := getJSON(ctx, s.port, persist.CollectionUsers, id, &doc, ErrNotFound); err != nil {
		return AdminUser{}, err
	}
	return doc.user(), nil
}

// List returns users in creation order.
func (s *UserStore) List(ctx context.Context) ([]AdminUser, error) {
	return s.scan(ctx, nil)
}

func (s *UserStore) FindByEmail(ctx context.Context, email string) (AdminUser, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return AdminUser{}, ErrNotFound
	}
	return s.findOne(ctx, persist.FieldEquals("email", email))
}

func (s *UserStore) FindByEmployeeID(ctx context.Context, employeeID string) (AdminUser, error) {
	employeeID = strings.TrimSpace(employeeID)
	if employeeID == "" {
		return AdminUser{}, ErrNotFound
	}
	return s.findOne(ctx, persist.FieldEqualFold("employee_id", employeeID))
}

// CountByRole counts users bound to roleID.
func (s *UserStore) CountByRole(ctx context.Context, roleID string) (int, error) {
	users, err := s.scan(ctx, persist.FieldEquals("role_id", roleID))
	if err != nil {
		return 0, err
	}
	return len(users), nil
}

// Update applies patch and returns the stored user. A new password is hashed
// before it is written.
func (s *UserStore) Update(ctx context.Context, id string, patch UserPatch) (AdminUser, error) {
	var email string
	if patch.Email != nil {
		e, err := normalizeEmail(*patch.Email)
		if err != nil {
			return AdminUser{}, err
		}
		email = e
		s.createMu.Lock()
		defer s.createMu.Unlock()
	}
	if patch.Password != nil {
		if err := s.checkPassword(*patch.Password); err != nil {
			return AdminUser{}, err
		}
	}
	if patch.RoleID != nil {
		release := s.roles.hold()
		defer release()
	}

	unlock := s.userMu.Lock(id)
	defer unlock()

	user, err := s.Get(ctx, id)
	if err != nil {
		return AdminUser{}, err
	}
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return AdminUser{}, fmt.Errorf("%w: display name is required", ErrValidation)
		}
		user.DisplayName = name
	}
	if patch.Email != nil && email != user.Email {
		if _, err := s.FindByEmail(ctx, email); err == nil {
			return AdminUser{}, fmt.Errorf("%w: %s", ErrDuplicateEmail, email)
		} else if !errors.Is(err, ErrNotFound) {
			return AdminUser{}, err
		}
		user.Email = email
	}
	if patch.RoleID != nil {
		role, err := s.roles.Get(ctx, *patch.RoleID)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			return AdminUser{}, fmt.Errorf("%w: %s", ErrRoleNotFound, strings.TrimSpace(*patch.RoleID))
		}
		if err != nil {
			return AdminUser{}, err
		}
		user.RoleID = role.ID
	}
	if patch.Password != nil {
		digest, err := s.hasher.Hash(*patch.Password)
		if err != nil {
			return AdminUser{}, fmt.Errorf("hash password: %w", err)
		}
		user.PasswordDigest = digest
	}
	if patch.IsActive != nil {
		user.IsActive = *patch.IsActive
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, user); err != nil {
		return AdminUser{}, err
	}
	return user, nil
}

// Delete ends the user's sessions, then removes the user. It refuses,
// returning false, when the user holds the superuser role. If ending the
// sessions fails the user is left in place and the call can be retried.
func (s *UserStore) Delete(ctx context.Context, id string) (bool, error) {
	unlock := s.userMu.Lock(id)
	defer unlock()

	user, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	role, err := s.roles.Get(ctx, user.RoleID)
	switch {
	case err == nil && role.IsSuperuser():
		return false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return false, err
	}
	if s.beforeRemove != nil {
		if err := s.beforeRemove(ctx, user.ID); err != nil {
			return false, err
		}
	}
	if err := deleteKey(ctx, s.port, persist.CollectionUsers, user.ID); err != nil {
		return false, err
	}
	return true, nil
}

// RecordFailedAttempt increments the counter and applies the lock when the
// policy says so. An already-open lock window is not extended.
func (s *UserStore) RecordFailedAttempt(ctx context.Context, id string) (AdminUser, error) {
	unlock := s.userMu.Lock(id)
	defer unlock()

	user, err := s.Get(ctx, id)
	if err != nil {
		return AdminUser{}, err
	}
	now := s.now().UTC()
	out := s.policy.AfterFailure(user.FailedLoginAttempts, now)
	user.FailedLoginAttempts = out.NextCount
	if out.Lock && !user.IsLocked(now) {
		until := out.LockedUntil
		user.LockedUntil = &until
	}
	user.UpdatedAt = now
	if err := s.save(ctx, user); err != nil {
		return AdminUser{}, err
	}
	return user, nil
}

// RecordSuccessfulLogin resets the counters. It refuses when a concurrent
// failure locked the account, or it was deactivated, after this attempt
// passed its checks.
func (s *UserStore) RecordSuccessfulLogin(ctx context.Context, id string) (AdminUser, error) {
	unlock := s.userMu.Lock(id)
	defer unlock()

	user, err := s.Get(ctx, id)
	if err != nil {
		return AdminUser{}, err
	}
	now := s.now().UTC()
	if user.IsLocked(now) {
		return user, ErrAccountLocked
	}
	if !user.IsActive {
		return user, ErrAccountInactive
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now
	user.UpdatedAt = now
	if err := s.save(ctx, user); err != nil {
		return AdminUser{}, err
	}
	return user, nil
}

// Unlock clears the counter and lock window.
func (s *UserStore) Unlock(ctx context.Context, id string) (AdminUser, error) {
	unlock := s.userMu.Lock(id)
	defer unlock()

	user, err := s.Get(ctx, id)
	if err != nil {
		return AdminUser{}, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, user); err != nil {
		return AdminUser{}, err
	}
	return user, nil
}

func (s *UserStore) save(ctx context.Context, u AdminUser) error {
	return putJSON(ctx, s.port, persist.CollectionUsers, u.ID, userDoc{AdminUser: u, PasswordDigest: u.PasswordDigest})
}

func (s *UserStore) scan(ctx context.Context, match persist.Predicate) ([]AdminUser, error) {
	docs, err := scanJSON[userDoc](ctx, s.port, persist.CollectionUsers, match)
	if err != nil {
		return nil, err
	}
	users := make([]AdminUser, 0, len(docs))
	for _, d := range docs {
		users = append(users, d.user())
	}
	sort.SliceStable(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *UserStore) findOne(ctx context.Context, match persist.Predicate) (AdminUser, error) {
	users, err := s.scan(ctx, match)
	if err != nil {
		return AdminUser{}, err
	}
	if len(users) == 0 {
		return AdminUser{}, ErrNotFound
	}
	return users[0], nil
}

func (s *UserStore) checkPassword(p string) error {
	if len(p) < s.minPasswd {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, s.minPasswd)
	}
	return nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: malformed email %q", ErrValidation, raw)
	}
	return email, nil
}

// nextEmployeeID returns PREFIX-NNNN one past the highest sequence already
// issued for prefix, skipping any value present among users.
func nextEmployeeID(prefix string, users []AdminUser) string {
	taken := make(map[string]bool, len(users))
	highest := 0
	for _, u := range users {
		taken[strings.ToUpper(u.EmployeeID)] = true
		head, seq, ok := strings.Cut(u.EmployeeID, "-")
		if !ok || !strings.EqualFold(head, prefix) {
			continue
		}
		if n, err := strconv.Atoi(seq); err == nil && n > highest {
			highest = n
		}
	}
	for n := highest + 1; ; n++ {
		candidate := fmt.Sprintf("%s-%04d", prefix, n)
		if !taken[candidate] {
			return candidate
		}
	}
}
