package auth

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"qazna.org/adminauth/internal/ids"
	"qazna.org/adminauth/internal/persist"
)

const maxPrefixLen = 8

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// RoleStore owns the roles collection.
type RoleStore struct {
	port persist.Port
	now  func() time.Time

	// mu serialises writers so prefix uniqueness holds.
	mu sync.Mutex
	// refs is held for reading while a user is bound to a role and for
	// writing while a role is deleted.
	refs sync.RWMutex

	usage func(ctx context.Context, roleID string) (int, error)
}

// NewRoleStore constructs a RoleStore. now defaults to time.Now.
func NewRoleStore(port persist.Port, now func() time.Time) *RoleStore {
	if now == nil {
		now = time.Now
	}
	return &RoleStore{port: port, now: now}
}

func (s *RoleStore) Create(ctx context.Context, in RoleInput) (Role, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrValidation)
	}
	perms := normalizePermissions(in.Permissions)
	if len(perms) == 0 {
		return Role{}, fmt.Errorf("%w: permission set is required", ErrValidation)
	}
	explicit := strings.ToUpper(strings.TrimSpace(in.RolePrefix))
	if explicit != "" && !prefixPattern.MatchString(explicit) {
		return Role{}, fmt.Errorf("%w: role prefix must be 1-8 letters or digits", ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.List(ctx)
	if err != nil {
		return Role{}, err
	}
	taken := make(map[string]bool, len(existing))
	for _, r := range existing {
		taken[strings.ToUpper(r.RolePrefix)] = true
	}
	prefix := explicit
	if prefix == "" {
		prefix = uniquePrefix(derivePrefix(name), taken)
	} else if taken[prefix] {
		return Role{}, fmt.Errorf("%w: role prefix %q already in use", ErrValidation, prefix)
	}

	now := s.now().UTC()
	role := Role{
		ID:           ids.NewAt(now),
		Name:         name,
		Permissions:  perms,
		RolePrefix:   prefix,
		IsSystemRole: in.IsSystemRole,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := putJSON(ctx, s.port, persist.CollectionRoles, role.ID, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *RoleStore) Get(ctx context.Context, id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role id is required", ErrValidation)
	}
	var role Role
	if err := getJSON(ctx, s.port, persist.CollectionRoles, id, &role, ErrNotFound); err != nil {
		return Role{}, err
	}
	return role, nil
}

// List returns roles in creation order.
func (s *RoleStore) List(ctx context.Context) ([]Role, error) {
	roles, err := scanJSON[Role](ctx, s.port, persist.CollectionRoles, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(roles, func(i, j int) bool {
		if roles[i].CreatedAt.Equal(roles[j].CreatedAt) {
			return roles[i].ID < roles[j].ID
		}
		return roles[i].CreatedAt.Before(roles[j].CreatedAt)
	})
	return roles, nil
}

// Update applies patch. IsSystemRole cannot change after creation.
func (s *RoleStore) Update(ctx context.Context, id string, patch RolePatch) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	role, err := s.Get(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrValidation)
		}
		role.Name = name
	}
	if patch.Permissions != nil {
		perms := normalizePermissions(*patch.Permissions)
		if len(perms) == 0 {
			return Role{}, fmt.Errorf("%w: permission set is required", ErrValidation)
		}
		role.Permissions = perms
	}
	if patch.RolePrefix != nil {
		prefix := strings.ToUpper(strings.TrimSpace(*patch.RolePrefix))
		if !prefixPattern.MatchString(prefix) {
			return Role{}, fmt.Errorf("%w: role prefix must be 1-8 letters or digits", ErrValidation)
		}
		if prefix != role.RolePrefix {
			all, err := s.List(ctx)
			if err != nil {
				return Role{}, err
			}
			for _, other := range all {
				if other.ID != role.ID && strings.EqualFold(other.RolePrefix, prefix) {
					return Role{}, fmt.Errorf("%w: role prefix %q already in use", ErrValidation, prefix)
				}
			}
		}
		role.RolePrefix = prefix
	}
	role.UpdatedAt = s.now().UTC()
	if err := putJSON(ctx, s.port, persist.CollectionRoles, role.ID, role); err != nil {
		return Role{}, err
	}
	return role, nil
}

// Delete removes a role unless it is a system role or still referenced.
// Inactive users count as references too, so deactivating the last member
// does not free the role.
func (s *RoleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs.Lock()
	defer s.refs.Unlock()

	role, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystemRole {
		return fmt.Errorf("%w: system role %q cannot be deleted", ErrProtected, role.Name)
	}
	if s.usage != nil {
		n, err := s.usage(ctx, role.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: role %q is assigned to %d user(s)", ErrInUse, role.Name, n)
		}
	}
	return deleteKey(ctx, s.port, persist.CollectionRoles, role.ID)
}

// hold pins role existence while a user is bound to it.
func (s *RoleStore) hold() func() {
	s.refs.RLock()
	return s.refs.RUnlock
}

func normalizePermissions(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	sort.Strings(result)
	return result
}

// derivePrefix takes initials of a multi-word name, or the first three
// letters of a single word.
func derivePrefix(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	if len(words) == 1 {
		for _, r := range words[0] {
			if r < unicode.MaxASCII && b.Len() < 3 {
				b.WriteRune(unicode.ToUpper(r))
			}
		}
	} else {
		for _, w := range words {
			r := []rune(w)[0]
			if r < unicode.MaxASCII && b.Len() < maxPrefixLen {
				b.WriteRune(unicode.ToUpper(r))
			}
		}
	}
	if b.Len() == 0 {
		return "R"
	}
	return b.String()
}

func uniquePrefix(base string, taken map[string]bool) string {
	if !taken[base] {
		return base
	}
	for n := 2; ; n++ {
		suffix := strconv.Itoa(n)
		stem := base
		if len(stem)+len(suffix) > maxPrefixLen {
			stem = stem[:maxPrefixLen-len(suffix)]
		}
		if candidate := stem + suffix; !taken[candidate] {
			return candidate
		}
	}
}
