package auth

import (
	"strings"
	"time"
)

// Role groups permissions and supplies the employee ID prefix.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Permissions  []string  `json:"permissions"`
	RolePrefix   string    `json:"role_prefix"`
	IsSystemRole bool      `json:"is_system_role"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsSuperuser reports whether r is the root role: a system role carrying "*".
func (r Role) IsSuperuser() bool {
	if !r.IsSystemRole {
		return false
	}
	for _, p := range r.Permissions {
		if p == PermAll {
			return true
		}
	}
	return false
}

// RoleInput describes a new role.
type RoleInput struct {
	Name         string   `json:"name"`
	Permissions  []string `json:"permissions"`
	RolePrefix   string   `json:"role_prefix"`
	IsSystemRole bool     `json:"is_system_role"`
}

// RolePatch carries optional updates; nil fields are left unchanged.
type RolePatch struct {
	Name        *string   `json:"name,omitempty"`
	Permissions *[]string `json:"permissions,omitempty"`
	RolePrefix  *string   `json:"role_prefix,omitempty"`
}

// AdminUser is an administrator account. PasswordDigest is never serialised
// through this type.
type AdminUser struct {
	ID                  string     `json:"id"`
	EmployeeID          string     `json:"employee_id"`
	DisplayName         string     `json:"display_name"`
	Email               string     `json:"email"`
	RoleID              string     `json:"role_id"`
	PasswordDigest      string     `json:"-"`
	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsLocked reports whether the lockout window is still open at now.
func (u AdminUser) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && u.LockedUntil.After(now)
}

// UserInput describes a new administrator. IsActive defaults to true.
type UserInput struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	RoleID      string `json:"role_id"`
	Password    string `json:"password"`
	IsActive    *bool  `json:"is_active,omitempty"`
}

// UserPatch carries optional updates; nil fields are left unchanged.
type UserPatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	Email       *string `json:"email,omitempty"`
	RoleID      *string `json:"role_id,omitempty"`
	Password    *string `json:"password,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
}

// Session is proof of a prior successful login. Token is only populated on
// creation; storage holds its hash.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Token          string    `json:"-"`
	TokenHash      string    `json:"token_hash"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
}

// SessionView is the identity a valid session resolves to.
type SessionView struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	EmployeeID   string    `json:"employee_id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	RoleID       string    `json:"role_id"`
	RoleName     string    `json:"role_name"`
	Permissions  []string  `json:"permissions"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// HasPermission reports whether the view grants key. "*" grants everything
// and "users.*" grants every key under "users.".
func (v SessionView) HasPermission(key string) bool {
	for _, p := range v.Permissions {
		if p == PermAll || p == key {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(key, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// ClientInfo describes where a login attempt came from.
type ClientInfo struct {
	IPAddress string
	UserAgent string
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Session   SessionView `json:"session"`
}

// Statistics is computed on demand from the stores.
type Statistics struct {
	TotalUsers         int `json:"total_users"`
	ActiveUsers        int `json:"active_users"`
	LockedUsers        int `json:"locked_users"`
	TotalRoles         int `json:"total_roles"`
	ActiveSessions     int `json:"active_sessions"`
	TotalLoginAttempts int `json:"total_login_attempts"`
	SuccessfulLogins   int `json:"successful_logins"`
	FailedLogins       int `json:"failed_logins"`
}
