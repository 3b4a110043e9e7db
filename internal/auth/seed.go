package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// SuperuserRoleName names the role EnsureBootstrap creates.
const SuperuserRoleName = "Super Admin"

// BootstrapAdmin describes the first administrator. An empty Email skips
// account creation.
type BootstrapAdmin struct {
	Email       string
	DisplayName string
	Password    string
}

// EnsureBootstrap makes sure a superuser role exists and, when admin is set,
// that an account with admin.Email exists. It is safe to call on every start.
func (s *Service) EnsureBootstrap(ctx context.Context, admin BootstrapAdmin) (Role, error) {
	roles, err := s.roles.List(ctx)
	if err != nil {
		return Role{}, err
	}
	var root Role
	for _, r := range roles {
		if r.IsSuperuser() {
			root = r
			break
		}
	}
	if root.ID == "" {
		root, err = s.roles.Create(ctx, RoleInput{
			Name:         SuperuserRoleName,
			Permissions:  []string{PermAll},
			IsSystemRole: true,
		})
		if err != nil {
			return Role{}, fmt.Errorf("create superuser role: %w", err)
		}
		s.logger.Info("superuser role created", zap.String("role_id", root.ID))
	}

	email := strings.TrimSpace(admin.Email)
	if email == "" {
		return root, nil
	}
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return root, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Role{}, err
	}
	name := strings.TrimSpace(admin.DisplayName)
	if name == "" {
		name = "Administrator"
	}
	if _, err := s.CreateUser(ctx, UserInput{
		DisplayName: name,
		Email:       email,
		RoleID:      root.ID,
		Password:    admin.Password,
	}); err != nil {
		return Role{}, fmt.Errorf("create bootstrap admin: %w", err)
	}
	return root, nil
}
