// Package rbac models roles, permissions and their assignments to actors,
// and resolves the effective permission set of an actor by following
// UserRole -> Role -> RolePermission -> Permission.
package rbac

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/errs"
)

const maxRoleNameLen = 50

var (
	ErrRoleNotFound           = fmt.Errorf("role %w", errs.ErrNotFound)
	ErrPermissionNotFound     = fmt.Errorf("permission %w", errs.ErrNotFound)
	ErrRolePermissionNotFound = fmt.Errorf("role permission %w", errs.ErrNotFound)
	ErrUserRoleNotFound       = fmt.Errorf("user role %w", errs.ErrNotFound)

	ErrRoleDuplicate           = fmt.Errorf("%w: role name already exists", errs.ErrConflict)
	ErrPermissionDuplicate     = fmt.Errorf("%w: permission name already exists", errs.ErrConflict)
	ErrRolePermissionDuplicate = fmt.Errorf("%w: permission already granted to role", errs.ErrConflict)
	ErrUserRoleDuplicate       = fmt.Errorf("%w: role already assigned to user", errs.ErrConflict)

	ErrRoleNameInvalid       = fmt.Errorf("%w: role name must be 1-%d characters", errs.ErrValidation, maxRoleNameLen)
	ErrPermissionNameInvalid = fmt.Errorf("%w: permission name must have the form module.action", errs.ErrValidation)

	ErrInvalidTarget = fmt.Errorf("%w: invalid user reference", errs.ErrValidation)

	ErrRoleIsSystem       = fmt.Errorf("%w: system roles can only be modified by a superadmin", errs.ErrForbidden)
	ErrSystemRoleDeletion = fmt.Errorf("%w: system roles cannot be deleted", errs.ErrForbidden)
)

// Record holds the columns every entity carries.
type Record struct {
	ID        string    `json:"id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role is a named bundle of permissions.
type Role struct {
	Record
	Name        string `json:"name"`
	Description string `json:"description"`
	IsSystem    bool   `json:"is_system"`
}

// Permission is a single grantable capability named "module.action".
type Permission struct {
	Record
	Name        string `json:"name"`
	Module      string `json:"module"`
	Action      string `json:"action"`
	Description string `json:"description"`
	IsSystem    bool   `json:"is_system"`
}

// RolePermission links a role to a permission. A pair appears at most once.
type RolePermission struct {
	Record
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
}

// UserRole assigns a role to an actor. A triple appears at most once.
type UserRole struct {
	Record
	UserID   string        `json:"user_id"`
	UserType auth.UserType `json:"user_type"`
	RoleID   string        `json:"role_id"`
}

// Store is the persistence contract for rbac entities. Implementations
// return the package's sentinel errors for missing rows and uniqueness
// violations.
type Store interface {
	GetRole(ctx context.Context, id string) (*Role, error)
	FindRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, role *Role) error
	UpdateRole(ctx context.Context, role *Role) error
	DeleteRole(ctx context.Context, id string) error

	GetPermission(ctx context.Context, id string) (*Permission, error)
	FindPermissionByName(ctx context.Context, name string) (*Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	CreatePermission(ctx context.Context, perm *Permission) error

	AddRolePermission(ctx context.Context, rp *RolePermission) error
	RemoveRolePermission(ctx context.Context, roleID, permissionID string) error
	// ListRolePermissions returns the active permissions granted to a role,
	// ordered by name.
	ListRolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	AddUserRole(ctx context.Context, ur *UserRole) error
	RemoveUserRole(ctx context.Context, userID string, userType auth.UserType, roleID string) error
	ListUserRoles(ctx context.Context, userID string, userType auth.UserType) ([]UserRole, error)
}

// PermissionSet is the effective set of permission names of an actor.
type PermissionSet map[string]struct{}

func (s PermissionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Names returns the members in sorted order.
func (s PermissionSet) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NormalizeRoleName trims name and checks its length.
func NormalizeRoleName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxRoleNameLen {
		return "", ErrRoleNameInvalid
	}
	return name, nil
}

var permissionNamePattern = regexp.MustCompile(`^([a-z][a-z0-9_]*)\.([a-z][a-z0-9_]*)$`)

// ParsePermissionName splits "module.action" into its parts.
func ParsePermissionName(name string) (module, action string, err error) {
	m := permissionNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", "", fmt.Errorf("%w: %q", ErrPermissionNameInvalid, name)
	}
	return m[1], m[2], nil
}
