package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
)

// Service carries out role administration. Callers are expected to have
// passed the route's permission gate already; the service itself only
// guards system roles.
type Service struct {
	store      Store
	resolver   *Resolver
	audit      audit.Logger
	superadmin string
}

// NewService creates a role administration service. superadminPermission
// names the permission that unlocks changes to system roles.
func NewService(store Store, resolver *Resolver, auditLog audit.Logger, superadminPermission string) *Service {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Service{store: store, resolver: resolver, audit: auditLog, superadmin: superadminPermission}
}

func (s *Service) CreateRole(ctx context.Context, actor auth.Actor, name, description string) (*Role, error) {
	name, err := NormalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	role := &Role{Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, named(audit.ActorEvent(actor, audit.ActionRoleCreated, "role", role.ID), role.Name))
	return role, nil
}

func (s *Service) RenameRole(ctx context.Context, actor auth.Actor, roleID, name string) (*Role, error) {
	name, err := NormalizeRoleName(name)
	if err != nil {
		return nil, err
	}
	role, err := s.guardedRole(ctx, actor, roleID)
	if err != nil {
		return nil, err
	}
	previous := role.Name
	role.Name = name
	if err := s.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}

	evt := audit.ActorEvent(actor, audit.ActionRoleRenamed, "role", role.ID)
	evt.Metadata = map[string]any{"from": previous, "to": name}
	s.audit.Log(ctx, evt)
	return role, nil
}

// DeleteRole removes a role together with its grants and assignments.
// System roles are never deleted, not even by a superadmin.
func (s *Service) DeleteRole(ctx context.Context, actor auth.Actor, roleID string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemRoleDeletion
	}
	if err := s.store.DeleteRole(ctx, roleID); err != nil {
		return err
	}

	s.audit.Log(ctx, named(audit.ActorEvent(actor, audit.ActionRoleDeleted, "role", roleID), role.Name))
	return nil
}

func (s *Service) CreatePermission(ctx context.Context, actor auth.Actor, name, description string) (*Permission, error) {
	name = strings.TrimSpace(name)
	module, action, err := ParsePermissionName(name)
	if err != nil {
		return nil, err
	}
	perm := &Permission{Name: name, Module: module, Action: action, Description: strings.TrimSpace(description)}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, err
	}

	s.audit.Log(ctx, named(audit.ActorEvent(actor, audit.ActionPermissionCreated, "permission", perm.ID), perm.Name))
	return perm, nil
}

func (s *Service) GrantPermission(ctx context.Context, actor auth.Actor, roleID, permissionID string) error {
	if _, err := s.guardedRole(ctx, actor, roleID); err != nil {
		return err
	}
	if err := s.store.AddRolePermission(ctx, &RolePermission{RoleID: roleID, PermissionID: permissionID}); err != nil {
		return err
	}

	evt := audit.ActorEvent(actor, audit.ActionRolePermissionGranted, "role", roleID)
	evt.Metadata = map[string]any{"permission_id": permissionID}
	s.audit.Log(ctx, evt)
	return nil
}

func (s *Service) RevokePermission(ctx context.Context, actor auth.Actor, roleID, permissionID string) error {
	if _, err := s.guardedRole(ctx, actor, roleID); err != nil {
		return err
	}
	if err := s.store.RemoveRolePermission(ctx, roleID, permissionID); err != nil {
		return err
	}

	evt := audit.ActorEvent(actor, audit.ActionRolePermissionRevoked, "role", roleID)
	evt.Metadata = map[string]any{"permission_id": permissionID}
	s.audit.Log(ctx, evt)
	return nil
}

// AssignRole gives target the role. Assigning a system role is allowed from
// any caller that reached the service.
func (s *Service) AssignRole(ctx context.Context, actor, target auth.Actor, roleID string) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if err := s.store.AddUserRole(ctx, &UserRole{UserID: target.ID, UserType: target.Type, RoleID: roleID}); err != nil {
		return err
	}

	evt := audit.ActorEvent(actor, audit.ActionUserRoleAssigned, "role", roleID)
	evt.Metadata = map[string]any{"user_id": target.ID, "user_type": string(target.Type)}
	s.audit.Log(ctx, evt)
	return nil
}

func (s *Service) UnassignRole(ctx context.Context, actor, target auth.Actor, roleID string) error {
	if err := target.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if err := s.store.RemoveUserRole(ctx, target.ID, target.Type, roleID); err != nil {
		return err
	}

	evt := audit.ActorEvent(actor, audit.ActionUserRoleRevoked, "role", roleID)
	evt.Metadata = map[string]any{"user_id": target.ID, "user_type": string(target.Type)}
	s.audit.Log(ctx, evt)
	return nil
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// RolePermissions lists what a role grants, including when the role is inactive.
func (s *Service) RolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	if _, err := s.store.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return s.store.ListRolePermissions(ctx, roleID)
}

// guardedRole loads a role and refuses system roles unless actor is a superadmin.
func (s *Service) guardedRole(ctx context.Context, actor auth.Actor, roleID string) (*Role, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if !role.IsSystem {
		return role, nil
	}
	ok, err := s.resolver.HasPermission(ctx, actor, s.superadmin)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRoleIsSystem
	}
	return role, nil
}

func named(evt audit.Event, name string) audit.Event {
	evt.Metadata = map[string]any{"name": name}
	return evt
}
