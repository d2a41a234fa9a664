package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
)

// Built-in permission names that routes are gated on.
const (
	PermRolesManage     = "roles.manage"
	PermRolesRead       = "roles.read"
	PermWorkflowsManage = "workflows.manage"
	PermWorkflowsRead   = "workflows.read"
	PermWorkflowsSubmit = "workflows.submit"
	PermAuditRead       = "audit.read"
)

// Built-in role names.
const (
	RoleSystemAdmin     = "System Administrator"
	RoleWorkflowManager = "Workflow Manager"
)

// BuiltinRole is a system role and the permissions it is seeded with.
type BuiltinRole struct {
	Name        string
	Description string
	Permissions []string
}

// Builtins describes everything Seed installs.
type Builtins struct {
	Permissions map[string]string // name -> description
	Roles       []BuiltinRole
	// Admins are given the first role in Roles.
	Admins []auth.Actor
}

// DefaultBuiltins returns the stock system roles. The superadmin and
// override permission names are configurable, so they are passed in.
func DefaultBuiltins(superadminPermission, overridePermission string, adminIDs []string) Builtins {
	b := Builtins{
		Permissions: map[string]string{
			superadminPermission: "Modify system roles",
			overridePermission:   "Cancel and reassign any workflow",
			PermRolesManage:      "Create and change roles and assignments",
			PermRolesRead:        "View roles and effective permissions",
			PermWorkflowsManage:  "Create and change workflow definitions",
			PermWorkflowsRead:    "View workflows, approvals and history",
			PermWorkflowsSubmit:  "Start workflows on documents",
			PermAuditRead:        "Read the audit log",
		},
		Roles: []BuiltinRole{
			{
				Name:        RoleSystemAdmin,
				Description: "Full control over roles and workflows",
				Permissions: []string{
					superadminPermission, overridePermission, PermRolesManage, PermRolesRead,
					PermWorkflowsManage, PermWorkflowsRead, PermWorkflowsSubmit, PermAuditRead,
				},
			},
			{
				Name:        RoleWorkflowManager,
				Description: "Maintains workflow definitions",
				Permissions: []string{PermWorkflowsManage, PermWorkflowsRead, PermWorkflowsSubmit, PermRolesRead},
			},
		},
	}
	for _, id := range adminIDs {
		b.Admins = append(b.Admins, auth.Actor{ID: id, Type: auth.UserTypeAdmin})
	}
	return b
}

// Seed installs builtins. Running it again leaves existing rows untouched.
func (s *Service) Seed(ctx context.Context, b Builtins) error {
	permIDs := make(map[string]string, len(b.Permissions))
	for name, desc := range b.Permissions {
		perm, err := s.ensurePermission(ctx, name, desc)
		if err != nil {
			return err
		}
		permIDs[name] = perm.ID
	}

	var firstRoleID string
	for i, br := range b.Roles {
		role, err := s.ensureRole(ctx, br)
		if err != nil {
			return err
		}
		if i == 0 {
			firstRoleID = role.ID
		}
		for _, pname := range br.Permissions {
			pid, ok := permIDs[pname]
			if !ok {
				return fmt.Errorf("seeding role %s: %w: %s", br.Name, ErrPermissionNotFound, pname)
			}
			err := s.store.AddRolePermission(ctx, &RolePermission{RoleID: role.ID, PermissionID: pid})
			if err != nil && !errors.Is(err, ErrRolePermissionDuplicate) {
				return fmt.Errorf("seeding grant %s -> %s: %w", br.Name, pname, err)
			}
		}
	}

	if firstRoleID == "" {
		return nil
	}
	for _, admin := range b.Admins {
		err := s.store.AddUserRole(ctx, &UserRole{UserID: admin.ID, UserType: admin.Type, RoleID: firstRoleID})
		switch {
		case err == nil:
			evt := audit.Event{
				Action:       audit.ActionUserRoleAssigned,
				ResourceType: "role",
				ResourceID:   firstRoleID,
				Metadata:     map[string]any{"user_id": admin.ID, "user_type": string(admin.Type)},
				Source:       audit.SourceSeed,
			}
			s.audit.Log(ctx, evt)
			slog.Info("bootstrap admin assigned", "user_id", admin.ID)
		case errors.Is(err, ErrUserRoleDuplicate):
		default:
			return fmt.Errorf("seeding admin %s: %w", admin.ID, err)
		}
	}
	return nil
}

func (s *Service) ensurePermission(ctx context.Context, name, desc string) (*Permission, error) {
	perm, err := s.store.FindPermissionByName(ctx, name)
	if err == nil {
		return perm, nil
	}
	if !errors.Is(err, ErrPermissionNotFound) {
		return nil, err
	}

	module, action, err := ParsePermissionName(name)
	if err != nil {
		return nil, err
	}
	perm = &Permission{Name: name, Module: module, Action: action, Description: desc, IsSystem: true}
	if err := s.store.CreatePermission(ctx, perm); err != nil {
		return nil, fmt.Errorf("seeding permission %s: %w", name, err)
	}
	s.audit.Log(ctx, audit.Event{
		Action:       audit.ActionPermissionCreated,
		ResourceType: "permission",
		ResourceID:   perm.ID,
		Metadata:     map[string]any{"name": name},
		Source:       audit.SourceSeed,
	})
	return perm, nil
}

func (s *Service) ensureRole(ctx context.Context, br BuiltinRole) (*Role, error) {
	role, err := s.store.FindRoleByName(ctx, br.Name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, ErrRoleNotFound) {
		return nil, err
	}

	role = &Role{Name: br.Name, Description: br.Description, IsSystem: true}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return nil, fmt.Errorf("seeding role %s: %w", br.Name, err)
	}
	s.audit.Log(ctx, audit.Event{
		Action:       audit.ActionRoleCreated,
		ResourceType: "role",
		ResourceID:   role.ID,
		Metadata:     map[string]any{"name": br.Name},
		Source:       audit.SourceSeed,
	})
	return role, nil
}
