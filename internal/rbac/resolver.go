package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/valinor-ai/docflow/internal/auth"
)

// Resolver computes effective permissions from the current store contents.
// Nothing is cached, so every call reflects the latest committed state.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Roles returns the active roles assigned to actor.
func (r *Resolver) Roles(ctx context.Context, actor auth.Actor) ([]Role, error) {
	links, err := r.store.ListUserRoles(ctx, actor.ID, actor.Type)
	if err != nil {
		return nil, fmt.Errorf("listing user roles: %w", err)
	}

	roles := make([]Role, 0, len(links))
	for _, link := range links {
		if !link.IsActive {
			continue
		}
		role, err := r.store.GetRole(ctx, link.RoleID)
		if err != nil {
			// A dangling link means the role was deleted concurrently.
			if errors.Is(err, ErrRoleNotFound) {
				continue
			}
			return nil, fmt.Errorf("loading role %s: %w", link.RoleID, err)
		}
		if !role.IsActive {
			continue
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

// Resolve returns the effective permission names of actor. An actor with no
// roles has an empty set; that is not an error.
func (r *Resolver) Resolve(ctx context.Context, actor auth.Actor) (PermissionSet, error) {
	roles, err := r.Roles(ctx, actor)
	if err != nil {
		return nil, err
	}

	set := make(PermissionSet)
	for _, role := range roles {
		perms, err := r.store.ListRolePermissions(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("listing permissions of role %s: %w", role.ID, err)
		}
		for _, p := range perms {
			if p.IsActive {
				set[p.Name] = struct{}{}
			}
		}
	}
	return set, nil
}

// HasPermission reports whether permission is in actor's resolved set.
func (r *Resolver) HasPermission(ctx context.Context, actor auth.Actor, permission string) (bool, error) {
	set, err := r.Resolve(ctx, actor)
	if err != nil {
		return false, err
	}
	return set.Has(permission), nil
}

// HasRole reports whether actor holds the active role named roleName.
func (r *Resolver) HasRole(ctx context.Context, actor auth.Actor, roleName string) (bool, error) {
	roles, err := r.Roles(ctx, actor)
	if err != nil {
		return false, err
	}
	for _, role := range roles {
		if role.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}
