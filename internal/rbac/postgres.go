package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/database"
)

// PGStore persists rbac entities in Postgres. Uniqueness is enforced by the
// constraints in the rbac migration, which are mapped back to sentinels.
type PGStore struct {
	db database.Querier
}

// NewPGStore creates a store on db, usually the connection pool.
func NewPGStore(db database.Querier) *PGStore {
	return &PGStore{db: db}
}

const roleColumns = `id, name, description, is_system, is_active, created_at, updated_at`

func scanRole(row pgx.Row) (*Role, error) {
	var r Role
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) GetRole(ctx context.Context, id string) (*Role, error) {
	role, err := scanRole(s.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("getting role: %w", err)
	}
	return role, nil
}

func (s *PGStore) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	role, err := scanRole(s.db.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, fmt.Errorf("finding role: %w", err)
	}
	return role, nil
}

func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

func (s *PGStore) CreateRole(ctx context.Context, role *Role) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO roles (name, description, is_system)
		 VALUES ($1, $2, $3)
		 RETURNING id, is_active, created_at, updated_at`,
		role.Name, role.Description, role.IsSystem,
	).Scan(&role.ID, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "roles_name_key") {
			return fmt.Errorf("%w: %s", ErrRoleDuplicate, role.Name)
		}
		return fmt.Errorf("creating role: %w", err)
	}
	return nil
}

func (s *PGStore) UpdateRole(ctx context.Context, role *Role) error {
	err := s.db.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, is_active = $4, updated_at = now()
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		role.ID, role.Name, role.Description, role.IsActive,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRoleNotFound
		}
		if database.IsUniqueViolation(err, "roles_name_key") {
			return fmt.Errorf("%w: %s", ErrRoleDuplicate, role.Name)
		}
		return fmt.Errorf("updating role: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteRole(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoleNotFound
	}
	return nil
}

const permissionColumns = `id, name, module, action, description, is_system, is_active, created_at, updated_at`

func scanPermission(row pgx.Row) (*Permission, error) {
	var p Permission
	if err := row.Scan(&p.ID, &p.Name, &p.Module, &p.Action, &p.Description, &p.IsSystem, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) GetPermission(ctx context.Context, id string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("getting permission: %w", err)
	}
	return p, nil
}

func (s *PGStore) FindPermissionByName(ctx context.Context, name string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPermissionNotFound
		}
		return nil, fmt.Errorf("finding permission: %w", err)
	}
	return p, nil
}

func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.queryPermissions(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY name`)
}

func (s *PGStore) queryPermissions(ctx context.Context, sql string, args ...any) ([]Permission, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, *p)
	}
	return perms, rows.Err()
}

func (s *PGStore) CreatePermission(ctx context.Context, perm *Permission) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO permissions (name, module, action, description, is_system)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, is_active, created_at, updated_at`,
		perm.Name, perm.Module, perm.Action, perm.Description, perm.IsSystem,
	).Scan(&perm.ID, &perm.IsActive, &perm.CreatedAt, &perm.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "permissions_name_key") {
			return fmt.Errorf("%w: %s", ErrPermissionDuplicate, perm.Name)
		}
		return fmt.Errorf("creating permission: %w", err)
	}
	return nil
}

func (s *PGStore) AddRolePermission(ctx context.Context, rp *RolePermission) error {
	if _, err := s.GetRole(ctx, rp.RoleID); err != nil {
		return err
	}
	if _, err := s.GetPermission(ctx, rp.PermissionID); err != nil {
		return err
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO role_permissions (role_id, permission_id)
		 VALUES ($1, $2)
		 RETURNING id, is_active, created_at, updated_at`,
		rp.RoleID, rp.PermissionID,
	).Scan(&rp.ID, &rp.IsActive, &rp.CreatedAt, &rp.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "role_permissions_pair_key") {
			return ErrRolePermissionDuplicate
		}
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveRolePermission(ctx context.Context, roleID, permissionID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID,
	)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRolePermissionNotFound
	}
	return nil
}

func (s *PGStore) ListRolePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	return s.queryPermissions(ctx,
		`SELECT p.id, p.name, p.module, p.action, p.description, p.is_system, p.is_active, p.created_at, p.updated_at
		 FROM role_permissions rp
		 JOIN permissions p ON p.id = rp.permission_id
		 WHERE rp.role_id = $1 AND rp.is_active AND p.is_active
		 ORDER BY p.name`,
		roleID,
	)
}

func (s *PGStore) AddUserRole(ctx context.Context, ur *UserRole) error {
	if _, err := s.GetRole(ctx, ur.RoleID); err != nil {
		return err
	}
	err := s.db.QueryRow(ctx,
		`INSERT INTO user_roles (user_id, user_type, role_id)
		 VALUES ($1, $2, $3)
		 RETURNING id, is_active, created_at, updated_at`,
		ur.UserID, string(ur.UserType), ur.RoleID,
	).Scan(&ur.ID, &ur.IsActive, &ur.CreatedAt, &ur.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "user_roles_triple_key") {
			return ErrUserRoleDuplicate
		}
		return fmt.Errorf("assigning role: %w", err)
	}
	return nil
}

func (s *PGStore) RemoveUserRole(ctx context.Context, userID string, userType auth.UserType, roleID string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND user_type = $2 AND role_id = $3`,
		userID, string(userType), roleID,
	)
	if err != nil {
		return fmt.Errorf("removing role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserRoleNotFound
	}
	return nil
}

func (s *PGStore) ListUserRoles(ctx context.Context, userID string, userType auth.UserType) ([]UserRole, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, user_type, role_id, is_active, created_at, updated_at
		 FROM user_roles
		 WHERE user_id = $1 AND user_type = $2
		 ORDER BY created_at`,
		userID, string(userType),
	)
	if err != nil {
		return nil, fmt.Errorf("listing user roles: %w", err)
	}
	defer rows.Close()

	var links []UserRole
	for rows.Next() {
		var ur UserRole
		var ut string
		if err := rows.Scan(&ur.ID, &ur.UserID, &ut, &ur.RoleID, &ur.IsActive, &ur.CreatedAt, &ur.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning user role: %w", err)
		}
		ur.UserType = auth.UserType(ut)
		links = append(links, ur)
	}
	return links, rows.Err()
}
