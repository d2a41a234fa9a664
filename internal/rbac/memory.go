package rbac

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valinor-ai/docflow/internal/auth"
)

// MemoryStore is an in-process Store used by tests and by deployments
// running without a database.
type MemoryStore struct {
	mu          sync.RWMutex
	roles       map[string]Role
	permissions map[string]Permission
	rolePerms   map[string]RolePermission // keyed by roleID+"/"+permissionID
	userRoles   map[string]UserRole       // keyed by userType+":"+userID+"/"+roleID
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:       make(map[string]Role),
		permissions: make(map[string]Permission),
		rolePerms:   make(map[string]RolePermission),
		userRoles:   make(map[string]UserRole),
		now:         time.Now,
	}
}

func (s *MemoryStore) newRecord() Record {
	now := s.now().UTC()
	return Record{ID: uuid.NewString(), IsActive: true, CreatedAt: now, UpdatedAt: now}
}

func rolePermKey(roleID, permissionID string) string {
	return roleID + "/" + permissionID
}

func userRoleKey(userID string, userType auth.UserType, roleID string) string {
	return string(userType) + ":" + userID + "/" + roleID
}

func (s *MemoryStore) GetRole(_ context.Context, id string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return nil, ErrRoleNotFound
	}
	return &role, nil
}

func (s *MemoryStore) FindRoleByName(_ context.Context, name string) (*Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, role := range s.roles {
		if role.Name == name {
			r := role
			return &r, nil
		}
	}
	return nil, ErrRoleNotFound
}

func (s *MemoryStore) ListRoles(_ context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roles := make([]Role, 0, len(s.roles))
	for _, role := range s.roles {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
	return roles, nil
}

func (s *MemoryStore) CreateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.roles {
		if existing.Name == role.Name {
			return ErrRoleDuplicate
		}
	}
	role.Record = s.newRecord()
	s.roles[role.ID] = *role
	return nil
}

func (s *MemoryStore) UpdateRole(_ context.Context, role *Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.roles[role.ID]
	if !ok {
		return ErrRoleNotFound
	}
	for id, other := range s.roles {
		if id != role.ID && other.Name == role.Name {
			return ErrRoleDuplicate
		}
	}
	role.CreatedAt = existing.CreatedAt
	role.UpdatedAt = s.now().UTC()
	s.roles[role.ID] = *role
	return nil
}

func (s *MemoryStore) DeleteRole(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[id]; !ok {
		return ErrRoleNotFound
	}
	delete(s.roles, id)
	// Cascade like the foreign keys do.
	for k, rp := range s.rolePerms {
		if rp.RoleID == id {
			delete(s.rolePerms, k)
		}
	}
	for k, ur := range s.userRoles {
		if ur.RoleID == id {
			delete(s.userRoles, k)
		}
	}
	return nil
}

func (s *MemoryStore) GetPermission(_ context.Context, id string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[id]
	if !ok {
		return nil, ErrPermissionNotFound
	}
	return &perm, nil
}

func (s *MemoryStore) FindPermissionByName(_ context.Context, name string) (*Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, perm := range s.permissions {
		if perm.Name == name {
			p := perm
			return &p, nil
		}
	}
	return nil, ErrPermissionNotFound
}

func (s *MemoryStore) ListPermissions(_ context.Context) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perms := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (s *MemoryStore) CreatePermission(_ context.Context, perm *Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if existing.Name == perm.Name {
			return ErrPermissionDuplicate
		}
	}
	perm.Record = s.newRecord()
	s.permissions[perm.ID] = *perm
	return nil
}

func (s *MemoryStore) AddRolePermission(_ context.Context, rp *RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[rp.RoleID]; !ok {
		return ErrRoleNotFound
	}
	if _, ok := s.permissions[rp.PermissionID]; !ok {
		return ErrPermissionNotFound
	}
	key := rolePermKey(rp.RoleID, rp.PermissionID)
	if _, ok := s.rolePerms[key]; ok {
		return ErrRolePermissionDuplicate
	}
	rp.Record = s.newRecord()
	s.rolePerms[key] = *rp
	return nil
}

func (s *MemoryStore) RemoveRolePermission(_ context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rolePermKey(roleID, permissionID)
	if _, ok := s.rolePerms[key]; !ok {
		return ErrRolePermissionNotFound
	}
	delete(s.rolePerms, key)
	return nil
}

func (s *MemoryStore) ListRolePermissions(_ context.Context, roleID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var perms []Permission
	for _, rp := range s.rolePerms {
		if rp.RoleID != roleID || !rp.IsActive {
			continue
		}
		if p, ok := s.permissions[rp.PermissionID]; ok && p.IsActive {
			perms = append(perms, p)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
	return perms, nil
}

func (s *MemoryStore) AddUserRole(_ context.Context, ur *UserRole) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[ur.RoleID]; !ok {
		return ErrRoleNotFound
	}
	key := userRoleKey(ur.UserID, ur.UserType, ur.RoleID)
	if _, ok := s.userRoles[key]; ok {
		return ErrUserRoleDuplicate
	}
	ur.Record = s.newRecord()
	s.userRoles[key] = *ur
	return nil
}

func (s *MemoryStore) RemoveUserRole(_ context.Context, userID string, userType auth.UserType, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userRoleKey(userID, userType, roleID)
	if _, ok := s.userRoles[key]; !ok {
		return ErrUserRoleNotFound
	}
	delete(s.userRoles, key)
	return nil
}

func (s *MemoryStore) ListUserRoles(_ context.Context, userID string, userType auth.UserType) ([]UserRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var links []UserRole
	for _, ur := range s.userRoles {
		if ur.UserID == userID && ur.UserType == userType {
			links = append(links, ur)
		}
	}
	sort.Slice(links, func(i, j int) bool { return links[i].CreatedAt.Before(links[j].CreatedAt) })
	return links, nil
}

// SetRoleActive toggles a role without deleting it.
func (s *MemoryStore) SetRoleActive(id string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role, ok := s.roles[id]; ok {
		role.IsActive = active
		s.roles[id] = role
	}
}
