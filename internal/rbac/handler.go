package rbac

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/errs"
)

// Handler exposes role administration and permission lookup over HTTP.
type Handler struct {
	service  *Service
	resolver *Resolver
}

func NewHandler(service *Service, resolver *Resolver) *Handler {
	return &Handler{service: service, resolver: resolver}
}

// HandleListRoles returns every role.
func (h *Handler) HandleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "listing roles failed")
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

// HandleCreateRole creates a custom role.
func (h *Handler) HandleCreateRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	role, err := h.service.CreateRole(r.Context(), actor, req.Name, req.Description)
	if err != nil {
		writeStoreError(w, r, err, "role creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

// HandleRenameRole renames a role.
func (h *Handler) HandleRenameRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	role, err := h.service.RenameRole(r.Context(), actor, r.PathValue("id"), req.Name)
	if err != nil {
		writeStoreError(w, r, err, "role update failed")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// HandleDeleteRole deletes a role and its links.
func (h *Handler) HandleDeleteRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	if err := h.service.DeleteRole(r.Context(), actor, r.PathValue("id")); err != nil {
		writeStoreError(w, r, err, "role deletion failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListPermissions returns every permission.
func (h *Handler) HandleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		writeStoreError(w, r, err, "listing permissions failed")
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

// HandleCreatePermission registers a new permission name.
func (h *Handler) HandleCreatePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	perm, err := h.service.CreatePermission(r.Context(), actor, req.Name, req.Description)
	if err != nil {
		writeStoreError(w, r, err, "permission creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, perm)
}

// HandleListRolePermissions returns what a role grants.
func (h *Handler) HandleListRolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.RolePermissions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, err, "listing role permissions failed")
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	writeJSON(w, http.StatusOK, perms)
}

// HandleGrantPermission grants a permission to a role.
func (h *Handler) HandleGrantPermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var req struct {
		PermissionID string `json:"permission_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PermissionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "permission_id is required"})
		return
	}

	if err := h.service.GrantPermission(r.Context(), actor, r.PathValue("id"), req.PermissionID); err != nil {
		writeStoreError(w, r, err, "granting permission failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleRevokePermission removes a permission from a role.
func (h *Handler) HandleRevokePermission(w http.ResponseWriter, r *http.Request) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	if err := h.service.RevokePermission(r.Context(), actor, r.PathValue("id"), r.PathValue("permissionID")); err != nil {
		writeStoreError(w, r, err, "revoking permission failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignmentRequest struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
}

func (req assignmentRequest) target() (auth.Actor, error) {
	ut, err := auth.ParseUserType(req.UserType)
	if err != nil {
		return auth.Actor{}, err
	}
	return auth.Actor{ID: req.UserID, Type: ut}, nil
}

// HandleAssignRole assigns a role to a user.
func (h *Handler) HandleAssignRole(w http.ResponseWriter, r *http.Request) {
	h.handleAssignment(w, r, true)
}

// HandleUnassignRole removes a role assignment.
func (h *Handler) HandleUnassignRole(w http.ResponseWriter, r *http.Request) {
	h.handleAssignment(w, r, false)
}

func (h *Handler) handleAssignment(w http.ResponseWriter, r *http.Request, assign bool) {
	actor, ok := auth.GetActor(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	var req assignmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	target, err := req.target()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	roleID := r.PathValue("id")
	if assign {
		err = h.service.AssignRole(r.Context(), actor, target, roleID)
	} else {
		err = h.service.UnassignRole(r.Context(), actor, target, roleID)
	}
	if err != nil {
		writeStoreError(w, r, err, "role assignment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleActorPermissions returns the resolved permission set and roles of
// the actor named in the path.
func (h *Handler) HandleActorPermissions(w http.ResponseWriter, r *http.Request) {
	ut, err := auth.ParseUserType(r.PathValue("type"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	actor := auth.Actor{ID: r.PathValue("id"), Type: ut}
	if err := actor.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	roles, err := h.resolver.Roles(r.Context(), actor)
	if err != nil {
		writeStoreError(w, r, err, "resolving roles failed")
		return
	}
	set, err := h.resolver.Resolve(r.Context(), actor)
	if err != nil {
		writeStoreError(w, r, err, "resolving permissions failed")
		return
	}

	roleNames := make([]string, 0, len(roles))
	for _, role := range roles {
		roleNames = append(roleNames, role.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actor":       actor,
		"roles":       roleNames,
		"permissions": set.Names(),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}

// writeStoreError reports domain errors verbatim and hides everything else
// behind fallback.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := errs.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), fallback, "error", err)
		writeJSON(w, status, map[string]string{"error": fallback})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": errs.Kind(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
