package rbac_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/docflow/internal/rbac"
)

func newHandler(t *testing.T) (*rbac.Handler, *http.ServeMux) {
	t.Helper()
	svc, store, _ := newService(t)
	h := rbac.NewHandler(svc, rbac.NewResolver(store))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/roles", h.HandleListRoles)
	mux.HandleFunc("POST /api/v1/roles", h.HandleCreateRole)
	mux.HandleFunc("PUT /api/v1/roles/{id}", h.HandleRenameRole)
	mux.HandleFunc("DELETE /api/v1/roles/{id}", h.HandleDeleteRole)
	mux.HandleFunc("POST /api/v1/permissions", h.HandleCreatePermission)
	mux.HandleFunc("GET /api/v1/roles/{id}/permissions", h.HandleListRolePermissions)
	mux.HandleFunc("POST /api/v1/roles/{id}/permissions", h.HandleGrantPermission)
	mux.HandleFunc("POST /api/v1/roles/{id}/assignments", h.HandleAssignRole)
	mux.HandleFunc("GET /api/v1/actors/{type}/{id}/permissions", h.HandleActorPermissions)
	return h, mux
}

func do(t *testing.T, mux http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req = setIdentity(req, root)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestRoleHandler(t *testing.T) {
	_, mux := newHandler(t)

	var role rbac.Role
	t.Run("Create", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles", `{"name": "Reviewer"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &role))
		assert.Equal(t, "Reviewer", role.Name)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles", `{"name": "Reviewer"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "conflict", body["kind"])
	})

	t.Run("CreateInvalidBody", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles", `{`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	var perm rbac.Permission
	t.Run("CreatePermission", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/permissions", `{"name": "letters.review"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perm))
	})

	t.Run("Grant", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles/"+role.ID+"/permissions", `{"permission_id": "`+perm.ID+`"}`)
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(t, mux, http.MethodGet, "/api/v1/roles/"+role.ID+"/permissions", "")
		assert.Equal(t, http.StatusOK, w.Code)
		var perms []rbac.Permission
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &perms))
		require.Len(t, perms, 1)
		assert.Equal(t, "letters.review", perms[0].Name)
	})

	t.Run("AssignAndResolve", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles/"+role.ID+"/assignments", `{"user_id": "alice", "user_type": "Employee"}`)
		assert.Equal(t, http.StatusOK, w.Code)

		w = do(t, mux, http.MethodGet, "/api/v1/actors/Employee/alice/permissions", "")
		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Roles       []string `json:"roles"`
			Permissions []string `json:"permissions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, []string{"Reviewer"}, body.Roles)
		assert.Equal(t, []string{"letters.review"}, body.Permissions)
	})

	t.Run("AssignBadUserType", func(t *testing.T) {
		w := do(t, mux, http.MethodPost, "/api/v1/roles/"+role.ID+"/assignments", `{"user_id": "alice", "user_type": "employee"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("UnknownActorHasEmptySet", func(t *testing.T) {
		w := do(t, mux, http.MethodGet, "/api/v1/actors/Employee/nobody/permissions", "")
		assert.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Permissions []string `json:"permissions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Empty(t, body.Permissions)
	})

	t.Run("Rename", func(t *testing.T) {
		w := do(t, mux, http.MethodPut, "/api/v1/roles/"+role.ID, `{"name": "Senior Reviewer"}`)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("List", func(t *testing.T) {
		w := do(t, mux, http.MethodGet, "/api/v1/roles", "")
		assert.Equal(t, http.StatusOK, w.Code)
		var roles []rbac.Role
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &roles))
		require.Len(t, roles, 1)
		assert.Equal(t, "Senior Reviewer", roles[0].Name)
	})

	t.Run("Delete", func(t *testing.T) {
		w := do(t, mux, http.MethodDelete, "/api/v1/roles/"+role.ID, "")
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = do(t, mux, http.MethodDelete, "/api/v1/roles/"+role.ID, "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
