package rbac_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/rbac"
)

func setIdentity(r *http.Request, actor auth.Actor) *http.Request {
	ctx := auth.WithIdentity(r.Context(), &auth.Identity{UserID: actor.ID, UserType: actor.Type})
	return r.WithContext(ctx)
}

func TestRBACMiddleware_Allowed(t *testing.T) {
	f := newFixture(t)
	f.assign(alice, f.role("reader", "letters.read"))

	handler := rbac.RequirePermission(rbac.NewResolver(f.store), "letters.read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = setIdentity(req, alice)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRBACMiddleware_Denied(t *testing.T) {
	f := newFixture(t)
	f.assign(alice, f.role("reader", "letters.read"))
	rec := &recordingAudit{}

	handler := rbac.RequirePermission(rbac.NewResolver(f.store), "roles.manage", rbac.WithAuditLogger(rec))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roles", nil)
	req = setIdentity(req, alice)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var body map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Contains(t, body["error"], "forbidden")

	require.Len(t, rec.events, 1)
	assert.Equal(t, audit.ActionAccessDenied, rec.events[0].Action)
	assert.Equal(t, "alice", rec.events[0].ActorID)
	assert.Equal(t, "roles.manage", rec.events[0].Metadata["permission"])
}

func TestRBACMiddleware_NoIdentity(t *testing.T) {
	handler := rbac.RequirePermission(rbac.NewResolver(rbac.NewMemoryStore()), "letters.read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	// No identity in context
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

type failingChecker struct{}

func (failingChecker) HasPermission(context.Context, auth.Actor, string) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestRBACMiddleware_CheckerError(t *testing.T) {
	handler := rbac.RequirePermission(failingChecker{}, "letters.read")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach handler")
	}))

	req := setIdentity(httptest.NewRequest(http.MethodGet, "/", nil), alice)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
