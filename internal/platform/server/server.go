package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/valinor-ai/docflow/internal/audit"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/platform/middleware"
	"github.com/valinor-ai/docflow/internal/rbac"
	"github.com/valinor-ai/docflow/internal/workflow"
)

// Pinger reports whether the storage backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	// Storage is pinged by /readyz. Nil means the process runs on in-memory
	// storage unless RequireStorage is set.
	Storage        Pinger
	RequireStorage bool

	Auth            *auth.TokenService
	DevMode         bool
	RBAC            rbac.PermissionChecker
	RBACHandler     *rbac.Handler
	WorkflowHandler *workflow.Handler
	AuditHandler    *audit.Handler
	RBACAuditLogger audit.Logger

	Metrics     http.Handler
	MetricsPath string

	Logger             *slog.Logger
	CORSAllowedOrigins []string
}

type Server struct {
	httpServer   *http.Server
	protectedMux *http.ServeMux
	storage      Pinger
	requireStore bool
	handler      http.Handler
}

func New(addr string, deps Dependencies) *Server {
	protectedMux := http.NewServeMux()

	var protectedHandler http.Handler = protectedMux
	if deps.Auth != nil {
		if deps.DevMode {
			protectedHandler = auth.MiddlewareWithDevMode(deps.Auth)(protectedHandler)
		} else {
			protectedHandler = auth.Middleware(deps.Auth)(protectedHandler)
		}
	}

	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		protectedMux: protectedMux,
		storage:      deps.Storage,
		requireStore: deps.RequireStorage,
	}

	// Public routes (no auth required)
	topMux.HandleFunc("GET /healthz", s.handleHealth)
	topMux.HandleFunc("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		topMux.Handle("GET "+path, deps.Metrics)
	}

	var rbacOpts []rbac.MiddlewareOption
	if deps.RBACAuditLogger != nil {
		rbacOpts = append(rbacOpts, rbac.WithAuditLogger(deps.RBACAuditLogger))
	}
	guard := func(pattern, permission string, h http.HandlerFunc) {
		protectedMux.Handle(pattern, rbac.RequirePermission(deps.RBAC, permission, rbacOpts...)(h))
	}

	if wf := deps.WorkflowHandler; wf != nil && deps.RBAC != nil {
		guard("POST /api/v1/workflows/definitions", rbac.PermWorkflowsManage, wf.HandleCreateDefinition)
		guard("GET /api/v1/workflows/definitions", rbac.PermWorkflowsRead, wf.HandleListDefinitions)
		guard("GET /api/v1/workflows/definitions/{id}", rbac.PermWorkflowsRead, wf.HandleGetDefinition)
		guard("PUT /api/v1/workflows/definitions/{id}", rbac.PermWorkflowsManage, wf.HandleUpdateDefinition)
		guard("DELETE /api/v1/workflows/definitions/{id}", rbac.PermWorkflowsManage, wf.HandleDeactivateDefinition)

		guard("POST /api/v1/workflows/instances", rbac.PermWorkflowsSubmit, wf.HandleStart)
		guard("GET /api/v1/workflows/instances", rbac.PermWorkflowsRead, wf.HandleActiveInstance)
		guard("GET /api/v1/workflows/instances/{id}", rbac.PermWorkflowsRead, wf.HandleGetInstance)
		guard("GET /api/v1/workflows/instances/{id}/approvals", rbac.PermWorkflowsRead, wf.HandleListApprovals)
		guard("GET /api/v1/workflows/instances/{id}/history", rbac.PermWorkflowsRead, wf.HandleHistory)

		// The engine authorizes these against each stage.
		protectedMux.HandleFunc("POST /api/v1/workflows/instances/{id}/decisions", wf.HandleDecide)
		protectedMux.HandleFunc("POST /api/v1/workflows/instances/{id}/cancel", wf.HandleCancel)
		protectedMux.HandleFunc("POST /api/v1/workflows/approvals/{id}/reassign", wf.HandleReassign)
		protectedMux.HandleFunc("GET /api/v1/workflows/approvals/pending", wf.HandleListPending)
	}

	if rh := deps.RBACHandler; rh != nil && deps.RBAC != nil {
		guard("GET /api/v1/roles", rbac.PermRolesRead, rh.HandleListRoles)
		guard("GET /api/v1/permissions", rbac.PermRolesRead, rh.HandleListPermissions)
		guard("GET /api/v1/roles/{id}/permissions", rbac.PermRolesRead, rh.HandleListRolePermissions)
		guard("GET /api/v1/actors/{type}/{id}/permissions", rbac.PermRolesRead, rh.HandleActorPermissions)

		guard("POST /api/v1/roles", rbac.PermRolesManage, rh.HandleCreateRole)
		guard("PUT /api/v1/roles/{id}", rbac.PermRolesManage, rh.HandleRenameRole)
		guard("DELETE /api/v1/roles/{id}", rbac.PermRolesManage, rh.HandleDeleteRole)
		guard("POST /api/v1/permissions", rbac.PermRolesManage, rh.HandleCreatePermission)
		guard("POST /api/v1/roles/{id}/permissions", rbac.PermRolesManage, rh.HandleGrantPermission)
		guard("DELETE /api/v1/roles/{id}/permissions/{permissionID}", rbac.PermRolesManage, rh.HandleRevokePermission)
		guard("POST /api/v1/roles/{id}/assignments", rbac.PermRolesManage, rh.HandleAssignRole)
		guard("DELETE /api/v1/roles/{id}/assignments", rbac.PermRolesManage, rh.HandleUnassignRole)
	}

	if deps.AuditHandler != nil && deps.RBAC != nil {
		guard("GET /api/v1/audit/events", rbac.PermAuditRead, deps.AuditHandler.HandleListEvents)
	}

	// All other routes go through auth middleware
	topMux.Handle("/", protectedHandler)

	var handler http.Handler = topMux
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ProtectedMux returns the mux for authenticated routes.
func (s *Server) ProtectedMux() *http.ServeMux {
	return s.protectedMux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		if s.requireStore {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "database not connected",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "storage": "memory"})
		return
	}

	if err := s.storage.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
