package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/notify"
	"github.com/valinor-ai/docflow/internal/rbac"
	"github.com/valinor-ai/docflow/internal/workflow"
)

var (
	alice = auth.Actor{ID: "alice", Type: auth.UserTypeEmployee}
	bob   = auth.Actor{ID: "bob", Type: auth.UserTypeEmployee}
	carol = auth.Actor{ID: "carol", Type: auth.UserTypeEmployee}
	admin = auth.Actor{ID: "admin", Type: auth.UserTypeAdmin}
)

const override = "workflows.override"

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) ofType(t notify.Type) []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	outcomes    map[string]int
}

func (m *recordingMetrics) ObserveTransition(action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitions == nil {
		m.transitions = make(map[string]int)
	}
	m.transitions[action]++
}

func (m *recordingMetrics) ObserveDecision(decision, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[decision+"/"+outcome]++
}

func (m *recordingMetrics) outcome(decision, outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[decision+"/"+outcome]
}

// env wires an engine on memory stores with a real permission resolver.
type env struct {
	t        *testing.T
	repo     *workflow.MemoryRepository
	rbac     *rbac.MemoryStore
	defs     *workflow.DefinitionStore
	engine   *workflow.Engine
	notifier *recordingNotifier
	metrics  *recordingMetrics
	roles    int
}

func newEnv(t *testing.T) *env {
	repo := workflow.NewMemoryRepository()
	return newEnvOn(t, repo, repo)
}

// newEnvOn lets a test wrap the repository the engine sees while still
// seeding definitions through the plain memory repository.
func newEnvOn(t *testing.T, mem *workflow.MemoryRepository, repo workflow.Repository) *env {
	t.Helper()
	store := rbac.NewMemoryStore()
	e := &env{
		t:        t,
		repo:     mem,
		rbac:     store,
		defs:     workflow.NewDefinitionStore(mem, nil, workflow.Limits{}),
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
	}
	e.engine = workflow.NewEngine(repo, rbac.NewResolver(store), workflow.Config{OverridePermission: override},
		workflow.WithNotifier(e.notifier),
		workflow.WithMetrics(e.metrics),
	)
	return e
}

// withClock rebuilds the engine so every timestamp it writes comes from now.
func (e *env) withClock(now func() time.Time) {
	e.engine = workflow.NewEngine(e.repo, rbac.NewResolver(e.rbac), workflow.Config{OverridePermission: override},
		workflow.WithNotifier(e.notifier),
		workflow.WithMetrics(e.metrics),
		workflow.WithClock(now),
	)
}

// grant gives actor a fresh role holding perms.
func (e *env) grant(actor auth.Actor, perms ...string) {
	e.t.Helper()
	e.grantRole(actor, "", perms...)
}

// grantRole gives actor the named role, creating it with perms if needed.
func (e *env) grantRole(actor auth.Actor, name string, perms ...string) {
	e.t.Helper()
	ctx := context.Background()
	var role *rbac.Role
	if name != "" {
		if existing, err := e.rbac.FindRoleByName(ctx, name); err == nil {
			role = existing
		}
	}
	if role == nil {
		e.roles++
		if name == "" {
			name = fmt.Sprintf("role-%d", e.roles)
		}
		role = &rbac.Role{Name: name}
		require.NoError(e.t, e.rbac.CreateRole(ctx, role))
		for _, p := range perms {
			perm, err := e.rbac.FindPermissionByName(ctx, p)
			if err != nil {
				module, action, perr := rbac.ParsePermissionName(p)
				require.NoError(e.t, perr)
				perm = &rbac.Permission{Name: p, Module: module, Action: action}
				require.NoError(e.t, e.rbac.CreatePermission(ctx, perm))
			}
			require.NoError(e.t, e.rbac.AddRolePermission(ctx, &rbac.RolePermission{RoleID: role.ID, PermissionID: perm.ID}))
		}
	}
	require.NoError(e.t, e.rbac.AddUserRole(ctx, &rbac.UserRole{UserID: actor.ID, UserType: actor.Type, RoleID: role.ID}))
}

func (e *env) define(entityType string, isDefault bool, stages ...workflow.Stage) *workflow.Definition {
	e.t.Helper()
	def, err := e.defs.Create(context.Background(), admin, workflow.DefinitionSpec{
		Name:       entityType + " approval",
		EntityType: entityType,
		Stages:     stages,
		IsDefault:  isDefault,
	})
	require.NoError(e.t, err)
	return def
}

func (e *env) start(entityID, entityType string) *workflow.Instance {
	e.t.Helper()
	inst, err := e.engine.Start(context.Background(), workflow.StartRequest{
		EntityID:   entityID,
		EntityType: entityType,
		Initiator:  admin,
	})
	require.NoError(e.t, err)
	return inst
}

func (e *env) decide(inst *workflow.Instance, stage int, actor auth.Actor, v workflow.Verdict) (*workflow.Instance, error) {
	return e.engine.Decide(context.Background(), workflow.DecideRequest{
		InstanceID: inst.ID,
		StageIndex: stage,
		Actor:      actor,
		Decision:   v,
	})
}

func (e *env) history(inst *workflow.Instance) []workflow.HistoryEntry {
	e.t.Helper()
	entries, err := e.engine.History(context.Background(), inst.ID)
	require.NoError(e.t, err)
	return entries
}

func actions(entries []workflow.HistoryEntry) []workflow.Action {
	out := make([]workflow.Action, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func permStage(index int, permission string, p workflow.Policy) workflow.Stage {
	return workflow.Stage{Index: index, Permission: permission, Policy: p}
}

func roleStage(index int, role string, p workflow.Policy) workflow.Stage {
	return workflow.Stage{Index: index, Role: role, Policy: p}
}
