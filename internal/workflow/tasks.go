package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/valinor-ai/docflow/internal/auth"
)

// Authorizer answers the two questions a stage can ask about an actor.
// *rbac.Resolver satisfies it.
type Authorizer interface {
	HasPermission(ctx context.Context, actor auth.Actor, permission string) (bool, error)
	HasRole(ctx context.Context, actor auth.Actor, roleName string) (bool, error)
}

// TaskManager is the only writer of approval tasks. Write methods take the
// repository of the enclosing transaction; reads use the manager's own.
type TaskManager struct {
	repo  ApprovalRepository
	authz Authorizer
	now   func() time.Time
}

func NewTaskManager(repo ApprovalRepository, authz Authorizer) *TaskManager {
	return &TaskManager{repo: repo, authz: authz, now: time.Now}
}

// Qualified reports whether actor meets the requirement carried by task.
func (m *TaskManager) Qualified(ctx context.Context, actor auth.Actor, task *Approval) (bool, error) {
	return m.meets(ctx, actor, task.RequiredPermission, task.RequiredRole)
}

func (m *TaskManager) meets(ctx context.Context, actor auth.Actor, permission, role string) (bool, error) {
	if permission != "" {
		ok, err := m.authz.HasPermission(ctx, actor, permission)
		if err != nil {
			return false, fmt.Errorf("checking permission %s: %w", permission, err)
		}
		return ok, nil
	}
	ok, err := m.authz.HasRole(ctx, actor, role)
	if err != nil {
		return false, fmt.Errorf("checking role %s: %w", role, err)
	}
	return ok, nil
}

// createForStage opens the tasks of the instance's current stage: one for
// single and any, n for quorum(n). A fixed stage assignee is copied onto
// the task.
func (m *TaskManager) createForStage(ctx context.Context, repo ApprovalRepository, inst *Instance) ([]Approval, error) {
	stage := inst.Stage()
	tasks := make([]*Approval, stage.Policy.Tasks())
	for i := range tasks {
		tasks[i] = &Approval{
			InstanceID:         inst.ID,
			StageIndex:         stage.Index,
			RequiredPermission: stage.Permission,
			RequiredRole:       stage.Role,
			Assignee:           cloneActor(stage.Assignee),
			Decision:           TaskPending,
		}
	}
	if err := repo.CreateApprovals(ctx, tasks); err != nil {
		return nil, fmt.Errorf("creating stage %d tasks: %w", stage.Index, err)
	}

	out := make([]Approval, len(tasks))
	for i, t := range tasks {
		out[i] = *t
	}
	return out, nil
}

// stageTasks returns the tasks of one stage of an instance.
func (m *TaskManager) stageTasks(ctx context.Context, repo ApprovalRepository, instanceID string, stageIndex int) ([]Approval, error) {
	all, err := repo.ListApprovals(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	var out []Approval
	for _, t := range all {
		if t.StageIndex == stageIndex {
			out = append(out, t)
		}
	}
	return out, nil
}

// pick chooses the task actor decides: their own assigned task first, then
// any unassigned one.
func pick(tasks []Approval, actor auth.Actor) (*Approval, error) {
	var open *Approval
	pending := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Decision != TaskPending {
			continue
		}
		pending++
		if t.AssignedTo(actor) {
			return t, nil
		}
		if t.Assignee == nil && open == nil {
			open = t
		}
	}
	switch {
	case open != nil:
		return open, nil
	case pending > 0:
		return nil, ErrNotAssignee
	default:
		return nil, ErrTaskResolved
	}
}

// decidedBy reports whether actor already resolved one of tasks.
func decidedBy(tasks []Approval, actor auth.Actor) bool {
	for _, t := range tasks {
		if t.DecidedBy != nil && *t.DecidedBy == actor && t.Decision != TaskWithdrawn {
			return true
		}
	}
	return false
}

// holdsPending reports whether actor is the assignee of a pending task.
func holdsPending(tasks []Approval, actor auth.Actor) bool {
	for i := range tasks {
		if tasks[i].Decision == TaskPending && tasks[i].AssignedTo(actor) {
			return true
		}
	}
	return false
}

func countDecision(tasks []Approval, d TaskDecision) int {
	n := 0
	for _, t := range tasks {
		if t.Decision == d {
			n++
		}
	}
	return n
}

func (m *TaskManager) resolve(ctx context.Context, repo ApprovalRepository, task *Approval, actor auth.Actor, decision TaskDecision, comment string) error {
	if task.Decision != TaskPending {
		return ErrTaskResolved
	}
	now := m.now().UTC()
	decider := actor
	task.Decision = decision
	task.DecidedBy = &decider
	task.DecidedAt = &now
	task.Comment = comment
	if err := repo.UpdateApproval(ctx, task); err != nil {
		return fmt.Errorf("resolving task %s: %w", task.ID, err)
	}
	return nil
}

// withdraw marks every still-pending task Withdrawn and returns how many
// it touched.
func (m *TaskManager) withdraw(ctx context.Context, repo ApprovalRepository, instanceID string) (int, error) {
	tasks, err := repo.ListApprovals(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("listing tasks: %w", err)
	}
	now := m.now().UTC()
	n := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Decision != TaskPending {
			continue
		}
		t.Decision = TaskWithdrawn
		t.DecidedAt = &now
		if err := repo.UpdateApproval(ctx, t); err != nil {
			return n, fmt.Errorf("withdrawing task %s: %w", t.ID, err)
		}
		n++
	}
	return n, nil
}

func (m *TaskManager) reassign(ctx context.Context, repo ApprovalRepository, task *Approval, to auth.Actor) error {
	assignee := to
	task.Assignee = &assignee
	if err := repo.UpdateApproval(ctx, task); err != nil {
		return fmt.Errorf("reassigning task %s: %w", task.ID, err)
	}
	return nil
}

// ListPending returns the tasks actor could decide right now: pending,
// either assigned to actor or open, meeting the actor's permissions, and
// in a stage the actor has not already decided.
func (m *TaskManager) ListPending(ctx context.Context, actor auth.Actor) ([]Approval, error) {
	candidates, err := m.repo.ListOpenApprovals(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("listing open tasks: %w", err)
	}

	type requirement struct{ permission, role string }
	qualified := make(map[requirement]bool)
	decided := make(map[string]bool)

	out := make([]Approval, 0, len(candidates))
	for _, t := range candidates {
		req := requirement{t.RequiredPermission, t.RequiredRole}
		ok, seen := qualified[req]
		if !seen {
			ok, err = m.meets(ctx, actor, req.permission, req.role)
			if err != nil {
				return nil, err
			}
			qualified[req] = ok
		}
		if !ok {
			continue
		}

		key := fmt.Sprintf("%s/%d", t.InstanceID, t.StageIndex)
		done, seen := decided[key]
		if !seen {
			stage, err := m.stageTasks(ctx, m.repo, t.InstanceID, t.StageIndex)
			if err != nil {
				return nil, err
			}
			done = decidedBy(stage, actor)
			decided[key] = done
		}
		if done {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ListForInstance returns every task of an instance, ordered by stage then
// creation.
func (m *TaskManager) ListForInstance(ctx context.Context, instanceID string) ([]Approval, error) {
	return m.repo.ListApprovals(ctx, instanceID)
}
