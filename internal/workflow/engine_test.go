package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/docflow/internal/auth"
	"github.com/valinor-ai/docflow/internal/notify"
	"github.com/valinor-ai/docflow/internal/platform/errs"
	"github.com/valinor-ai/docflow/internal/workflow"
)

func TestEngine_TwoStageLetterApproval(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true,
		permStage(0, "letters.review", workflow.Single()),
		permStage(1, "letters.approve", workflow.Single()),
	)
	a := auth.Actor{ID: "A", Type: auth.UserTypeEmployee}
	b := auth.Actor{ID: "B", Type: auth.UserTypeEmployee}
	c := auth.Actor{ID: "C", Type: auth.UserTypeEmployee}
	e.grant(a, "letters.review")
	e.grant(b, "letters.review")
	e.grant(c, "letters.approve")

	inst := e.start("L-1", "letter")
	assert.Equal(t, workflow.StatusPending, inst.Status)
	assert.Equal(t, 2, inst.StageCount)

	inst, err := e.decide(inst, 0, a, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStage)
	assert.Equal(t, workflow.StatusInProgress, inst.Status)

	_, err = e.decide(inst, 1, b, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	assert.ErrorIs(t, err, workflow.ErrNotQualified)

	inst, err = e.decide(inst, 1, c, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)
	require.NotNil(t, inst.FinishedAt)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{workflow.ActionStarted, workflow.ActionAdvanced, workflow.ActionApproved}, actions(entries))
	for i, entry := range entries {
		assert.Equal(t, int64(i+1), entry.Seq)
		assert.Equal(t, 1, entry.Detail.SchemaVersion)
	}
	assert.Equal(t, 0, entries[1].FromStage)
	assert.Equal(t, 1, entries[1].ToStage)
	assert.Equal(t, c, entries[2].Actor)

	approved := e.notifier.ofType(notify.TypeWorkflowApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, admin.ID, approved[0].UserID)
	assert.Equal(t, "L-1", approved[0].RelatedEntityID)
	assert.Equal(t, 1, e.metrics.outcome("Approve", "forbidden"))
	assert.Equal(t, 2, e.metrics.outcome("Approve", "ok"))
}

func TestEngine_StartRejectsSecondActiveInstance(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")

	first := e.start("L-1", "letter")
	_, err := e.engine.Start(context.Background(), workflow.StartRequest{EntityID: "L-1", EntityType: "letter"})
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.ErrorIs(t, err, workflow.ErrActiveInstanceExists)

	// Another entity is unaffected.
	e.start("L-2", "letter")

	// Once terminal, the entity can go through approval again.
	_, err = e.decide(first, 0, alice, workflow.Approve)
	require.NoError(t, err)
	again := e.start("L-1", "letter")
	assert.NotEqual(t, first.ID, again.ID)
}

func TestEngine_StartDefinitionResolution(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.engine.Start(ctx, workflow.StartRequest{EntityID: "L-1", EntityType: "letter"})
	assert.ErrorIs(t, err, workflow.ErrNoDefinitionFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.engine.Start(ctx, workflow.StartRequest{EntityID: "L-1", EntityType: "letter", DefinitionID: "missing"})
	assert.ErrorIs(t, err, workflow.ErrNoDefinitionFound)

	memo := e.define("memo", false, permStage(0, "memos.review", workflow.Single()))
	_, err = e.engine.Start(ctx, workflow.StartRequest{EntityID: "L-1", EntityType: "letter", DefinitionID: memo.ID})
	assert.ErrorIs(t, err, errs.ErrValidation)

	inst, err := e.engine.Start(ctx, workflow.StartRequest{EntityID: "M-1", EntityType: "memo", DefinitionID: memo.ID})
	require.NoError(t, err)
	assert.Equal(t, memo.ID, inst.DefinitionID)
	assert.Nil(t, inst.Initiator)

	entries := e.history(inst)
	require.Len(t, entries, 1)
	assert.Equal(t, workflow.SystemActor, entries[0].Actor)

	_, err = e.defs.Deactivate(ctx, admin, memo.ID)
	require.NoError(t, err)
	_, err = e.engine.Start(ctx, workflow.StartRequest{EntityID: "M-2", EntityType: "memo", DefinitionID: memo.ID})
	assert.ErrorIs(t, err, workflow.ErrDefinitionInactive)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	_, err = e.engine.Start(ctx, workflow.StartRequest{EntityType: "memo"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_StartCreatesTasksPerPolicy(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.define("single", true, permStage(0, "docs.review", workflow.Single()))
	e.define("any", true, permStage(0, "docs.review", workflow.Any()))
	e.define("quorum", true, permStage(0, "docs.review", workflow.Quorum(3)))

	for typ, want := range map[string]int{"single": 1, "any": 1, "quorum": 3} {
		inst := e.start("D-1", typ)
		tasks, err := e.engine.ListForInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, tasks, want, typ)
		for _, task := range tasks {
			assert.Equal(t, workflow.TaskPending, task.Decision)
			assert.Equal(t, "docs.review", task.RequiredPermission)
			assert.Nil(t, task.Assignee)
		}
	}
}

func TestEngine_RejectEndsQuorumStage(t *testing.T) {
	e := newEnv(t)
	e.define("contract", true, permStage(0, "contracts.sign", workflow.Quorum(3)))
	for _, a := range []auth.Actor{alice, bob, carol} {
		e.grant(a, "contracts.sign")
	}
	inst := e.start("C-1", "contract")

	inst, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusInProgress, inst.Status)

	inst, err = e.decide(inst, 0, bob, workflow.Reject)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRejected, inst.Status)

	tasks, err := e.engine.ListForInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	decisions := map[workflow.TaskDecision]int{}
	for _, task := range tasks {
		decisions[task.Decision]++
	}
	assert.Equal(t, map[workflow.TaskDecision]int{
		workflow.TaskApproved:  1,
		workflow.TaskRejected:  1,
		workflow.TaskWithdrawn: 1,
	}, decisions)

	pending, err := e.engine.ListPending(context.Background(), carol)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = e.decide(inst, 0, carol, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{workflow.ActionStarted, workflow.ActionApprovalRecorded, workflow.ActionRejected}, actions(entries))
	assert.Equal(t, 1, entries[2].Detail.Withdrawn)
	assert.Len(t, e.notifier.ofType(notify.TypeWorkflowRejected), 1)
}

func TestEngine_StaleStage(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true,
		permStage(0, "letters.review", workflow.Single()),
		permStage(1, "letters.review", workflow.Single()),
	)
	e.grant(alice, "letters.review")
	e.grant(bob, "letters.review")
	inst := e.start("L-1", "letter")

	_, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)

	// The stage 0 task row still exists, but stage 0 is no longer current.
	_, err = e.decide(inst, 0, bob, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrStaleStage)
	assert.ErrorIs(t, err, workflow.ErrStageSatisfied)
	assert.Equal(t, "stale_stage", errs.Kind(err))

	_, err = e.decide(inst, 7, bob, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)
}

func TestEngine_QuorumNeedsDistinctApprovals(t *testing.T) {
	e := newEnv(t)
	e.define("budget", true, permStage(0, "budgets.approve", workflow.Quorum(2)))
	for _, a := range []auth.Actor{alice, bob, carol} {
		e.grant(a, "budgets.approve")
	}
	inst := e.start("B-1", "budget")

	inst, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusInProgress, inst.Status)

	_, err = e.decide(inst, 0, alice, workflow.Approve)
	assert.ErrorIs(t, err, workflow.ErrAlreadyDecided)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	inst, err = e.decide(inst, 0, bob, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)

	_, err = e.decide(inst, 0, carol, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{workflow.ActionStarted, workflow.ActionApprovalRecorded, workflow.ActionApproved}, actions(entries))
	assert.Equal(t, 2, entries[2].Detail.Approvals)
	assert.Equal(t, 2, entries[2].Detail.Required)
}

func TestEngine_RedundantApprovalAfterAdvance(t *testing.T) {
	e := newEnv(t)
	e.define("budget", true,
		permStage(0, "budgets.approve", workflow.Quorum(2)),
		permStage(1, "budgets.sign", workflow.Single()),
	)
	for _, a := range []auth.Actor{alice, bob, carol} {
		e.grant(a, "budgets.approve")
	}
	inst := e.start("B-1", "budget")

	_, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	inst, err = e.decide(inst, 0, bob, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStage)

	_, err = e.decide(inst, 0, carol, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.ErrorIs(t, err, errs.ErrStaleStage)
}

func TestEngine_DecideValidation(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")
	inst := e.start("L-1", "letter")

	_, err := e.decide(inst, 0, alice, workflow.Verdict("Maybe"))
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.decide(inst, 0, auth.Actor{ID: "x", Type: "Robot"}, workflow.Approve)
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = e.decide(&workflow.Instance{ID: "nope"}, 0, alice, workflow.Approve)
	assert.ErrorIs(t, err, workflow.ErrInstanceNotFound)
}

func TestEngine_RoleGatedStage(t *testing.T) {
	e := newEnv(t)
	e.define("invoice", true, roleStage(0, "Finance Controller", workflow.Single()))
	e.grantRole(alice, "Finance Controller")
	e.grant(bob, "invoices.approve")
	inst := e.start("I-1", "invoice")

	_, err := e.decide(inst, 0, bob, workflow.Approve)
	assert.ErrorIs(t, err, workflow.ErrNotQualified)

	inst, err = e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)
}

func TestEngine_AssignedStage(t *testing.T) {
	e := newEnv(t)
	assignee := alice
	e.define("letter", true, workflow.Stage{Index: 0, Permission: "letters.sign", Policy: workflow.Single(), Assignee: &assignee})
	e.grant(alice, "letters.sign")
	e.grant(bob, "letters.sign")
	inst := e.start("L-1", "letter")

	required := e.notifier.ofType(notify.TypeApprovalRequired)
	require.Len(t, required, 1)
	assert.Equal(t, alice, required[0].Recipient())

	_, err := e.decide(inst, 0, bob, workflow.Approve)
	assert.ErrorIs(t, err, workflow.ErrNotAssignee)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	pending, err := e.engine.ListPending(context.Background(), bob)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = e.engine.ListPending(context.Background(), alice)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	inst, err = e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)
}

func TestEngine_DecideOnTerminalInstance(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")
	inst := e.start("L-1", "letter")

	_, err := e.decide(inst, 0, alice, workflow.Reject)
	require.NoError(t, err)

	_, err = e.decide(inst, 0, alice, workflow.Reject)
	assert.ErrorIs(t, err, workflow.ErrInstanceTerminal)
}

func TestEngine_ConcurrentQuorumApprovals(t *testing.T) {
	e := newEnv(t)
	e.define("budget", true, permStage(0, "budgets.approve", workflow.Quorum(2)))

	actors := make([]auth.Actor, 12)
	for i := range actors {
		actors[i] = auth.Actor{ID: string(rune('a' + i)), Type: auth.UserTypeEmployee}
		e.grant(actors[i], "budgets.approve")
	}
	inst := e.start("B-1", "budget")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for _, a := range actors {
		wg.Add(1)
		go func(a auth.Actor) {
			defer wg.Done()
			_, err := e.decide(inst, 0, a, workflow.Approve)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			assert.ErrorIs(t, err, errs.ErrInvalidState)
		}(a)
	}
	wg.Wait()

	assert.Equal(t, 2, accepted)
	got, err := e.engine.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, got.Status)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{workflow.ActionStarted, workflow.ActionApprovalRecorded, workflow.ActionApproved}, actions(entries))
}

func TestEngine_ConcurrentSingleStageAdvance(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true,
		permStage(0, "letters.review", workflow.Single()),
		permStage(1, "letters.review", workflow.Single()),
	)
	actors := make([]auth.Actor, 8)
	for i := range actors {
		actors[i] = auth.Actor{ID: string(rune('a' + i)), Type: auth.UserTypeEmployee}
		e.grant(actors[i], "letters.review")
	}
	inst := e.start("L-1", "letter")

	var wg sync.WaitGroup
	results := make([]error, len(actors))
	for i, a := range actors {
		wg.Add(1)
		go func(i int, a auth.Actor) {
			defer wg.Done()
			_, results[i] = e.decide(inst, 0, a, workflow.Approve)
		}(i, a)
	}
	wg.Wait()

	accepted := 0
	for _, err := range results {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, errs.ErrStaleStage)
	}
	assert.Equal(t, 1, accepted)
}

func TestEngine_IndependentInstancesDoNotBlock(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		inst := e.start(string(rune('A'+i)), "letter")
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.decide(inst, 0, alice, workflow.Approve)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestEngine_Cancel(t *testing.T) {
	e := newEnv(t)
	e.define("contract", true, permStage(0, "contracts.sign", workflow.Quorum(2)))
	e.grant(alice, "contracts.sign")
	e.grant(bob, override)
	inst := e.start("C-1", "contract")
	ctx := context.Background()

	_, err := e.engine.Cancel(ctx, inst.ID, alice, "")
	assert.ErrorIs(t, err, workflow.ErrOverrideDenied)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.engine.Cancel(ctx, "missing", bob, "")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	got, err := e.engine.Cancel(ctx, inst.ID, bob, " duplicate submission ")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, got.Status)

	tasks, err := e.engine.ListForInstance(ctx, inst.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, workflow.TaskWithdrawn, task.Decision)
	}

	_, err = e.engine.Cancel(ctx, inst.ID, bob, "")
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{workflow.ActionStarted, workflow.ActionCancelled}, actions(entries))
	assert.Equal(t, "duplicate submission", entries[1].Detail.Reason)
	assert.Equal(t, 2, entries[1].Detail.Withdrawn)

	cancelled := e.notifier.ofType(notify.TypeWorkflowCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, admin.ID, cancelled[0].UserID)
}

func TestEngine_Reassign(t *testing.T) {
	e := newEnv(t)
	assignee := alice
	e.define("letter", true, workflow.Stage{Index: 0, Permission: "letters.sign", Policy: workflow.Single(), Assignee: &assignee})
	e.grant(alice, "letters.sign")
	e.grant(bob, "letters.sign")
	e.grant(admin, override)
	inst := e.start("L-1", "letter")
	ctx := context.Background()

	tasks, err := e.engine.ListForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	taskID := tasks[0].ID

	_, err = e.engine.Reassign(ctx, taskID, carol, bob)
	assert.ErrorIs(t, err, errs.ErrForbidden)

	_, err = e.engine.Reassign(ctx, taskID, alice, carol)
	assert.ErrorIs(t, err, errs.ErrValidation)

	task, err := e.engine.Reassign(ctx, taskID, alice, bob)
	require.NoError(t, err)
	assert.True(t, task.AssignedTo(bob))

	_, err = e.decide(inst, 0, alice, workflow.Approve)
	assert.ErrorIs(t, err, workflow.ErrNotAssignee)

	// Override holders may take the task back without being the assignee.
	_, err = e.engine.Reassign(ctx, taskID, admin, alice)
	require.NoError(t, err)

	_, err = e.engine.Reassign(ctx, "missing", alice, bob)
	assert.ErrorIs(t, err, workflow.ErrTaskNotFound)

	_, err = e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	_, err = e.engine.Reassign(ctx, taskID, admin, bob)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	entries := e.history(inst)
	assert.Equal(t, []workflow.Action{
		workflow.ActionStarted, workflow.ActionReassigned, workflow.ActionReassigned, workflow.ActionApproved,
	}, actions(entries))
	assert.Equal(t, alice, *entries[1].Detail.PreviousAssignee)
	assert.Equal(t, bob, *entries[1].Detail.Assignee)

	recipients := []string{}
	for _, n := range e.notifier.ofType(notify.TypeApprovalRequired) {
		recipients = append(recipients, n.UserID)
	}
	assert.Equal(t, []string{"alice", "bob", "alice"}, recipients)
}

func TestEngine_ReassignRejectsActorWhoAlreadyDecided(t *testing.T) {
	e := newEnv(t)
	e.define("budget", true, permStage(0, "budgets.approve", workflow.Quorum(2)))
	e.grant(alice, "budgets.approve")
	e.grant(admin, override)
	inst := e.start("B-1", "budget")
	ctx := context.Background()

	_, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)

	tasks, err := e.engine.ListForInstance(ctx, inst.ID)
	require.NoError(t, err)
	var open string
	for _, task := range tasks {
		if task.Decision == workflow.TaskPending {
			open = task.ID
		}
	}
	require.NotEmpty(t, open)

	_, err = e.engine.Reassign(ctx, open, admin, alice)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestEngine_ReassignRejectsActorHoldingAnotherTask(t *testing.T) {
	e := newEnv(t)
	e.define("budget", true, permStage(0, "budgets.approve", workflow.Quorum(2)))
	e.grant(alice, "budgets.approve")
	e.grant(bob, "budgets.approve")
	e.grant(admin, override)
	inst := e.start("B-1", "budget")
	ctx := context.Background()

	tasks, err := e.engine.ListForInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	_, err = e.engine.Reassign(ctx, tasks[0].ID, admin, alice)
	require.NoError(t, err)
	_, err = e.engine.Reassign(ctx, tasks[1].ID, admin, alice)
	assert.ErrorIs(t, err, errs.ErrValidation)

	pending, err := e.engine.ListPending(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	done, err := e.decide(inst, 0, bob, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, done.Status)
}

func TestEngine_ClockStampsHistory(t *testing.T) {
	e := newEnv(t)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.FixedZone("CET", 3600))
	e.withClock(func() time.Time { return fixed })
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")

	inst := e.start("L-1", "letter")
	assert.True(t, inst.StartedAt.Equal(fixed))
	assert.Equal(t, time.UTC, inst.StartedAt.Location())

	_, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)

	entries := e.history(inst)
	require.NotEmpty(t, entries)
	for _, entry := range entries {
		assert.True(t, entry.CreatedAt.Equal(fixed), "entry %s", entry.Action)
	}
}

func TestEngine_ListPending(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Quorum(2)))
	e.define("memo", true, permStage(0, "memos.review", workflow.Single()))
	e.grant(alice, "letters.review", "memos.review")
	e.grant(bob, "letters.review")

	letter := e.start("L-1", "letter")
	e.start("M-1", "memo")
	ctx := context.Background()

	pending, err := e.engine.ListPending(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	pending, err = e.engine.ListPending(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, task := range pending {
		assert.Equal(t, letter.ID, task.InstanceID)
	}

	_, err = e.decide(letter, 0, alice, workflow.Approve)
	require.NoError(t, err)

	// Alice has decided the letter stage; only the memo remains for her.
	pending, err = e.engine.ListPending(ctx, alice)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "memos.review", pending[0].RequiredPermission)

	pending, err = e.engine.ListPending(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	pending, err = e.engine.ListPending(ctx, carol)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEngine_InstanceQueries(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	inst := e.start("L-1", "letter")
	ctx := context.Background()

	got, err := e.engine.ActiveFor(ctx, workflow.EntityRef{ID: "L-1", Type: "letter"})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	require.Len(t, got.Stages, 1)

	_, err = e.engine.ActiveFor(ctx, workflow.EntityRef{ID: "L-2", Type: "letter"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = e.engine.History(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = e.engine.ListForInstance(ctx, "missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestEngine_InstanceKeepsStageSnapshot(t *testing.T) {
	e := newEnv(t)
	def := e.define("letter", true,
		permStage(0, "letters.review", workflow.Single()),
		permStage(1, "letters.approve", workflow.Single()),
	)
	e.grant(alice, "letters.review")
	e.grant(bob, "letters.approve")
	inst := e.start("L-1", "letter")
	ctx := context.Background()

	_, err := e.defs.Update(ctx, admin, def.ID, workflow.DefinitionSpec{
		Name:       "letters, single stage",
		EntityType: "letter",
		Stages:     []workflow.Stage{permStage(0, "letters.other", workflow.Single())},
		IsDefault:  true,
	}, def.Version)
	require.NoError(t, err)

	inst, err = e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.CurrentStage)
	inst, err = e.decide(inst, 1, bob, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)
	assert.Equal(t, 1, inst.DefinitionVersion)
}

// failingHistory loses every history append.
type failingHistory struct {
	*workflow.MemoryRepository
}

func (failingHistory) AppendHistory(context.Context, *workflow.HistoryEntry) error {
	return errors.New("history store unavailable")
}

func TestEngine_HistoryFailureDoesNotUndoTransition(t *testing.T) {
	mem := workflow.NewMemoryRepository()
	e := newEnvOn(t, mem, failingHistory{mem})
	e.define("letter", true, permStage(0, "letters.review", workflow.Single()))
	e.grant(alice, "letters.review")
	inst := e.start("L-1", "letter")

	inst, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)
	assert.Len(t, e.notifier.ofType(notify.TypeWorkflowApproved), 1)

	entries, err := mem.ListHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// failingTasks rolls back any transaction that tries to open tasks after
// the first stage.
type failingTasks struct {
	*workflow.MemoryRepository
}

func (f failingTasks) Atomic(ctx context.Context, fn func(ctx context.Context, repo workflow.Repository) error) error {
	return f.MemoryRepository.Atomic(ctx, func(ctx context.Context, repo workflow.Repository) error {
		return fn(ctx, failingTaskTx{repo})
	})
}

type failingTaskTx struct {
	workflow.Repository
}

func (f failingTaskTx) CreateApprovals(ctx context.Context, tasks []*workflow.Approval) error {
	if len(tasks) > 0 && tasks[0].StageIndex > 0 {
		return errors.New("approval store unavailable")
	}
	return f.Repository.CreateApprovals(ctx, tasks)
}

func TestEngine_FailedAdvanceRollsBack(t *testing.T) {
	mem := workflow.NewMemoryRepository()
	e := newEnvOn(t, mem, failingTasks{mem})
	e.define("letter", true,
		permStage(0, "letters.review", workflow.Single()),
		permStage(1, "letters.approve", workflow.Single()),
	)
	e.grant(alice, "letters.review")
	inst := e.start("L-1", "letter")

	_, err := e.decide(inst, 0, alice, workflow.Approve)
	require.Error(t, err)
	assert.Equal(t, "internal", errs.Kind(err))

	got, err := mem.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStage)
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Equal(t, inst.Version, got.Version)

	tasks, err := mem.ListApprovals(context.Background(), inst.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, workflow.TaskPending, tasks[0].Decision)

	assert.Equal(t, []workflow.Action{workflow.ActionStarted}, actions(e.history(inst)))
	assert.Equal(t, 1, e.metrics.outcome("Approve", "internal"))
}
