package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valinor-ai/docflow/internal/platform/errs"
	"github.com/valinor-ai/docflow/internal/workflow"
)

func TestRecorder_AppendAndList(t *testing.T) {
	repo := workflow.NewMemoryRepository()
	rec := workflow.NewRecorder(repo)
	ctx := context.Background()

	// Appended out of order, read back by seq.
	for _, seq := range []int64{2, 1, 3} {
		id, err := rec.Append(ctx, &workflow.HistoryEntry{
			InstanceID: "inst-1",
			Seq:        seq,
			Actor:      alice,
			Action:     workflow.ActionApprovalRecorded,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	entries, err := rec.ListForInstance(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, 1, e.Detail.SchemaVersion)
		assert.False(t, e.CreatedAt.IsZero())
	}

	again, err := rec.ListForInstance(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, entries, again)
}

func TestRecorder_RejectsDuplicateSeq(t *testing.T) {
	rec := workflow.NewRecorder(workflow.NewMemoryRepository())
	ctx := context.Background()
	entry := workflow.HistoryEntry{InstanceID: "inst-1", Seq: 1, Actor: alice, Action: workflow.ActionStarted}

	_, err := rec.Append(ctx, &entry)
	require.NoError(t, err)

	dup := entry
	_, err = rec.Append(ctx, &dup)
	assert.ErrorIs(t, err, workflow.ErrDuplicateHistorySeq)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRecorder_RejectsMalformedEntries(t *testing.T) {
	rec := workflow.NewRecorder(workflow.NewMemoryRepository())
	ctx := context.Background()

	for _, entry := range []workflow.HistoryEntry{
		{Seq: 1, Action: workflow.ActionStarted},
		{InstanceID: "inst-1", Action: workflow.ActionStarted},
		{InstanceID: "inst-1", Seq: 1, Action: "Exploded"},
	} {
		_, err := rec.Append(ctx, &entry)
		assert.ErrorIs(t, err, errs.ErrValidation)
	}
}

func TestHistory_ExactlyOneStartAndOneTerminal(t *testing.T) {
	e := newEnv(t)
	e.define("letter", true,
		permStage(0, "letters.review", workflow.Quorum(2)),
		permStage(1, "letters.approve", workflow.Single()),
		permStage(2, "letters.sign", workflow.Any()),
	)
	e.grant(alice, "letters.review", "letters.approve")
	e.grant(bob, "letters.review", "letters.sign")

	inst := e.start("L-1", "letter")
	inst, err := e.decide(inst, 0, alice, workflow.Approve)
	require.NoError(t, err)
	inst, err = e.decide(inst, 0, bob, workflow.Approve)
	require.NoError(t, err)
	inst, err = e.decide(inst, 1, alice, workflow.Approve)
	require.NoError(t, err)
	inst, err = e.decide(inst, 2, bob, workflow.Approve)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusApproved, inst.Status)

	entries := e.history(inst)
	counts := map[workflow.Action]int{}
	terminal := 0
	for i, entry := range entries {
		counts[entry.Action]++
		if entry.Action.Terminal() {
			terminal++
		}
		if i > 0 {
			assert.Greater(t, entry.Seq, entries[i-1].Seq)
		}
	}
	assert.Equal(t, 1, counts[workflow.ActionStarted])
	assert.Equal(t, 2, counts[workflow.ActionAdvanced])
	assert.Equal(t, 1, terminal)
	assert.Equal(t, workflow.ActionApproved, entries[len(entries)-1].Action)
}
