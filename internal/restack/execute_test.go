package restack

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/branchless/internal/eventlog"
)

func openTestStore(t *testing.T) *eventlog.Store {
	t.Helper()
	s, err := eventlog.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func planFor(t *testing.T, acc *scriptAccessor, events []eventlog.Event, heads ...int) *Plan {
	t.Helper()
	graph, replayer := buildContext(t, acc, events, heads...)
	plan, err := NewPlanner(graph, replayer).Plan()
	require.NoError(t, err)
	return plan
}

func TestExecuteAmendedStack(t *testing.T) {
	acc, events := amendedStack(t)
	acc.refs["refs/heads/feature"] = oid(4)
	store := openTestStore(t)
	plan := planFor(t, acc, events, 4)

	txID, err := store.BeginTransaction("restack", eventlog.TxCommand)
	require.NoError(t, err)

	result, err := NewExecutor(acc, store).Execute(txID, plan)
	require.NoError(t, err)
	require.NoError(t, store.CloseTransaction(txID))

	assert.True(t, result.Completed)
	require.Len(t, result.Succeeded, 2)

	// 3 lands on 5; 4 lands on the commit 3 just became.
	new3 := result.Succeeded[0].NewOid
	new4 := result.Succeeded[1].NewOid
	assert.Equal(t, oid(3), result.Succeeded[0].Step.Commit)
	assert.Equal(t, oid(4), result.Succeeded[1].Step.Commit)

	parents3, err := acc.ParentsOf(new3)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{oid(5)}, parents3)

	parents4, err := acc.ParentsOf(new4)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{new3}, parents4)

	// The branch that pointed at the old tip follows the rewrite.
	assert.Equal(t, new4, acc.refs["refs/heads/feature"])

	// Each rebase recorded its rewrite in order, then the ref move.
	logged, err := store.EventsForTransaction(txID)
	require.NoError(t, err)
	require.Len(t, logged, 3)
	assert.Equal(t, eventlog.KindCommitRewritten, logged[0].Kind)
	assert.Equal(t, oid(3), logged[0].OldOid)
	assert.Equal(t, new3, logged[0].NewOid)
	assert.Equal(t, eventlog.KindCommitRewritten, logged[1].Kind)
	assert.Equal(t, oid(4), logged[1].OldOid)
	assert.Equal(t, eventlog.KindRefUpdate, logged[2].Kind)
	assert.Equal(t, "refs/heads/feature", logged[2].RefName)
}

func TestExecuteDoubleAmendedStack(t *testing.T) {
	acc, events := doubleAmendedStack(t)
	acc.refs["refs/heads/feature"] = oid(3)
	store := openTestStore(t)
	plan := planFor(t, acc, events, 3)

	txID, err := store.BeginTransaction("restack", eventlog.TxCommand)
	require.NoError(t, err)
	result, err := NewExecutor(acc, store).Execute(txID, plan)
	require.NoError(t, err)
	require.NoError(t, store.CloseTransaction(txID))

	assert.True(t, result.Completed)
	require.Len(t, result.Succeeded, 2)
	assert.Equal(t, oid(5), result.Succeeded[0].Step.Commit)
	assert.Equal(t, oid(3), result.Succeeded[1].Step.Commit)
	new5 := result.Succeeded[0].NewOid
	new3 := result.Succeeded[1].NewOid

	// 5 lands on the replacement of 1; 3 lands on the commit 5 just
	// became, not on the stale 5 the same run obsoleted.
	parents5, err := acc.ParentsOf(new5)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{oid(4)}, parents5)

	parents3, err := acc.ParentsOf(new3)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{new5}, parents3)

	assert.Equal(t, new3, acc.refs["refs/heads/feature"])
}

func TestExecuteConflictHaltsAndResumes(t *testing.T) {
	// Stack 1 <- 2 <- 3 <- 4 <- 5 <- 6 with 2 amended to 7.
	acc := newScriptAccessor()
	acc.addCommit(1)
	for i := 2; i <= 6; i++ {
		acc.addCommit(i, i-1)
	}
	acc.addCommit(7, 1)
	events := []eventlog.Event{seqd(1, eventlog.CommitRewritten(oid(2), oid(7)))}
	store := openTestStore(t)
	plan := planFor(t, acc, events, 6)

	// The rebase of 5 conflicts.
	acc.conflictOn = oid(5)

	txID, err := store.BeginTransaction("restack", eventlog.TxCommand)
	require.NoError(t, err)
	result, err := NewExecutor(acc, store).Execute(txID, plan)
	require.NoError(t, err)
	require.NoError(t, store.CloseTransaction(txID))

	assert.False(t, result.Completed)
	require.NotNil(t, result.Conflicted)
	assert.Equal(t, oid(5), result.Conflicted.Step.Commit)

	// 3 and 4 were rewritten before the halt and their events are durable.
	logged, err := store.EventsForTransaction(txID)
	require.NoError(t, err)
	require.Len(t, logged, 2)
	assert.Equal(t, oid(3), logged[0].OldOid)
	assert.Equal(t, oid(4), logged[1].OldOid)

	createdBefore := acc.created

	// Conflict resolved; resume under a new transaction.
	acc.conflictOn = plumbing.ZeroHash
	tx2, err := store.BeginTransaction("restack (continue)", eventlog.TxCommand)
	require.NoError(t, err)
	result, err = NewExecutor(acc, store).Resume(tx2)
	require.NoError(t, err)
	require.NoError(t, store.CloseTransaction(tx2))

	assert.True(t, result.Completed)
	assert.Nil(t, result.Conflicted)

	// Only the remaining two commits were created; nothing was replayed
	// twice.
	assert.Equal(t, createdBefore+2, acc.created)

	logged2, err := store.EventsForTransaction(tx2)
	require.NoError(t, err)
	require.Len(t, logged2, 2)
	assert.Equal(t, oid(5), logged2[0].OldOid)
	assert.Equal(t, oid(6), logged2[1].OldOid)

	// The resumed rebase of 5 lands on the replacement of 4 produced
	// before the halt.
	parents5, err := acc.ParentsOf(logged2[0].NewOid)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{logged[1].NewOid}, parents5)

	// No unfinished run remains.
	_, _, err = store.OpenRestackRun()
	assert.Error(t, err)
}

func TestExecuteNothingToDo(t *testing.T) {
	acc := newScriptAccessor()
	acc.addCommit(1)
	acc.addCommit(2, 1)
	store := openTestStore(t)
	plan := planFor(t, acc, nil, 2)

	txID, err := store.BeginTransaction("restack", eventlog.TxCommand)
	require.NoError(t, err)
	result, err := NewExecutor(acc, store).Execute(txID, plan)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, result.Skipped)
	assert.Zero(t, acc.created)

	logged, err := store.EventsForTransaction(txID)
	require.NoError(t, err)
	assert.Empty(t, logged)
}

func TestExecuteSkipStep(t *testing.T) {
	acc := newScriptAccessor()
	acc.addCommit(1)
	acc.addCommit(2, 1)
	acc.addCommit(3, 2)
	events := []eventlog.Event{seqd(1, eventlog.CommitVisibility(oid(2), false))}
	store := openTestStore(t)
	plan := planFor(t, acc, events, 3)

	txID, err := store.BeginTransaction("restack", eventlog.TxCommand)
	require.NoError(t, err)
	result, err := NewExecutor(acc, store).Execute(txID, plan)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	require.Len(t, result.Skipped, 1)
	assert.Equal(t, oid(3), result.Skipped[0].Step.Commit)
	assert.Zero(t, acc.created, "skipped commits are not replayed")
}
