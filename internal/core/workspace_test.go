package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/branchless/internal/eventlog"
)

func initRepo(t *testing.T) (string, *gogit.Repository, *gogit.Worktree) {
	t.Helper()
	dir := t.TempDir()
	r, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := r.Worktree()
	require.NoError(t, err)
	return dir, r, wt
}

func commitFile(t *testing.T, dir string, wt *gogit.Worktree, name, content, msg string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err := wt.Add(name)
	require.NoError(t, err)
	sig := &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()}
	oid, err := wt.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return oid
}

func openWorkspace(t *testing.T, dir string) *Workspace {
	t.Helper()
	ws, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestOpenDetectsMainBranch(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")

	ws := openWorkspace(t, dir)
	assert.Equal(t, "refs/heads/master", ws.MainRef())

	// State directory lives under .git.
	_, err := os.Stat(filepath.Join(dir, ".git", "branchless", "events.sqlite"))
	assert.NoError(t, err)
}

func TestRecordCapturesRefMoves(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")

	ws := openWorkspace(t, dir)

	n, err := ws.Record()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "HEAD and master are both new to the log")

	// A second record with nothing moved opens no transaction.
	n, err = ws.Record()
	require.NoError(t, err)
	assert.Zero(t, n)
	txs, err := ws.Events(10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	// A commit made outside branchless shows up as a pending move.
	commitFile(t, dir, wt, "b.txt", "b\n", "second")
	n, err = ws.Record()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHideRefusesAnchoredCommit(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")
	tip := commitFile(t, dir, wt, "b.txt", "b\n", "second")

	ws := openWorkspace(t, dir)

	_, err := ws.Hide([]string{tip.String()})
	assert.Error(t, err, "the checked-out commit cannot be hidden")
}

func TestHideUnhideRoundTrip(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")
	victim := commitFile(t, dir, wt, "b.txt", "b\n", "doomed")
	tip := commitFile(t, dir, wt, "c.txt", "c\n", "tip")

	ws := openWorkspace(t, dir)

	oids, err := ws.Hide([]string{victim.String()})
	require.NoError(t, err)
	require.Equal(t, []plumbing.Hash{victim}, oids)

	events, err := ws.Store().Events()
	require.NoError(t, err)
	replayer := eventlog.NewReplayer(events)
	assert.False(t, replayer.CommitVisibility(victim))
	assert.True(t, replayer.CommitVisibility(tip))

	_, err = ws.Unhide([]string{victim.String()})
	require.NoError(t, err)

	events, err = ws.Store().Events()
	require.NoError(t, err)
	assert.True(t, eventlog.NewReplayer(events).CommitVisibility(victim))
}

func TestAmendMarksOldCommitObsolete(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")
	old := commitFile(t, dir, wt, "b.txt", "b\n", "to be amended")

	ws := openWorkspace(t, dir)
	_, err := ws.Record()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b2\n"), 0o644))
	newHead, err := ws.Amend("amended message")
	require.NoError(t, err)
	assert.NotEqual(t, old, newHead)

	events, err := ws.Store().Events()
	require.NoError(t, err)
	replayer := eventlog.NewReplayer(events)

	obsolete, err := replayer.IsObsolete(old)
	require.NoError(t, err)
	assert.True(t, obsolete)
	target, err := replayer.LatestRewriteTarget(old)
	require.NoError(t, err)
	assert.Equal(t, newHead, target)

	// The branch followed the amend and the log knows.
	v, ok := replayer.LastRefValue("refs/heads/master")
	assert.True(t, ok)
	assert.Equal(t, newHead, v)
}

// Full workflow: amend the middle of a stack, restack the descendant, then
// undo the restack.
func TestAmendRestackUndo(t *testing.T) {
	dir, r, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "base")

	// Stack on a feature branch: base <- mid <- tip.
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	mid := commitFile(t, dir, wt, "m.txt", "m\n", "mid")
	tip := commitFile(t, dir, wt, "t.txt", "t\n", "tip")

	// Check out mid detached and amend it.
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{Hash: mid}))

	ws := openWorkspace(t, dir)
	_, err := ws.Record()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.txt"), []byte("m2\n"), 0o644))
	newMid, err := ws.Amend("")
	require.NoError(t, err)

	result, err := ws.Restack()
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, tip, result.Succeeded[0].Step.Commit)
	newTip := result.Succeeded[0].NewOid

	// The rebased tip sits on the amended mid and kept its contents.
	info, err := r.CommitObject(newTip)
	require.NoError(t, err)
	require.Len(t, info.ParentHashes, 1)
	assert.Equal(t, newMid, info.ParentHashes[0])
	assert.Equal(t, "tip", info.Message)

	// The feature branch followed.
	ref, err := r.Reference(plumbing.NewBranchReferenceName("feature"), true)
	require.NoError(t, err)
	assert.Equal(t, newTip, ref.Hash())

	// Undo the restack: the branch returns to the old tip.
	outcome, err := ws.Undo(1)
	require.NoError(t, err)
	require.Len(t, outcome.Applied, 1)

	ref, err = r.Reference(plumbing.NewBranchReferenceName("feature"), true)
	require.NoError(t, err)
	assert.Equal(t, tip, ref.Hash())

	// And redo brings the rebased tip back.
	outcome, err = ws.Redo(1)
	require.NoError(t, err)
	require.Len(t, outcome.Applied, 1)
	ref, err = r.Reference(plumbing.NewBranchReferenceName("feature"), true)
	require.NoError(t, err)
	assert.Equal(t, newTip, ref.Hash())
}

func TestSmartlogShowsStack(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "base")
	require.NoError(t, wt.Checkout(&gogit.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"),
		Create: true,
	}))
	tip := commitFile(t, dir, wt, "f.txt", "f\n", "feature work")

	// master stays at base; feature holds the stack.
	ws := openWorkspace(t, dir)
	require.Equal(t, "refs/heads/master", ws.MainRef())

	snap, err := ws.Smartlog()
	require.NoError(t, err)

	require.Contains(t, snap.Nodes, tip)
	assert.True(t, snap.Nodes[tip].IsHead)
	assert.Contains(t, snap.Render(), "feature work")
}

func TestEventsListing(t *testing.T) {
	dir, _, wt := initRepo(t)
	victim := commitFile(t, dir, wt, "a.txt", "a\n", "initial")
	commitFile(t, dir, wt, "b.txt", "b\n", "tip")

	ws := openWorkspace(t, dir)
	_, err := ws.Record()
	require.NoError(t, err)
	_, err = ws.Hide([]string{victim.String()})
	require.NoError(t, err)

	txs, err := ws.Events(10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "hide", txs[0].Tx.Description)
	assert.Equal(t, "record", txs[1].Tx.Description)
	require.Len(t, txs[0].Events, 1)
	assert.Equal(t, eventlog.KindCommitVisibility, txs[0].Events[0].Kind)
}

func TestConfigOverridesMainBranch(t *testing.T) {
	dir, _, wt := initRepo(t)
	commitFile(t, dir, wt, "a.txt", "a\n", "initial")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".branchless.yml"),
		[]byte("main_branch: refs/heads/master\n"), 0o644))

	ws := openWorkspace(t, dir)
	assert.Equal(t, "refs/heads/master", ws.MainRef())
}
