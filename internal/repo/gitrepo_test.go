package repo

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignature() object.Signature {
	return object.Signature{
		Name:  "Test User",
		Email: "test@example.com",
		When:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// newTestRepo initializes an in-memory repository with n commits on master
// and returns the accessor plus the commit ids, oldest first.
func newTestRepo(t *testing.T, n int) (*GitAccessor, []plumbing.Hash) {
	t.Helper()

	r, err := gogit.Init(memory.NewStorage(), memfs.New())
	require.NoError(t, err)
	acc := NewGitAccessor(r, testSignature())

	wt, err := r.Worktree()
	require.NoError(t, err)

	oids := make([]plumbing.Hash, 0, n)
	for i := 0; i < n; i++ {
		writeFile(t, r, fmt.Sprintf("file-%d.txt", i), fmt.Sprintf("content %d\n", i))
		_, err := wt.Add(fmt.Sprintf("file-%d.txt", i))
		require.NoError(t, err)
		sig := testSignature()
		sig.When = sig.When.Add(time.Duration(i) * time.Minute)
		oid, err := wt.Commit(fmt.Sprintf("commit %d", i), &gogit.CommitOptions{
			Author:    &sig,
			Committer: &sig,
		})
		require.NoError(t, err)
		oids = append(oids, oid)
	}
	return acc, oids
}

func writeFile(t *testing.T, r *gogit.Repository, name, content string) {
	t.Helper()
	wt, err := r.Worktree()
	require.NoError(t, err)
	f, err := wt.Filesystem.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestResolveRef(t *testing.T) {
	acc, oids := newTestRepo(t, 2)

	head, err := acc.ResolveRef("HEAD")
	require.NoError(t, err)
	assert.Equal(t, oids[1], head)

	master, err := acc.ResolveRef("refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, oids[1], master)

	_, err = acc.ResolveRef("refs/heads/nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRefs(t *testing.T) {
	acc, oids := newTestRepo(t, 1)

	require.NoError(t, acc.UpdateRef("refs/heads/feature", plumbing.ZeroHash, oids[0]))

	refs, err := acc.ListRefs()
	require.NoError(t, err)

	names := make([]string, len(refs))
	for i, ref := range refs {
		names[i] = ref.Name
	}
	assert.Equal(t, []string{"HEAD", "refs/heads/feature", "refs/heads/master"}, names)
	for _, ref := range refs {
		assert.Equal(t, oids[0], ref.Oid)
	}
}

func TestParentsOf(t *testing.T) {
	acc, oids := newTestRepo(t, 3)

	parents, err := acc.ParentsOf(oids[2])
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{oids[1]}, parents)

	parents, err = acc.ParentsOf(oids[0])
	require.NoError(t, err)
	assert.Empty(t, parents)

	_, err = acc.ParentsOf(plumbing.NewHash("0123456789012345678901234567890123456789"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitInfoSummary(t *testing.T) {
	acc, oids := newTestRepo(t, 1)

	info, err := acc.CommitInfo(oids[0])
	require.NoError(t, err)
	assert.Equal(t, oids[0], info.Oid)
	assert.Equal(t, "commit 0", info.Summary())
	assert.False(t, info.Tree.IsZero())
}

func TestCreateCommitReparent(t *testing.T) {
	acc, oids := newTestRepo(t, 3)

	// Rewrite the tip onto the root, keeping its tree and message.
	info, err := acc.CommitInfo(oids[2])
	require.NoError(t, err)

	newOid, err := acc.CreateCommit([]plumbing.Hash{oids[0]}, info.Tree, info.Message)
	require.NoError(t, err)
	assert.NotEqual(t, oids[2], newOid)

	newInfo, err := acc.CommitInfo(newOid)
	require.NoError(t, err)
	assert.Equal(t, []plumbing.Hash{oids[0]}, newInfo.Parents)
	assert.Equal(t, info.Tree, newInfo.Tree)
	assert.Equal(t, info.Message, newInfo.Message)
}

func TestUpdateRefCompareAndSwap(t *testing.T) {
	acc, oids := newTestRepo(t, 2)

	// Wrong old value is rejected.
	err := acc.UpdateRef("refs/heads/master", oids[0], oids[0])
	assert.ErrorIs(t, err, ErrConflict)

	// Correct old value succeeds.
	require.NoError(t, acc.UpdateRef("refs/heads/master", oids[1], oids[0]))
	got, err := acc.ResolveRef("refs/heads/master")
	require.NoError(t, err)
	assert.Equal(t, oids[0], got)

	// Creating a ref asserts absence via ZeroHash.
	require.NoError(t, acc.UpdateRef("refs/heads/new", plumbing.ZeroHash, oids[1]))
	err = acc.UpdateRef("refs/heads/new", plumbing.ZeroHash, oids[0])
	assert.ErrorIs(t, err, ErrConflict)
}

func TestDeleteRef(t *testing.T) {
	acc, oids := newTestRepo(t, 1)

	require.NoError(t, acc.UpdateRef("refs/heads/gone", plumbing.ZeroHash, oids[0]))

	err := acc.DeleteRef("refs/heads/gone", plumbing.NewHash("0123456789012345678901234567890123456789"))
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, acc.DeleteRef("refs/heads/gone", oids[0]))
	_, err = acc.ResolveRef("refs/heads/gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDetectMainBranch(t *testing.T) {
	acc, _ := newTestRepo(t, 1)

	name, err := acc.DetectMainBranch()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/master", name)
}

func TestIsConflictedCleanTree(t *testing.T) {
	acc, _ := newTestRepo(t, 1)

	conflicted, err := acc.IsConflicted()
	require.NoError(t, err)
	assert.False(t, conflicted)
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{ErrNotFound, ErrConflict, ErrCorrupt, ErrIo}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not match %v", a, b)
		}
	}
}
