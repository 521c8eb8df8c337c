package restack

import (
	"fmt"
	"sort"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/require"

	"github.com/kurobon/branchless/internal/dag"
	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
)

func oid(n int) plumbing.Hash {
	return plumbing.NewHash(fmt.Sprintf("%040d", n))
}

// scriptAccessor is an in-memory accessor whose commit messages carry the
// commit's own id, letting tests fail the rebase of a chosen commit.
type scriptAccessor struct {
	parents map[plumbing.Hash][]plumbing.Hash
	refs    map[string]plumbing.Hash

	// conflictOn fails CreateCommit for the named source commit until
	// cleared, simulating a merge conflict.
	conflictOn plumbing.Hash

	nextID  int
	created int
}

func newScriptAccessor() *scriptAccessor {
	return &scriptAccessor{
		parents: make(map[plumbing.Hash][]plumbing.Hash),
		refs:    make(map[string]plumbing.Hash),
		nextID:  900,
	}
}

func (a *scriptAccessor) addCommit(n int, parentIDs ...int) {
	parents := make([]plumbing.Hash, len(parentIDs))
	for i, p := range parentIDs {
		parents[i] = oid(p)
	}
	a.parents[oid(n)] = parents
}

func (a *scriptAccessor) ResolveRef(name string) (plumbing.Hash, error) {
	v, ok := a.refs[name]
	if !ok {
		return plumbing.ZeroHash, fmt.Errorf("ref %s: %w", name, repo.ErrNotFound)
	}
	return v, nil
}

func (a *scriptAccessor) ListRefs() ([]repo.Ref, error) {
	refs := make([]repo.Ref, 0, len(a.refs))
	for name, v := range a.refs {
		refs = append(refs, repo.Ref{Name: name, Oid: v})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (a *scriptAccessor) ParentsOf(c plumbing.Hash) ([]plumbing.Hash, error) {
	parents, ok := a.parents[c]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", c, repo.ErrNotFound)
	}
	return parents, nil
}

func (a *scriptAccessor) CommitInfo(c plumbing.Hash) (*repo.CommitInfo, error) {
	parents, err := a.ParentsOf(c)
	if err != nil {
		return nil, err
	}
	return &repo.CommitInfo{Oid: c, Parents: parents, Message: c.String()}, nil
}

func (a *scriptAccessor) CreateCommit(parents []plumbing.Hash, tree plumbing.Hash, message string) (plumbing.Hash, error) {
	if a.conflictOn != plumbing.ZeroHash && message == a.conflictOn.String() {
		return plumbing.ZeroHash, fmt.Errorf("merge of %s: %w", message[:8], repo.ErrConflict)
	}
	a.nextID++
	a.created++
	newOid := oid(a.nextID)
	a.parents[newOid] = append([]plumbing.Hash(nil), parents...)
	return newOid, nil
}

func (a *scriptAccessor) UpdateRef(name string, old, new plumbing.Hash) error {
	if a.refs[name] != old && !(old == plumbing.ZeroHash && a.refs[name] == plumbing.ZeroHash) {
		return fmt.Errorf("ref %s moved: %w", name, repo.ErrConflict)
	}
	a.refs[name] = new
	return nil
}

func (a *scriptAccessor) DeleteRef(name string, old plumbing.Hash) error {
	if a.refs[name] != old {
		return fmt.Errorf("ref %s moved: %w", name, repo.ErrConflict)
	}
	delete(a.refs, name)
	return nil
}

func (a *scriptAccessor) IsConflicted() (bool, error) {
	return false, nil
}

// buildContext assembles a graph and replayer over the accessor's current
// commits plus the given event list.
func buildContext(t *testing.T, acc *scriptAccessor, events []eventlog.Event, heads ...int) (*dag.Graph, *eventlog.Replayer) {
	t.Helper()
	headOids := make([]plumbing.Hash, len(heads))
	for i, h := range heads {
		headOids[i] = oid(h)
	}
	replayer := eventlog.NewReplayer(events)
	headOids = append(headOids, replayer.ActiveOids()...)

	graph, err := dag.NewOverlay(acc).Build(headOids, nil)
	require.NoError(t, err)
	return graph, replayer
}

func seqd(seq int64, ev eventlog.Event) eventlog.Event {
	ev.Seq = seq
	return ev
}
