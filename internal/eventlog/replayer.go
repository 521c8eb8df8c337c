package eventlog

import (
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/repo"
)

// Replayer answers questions about the cumulative effect of a prefix of the
// event log: which commits are visible, which have been rewritten and to
// what, and which refs were last seen where. It is recomputed from the log
// whenever the log may have changed; it is never patched incrementally.
type Replayer struct {
	events []Event

	visibility map[plumbing.Hash]bool
	rewrites   map[plumbing.Hash]Event // old oid -> latest rewrite naming it
	refValues  map[string]plumbing.Hash
	active     map[plumbing.Hash]bool
}

// NewReplayer replays the given events, which must be in sequence order.
func NewReplayer(events []Event) *Replayer {
	r := &Replayer{
		events:     events,
		visibility: make(map[plumbing.Hash]bool),
		rewrites:   make(map[plumbing.Hash]Event),
		refValues:  make(map[string]plumbing.Hash),
		active:     make(map[plumbing.Hash]bool),
	}
	for _, ev := range events {
		switch ev.Kind {
		case KindRefUpdate:
			r.refValues[ev.RefName] = ev.NewOid
			r.touch(ev.OldOid)
			r.touch(ev.NewOid)
		case KindCommitRewritten:
			r.rewrites[ev.OldOid] = ev
			// The superseded commit drops out of view; its
			// replacement is what the user works on now.
			r.visibility[ev.OldOid] = false
			r.visibility[ev.NewOid] = true
			r.touch(ev.OldOid)
			r.touch(ev.NewOid)
		case KindCommitVisibility:
			r.visibility[ev.CommitOid] = ev.Visible
			r.touch(ev.CommitOid)
		}
	}
	return r
}

func (r *Replayer) touch(oid plumbing.Hash) {
	if oid != plumbing.ZeroHash {
		r.active[oid] = true
	}
}

// CommitVisibility reports the latest recorded visibility of oid. Commits the
// log has never mentioned default to visible.
func (r *Replayer) CommitVisibility(oid plumbing.Hash) bool {
	v, ok := r.visibility[oid]
	if !ok {
		return true
	}
	return v
}

// ActiveOids returns every commit id mentioned by any event, sorted by id.
func (r *Replayer) ActiveOids() []plumbing.Hash {
	oids := make([]plumbing.Hash, 0, len(r.active))
	for oid := range r.active {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].String() < oids[j].String() })
	return oids
}

// IsObsolete reports whether oid has been superseded: a later rewrite event
// names it as the old id and the rewrite chain does not lead back to it.
func (r *Replayer) IsObsolete(oid plumbing.Hash) (bool, error) {
	if _, ok := r.rewrites[oid]; !ok {
		return false, nil
	}
	target, err := r.LatestRewriteTarget(oid)
	if err != nil {
		return false, err
	}
	return target != oid, nil
}

// LatestRewriteTarget follows the rewrite chain from oid to its terminal,
// non-superseded target. Chains can be multi-hop (a commit amended several
// times) and may legitimately lead back to the starting commit after an undo;
// each hop must carry a strictly later sequence number, so a chain that fails
// to advance is corrupt.
func (r *Replayer) LatestRewriteTarget(oid plumbing.Hash) (plumbing.Hash, error) {
	cur := oid
	lastSeq := int64(-1)
	for steps := 0; ; steps++ {
		if steps > len(r.rewrites)+1 {
			return plumbing.ZeroHash, fmt.Errorf("rewrite chain from %s does not terminate: %w",
				oid, repo.ErrCorrupt)
		}
		ev, ok := r.rewrites[cur]
		if !ok || ev.Seq <= lastSeq {
			return cur, nil
		}
		lastSeq = ev.Seq
		cur = ev.NewOid
	}
}

// LastRefValue returns the value the log last recorded for ref, and whether
// the log has ever seen the ref.
func (r *Replayer) LastRefValue(ref string) (plumbing.Hash, bool) {
	oid, ok := r.refValues[ref]
	return oid, ok
}

// RefNames returns every ref name the log has seen, sorted.
func (r *Replayer) RefNames() []string {
	names := make([]string, 0, len(r.refValues))
	for name := range r.refValues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
