// Package restack recomputes where commits belong after history has been
// rewritten underneath them. The planner inspects the DAG overlay and the
// event log's rewrite record to produce an ordered plan of rebase steps; the
// executor applies the plan through the repository accessor, surviving merge
// conflicts by persisting its progress.
package restack

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/dag"
	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
)

// Op is the kind of a plan step.
type Op string

const (
	// OpRebase replays the commit onto Dest.
	OpRebase Op = "rebase"

	// OpSkip leaves the commit where it is: an ancestor was abandoned
	// outright, so there is no rewritten version to move onto. Dest names
	// the nearest surviving ancestor the commit is now rooted on.
	OpSkip Op = "skip"

	// OpNoOp records that the commit was considered and needs no work.
	OpNoOp Op = "noop"
)

// Step is one entry of a restack plan.
type Step struct {
	Op     Op
	Commit plumbing.Hash

	// Dest is the destination parent for OpRebase: the rewritten
	// replacement of OldParent as of planning time. When the destination
	// itself is rebased by an earlier step, the executor substitutes that
	// step's freshly produced commit.
	Dest plumbing.Hash

	// OldParent is the parent being replaced (OpRebase only).
	OldParent plumbing.Hash
}

// Plan is an ordered sequence of steps, ancestors before descendants. Plans
// are deterministic: the same overlay and event log always produce the same
// plan, with ties among independent subtrees broken by ascending commit id.
type Plan struct {
	Steps []Step

	// SkippedSubtrees lists commits the planner could not inspect because
	// they vanished from the store; they are reported, not fatal.
	SkippedSubtrees []plumbing.Hash
}

// String renders the plan one step per line.
func (p *Plan) String() string {
	out := ""
	for i, s := range p.Steps {
		switch s.Op {
		case OpRebase:
			out += fmt.Sprintf("%d: rebase %s onto %s\n", i, s.Commit, s.Dest)
		case OpSkip:
			out += fmt.Sprintf("%d: skip %s (rooted on %s)\n", i, s.Commit, s.Dest)
		case OpNoOp:
			out += fmt.Sprintf("%d: keep %s\n", i, s.Commit)
		}
	}
	return out
}

// Planner computes restack plans from the current overlay generation and the
// replayed event log.
type Planner struct {
	graph    *dag.Graph
	replayer *eventlog.Replayer
}

// NewPlanner creates a planner over one overlay generation. If the overlay is
// invalidated the planner's graph queries fail with dag.ErrStale and the plan
// must be rebuilt.
func NewPlanner(graph *dag.Graph, replayer *eventlog.Replayer) *Planner {
	return &Planner{graph: graph, replayer: replayer}
}

// Plan emits one step per visible, non-obsolete, non-boundary commit in the
// overlay: a Rebase step when the commit's parent chain passes through a
// rewritten commit, a Skip step when the chain passes through an abandoned
// commit with no surviving replacement, and a NoOp otherwise.
func (p *Planner) Plan() (*Plan, error) {
	plan := &Plan{}

	candidates := make(map[plumbing.Hash]Step)
	oids, err := p.graph.Oids()
	if err != nil {
		return nil, err
	}
	for _, oid := range oids {
		node, err := p.graph.Node(oid)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				plan.SkippedSubtrees = append(plan.SkippedSubtrees, oid)
				continue
			}
			return nil, err
		}
		if node.Boundary {
			continue
		}
		obsolete, err := p.replayer.IsObsolete(oid)
		if err != nil {
			return nil, err
		}
		if obsolete || !p.replayer.CommitVisibility(oid) {
			continue
		}

		step, err := p.stepFor(node)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				plan.SkippedSubtrees = append(plan.SkippedSubtrees, oid)
				continue
			}
			return nil, err
		}
		candidates[oid] = step
	}

	ordered, err := p.topoSort(candidates)
	if err != nil {
		return nil, err
	}
	plan.Steps = ordered
	sort.Slice(plan.SkippedSubtrees, func(i, j int) bool {
		return plan.SkippedSubtrees[i].String() < plan.SkippedSubtrees[j].String()
	})
	return plan, nil
}

// stepFor decides what to do with one visible commit by examining its parent
// chain within the overlay.
func (p *Planner) stepFor(node *dag.Node) (Step, error) {
	// Direct parent first: it determines the rebase destination.
	for _, parent := range node.Parents {
		obsolete, err := p.replayer.IsObsolete(parent)
		if err != nil {
			return Step{}, err
		}
		if obsolete {
			dest, err := p.replayer.LatestRewriteTarget(parent)
			if err != nil {
				return Step{}, err
			}
			return Step{Op: OpRebase, Commit: node.Oid, Dest: dest, OldParent: parent}, nil
		}
		if !p.replayer.CommitVisibility(parent) {
			// Abandoned, not amended: nothing to move onto.
			dest, err := p.nearestSurvivor(parent)
			if err != nil {
				return Step{}, err
			}
			return Step{Op: OpSkip, Commit: node.Oid, Dest: dest}, nil
		}
	}

	// The direct parents are fine; check whether a farther ancestor is
	// being rebased, which orphans this commit transitively. Its step
	// rebases onto its current parent, and the executor substitutes the
	// parent's rewritten version produced by the earlier step.
	orphaned, err := p.hasRewrittenAncestor(node)
	if err != nil {
		return Step{}, err
	}
	if orphaned && len(node.Parents) > 0 {
		parent := node.Parents[0]
		return Step{Op: OpRebase, Commit: node.Oid, Dest: parent, OldParent: parent}, nil
	}

	return Step{Op: OpNoOp, Commit: node.Oid}, nil
}

func (p *Planner) hasRewrittenAncestor(node *dag.Node) (bool, error) {
	seen := make(map[plumbing.Hash]bool)
	queue := append([]plumbing.Hash(nil), node.Parents...)
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		seen[oid] = true

		obsolete, err := p.replayer.IsObsolete(oid)
		if err != nil {
			return false, err
		}
		if obsolete {
			return true, nil
		}

		ancestor, err := p.graph.Node(oid)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return false, err
		}
		if ancestor.Boundary {
			continue
		}
		queue = append(queue, ancestor.Parents...)
	}
	return false, nil
}

// nearestSurvivor walks up from an abandoned commit to the first ancestor
// that is still visible and not superseded.
func (p *Planner) nearestSurvivor(oid plumbing.Hash) (plumbing.Hash, error) {
	cur := oid
	for {
		node, err := p.graph.Node(cur)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if len(node.Parents) == 0 {
			return plumbing.ZeroHash, fmt.Errorf("no surviving ancestor above %s: %w", oid, repo.ErrNotFound)
		}
		cur = node.Parents[0]

		obsolete, err := p.replayer.IsObsolete(cur)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if obsolete {
			return p.replayer.LatestRewriteTarget(cur)
		}
		if p.replayer.CommitVisibility(cur) {
			return cur, nil
		}
	}
}

// topoSort orders steps so that every commit appears after its overlay
// ancestors and after the step producing its rebase destination, breaking
// ties by ascending commit id.
func (p *Planner) topoSort(candidates map[plumbing.Hash]Step) ([]Step, error) {
	indegree := make(map[plumbing.Hash]int, len(candidates))
	children := make(map[plumbing.Hash][]plumbing.Hash, len(candidates))
	for oid, step := range candidates {
		node, err := p.graph.Node(oid)
		if err != nil {
			return nil, err
		}
		deps := make(map[plumbing.Hash]bool, len(node.Parents)+1)
		for _, parent := range node.Parents {
			if _, ok := candidates[parent]; ok {
				deps[parent] = true
			}
		}
		// A destination that another step rebases must be replaced before
		// this step runs, or the executor would replay onto the stale oid.
		if step.Op == OpRebase && step.Dest != oid {
			if _, ok := candidates[step.Dest]; ok {
				deps[step.Dest] = true
			}
		}
		for dep := range deps {
			indegree[oid]++
			children[dep] = append(children[dep], oid)
		}
	}

	var ready []plumbing.Hash
	for oid := range candidates {
		if indegree[oid] == 0 {
			ready = append(ready, oid)
		}
	}

	var ordered []Step
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].String() < ready[j].String() })
		oid := ready[0]
		ready = ready[1:]
		ordered = append(ordered, candidates[oid])
		for _, child := range children[oid] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}

	if len(ordered) != len(candidates) {
		return nil, fmt.Errorf("cycle among %d plan candidates: %w", len(candidates), repo.ErrCorrupt)
	}
	return ordered, nil
}
