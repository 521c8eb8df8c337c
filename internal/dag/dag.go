// Package dag maintains an in-memory overlay of the commit graph restricted
// to the commits the user is working on: everything reachable from the
// visible heads down to declared boundary commits. Ancestry, merge-base and
// descendant queries run against the overlay's adjacency and never re-hit the
// repository once the overlay is built.
package dag

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/repo"
)

// ErrStale is returned when a graph built before the last invalidation is
// queried. Every mutation path must call Overlay.Invalidate and rebuild.
var ErrStale = errors.New("stale graph")

// Token identifies one generation of the overlay. A Graph is only valid while
// its token matches the overlay's current token.
type Token uint64

// Node is one commit in the overlay.
type Node struct {
	Oid      plumbing.Hash
	Parents  []plumbing.Hash
	Children []plumbing.Hash

	// Boundary marks a node whose ancestors were deliberately not walked.
	Boundary bool
}

// Overlay owns the current graph generation. It is not safe for concurrent
// mutation; all writes happen on the single command goroutine.
type Overlay struct {
	acc     repo.Accessor
	current Token
}

// NewOverlay creates an overlay over the given accessor.
func NewOverlay(acc repo.Accessor) *Overlay {
	return &Overlay{acc: acc, current: 1}
}

// Invalidate marks every previously built graph stale. Call after any ref
// update or commit creation, before the next query.
func (o *Overlay) Invalidate() {
	o.current++
}

// Graph is one immutable generation of the overlay.
type Graph struct {
	overlay *Overlay
	token   Token
	nodes   map[plumbing.Hash]*Node
}

// Build walks backward from each visible head via the accessor's parent
// lookup, stopping at already-visited nodes or boundary commits. Child sets
// are derived from parent sets in a second pass, sorted by id so the graph is
// deterministic for a given repository state.
func (o *Overlay) Build(visibleHeads, boundaries []plumbing.Hash) (*Graph, error) {
	g := &Graph{
		overlay: o,
		token:   o.current,
		nodes:   make(map[plumbing.Hash]*Node),
	}

	boundary := make(map[plumbing.Hash]bool, len(boundaries))
	for _, b := range boundaries {
		boundary[b] = true
	}

	queue := append([]plumbing.Hash(nil), visibleHeads...)
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]

		if oid == plumbing.ZeroHash {
			continue
		}
		if _, seen := g.nodes[oid]; seen {
			continue
		}

		node := &Node{Oid: oid}
		if boundary[oid] {
			node.Boundary = true
			g.nodes[oid] = node
			continue
		}

		parents, err := o.acc.ParentsOf(oid)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// A head that no longer resolves (e.g. after a hard
				// reset with the object pruned). Keep it out of the
				// overlay; queries about it will report NotFound.
				continue
			}
			return nil, err
		}
		node.Parents = parents
		g.nodes[oid] = node
		queue = append(queue, parents...)
	}

	// Derive children: exactly the inverse of the parent relation within
	// the overlay. Recomputed wholesale on every build, never patched.
	for _, node := range g.nodes {
		for _, p := range node.Parents {
			if parent, ok := g.nodes[p]; ok {
				parent.Children = append(parent.Children, node.Oid)
			}
		}
	}
	for _, node := range g.nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].String() < node.Children[j].String()
		})
	}

	return g, nil
}

// Token returns the generation this graph was built at.
func (g *Graph) Token() Token {
	return g.token
}

func (g *Graph) check() error {
	if g.token != g.overlay.current {
		return ErrStale
	}
	return nil
}

// Node returns the overlay node for oid, or NotFound if the commit is outside
// the overlay.
func (g *Graph) Node(oid plumbing.Hash) (*Node, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	node, ok := g.nodes[oid]
	if !ok {
		return nil, fmt.Errorf("commit %s not in overlay: %w", oid, repo.ErrNotFound)
	}
	return node, nil
}

// Oids returns every commit id in the overlay, sorted by id.
func (g *Graph) Oids() ([]plumbing.Hash, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	oids := make([]plumbing.Hash, 0, len(g.nodes))
	for oid := range g.nodes {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].String() < oids[j].String() })
	return oids, nil
}

// IsAncestor reports whether a is an ancestor of b (a == b counts). Both
// commits must be in the overlay.
func (g *Graph) IsAncestor(a, b plumbing.Hash) (bool, error) {
	if err := g.check(); err != nil {
		return false, err
	}
	if _, ok := g.nodes[a]; !ok {
		return false, fmt.Errorf("commit %s not in overlay: %w", a, repo.ErrNotFound)
	}
	if _, ok := g.nodes[b]; !ok {
		return false, fmt.Errorf("commit %s not in overlay: %w", b, repo.ErrNotFound)
	}

	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{b}
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if oid == a {
			return true, nil
		}
		if seen[oid] {
			continue
		}
		seen[oid] = true
		if node, ok := g.nodes[oid]; ok {
			queue = append(queue, node.Parents...)
		}
	}
	return false, nil
}

// MergeBase returns a deepest common ancestor of a and b within the overlay,
// or NotFound if they share no ancestor inside it. Ties are broken by commit
// id so the result is deterministic.
func (g *Graph) MergeBase(a, b plumbing.Hash) (plumbing.Hash, error) {
	if err := g.check(); err != nil {
		return plumbing.ZeroHash, err
	}

	ancestorsA, err := g.ancestorSet(a)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ancestorsB, err := g.ancestorSet(b)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var common []plumbing.Hash
	for oid := range ancestorsA {
		if ancestorsB[oid] {
			common = append(common, oid)
		}
	}
	if len(common) == 0 {
		return plumbing.ZeroHash, fmt.Errorf("no merge base for %s and %s: %w", a, b, repo.ErrNotFound)
	}

	// A merge-base is a common ancestor that is not an ancestor of any
	// other common ancestor.
	var best []plumbing.Hash
	for _, oid := range common {
		dominated := false
		for _, other := range common {
			if other == oid {
				continue
			}
			if anc, _ := g.IsAncestor(oid, other); anc {
				dominated = true
				break
			}
		}
		if !dominated {
			best = append(best, oid)
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].String() < best[j].String() })
	return best[0], nil
}

func (g *Graph) ancestorSet(oid plumbing.Hash) (map[plumbing.Hash]bool, error) {
	if _, ok := g.nodes[oid]; !ok {
		return nil, fmt.Errorf("commit %s not in overlay: %w", oid, repo.ErrNotFound)
	}
	set := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{oid}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if set[cur] {
			continue
		}
		set[cur] = true
		if node, ok := g.nodes[cur]; ok {
			queue = append(queue, node.Parents...)
		}
	}
	return set, nil
}

// DescendantsOf returns every overlay commit reachable from a through child
// edges, excluding a itself, sorted by id.
func (g *Graph) DescendantsOf(a plumbing.Hash) ([]plumbing.Hash, error) {
	if err := g.check(); err != nil {
		return nil, err
	}
	if _, ok := g.nodes[a]; !ok {
		return nil, fmt.Errorf("commit %s not in overlay: %w", a, repo.ErrNotFound)
	}

	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{a}
	var out []plumbing.Hash
	for len(queue) > 0 {
		oid := queue[0]
		queue = queue[1:]
		if seen[oid] {
			continue
		}
		seen[oid] = true
		if oid != a {
			out = append(out, oid)
		}
		if node, ok := g.nodes[oid]; ok {
			queue = append(queue, node.Children...)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}
