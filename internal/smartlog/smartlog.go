// Package smartlog builds the render-ready snapshot of the commits the user
// is working on: every commit the event log knows about, plus branch heads
// and HEAD, connected down to their merge-base with the main branch, with
// subtrees that are entirely hidden pruned away.
package smartlog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
)

// walkLimit bounds how far back the main branch is walked when locating
// merge-bases, so huge histories stay cheap to display.
const walkLimit = 20000

// Node is one commit in the smartlog.
type Node struct {
	Oid     plumbing.Hash
	Summary string

	// Parent is the nearest ancestor that is also in the smartlog, not
	// necessarily the commit's real first parent.
	Parent   plumbing.Hash
	Children []plumbing.Hash

	Visible  bool
	Obsolete bool
	IsMain   bool
	IsHead   bool
	Branches []string
}

// Snapshot is a complete smartlog graph for rendering.
type Snapshot struct {
	Head  plumbing.Hash
	Nodes map[plumbing.Hash]*Node
}

// Build assembles the smartlog from the live refs and the replayed event
// log. mainRef names the main line of development (e.g. refs/heads/master).
func Build(acc repo.Accessor, replayer *eventlog.Replayer, mainRef string) (*Snapshot, error) {
	mainOid, err := acc.ResolveRef(mainRef)
	if err != nil {
		return nil, fmt.Errorf("resolve main branch %s: %w", mainRef, err)
	}
	headOid, err := acc.ResolveRef("HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolve HEAD: %w", err)
	}

	refs, err := acc.ListRefs()
	if err != nil {
		return nil, err
	}
	branchesByOid := make(map[plumbing.Hash][]string)
	unhideable := map[plumbing.Hash]bool{headOid: true}
	for _, ref := range refs {
		if ref.Name == "HEAD" {
			continue
		}
		name := strings.TrimPrefix(ref.Name, "refs/heads/")
		branchesByOid[ref.Oid] = append(branchesByOid[ref.Oid], name)
		unhideable[ref.Oid] = true
	}

	// Ancestors of main, used to find where each working stack meets the
	// main line.
	mainSet, err := ancestorsOf(acc, mainOid, walkLimit)
	if err != nil {
		return nil, err
	}

	seeds := replayer.ActiveOids()
	seeds = append(seeds, headOid, mainOid)
	for oid := range branchesByOid {
		seeds = append(seeds, oid)
	}

	snap := &Snapshot{Head: headOid, Nodes: make(map[plumbing.Hash]*Node)}
	for _, seed := range seeds {
		if err := collectPathToMain(acc, replayer, snap, seed, mainSet); err != nil {
			return nil, err
		}
	}

	// Link parent/child edges within the collected set. Main commits stay
	// unlinked upward so the main line shows as a spine, mirroring the
	// smartlog's visual model.
	link(acc, snap)

	for oid, node := range snap.Nodes {
		node.IsHead = oid == headOid
		node.Branches = branchesByOid[oid]
		sort.Strings(node.Branches)
	}

	prune(snap, unhideable)
	return snap, nil
}

func ancestorsOf(acc repo.Accessor, start plumbing.Hash, limit int) (map[plumbing.Hash]bool, error) {
	set := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{start}
	for len(queue) > 0 && len(set) < limit {
		oid := queue[0]
		queue = queue[1:]
		if set[oid] {
			continue
		}
		set[oid] = true
		parents, err := acc.ParentsOf(oid)
		if err != nil {
			// Shallow or pruned history; treat as a root.
			continue
		}
		queue = append(queue, parents...)
	}
	return set, nil
}

// collectPathToMain walks first-parents from seed until it reaches a commit
// on the main line (which is included as the stack's base) or a commit
// already collected.
func collectPathToMain(acc repo.Accessor, replayer *eventlog.Replayer, snap *Snapshot, seed plumbing.Hash, mainSet map[plumbing.Hash]bool) error {
	cur := seed
	for steps := 0; steps < walkLimit; steps++ {
		if _, ok := snap.Nodes[cur]; ok {
			return nil
		}

		info, err := acc.CommitInfo(cur)
		if err != nil {
			// The commit vanished from the store (e.g. pruned after a
			// hard reset); the event log may still mention it. Show
			// nothing rather than a broken entry.
			return nil
		}

		obsolete, err := replayer.IsObsolete(cur)
		if err != nil {
			return err
		}
		snap.Nodes[cur] = &Node{
			Oid:      cur,
			Summary:  info.Summary(),
			Visible:  replayer.CommitVisibility(cur),
			Obsolete: obsolete,
			IsMain:   mainSet[cur],
		}

		if mainSet[cur] || len(info.Parents) == 0 {
			return nil
		}
		cur = info.Parents[0]
	}
	return nil
}

func link(acc repo.Accessor, snap *Snapshot) {
	for oid, node := range snap.Nodes {
		if node.IsMain {
			continue
		}
		parents, err := acc.ParentsOf(oid)
		if err != nil {
			continue
		}
		for _, p := range parents {
			if parent, ok := snap.Nodes[p]; ok {
				node.Parent = p
				parent.Children = append(parent.Children, oid)
				break
			}
		}
	}
	for _, node := range snap.Nodes {
		sort.Slice(node.Children, func(i, j int) bool {
			return node.Children[i].String() < node.Children[j].String()
		})
	}
}

// prune removes subtrees that are entirely hidden. Commits anchored by HEAD
// or a branch are never pruned, nor are their ancestors. A main commit is
// pruned only when nothing interesting hangs off it.
func prune(snap *Snapshot, unhideable map[plumbing.Hash]bool) {
	memo := make(map[plumbing.Hash]int) // 0 unknown, 1 hide, 2 keep

	var shouldHide func(oid plumbing.Hash) bool
	shouldHide = func(oid plumbing.Hash) bool {
		if v, ok := memo[oid]; ok && v != 0 {
			return v == 1
		}
		memo[oid] = 2 // recursion guard; overwritten below
		node := snap.Nodes[oid]

		hide := false
		if !unhideable[oid] {
			if node.IsMain {
				hide = node.Visible
				for _, child := range node.Children {
					if snap.Nodes[child].IsMain {
						continue
					}
					if !shouldHide(child) {
						hide = false
						break
					}
				}
			} else {
				hide = !node.Visible
				if hide {
					for _, child := range node.Children {
						if !shouldHide(child) {
							hide = false
							break
						}
					}
				}
			}
		}

		if hide {
			memo[oid] = 1
		} else {
			memo[oid] = 2
		}
		return hide
	}

	var toHide []plumbing.Hash
	for oid := range snap.Nodes {
		if shouldHide(oid) {
			toHide = append(toHide, oid)
		}
	}
	for _, oid := range toHide {
		parent := snap.Nodes[oid].Parent
		delete(snap.Nodes, oid)
		if p, ok := snap.Nodes[parent]; ok {
			children := p.Children[:0]
			for _, child := range p.Children {
				if child != oid {
					children = append(children, child)
				}
			}
			p.Children = children
		}
	}
}

// Render formats the snapshot as text, one commit per line, stacks indented
// under their base.
func (s *Snapshot) Render() string {
	roots := make([]plumbing.Hash, 0)
	for oid, node := range s.Nodes {
		if _, ok := s.Nodes[node.Parent]; !ok {
			roots = append(roots, oid)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].String() < roots[j].String() })

	var b strings.Builder
	var walk func(oid plumbing.Hash, depth int)
	walk = func(oid plumbing.Hash, depth int) {
		node := s.Nodes[oid]
		marker := "o"
		switch {
		case node.IsHead:
			marker = "@"
		case node.Obsolete:
			marker = "x"
		case !node.Visible:
			marker = "-"
		}

		line := fmt.Sprintf("%s%s %s %s", strings.Repeat("  ", depth), marker, oid.String()[:8], node.Summary)
		if len(node.Branches) > 0 {
			line += " (" + strings.Join(node.Branches, ", ") + ")"
		}
		if node.IsMain {
			line += " [main]"
		}
		b.WriteString(line + "\n")

		for _, child := range node.Children {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return b.String()
}
