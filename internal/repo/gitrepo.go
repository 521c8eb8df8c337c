package repo

import (
	"fmt"
	"sort"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// GitAccessor implements Accessor over a go-git repository.
type GitAccessor struct {
	repo *gogit.Repository
	sig  object.Signature
}

// NewGitAccessor wraps a go-git repository. The signature is used as both
// author and committer for commits the core creates.
func NewGitAccessor(r *gogit.Repository, sig object.Signature) *GitAccessor {
	if sig.Name == "" {
		sig = object.Signature{Name: "branchless", Email: "branchless@localhost"}
	}
	return &GitAccessor{repo: r, sig: sig}
}

// Repository exposes the underlying go-git repository for callers that need
// worktree access (amend, conflict resolution).
func (a *GitAccessor) Repository() *gogit.Repository {
	return a.repo
}

// ResolveRef resolves a ref name or revision string to a commit id.
func (a *GitAccessor) ResolveRef(name string) (plumbing.Hash, error) {
	name = strings.TrimSpace(name)
	hash, err := a.repo.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %q: %w", name, ErrNotFound)
	}
	return *hash, nil
}

// ListRefs returns all local branch refs plus HEAD, sorted by name.
func (a *GitAccessor) ListRefs() ([]Ref, error) {
	var out []Ref

	iter, err := a.repo.References()
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	iter.ForEach(func(r *plumbing.Reference) error {
		if r.Name().IsBranch() {
			out = append(out, Ref{Name: r.Name().String(), Oid: r.Hash()})
		}
		return nil
	})

	if head, err := a.repo.Head(); err == nil {
		out = append(out, Ref{Name: "HEAD", Oid: head.Hash()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ParentsOf returns the ordered parent ids of a commit.
func (a *GitAccessor) ParentsOf(oid plumbing.Hash) ([]plumbing.Hash, error) {
	c, err := a.repo.CommitObject(oid)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", oid, ErrNotFound)
	}
	return c.ParentHashes, nil
}

// CommitInfo fetches metadata for a commit.
func (a *GitAccessor) CommitInfo(oid plumbing.Hash) (*CommitInfo, error) {
	c, err := a.repo.CommitObject(oid)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", oid, ErrNotFound)
	}
	return &CommitInfo{
		Oid:           c.Hash,
		Parents:       c.ParentHashes,
		Tree:          c.TreeHash,
		Message:       c.Message,
		AuthorTime:    c.Author.When,
		CommitterTime: c.Committer.When,
	}, nil
}

// CreateCommit writes a new commit object with the accessor's signature and
// returns its id. The tree must already exist in the object store.
func (a *GitAccessor) CreateCommit(parents []plumbing.Hash, tree plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := a.sig
	if sig.When.IsZero() {
		sig.When = time.Now()
	}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}

	obj := a.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := a.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("store commit: %w", ErrIo)
	}
	return hash, nil
}

// UpdateRef points name at new, asserting it currently holds old.
// old == ZeroHash asserts the ref does not exist yet.
func (a *GitAccessor) UpdateRef(name string, old, new plumbing.Hash) error {
	refName := plumbing.ReferenceName(name)

	live, err := a.liveValue(refName)
	if err != nil {
		return err
	}
	if live != old {
		return fmt.Errorf("ref %s is at %s, expected %s: %w", name, live, old, ErrConflict)
	}

	ref := plumbing.NewHashReference(refName, new)
	if err := a.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("update ref %s: %w", name, ErrIo)
	}
	return nil
}

// DeleteRef removes name, asserting it currently holds old.
func (a *GitAccessor) DeleteRef(name string, old plumbing.Hash) error {
	refName := plumbing.ReferenceName(name)

	live, err := a.liveValue(refName)
	if err != nil {
		return err
	}
	if live == plumbing.ZeroHash {
		return nil
	}
	if live != old {
		return fmt.Errorf("ref %s is at %s, expected %s: %w", name, live, old, ErrConflict)
	}

	if err := a.repo.Storer.RemoveReference(refName); err != nil {
		return fmt.Errorf("delete ref %s: %w", name, ErrIo)
	}
	return nil
}

func (a *GitAccessor) liveValue(refName plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := a.repo.Reference(refName, true)
	if err == plumbing.ErrReferenceNotFound {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("read ref %s: %w", refName, err)
	}
	return ref.Hash(), nil
}

// IsConflicted reports whether the working tree has unresolved merge
// conflicts. Bare repositories are never conflicted.
func (a *GitAccessor) IsConflicted() (bool, error) {
	w, err := a.repo.Worktree()
	if err != nil {
		return false, nil
	}
	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("worktree status: %w", err)
	}
	for _, s := range status {
		if s.Staging == gogit.UpdatedButUnmerged || s.Worktree == gogit.UpdatedButUnmerged {
			return true, nil
		}
	}
	return false, nil
}

// DetectMainBranch returns the ref name of the main line of development,
// preferring refs/heads/master, then refs/heads/main.
func (a *GitAccessor) DetectMainBranch() (string, error) {
	for _, name := range []string{"refs/heads/master", "refs/heads/main"} {
		if _, err := a.repo.Reference(plumbing.ReferenceName(name), true); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no master or main branch: %w", ErrNotFound)
}
