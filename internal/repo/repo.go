// Package repo provides read/write access to the underlying git repository
// for the branchless core. All other packages reach the object store and the
// refs through the Accessor interface, never through go-git directly, so that
// tests can substitute in-memory repositories or failure-injecting stubs.
package repo

import (
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Ref is a named reference and the commit it currently points to.
type Ref struct {
	Name string
	Oid  plumbing.Hash
}

// CommitInfo is the subset of commit metadata the core needs.
type CommitInfo struct {
	Oid           plumbing.Hash
	Parents       []plumbing.Hash
	Tree          plumbing.Hash
	Message       string
	AuthorTime    time.Time
	CommitterTime time.Time
}

// Summary returns the first line of the commit message.
func (ci *CommitInfo) Summary() string {
	for i := 0; i < len(ci.Message); i++ {
		if ci.Message[i] == '\n' {
			return ci.Message[:i]
		}
	}
	return ci.Message
}

// Accessor is the thin interface over the repository's object store and refs.
//
// UpdateRef and DeleteRef are compare-and-swap operations: they fail with
// ErrConflict if the live value no longer matches old. Passing
// plumbing.ZeroHash as old asserts that the ref does not exist yet.
type Accessor interface {
	// ResolveRef resolves a ref name or revision to a commit id.
	ResolveRef(name string) (plumbing.Hash, error)

	// ListRefs returns all branch refs plus HEAD, sorted by name.
	ListRefs() ([]Ref, error)

	// ParentsOf returns the ordered parent ids of a commit.
	ParentsOf(oid plumbing.Hash) ([]plumbing.Hash, error)

	// CommitInfo fetches metadata for a commit.
	CommitInfo(oid plumbing.Hash) (*CommitInfo, error)

	// CreateCommit writes a new commit object and returns its id.
	CreateCommit(parents []plumbing.Hash, tree plumbing.Hash, message string) (plumbing.Hash, error)

	// UpdateRef points name at new, asserting it currently holds old.
	UpdateRef(name string, old, new plumbing.Hash) error

	// DeleteRef removes name, asserting it currently holds old.
	DeleteRef(name string, old plumbing.Hash) error

	// IsConflicted reports whether the working tree has unresolved
	// merge conflicts.
	IsConflicted() (bool, error)
}
