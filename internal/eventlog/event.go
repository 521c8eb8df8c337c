// Package eventlog persists a durable, append-only record of every ref move,
// commit rewrite and visibility change, grouped into transactions. It is the
// source of truth for undo/redo and for reconstructing past repository state.
package eventlog

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
)

// Kind discriminates the event payload variants.
type Kind string

const (
	// KindRefUpdate records a ref moving from OldOid to NewOid.
	KindRefUpdate Kind = "ref-update"

	// KindCommitRewritten records OldOid being superseded by NewOid
	// (amend, rebase).
	KindCommitRewritten Kind = "commit-rewritten"

	// KindCommitVisibility records CommitOid becoming visible or hidden.
	KindCommitVisibility Kind = "commit-visibility"
)

// Event is one record in the log. Seq and TxID are assigned on append; the
// remaining fields depend on Kind. Events are immutable once appended.
type Event struct {
	Seq  int64
	TxID int64
	Time time.Time
	Kind Kind

	// KindRefUpdate
	RefName string
	OldOid  plumbing.Hash
	NewOid  plumbing.Hash

	// KindCommitVisibility
	CommitOid plumbing.Hash
	Visible   bool
}

// RefUpdate builds a ref-update event. ZeroHash for old means the ref was
// created; ZeroHash for new means it was deleted.
func RefUpdate(ref string, old, new plumbing.Hash) Event {
	return Event{Kind: KindRefUpdate, RefName: ref, OldOid: old, NewOid: new}
}

// CommitRewritten builds a commit-rewritten event.
func CommitRewritten(old, new plumbing.Hash) Event {
	return Event{Kind: KindCommitRewritten, OldOid: old, NewOid: new}
}

// CommitVisibility builds a visibility event.
func CommitVisibility(oid plumbing.Hash, visible bool) Event {
	return Event{Kind: KindCommitVisibility, CommitOid: oid, Visible: visible}
}

func (e Event) String() string {
	switch e.Kind {
	case KindRefUpdate:
		return fmt.Sprintf("ref %s: %s -> %s", e.RefName, short(e.OldOid), short(e.NewOid))
	case KindCommitRewritten:
		return fmt.Sprintf("rewrite %s -> %s", short(e.OldOid), short(e.NewOid))
	case KindCommitVisibility:
		state := "hidden"
		if e.Visible {
			state = "visible"
		}
		return fmt.Sprintf("commit %s now %s", short(e.CommitOid), state)
	default:
		return fmt.Sprintf("unknown event kind %q", e.Kind)
	}
}

func short(h plumbing.Hash) string {
	if h == plumbing.ZeroHash {
		return "(none)"
	}
	return h.String()[:8]
}

// Transaction groups the events of one user-visible command.
type Transaction struct {
	ID          int64
	Description string

	// TxKind distinguishes ordinary commands from undo/redo compensations,
	// which are excluded from the undo walk.
	TxKind string

	// StartSeq/EndSeq bound the transaction's events. EndSeq == 0 with
	// Closed == false means the transaction never closed (crash): outcome
	// unknown, displayed but never redone.
	StartSeq int64
	EndSeq   int64
	Closed   bool

	CreatedAt time.Time
}

// Transaction kinds.
const (
	TxCommand = "command"
	TxUndo    = "undo"
	TxRedo    = "redo"
)
