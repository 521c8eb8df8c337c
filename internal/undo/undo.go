// Package undo restores earlier (or later) repository states by walking the
// event log across transaction boundaries and applying compensating ref and
// visibility changes. Commit objects are never deleted; undo only repoints
// refs and flips visibility, which is why it is cheap even for commits that
// were rebased away.
package undo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
)

// Outcome reports which transactions were reversed or reapplied. When
// BlockedRef is set, a foreign process moved that ref since the transaction
// ran; the walk stopped there and everything already applied stays applied.
type Outcome struct {
	Applied    []eventlog.Transaction
	BlockedRef string
}

// Controller implements undo and redo over the event log.
type Controller struct {
	acc   repo.Accessor
	store *eventlog.Store
}

// NewController creates a controller.
func NewController(acc repo.Accessor, store *eventlog.Store) *Controller {
	return &Controller{acc: acc, store: store}
}

// Undo reverses the most recent n closed command transactions, newest first.
// Each transaction's events are replayed in reverse order, producing the
// inverse effect; a transaction is never partially undone. Crashed
// transactions (no close marker) are skipped: their outcome is unknown.
func (c *Controller) Undo(n int) (*Outcome, error) {
	cursor, err := c.store.UndoCursor()
	if err != nil {
		return nil, err
	}
	txs, err := c.store.ClosedCommandTransactionsBefore(cursor, n)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return &Outcome{}, nil
	}

	undoTx, err := c.store.BeginTransaction(fmt.Sprintf("undo %d transactions", len(txs)), eventlog.TxUndo)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	var blocked error
	for _, tx := range txs {
		events, err := c.store.EventsForTransaction(tx.ID)
		if err != nil {
			return nil, err
		}

		// All-or-nothing per transaction: validate every ref
		// precondition before touching anything.
		if ref, err := c.checkPreconditions(events, true); err != nil {
			outcome.BlockedRef = ref
			blocked = err
			break
		}

		for i := len(events) - 1; i >= 0; i-- {
			if err := c.applyInverse(undoTx, events[i]); err != nil {
				return nil, err
			}
		}
		outcome.Applied = append(outcome.Applied, tx)
	}

	if len(outcome.Applied) > 0 {
		last := outcome.Applied[len(outcome.Applied)-1]
		prev, err := c.store.ClosedCommandTransactionsBefore(last.ID-1, 1)
		if err != nil {
			return nil, err
		}
		newCursor := int64(0)
		if len(prev) > 0 {
			newCursor = prev[0].ID
		}
		if err := c.store.SetUndoCursor(newCursor); err != nil {
			return nil, err
		}
	}
	if err := c.store.CloseTransaction(undoTx); err != nil {
		return nil, err
	}
	return outcome, blocked
}

// Redo reapplies the next n command transactions after the undo cursor,
// oldest first, subject to the mirror precondition check.
func (c *Controller) Redo(n int) (*Outcome, error) {
	cursor, err := c.store.UndoCursor()
	if err != nil {
		return nil, err
	}
	txs, err := c.store.ClosedCommandTransactionsAfter(cursor, n)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return &Outcome{}, nil
	}

	redoTx, err := c.store.BeginTransaction(fmt.Sprintf("redo %d transactions", len(txs)), eventlog.TxRedo)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{}
	var blocked error
	for _, tx := range txs {
		events, err := c.store.EventsForTransaction(tx.ID)
		if err != nil {
			return nil, err
		}

		if ref, err := c.checkPreconditions(events, false); err != nil {
			outcome.BlockedRef = ref
			blocked = err
			break
		}

		for _, ev := range events {
			if err := c.applyForward(redoTx, ev); err != nil {
				return nil, err
			}
		}
		outcome.Applied = append(outcome.Applied, tx)
	}

	if len(outcome.Applied) > 0 {
		if err := c.store.SetUndoCursor(outcome.Applied[len(outcome.Applied)-1].ID); err != nil {
			return nil, err
		}
	}
	if err := c.store.CloseTransaction(redoTx); err != nil {
		return nil, err
	}
	return outcome, blocked
}

// checkPreconditions verifies that every ref a transaction touched still
// holds the value the walk direction expects: the transaction's final value
// for undo, its initial value for redo. Returns the blocking ref on failure.
func (c *Controller) checkPreconditions(events []eventlog.Event, undo bool) (string, error) {
	expected := make(map[string]plumbing.Hash)
	for _, ev := range events {
		if ev.Kind != eventlog.KindRefUpdate {
			continue
		}
		if undo {
			// The last write wins; undo requires the live value to
			// still be what this transaction left behind.
			expected[ev.RefName] = ev.NewOid
		} else {
			// Redo requires the value the transaction started from;
			// only the first event per ref counts.
			if _, ok := expected[ev.RefName]; !ok {
				expected[ev.RefName] = ev.OldOid
			}
		}
	}

	for ref, want := range expected {
		live := c.liveRef(ref)
		if live != want {
			return ref, fmt.Errorf("ref %s is at %s, expected %s: %w",
				ref, shortOr(live), shortOr(want), repo.ErrConflict)
		}
	}
	return "", nil
}

func (c *Controller) liveRef(name string) plumbing.Hash {
	oid, err := c.acc.ResolveRef(name)
	if err != nil {
		return plumbing.ZeroHash
	}
	return oid
}

// applyInverse reverses a single event, recording the compensation in txID.
func (c *Controller) applyInverse(txID int64, ev eventlog.Event) error {
	switch ev.Kind {
	case eventlog.KindRefUpdate:
		if err := c.moveRef(ev.RefName, ev.NewOid, ev.OldOid); err != nil {
			return err
		}
		_, err := c.store.Append(txID, eventlog.RefUpdate(ev.RefName, ev.NewOid, ev.OldOid))
		return err

	case eventlog.KindCommitVisibility:
		_, err := c.store.Append(txID, eventlog.CommitVisibility(ev.CommitOid, !ev.Visible))
		return err

	case eventlog.KindCommitRewritten:
		// Declare the rewrite superseded in the opposite direction and
		// restore the old commit wherever the new one is referenced.
		if _, err := c.store.Append(txID, eventlog.CommitRewritten(ev.NewOid, ev.OldOid)); err != nil {
			return err
		}
		return c.repointRefsAt(txID, ev.NewOid, ev.OldOid)

	default:
		return fmt.Errorf("event %d has unknown kind %q: %w", ev.Seq, ev.Kind, repo.ErrCorrupt)
	}
}

// applyForward reapplies a single event, recording it in txID.
func (c *Controller) applyForward(txID int64, ev eventlog.Event) error {
	switch ev.Kind {
	case eventlog.KindRefUpdate:
		if err := c.moveRef(ev.RefName, ev.OldOid, ev.NewOid); err != nil {
			return err
		}
		_, err := c.store.Append(txID, eventlog.RefUpdate(ev.RefName, ev.OldOid, ev.NewOid))
		return err

	case eventlog.KindCommitVisibility:
		_, err := c.store.Append(txID, eventlog.CommitVisibility(ev.CommitOid, ev.Visible))
		return err

	case eventlog.KindCommitRewritten:
		if _, err := c.store.Append(txID, eventlog.CommitRewritten(ev.OldOid, ev.NewOid)); err != nil {
			return err
		}
		return c.repointRefsAt(txID, ev.OldOid, ev.NewOid)

	default:
		return fmt.Errorf("event %d has unknown kind %q: %w", ev.Seq, ev.Kind, repo.ErrCorrupt)
	}
}

// moveRef performs one compare-and-swap ref move, handling creation
// (from == ZeroHash) and deletion (to == ZeroHash). A ref already at the
// destination is left alone: replaying a rewrite event repoints refs before
// the transaction's own ref-update events are reached.
func (c *Controller) moveRef(name string, from, to plumbing.Hash) error {
	if c.liveRef(name) == to {
		return nil
	}
	if to == plumbing.ZeroHash {
		return c.acc.DeleteRef(name, from)
	}
	return c.acc.UpdateRef(name, from, to)
}

// repointRefsAt moves every ref currently at from onto to, logging the moves.
func (c *Controller) repointRefsAt(txID int64, from, to plumbing.Hash) error {
	refs, err := c.acc.ListRefs()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if ref.Oid != from {
			continue
		}
		if err := c.acc.UpdateRef(ref.Name, from, to); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				return fmt.Errorf("ref %s moved while undoing: %w", ref.Name, repo.ErrConflict)
			}
			return err
		}
		if _, err := c.store.Append(txID, eventlog.RefUpdate(ref.Name, from, to)); err != nil {
			return err
		}
	}
	return nil
}

func shortOr(h plumbing.Hash) string {
	if h == plumbing.ZeroHash {
		return "(none)"
	}
	return h.String()[:8]
}
