// Package core wires the repository accessor, the event log, and the DAG
// overlay into the command surface the CLI exposes. Every mutating command
// runs inside exactly one event-log transaction and invalidates the overlay
// when it finishes.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/kurobon/branchless/internal/config"
	"github.com/kurobon/branchless/internal/dag"
	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
	"github.com/kurobon/branchless/internal/restack"
	"github.com/kurobon/branchless/internal/smartlog"
	"github.com/kurobon/branchless/internal/undo"
)

const mainWalkLimit = 20000

// Workspace ties together everything a command needs: the repository
// accessor, the durable event log, the DAG overlay, and the resolved main
// branch.
type Workspace struct {
	acc     repo.Accessor
	gitRepo *gogit.Repository
	store   *eventlog.Store
	overlay *dag.Overlay
	mainRef string
}

// Open opens the repository at path together with its event log, creating
// the state directory on first use.
func Open(path string) (*Workspace, error) {
	r, err := gogit.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository at %s: %w", path, err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	acc := repo.NewGitAccessor(r, defaultSignature(r))

	mainRef := cfg.MainBranch
	if mainRef == "" {
		mainRef, err = acc.DetectMainBranch()
		if err != nil {
			return nil, err
		}
	}

	logPath := cfg.EventLogPath(filepath.Join(path, ".git"))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := eventlog.Open(logPath)
	if err != nil {
		return nil, err
	}

	return &Workspace{
		acc:     acc,
		gitRepo: r,
		store:   store,
		overlay: dag.NewOverlay(acc),
		mainRef: mainRef,
	}, nil
}

// NewWorkspace builds a workspace over an already-open accessor and store.
// Used by tests running against in-memory repositories.
func NewWorkspace(acc repo.Accessor, store *eventlog.Store, mainRef string) *Workspace {
	return &Workspace{
		acc:     acc,
		store:   store,
		overlay: dag.NewOverlay(acc),
		mainRef: mainRef,
	}
}

// Close releases the event log.
func (w *Workspace) Close() error {
	return w.store.Close()
}

// Store exposes the event log for read-only inspection.
func (w *Workspace) Store() *eventlog.Store {
	return w.store
}

// MainRef returns the resolved main branch ref name.
func (w *Workspace) MainRef() string {
	return w.mainRef
}

func defaultSignature(r *gogit.Repository) object.Signature {
	sig := object.Signature{Name: "branchless", Email: "branchless@localhost"}
	cfg, err := r.Config()
	if err != nil {
		return sig
	}
	if cfg.User.Name != "" {
		sig.Name = cfg.User.Name
	}
	if cfg.User.Email != "" {
		sig.Email = cfg.User.Email
	}
	return sig
}

func (w *Workspace) replay() (*eventlog.Replayer, error) {
	events, err := w.store.Events()
	if err != nil {
		return nil, err
	}
	return eventlog.NewReplayer(events), nil
}

// refMove is a ref whose live value differs from the last value the event
// log recorded for it.
type refMove struct {
	Name string
	Old  plumbing.Hash
	New  plumbing.Hash
}

func (w *Workspace) pendingMoves(replayer *eventlog.Replayer) ([]refMove, error) {
	refs, err := w.acc.ListRefs()
	if err != nil {
		return nil, err
	}

	var moves []refMove
	live := make(map[string]plumbing.Hash, len(refs))
	for _, ref := range refs {
		live[ref.Name] = ref.Oid
		old, ok := replayer.LastRefValue(ref.Name)
		if !ok {
			old = plumbing.ZeroHash
		}
		if old != ref.Oid {
			moves = append(moves, refMove{Name: ref.Name, Old: old, New: ref.Oid})
		}
	}

	// Refs the log knows about that no longer exist were deleted out of
	// band; record the deletion so replay stays truthful.
	for _, name := range replayer.RefNames() {
		old, _ := replayer.LastRefValue(name)
		if old == plumbing.ZeroHash {
			continue
		}
		if _, ok := live[name]; !ok {
			moves = append(moves, refMove{Name: name, Old: old, New: plumbing.ZeroHash})
		}
	}
	return moves, nil
}

// Record captures ref movements made outside branchless commands into the
// event log. It returns the number of refs recorded; no transaction is
// opened when nothing moved.
func (w *Workspace) Record() (int, error) {
	replayer, err := w.replay()
	if err != nil {
		return 0, err
	}
	moves, err := w.pendingMoves(replayer)
	if err != nil {
		return 0, err
	}
	if len(moves) == 0 {
		return 0, nil
	}

	txID, err := w.store.BeginTransaction("record", eventlog.TxCommand)
	if err != nil {
		return 0, err
	}
	for _, m := range moves {
		if _, err := w.store.Append(txID, eventlog.RefUpdate(m.Name, m.Old, m.New)); err != nil {
			return 0, err
		}
	}
	if err := w.store.CloseTransaction(txID); err != nil {
		return 0, err
	}
	w.overlay.Invalidate()
	return len(moves), nil
}

// Amend replaces the HEAD commit with one that carries the current worktree
// contents, keeping the old message when message is empty. The old commit is
// marked obsolete so a later restack carries its descendants over.
func (w *Workspace) Amend(message string) (plumbing.Hash, error) {
	if w.gitRepo == nil {
		return plumbing.ZeroHash, fmt.Errorf("amend needs a worktree: %w", repo.ErrIo)
	}

	conflicted, err := w.acc.IsConflicted()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if conflicted {
		return plumbing.ZeroHash, fmt.Errorf("worktree has unresolved conflicts: %w", repo.ErrConflict)
	}

	oldHead, err := w.acc.ResolveRef("HEAD")
	if err != nil {
		return plumbing.ZeroHash, err
	}
	headRefName := "HEAD"
	if ref, err := w.gitRepo.Reference(plumbing.HEAD, false); err == nil && ref.Type() == plumbing.SymbolicReference {
		headRefName = ref.Target().String()
	}
	if message == "" {
		info, err := w.acc.CommitInfo(oldHead)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		message = info.Message
	}

	wt, err := w.gitRepo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("worktree: %w", repo.ErrIo)
	}
	sig := defaultSignature(w.gitRepo)
	sigNow := sig
	sigNow.When = time.Now()
	newHead, err := wt.Commit(message, &gogit.CommitOptions{
		All:       true,
		Amend:     true,
		Author:    &sigNow,
		Committer: &sigNow,
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("amend commit: %w", err)
	}

	txID, err := w.store.BeginTransaction("amend", eventlog.TxCommand)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.store.Append(txID, eventlog.CommitRewritten(oldHead, newHead)); err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.store.Append(txID, eventlog.RefUpdate(headRefName, oldHead, newHead)); err != nil {
		return plumbing.ZeroHash, err
	}
	if err := w.store.CloseTransaction(txID); err != nil {
		return plumbing.ZeroHash, err
	}
	w.overlay.Invalidate()
	return newHead, nil
}

// Hide marks the named commits hidden. Commits that HEAD or a branch points
// at cannot be hidden.
func (w *Workspace) Hide(revisions []string) ([]plumbing.Hash, error) {
	return w.setVisibility(revisions, false)
}

// Unhide marks the named commits visible again.
func (w *Workspace) Unhide(revisions []string) ([]plumbing.Hash, error) {
	return w.setVisibility(revisions, true)
}

func (w *Workspace) setVisibility(revisions []string, visible bool) ([]plumbing.Hash, error) {
	oids := make([]plumbing.Hash, 0, len(revisions))
	for _, rev := range revisions {
		oid, err := w.acc.ResolveRef(rev)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: %w", rev, err)
		}
		oids = append(oids, oid)
	}

	if !visible {
		anchored, err := w.anchoredOids()
		if err != nil {
			return nil, err
		}
		for i, oid := range oids {
			if name, ok := anchored[oid]; ok {
				return nil, fmt.Errorf("%s is checked out or pointed at by %s: %w", revisions[i], name, repo.ErrConflict)
			}
		}
	}

	desc := "hide"
	if visible {
		desc = "unhide"
	}
	txID, err := w.store.BeginTransaction(desc, eventlog.TxCommand)
	if err != nil {
		return nil, err
	}
	for _, oid := range oids {
		if _, err := w.store.Append(txID, eventlog.CommitVisibility(oid, visible)); err != nil {
			return nil, err
		}
	}
	if err := w.store.CloseTransaction(txID); err != nil {
		return nil, err
	}
	w.overlay.Invalidate()
	return oids, nil
}

func (w *Workspace) anchoredOids() (map[plumbing.Hash]string, error) {
	refs, err := w.acc.ListRefs()
	if err != nil {
		return nil, err
	}
	anchored := make(map[plumbing.Hash]string, len(refs))
	for _, ref := range refs {
		anchored[ref.Oid] = ref.Name
	}
	return anchored, nil
}

// Smartlog records any out-of-band ref moves and returns the current
// commit-graph snapshot.
func (w *Workspace) Smartlog() (*smartlog.Snapshot, error) {
	if _, err := w.Record(); err != nil {
		return nil, err
	}
	replayer, err := w.replay()
	if err != nil {
		return nil, err
	}
	return smartlog.Build(w.acc, replayer, w.mainRef)
}

// Restack finds commits stranded on obsolete parents and rebuilds them on
// their parents' newest replacements. The returned result reports the step
// that conflicted, if any; the run can then be continued with
// RestackContinue after the conflict is resolved.
func (w *Workspace) Restack() (*restack.ExecutionResult, error) {
	if _, err := w.Record(); err != nil {
		return nil, err
	}

	replayer, err := w.replay()
	if err != nil {
		return nil, err
	}
	graph, err := w.buildGraph(replayer)
	if err != nil {
		return nil, err
	}
	plan, err := restack.NewPlanner(graph, replayer).Plan()
	if err != nil {
		return nil, err
	}

	txID, err := w.store.BeginTransaction("restack", eventlog.TxCommand)
	if err != nil {
		return nil, err
	}
	result, err := restack.NewExecutor(w.acc, w.store).Execute(txID, plan)
	return w.finishRestack(txID, result, err)
}

// RestackContinue resumes the newest unfinished restack run under a fresh
// transaction.
func (w *Workspace) RestackContinue() (*restack.ExecutionResult, error) {
	txID, err := w.store.BeginTransaction("restack (continue)", eventlog.TxCommand)
	if err != nil {
		return nil, err
	}
	result, err := restack.NewExecutor(w.acc, w.store).Resume(txID)
	return w.finishRestack(txID, result, err)
}

func (w *Workspace) finishRestack(txID int64, result *restack.ExecutionResult, err error) (*restack.ExecutionResult, error) {
	// A storage failure leaves the transaction open so the log shows the
	// command's outcome as unknown. Everything else closes it, partial
	// progress included.
	if err != nil && errors.Is(err, repo.ErrIo) {
		return result, err
	}
	if cerr := w.store.CloseTransaction(txID); cerr != nil && err == nil {
		err = cerr
	}
	w.overlay.Invalidate()
	return result, err
}

func (w *Workspace) buildGraph(replayer *eventlog.Replayer) (*dag.Graph, error) {
	heads := replayer.ActiveOids()
	refs, err := w.acc.ListRefs()
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		heads = append(heads, ref.Oid)
	}

	var boundaries []plumbing.Hash
	if mainOid, err := w.acc.ResolveRef(w.mainRef); err == nil {
		boundaries, err = w.mainAncestors(mainOid)
		if err != nil {
			return nil, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	return w.overlay.Build(heads, boundaries)
}

// mainAncestors returns the main branch history so graph walks stop at the
// public portion of the repository instead of descending to the root.
func (w *Workspace) mainAncestors(mainOid plumbing.Hash) ([]plumbing.Hash, error) {
	seen := map[plumbing.Hash]bool{mainOid: true}
	queue := []plumbing.Hash{mainOid}
	out := []plumbing.Hash{mainOid}
	for len(queue) > 0 && len(out) < mainWalkLimit {
		oid := queue[0]
		queue = queue[1:]
		parents, err := w.acc.ParentsOf(oid)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
				queue = append(queue, p)
			}
		}
	}
	return out, nil
}

// Undo walks the transaction log backwards n closed command transactions and
// applies their inverse.
func (w *Workspace) Undo(n int) (*undo.Outcome, error) {
	outcome, err := undo.NewController(w.acc, w.store).Undo(n)
	w.overlay.Invalidate()
	return outcome, err
}

// Redo re-applies up to n previously undone transactions.
func (w *Workspace) Redo(n int) (*undo.Outcome, error) {
	outcome, err := undo.NewController(w.acc, w.store).Redo(n)
	w.overlay.Invalidate()
	return outcome, err
}

// TransactionEvents pairs a transaction with the events it recorded.
type TransactionEvents struct {
	Tx     eventlog.Transaction
	Events []eventlog.Event
}

// Events returns the most recent transactions, newest first, with their
// events in append order.
func (w *Workspace) Events(limit int) ([]TransactionEvents, error) {
	txs, err := w.store.RecentTransactions(limit)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionEvents, 0, len(txs))
	for _, tx := range txs {
		events, err := w.store.EventsForTransaction(tx.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, TransactionEvents{Tx: tx, Events: events})
	}
	return out, nil
}
