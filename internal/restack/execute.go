package restack

import (
	"errors"
	"fmt"
	"log"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"

	"github.com/kurobon/branchless/internal/eventlog"
	"github.com/kurobon/branchless/internal/repo"
)

// Step execution statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusSucceeded  = "succeeded"
	StatusConflicted = "conflicted"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	Step   eventlog.RestackStepState
	NewOid plumbing.Hash
}

// ExecutionResult reports how far a run got. When Conflicted or Failed is
// set, everything up to LastSucceeded stayed applied: those commits are valid
// and their events are in the log, so only the remainder needs another pass.
type ExecutionResult struct {
	RunID         string
	Completed     bool
	Succeeded     []StepResult
	Skipped       []StepResult
	Conflicted    *StepResult
	Failed        *StepResult
	LastSucceeded int
}

// Executor applies restack plans through the accessor, persisting per-step
// progress so a conflicted run can resume exactly where it stopped.
type Executor struct {
	acc   repo.Accessor
	store *eventlog.Store
}

// NewExecutor creates an executor.
func NewExecutor(acc repo.Accessor, store *eventlog.Store) *Executor {
	return &Executor{acc: acc, store: store}
}

// Execute persists the plan's progress under a fresh run id and applies it.
// Steps run in plan order; every succeeded rebase appends a CommitRewritten
// event to txID before the next step starts.
func (e *Executor) Execute(txID int64, plan *Plan) (*ExecutionResult, error) {
	runID := uuid.NewString()

	states := make([]eventlog.RestackStepState, len(plan.Steps))
	for i, step := range plan.Steps {
		states[i] = eventlog.RestackStepState{
			Idx:       i,
			Op:        string(step.Op),
			Commit:    step.Commit,
			Dest:      step.Dest,
			OldParent: step.OldParent,
			Status:    StatusPending,
		}
	}
	if err := e.store.CreateRestackRun(runID, txID, states); err != nil {
		return nil, err
	}
	return e.run(runID, txID, states)
}

// Resume continues the newest unfinished run, retrying the step that
// conflicted or failed. The caller is expected to have resolved the conflict
// first. Events from the resumed steps are recorded against txID, the
// transaction of the resuming command.
func (e *Executor) Resume(txID int64) (*ExecutionResult, error) {
	runID, _, err := e.store.OpenRestackRun()
	if err != nil {
		return nil, err
	}
	steps, err := e.store.RestackSteps(runID)
	if err != nil {
		return nil, err
	}
	return e.run(runID, txID, steps)
}

func (e *Executor) run(runID string, txID int64, steps []eventlog.RestackStepState) (*ExecutionResult, error) {
	result := &ExecutionResult{RunID: runID, LastSucceeded: -1}

	// Rewrites already performed by this run, reconstructed from persisted
	// progress so resumption sees the commits produced before the halt.
	rewritten := make(map[plumbing.Hash]plumbing.Hash)
	for _, step := range steps {
		if step.Status == StatusSucceeded && step.Op == string(OpRebase) {
			rewritten[step.Commit] = step.NewOid
			result.LastSucceeded = step.Idx
		}
	}

	for i := range steps {
		step := &steps[i]
		switch step.Status {
		case StatusSucceeded, StatusSkipped:
			continue
		}

		if err := e.store.UpdateRestackStep(runID, step.Idx, StatusInProgress, plumbing.ZeroHash); err != nil {
			return nil, err
		}

		switch Op(step.Op) {
		case OpNoOp:
			if err := e.store.UpdateRestackStep(runID, step.Idx, StatusSucceeded, plumbing.ZeroHash); err != nil {
				return nil, err
			}
			result.LastSucceeded = step.Idx

		case OpSkip:
			if err := e.store.UpdateRestackStep(runID, step.Idx, StatusSkipped, plumbing.ZeroHash); err != nil {
				return nil, err
			}
			result.Skipped = append(result.Skipped, StepResult{Step: *step})
			log.Printf("restack: %s left in place, rooted on %s", step.Commit, step.Dest)

		case OpRebase:
			newOid, err := e.rebase(step, rewritten)
			if errors.Is(err, repo.ErrConflict) {
				if uerr := e.store.UpdateRestackStep(runID, step.Idx, StatusConflicted, plumbing.ZeroHash); uerr != nil {
					return nil, uerr
				}
				result.Conflicted = &StepResult{Step: *step}
				return result, nil
			}
			if err != nil {
				if uerr := e.store.UpdateRestackStep(runID, step.Idx, StatusFailed, plumbing.ZeroHash); uerr != nil {
					return nil, uerr
				}
				result.Failed = &StepResult{Step: *step}
				return result, fmt.Errorf("restack step %d (%s): %w", step.Idx, step.Commit, err)
			}

			// The event must be durable before the step counts as
			// done; ordering here is what undo later reverses.
			if _, err := e.store.Append(txID, eventlog.CommitRewritten(step.Commit, newOid)); err != nil {
				return nil, err
			}
			if err := e.store.UpdateRestackStep(runID, step.Idx, StatusSucceeded, newOid); err != nil {
				return nil, err
			}
			rewritten[step.Commit] = newOid
			result.Succeeded = append(result.Succeeded, StepResult{Step: *step, NewOid: newOid})
			result.LastSucceeded = step.Idx

		default:
			return nil, fmt.Errorf("unknown plan op %q: %w", step.Op, repo.ErrCorrupt)
		}
	}

	if err := e.repointRefs(txID, rewritten); err != nil {
		return nil, err
	}
	if err := e.store.MarkRestackRunDone(runID); err != nil {
		return nil, err
	}
	result.Completed = true
	return result, nil
}

// rebase creates the rewritten version of step.Commit with its old parent
// replaced by the destination. A destination that was itself rebased earlier
// in this run is substituted with the commit that step produced.
func (e *Executor) rebase(step *eventlog.RestackStepState, rewritten map[plumbing.Hash]plumbing.Hash) (plumbing.Hash, error) {
	dest := step.Dest
	if mapped, ok := rewritten[dest]; ok {
		dest = mapped
	}

	info, err := e.acc.CommitInfo(step.Commit)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	parents := make([]plumbing.Hash, len(info.Parents))
	for i, p := range info.Parents {
		switch {
		case p == step.OldParent:
			parents[i] = dest
		case rewritten[p] != plumbing.ZeroHash:
			parents[i] = rewritten[p]
		default:
			parents[i] = p
		}
	}

	newOid, err := e.acc.CreateCommit(parents, info.Tree, info.Message)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	conflicted, err := e.acc.IsConflicted()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if conflicted {
		return plumbing.ZeroHash, fmt.Errorf("rebase of %s: %w", step.Commit, repo.ErrConflict)
	}
	return newOid, nil
}

// repointRefs moves every ref that still points at a rewritten commit onto
// its replacement, recording the moves in the same transaction.
func (e *Executor) repointRefs(txID int64, rewritten map[plumbing.Hash]plumbing.Hash) error {
	if len(rewritten) == 0 {
		return nil
	}
	refs, err := e.acc.ListRefs()
	if err != nil {
		return err
	}
	for _, ref := range refs {
		newOid, ok := rewritten[ref.Oid]
		if !ok {
			continue
		}
		if err := e.acc.UpdateRef(ref.Name, ref.Oid, newOid); err != nil {
			return err
		}
		if _, err := e.store.Append(txID, eventlog.RefUpdate(ref.Name, ref.Oid, newOid)); err != nil {
			return err
		}
	}
	return nil
}
