package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/kurobon/branchless/internal/repo"
)

// RestackStepState is the persisted progress of one restack step. The plan
// itself is rebuilt fresh per invocation; only progress is durable, so a run
// interrupted by a merge conflict resumes at the exact step that stopped it.
type RestackStepState struct {
	Idx       int
	Op        string
	Commit    plumbing.Hash
	Dest      plumbing.Hash
	OldParent plumbing.Hash
	Status    string
	NewOid    plumbing.Hash
}

// CreateRestackRun persists a new run and its steps, all in status pending.
func (s *Store) CreateRestackRun(runID string, txID int64, steps []RestackStepState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("create restack run: %w", repo.ErrIo)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO restack_runs (id, tx_id, created_at) VALUES (?, ?, ?)`,
		runID, txID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("create restack run: %w", repo.ErrIo)
	}
	for _, step := range steps {
		_, err = tx.Exec(`
			INSERT INTO restack_steps (run_id, idx, op, commit_oid, dest_oid, old_parent, status, new_oid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, step.Idx, step.Op, hashText(step.Commit), hashText(step.Dest),
			hashText(step.OldParent), step.Status, hashText(step.NewOid))
		if err != nil {
			return fmt.Errorf("create restack step: %w", repo.ErrIo)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create restack run: %w", repo.ErrIo)
	}
	return nil
}

// UpdateRestackStep records a step's new status and, for succeeded rebases,
// the id of the commit it produced.
func (s *Store) UpdateRestackStep(runID string, idx int, status string, newOid plumbing.Hash) error {
	_, err := s.db.Exec(`
		UPDATE restack_steps SET status = ?, new_oid = ? WHERE run_id = ? AND idx = ?`,
		status, hashText(newOid), runID, idx)
	if err != nil {
		return fmt.Errorf("update restack step: %w", repo.ErrIo)
	}
	return nil
}

// RestackSteps returns a run's steps in plan order.
func (s *Store) RestackSteps(runID string) ([]RestackStepState, error) {
	rows, err := s.db.Query(`
		SELECT idx, op, commit_oid, dest_oid, old_parent, status, new_oid
		FROM restack_steps WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("read restack steps: %w", repo.ErrIo)
	}
	defer rows.Close()

	var steps []RestackStepState
	for rows.Next() {
		var step RestackStepState
		var commit, dest, oldParent, newOid string
		if err := rows.Scan(&step.Idx, &step.Op, &commit, &dest, &oldParent, &step.Status, &newOid); err != nil {
			return nil, fmt.Errorf("scan restack step: %w", repo.ErrIo)
		}
		step.Commit = textHash(commit)
		step.Dest = textHash(dest)
		step.OldParent = textHash(oldParent)
		step.NewOid = textHash(newOid)
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// OpenRestackRun returns the newest unfinished run's id and transaction, or
// NotFound if every run has completed.
func (s *Store) OpenRestackRun() (string, int64, error) {
	var runID string
	var txID int64
	err := s.db.QueryRow(`
		SELECT id, tx_id FROM restack_runs WHERE done = 0
		ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&runID, &txID)
	if err == sql.ErrNoRows {
		return "", 0, fmt.Errorf("no restack in progress: %w", repo.ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("read restack runs: %w", repo.ErrIo)
	}
	return runID, txID, nil
}

// MarkRestackRunDone finishes a run so it no longer offers resumption.
func (s *Store) MarkRestackRunDone(runID string) error {
	_, err := s.db.Exec(`UPDATE restack_runs SET done = 1 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("finish restack run: %w", repo.ErrIo)
	}
	return nil
}
