package repo

import "errors"

// Error taxonomy shared across the branchless core. Callers classify failures
// with errors.Is; packages wrap these with fmt.Errorf("...: %w", ...) context.
var (
	// ErrNotFound indicates a referenced commit or ref is absent from the
	// store or the overlay.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a precondition no longer holds: a ref moved
	// under us, or a rebase hit unresolved overlapping changes.
	ErrConflict = errors.New("conflict")

	// ErrCorrupt indicates an invariant violation, such as a cycle in a
	// rewrite chain or inconsistent transaction markers. Never auto-repaired.
	ErrCorrupt = errors.New("corrupt state")

	// ErrIo indicates durable storage could not complete a write. The
	// attempted mutation must be treated as not-yet-committed.
	ErrIo = errors.New("io failure")
)
