package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	_ "modernc.org/sqlite"

	"github.com/kurobon/branchless/internal/repo"
)

// Store is the durable event log, backed by SQLite. Single-writer: the host
// repository's own locking is assumed to keep two mutating commands from
// running concurrently. Reads always go to the database, so a foreign
// process's appends are picked up on the next query.
type Store struct {
	db *sql.DB
}

// Open creates or opens the event log database at the given path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open event log: %v: %w", err, repo.ErrIo)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event log schema: %v: %w", err, repo.ErrIo)
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		ref_name TEXT NOT NULL DEFAULT '',
		old_oid TEXT NOT NULL DEFAULT '',
		new_oid TEXT NOT NULL DEFAULT '',
		commit_oid TEXT NOT NULL DEFAULT '',
		visible INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		description TEXT NOT NULL,
		tx_kind TEXT NOT NULL DEFAULT 'command',
		start_seq INTEGER,
		end_seq INTEGER,
		closed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS undo_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cursor INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS restack_runs (
		id TEXT PRIMARY KEY,
		tx_id INTEGER NOT NULL,
		done INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS restack_steps (
		run_id TEXT NOT NULL,
		idx INTEGER NOT NULL,
		op TEXT NOT NULL,
		commit_oid TEXT NOT NULL,
		dest_oid TEXT NOT NULL DEFAULT '',
		old_parent TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		new_oid TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, idx)
	);

	CREATE INDEX IF NOT EXISTS idx_events_tx ON events(tx_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTransaction opens a new transaction of the given kind and returns its
// id. Every mutating command opens exactly one.
func (s *Store) BeginTransaction(description, kind string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO transactions (description, tx_kind, created_at)
		VALUES (?, ?, ?)`, description, kind, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", repo.ErrIo)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", repo.ErrIo)
	}
	return id, nil
}

// CloseTransaction durably marks the transaction complete. It must be called
// even on failure paths, closing with whatever partial events were emitted; a
// transaction left open means the process crashed and its outcome is unknown.
func (s *Store) CloseTransaction(txID int64) error {
	_, err := s.db.Exec(`
		UPDATE transactions
		SET closed = 1,
		    end_seq = (SELECT COALESCE(MAX(seq), 0) FROM events WHERE tx_id = ?)
		WHERE id = ?`, txID, txID)
	if err != nil {
		return fmt.Errorf("close transaction %d: %w", txID, repo.ErrIo)
	}

	// A command transaction becomes the new undo cursor; any redoable
	// future is discarded.
	var kind string
	if err := s.db.QueryRow(`SELECT tx_kind FROM transactions WHERE id = ?`, txID).Scan(&kind); err != nil {
		return fmt.Errorf("close transaction %d: %w", txID, repo.ErrIo)
	}
	if kind == TxCommand {
		if err := s.SetUndoCursor(txID); err != nil {
			return err
		}
	}
	return nil
}

// Append durably writes one event and returns its sequence number. On error
// the caller must treat the attempted mutation as not-yet-committed.
func (s *Store) Append(txID int64, ev Event) (int64, error) {
	now := time.Now()
	res, err := s.db.Exec(`
		INSERT INTO events (tx_id, kind, ref_name, old_oid, new_oid, commit_oid, visible, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txID, string(ev.Kind), ev.RefName,
		hashText(ev.OldOid), hashText(ev.NewOid), hashText(ev.CommitOid),
		boolInt(ev.Visible), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("append event: %w", repo.ErrIo)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", repo.ErrIo)
	}

	_, err = s.db.Exec(`
		UPDATE transactions SET start_seq = COALESCE(start_seq, ?) WHERE id = ?`,
		seq, txID)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", repo.ErrIo)
	}
	return seq, nil
}

const eventColumns = `seq, tx_id, kind, ref_name, old_oid, new_oid, commit_oid, visible, timestamp`

// Events returns every event in sequence order.
func (s *Store) Events() ([]Event, error) {
	return s.queryEvents(`SELECT ` + eventColumns + ` FROM events ORDER BY seq`)
}

// EventsSince returns all events with sequence number strictly greater than
// seq, in order.
func (s *Store) EventsSince(seq int64) ([]Event, error) {
	return s.queryEvents(`SELECT `+eventColumns+` FROM events WHERE seq > ? ORDER BY seq`, seq)
}

// EventsForTransaction returns the events of one transaction in order.
func (s *Store) EventsForTransaction(txID int64) ([]Event, error) {
	return s.queryEvents(`SELECT `+eventColumns+` FROM events WHERE tx_id = ? ORDER BY seq`, txID)
}

func (s *Store) queryEvents(query string, args ...any) ([]Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", repo.ErrIo)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var ev Event
	var kind, old, new, commit string
	var visible int
	var ts int64
	if err := rows.Scan(&ev.Seq, &ev.TxID, &kind, &ev.RefName, &old, &new, &commit, &visible, &ts); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", repo.ErrIo)
	}
	ev.Kind = Kind(kind)
	ev.OldOid = textHash(old)
	ev.NewOid = textHash(new)
	ev.CommitOid = textHash(commit)
	ev.Visible = visible != 0
	ev.Time = time.Unix(ts, 0)

	switch ev.Kind {
	case KindRefUpdate, KindCommitRewritten, KindCommitVisibility:
	default:
		return Event{}, fmt.Errorf("event %d has unknown kind %q: %w", ev.Seq, kind, repo.ErrCorrupt)
	}
	return ev, nil
}

const txColumns = `id, description, tx_kind, COALESCE(start_seq, 0), COALESCE(end_seq, 0), closed, created_at`

// TransactionsBetween returns the transactions with t1 <= id <= t2, in id
// order.
func (s *Store) TransactionsBetween(t1, t2 int64) ([]Transaction, error) {
	return s.queryTransactions(`
		SELECT `+txColumns+` FROM transactions
		WHERE id >= ? AND id <= ? ORDER BY id`, t1, t2)
}

// RecentTransactions returns up to limit transactions, newest first.
func (s *Store) RecentTransactions(limit int) ([]Transaction, error) {
	return s.queryTransactions(`
		SELECT `+txColumns+` FROM transactions
		ORDER BY id DESC LIMIT ?`, limit)
}

// Transaction returns one transaction by id.
func (s *Store) Transaction(txID int64) (*Transaction, error) {
	txs, err := s.queryTransactions(`
		SELECT `+txColumns+` FROM transactions WHERE id = ?`, txID)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("transaction %d: %w", txID, repo.ErrNotFound)
	}
	return &txs[0], nil
}

// ClosedCommandTransactionsBefore returns up to n closed command transactions
// with id <= cursor, newest first. Crashed (never-closed) transactions are
// excluded: their outcome is unknown.
func (s *Store) ClosedCommandTransactionsBefore(cursor int64, n int) ([]Transaction, error) {
	return s.queryTransactions(`
		SELECT `+txColumns+` FROM transactions
		WHERE id <= ? AND tx_kind = ? AND closed = 1
		ORDER BY id DESC LIMIT ?`, cursor, TxCommand, n)
}

// ClosedCommandTransactionsAfter returns up to n closed command transactions
// with id > cursor, oldest first.
func (s *Store) ClosedCommandTransactionsAfter(cursor int64, n int) ([]Transaction, error) {
	return s.queryTransactions(`
		SELECT `+txColumns+` FROM transactions
		WHERE id > ? AND tx_kind = ? AND closed = 1
		ORDER BY id ASC LIMIT ?`, cursor, TxCommand, n)
}

func (s *Store) queryTransactions(query string, args ...any) ([]Transaction, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", repo.ErrIo)
	}
	defer rows.Close()

	var txs []Transaction
	for rows.Next() {
		var (
			tx     Transaction
			closed int
			ts     int64
		)
		if err := rows.Scan(&tx.ID, &tx.Description, &tx.TxKind, &tx.StartSeq, &tx.EndSeq, &closed, &ts); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", repo.ErrIo)
		}
		tx.Closed = closed != 0
		tx.CreatedAt = time.Unix(ts, 0)
		if tx.Closed && tx.EndSeq != 0 && tx.EndSeq < tx.StartSeq {
			return nil, fmt.Errorf("transaction %d has end_seq %d before start_seq %d: %w",
				tx.ID, tx.EndSeq, tx.StartSeq, repo.ErrCorrupt)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// UndoCursor returns the id of the newest command transaction whose effects
// are currently applied, or 0 if nothing has been recorded yet.
func (s *Store) UndoCursor() (int64, error) {
	var cursor int64
	err := s.db.QueryRow(`SELECT cursor FROM undo_state WHERE id = 1`).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read undo cursor: %w", repo.ErrIo)
	}
	return cursor, nil
}

// SetUndoCursor records the undo cursor position.
func (s *Store) SetUndoCursor(txID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO undo_state (id, cursor) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor`, txID)
	if err != nil {
		return fmt.Errorf("set undo cursor: %w", repo.ErrIo)
	}
	return nil
}

func hashText(h plumbing.Hash) string {
	if h == plumbing.ZeroHash {
		return ""
	}
	return h.String()
}

func textHash(s string) plumbing.Hash {
	if s == "" {
		return plumbing.ZeroHash
	}
	return plumbing.NewHash(s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
