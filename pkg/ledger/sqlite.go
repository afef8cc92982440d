package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// SQLiteLedger is the durable single-node backend. The write path holds an
// in-process mutex across the read-head/insert transaction, so seq allocation
// is strictly serialized.
type SQLiteLedger struct {
	db       *sql.DB
	mu       sync.Mutex // serializes Append
	redactor *Redactor
	clock    func() time.Time
}

// NewSQLiteLedger creates the ledger and its schema.
func NewSQLiteLedger(db *sql.DB, redactor *Redactor) (*SQLiteLedger, error) {
	l := &SQLiteLedger{db: db, redactor: redactor, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLiteLedger wraps an existing database without running migrations.
// Used by read-only tooling that must never write.
func OpenSQLiteLedger(db *sql.DB, redactor *Redactor) *SQLiteLedger {
	return &SQLiteLedger{db: db, redactor: redactor, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *SQLiteLedger) WithClock(clock func() time.Time) *SQLiteLedger {
	l.clock = clock
	return l
}

func (l *SQLiteLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY,
		action_id TEXT,
		scope TEXT,
		event_type TEXT NOT NULL,
		event_json TEXT NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		committed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_action ON ledger_entries(action_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_scope ON ledger_entries(scope);
	CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger_entries(committed_at);
	`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append commits one entry. The insert and the verdict that depends on it are
// only durable once this returns; on error the caller must fail the whole
// operation and retry idempotently.
func (l *SQLiteLedger) Append(ctx context.Context, event contracts.LedgerEvent) (contracts.LedgerEntry, error) {
	ph, err := payloadHash(event)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	prevHash := GenesisHash
	row := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	var lastSeq uint64
	var lastHash string
	switch err := row.Scan(&lastSeq, &lastHash); {
	case err == nil:
		seq = lastSeq + 1
		prevHash = lastHash
	case errors.Is(err, sql.ErrNoRows):
		seq = 1
	default:
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	entry := contracts.LedgerEntry{
		Seq:         seq,
		Event:       event,
		PayloadHash: ph,
		PrevHash:    prevHash,
		EntryHash:   entryHash(prevHash, ph, seq),
		CommittedAt: l.clock(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (seq, action_id, scope, event_type, event_json, payload_hash, prev_hash, entry_hash, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Seq, event.ActionID, event.Scope, string(event.Type), string(eventJSON),
		entry.PayloadHash, entry.PrevHash, entry.EntryHash, entry.CommittedAt,
	)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return entry, nil
}

// Entry returns the committed entry at seq.
func (l *SQLiteLedger) Entry(ctx context.Context, seq uint64) (contracts.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, event_json, payload_hash, prev_hash, entry_hash, committed_at
		FROM ledger_entries WHERE seq = ?`, seq)
	return scanEntry(row)
}

// Head returns the latest entry.
func (l *SQLiteLedger) Head(ctx context.Context) (contracts.LedgerEntry, bool, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, event_json, payload_hash, prev_hash, entry_hash, committed_at
		FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return contracts.LedgerEntry{}, false, nil
	}
	if err != nil {
		return contracts.LedgerEntry{}, false, err
	}
	return entry, true, nil
}

// Query returns matching entries in seq order, redacted per privilege.
func (l *SQLiteLedger) Query(ctx context.Context, f Filter) ([]contracts.LedgerEntry, error) {
	query := `
		SELECT seq, event_json, payload_hash, prev_hash, entry_hash, committed_at
		FROM ledger_entries WHERE 1=1`
	var args []any
	if f.ActionID != "" {
		query += ` AND action_id = ?`
		args = append(args, f.ActionID)
	}
	if f.Scope != "" {
		query += ` AND scope = ?`
		args = append(args, f.Scope)
	}
	if f.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(f.Type))
	}
	if f.FromSeq != 0 {
		query += ` AND seq >= ?`
		args = append(args, f.FromSeq)
	}
	if f.ToSeq != 0 {
		query += ` AND seq <= ?`
		args = append(args, f.ToSeq)
	}
	if !f.Since.IsZero() {
		query += ` AND committed_at >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND committed_at <= ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY seq ASC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		if !f.Privileged {
			entry = l.redactor.Redact(entry)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// VerifyChain recomputes hashes over [from, to].
func (l *SQLiteLedger) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	entries, prevHash, err := loadRange(ctx, l, from, to)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyEntries(entries, prevHash), nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (contracts.LedgerEntry, error) {
	var entry contracts.LedgerEntry
	var eventJSON string
	err := row.Scan(&entry.Seq, &eventJSON, &entry.PayloadHash, &entry.PrevHash, &entry.EntryHash, &entry.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.LedgerEntry{}, ErrNotFound
	}
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	if err := json.Unmarshal([]byte(eventJSON), &entry.Event); err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("ledger: corrupt event at seq %d: %w", entry.Seq, err)
	}
	return entry, nil
}

// loadRange fetches [from, to] plus the preceding entry hash, shared by the
// SQL-backed VerifyChain implementations.
func loadRange(ctx context.Context, l Ledger, from, to uint64) ([]contracts.LedgerEntry, string, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 {
		head, ok, err := l.Head(ctx)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, GenesisHash, nil
		}
		to = head.Seq
	}
	entries, err := l.Query(ctx, Filter{FromSeq: from, ToSeq: to, Privileged: true})
	if err != nil {
		return nil, "", err
	}
	prevHash := GenesisHash
	if from > 1 {
		prev, err := l.Entry(ctx, from-1)
		if err != nil {
			return nil, "", err
		}
		prevHash = prev.EntryHash
	}
	return entries, prevHash, nil
}
