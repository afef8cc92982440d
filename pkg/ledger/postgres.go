package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// PostgresLedger is the shared-database backend. Seq allocation is serialized
// by locking the tail row (SELECT ... FOR UPDATE) inside the append
// transaction, so multiple gateway replicas keep one logical writer.
type PostgresLedger struct {
	db       *sql.DB
	redactor *Redactor
	clock    func() time.Time
}

// NewPostgresLedger creates the ledger and its schema.
func NewPostgresLedger(db *sql.DB, redactor *Redactor) (*PostgresLedger, error) {
	l := &PostgresLedger{db: db, redactor: redactor, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenPostgresLedger wraps an existing database without running migrations.
// Used by read-only tooling that must never write.
func OpenPostgresLedger(db *sql.DB, redactor *Redactor) *PostgresLedger {
	return &PostgresLedger{db: db, redactor: redactor, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *PostgresLedger) WithClock(clock func() time.Time) *PostgresLedger {
	l.clock = clock
	return l
}

func (l *PostgresLedger) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq BIGINT PRIMARY KEY,
		action_id TEXT,
		scope TEXT,
		event_type TEXT NOT NULL,
		event_json JSONB NOT NULL,
		payload_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		committed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_action ON ledger_entries(action_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_scope ON ledger_entries(scope);
	CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger_entries(committed_at);
	`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append commits one entry under a serializable tail lock.
func (l *PostgresLedger) Append(ctx context.Context, event contracts.LedgerEvent) (contracts.LedgerEntry, error) {
	ph, err := payloadHash(event)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.LedgerEntry{}, fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq uint64
	prevHash := GenesisHash
	row := tx.QueryRowContext(ctx, `SELECT seq, entry_hash FROM ledger_entries ORDER BY seq DESC LIMIT 1 FOR UPDATE`)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
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
func (l *PostgresLedger) Entry(ctx context.Context, seq uint64) (contracts.LedgerEntry, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT seq, event_json, payload_hash, prev_hash, entry_hash, committed_at
		FROM ledger_entries WHERE seq = $1`, seq)
	return scanEntry(row)
}

// Head returns the latest entry.
func (l *PostgresLedger) Head(ctx context.Context) (contracts.LedgerEntry, bool, error) {
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
func (l *PostgresLedger) Query(ctx context.Context, f Filter) ([]contracts.LedgerEntry, error) {
	query := `
		SELECT seq, event_json, payload_hash, prev_hash, entry_hash, committed_at
		FROM ledger_entries WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ActionID != "" {
		query += ` AND action_id = ` + arg(f.ActionID)
	}
	if f.Scope != "" {
		query += ` AND scope = ` + arg(f.Scope)
	}
	if f.Type != "" {
		query += ` AND event_type = ` + arg(string(f.Type))
	}
	if f.FromSeq != 0 {
		query += ` AND seq >= ` + arg(f.FromSeq)
	}
	if f.ToSeq != 0 {
		query += ` AND seq <= ` + arg(f.ToSeq)
	}
	if !f.Since.IsZero() {
		query += ` AND committed_at >= ` + arg(f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND committed_at <= ` + arg(f.Until)
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
func (l *PostgresLedger) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	entries, prevHash, err := loadRange(ctx, l, from, to)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyEntries(entries, prevHash), nil
}
