package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// ErrVerdictNotFound is returned when no verdict exists for an action id.
var ErrVerdictNotFound = errors.New("gateway: verdict not found")

// VerdictStore persists the verdict per action id. It backs idempotency:
// a duplicate action id returns the stored verdict without re-evaluation.
type VerdictStore interface {
	Get(ctx context.Context, actionID string) (contracts.Verdict, error)
	Put(ctx context.Context, verdict contracts.Verdict) error
}

// MemoryVerdictStore is the in-process store for tests and single-node use.
type MemoryVerdictStore struct {
	mu       sync.RWMutex
	verdicts map[string]contracts.Verdict
}

// NewMemoryVerdictStore creates an empty store.
func NewMemoryVerdictStore() *MemoryVerdictStore {
	return &MemoryVerdictStore{verdicts: make(map[string]contracts.Verdict)}
}

// Get returns the stored verdict for an action id.
func (s *MemoryVerdictStore) Get(ctx context.Context, actionID string) (contracts.Verdict, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[actionID]
	if !ok {
		return contracts.Verdict{}, ErrVerdictNotFound
	}
	return v, nil
}

// Put stores or replaces the verdict for an action id.
func (s *MemoryVerdictStore) Put(ctx context.Context, verdict contracts.Verdict) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts[verdict.ActionID] = verdict
	return nil
}

// SQLiteVerdictStore survives restarts, keeping idempotency across process
// lifetimes.
type SQLiteVerdictStore struct {
	db *sql.DB
}

// NewSQLiteVerdictStore creates the store and its schema.
func NewSQLiteVerdictStore(db *sql.DB) (*SQLiteVerdictStore, error) {
	s := &SQLiteVerdictStore{db: db}
	query := `
	CREATE TABLE IF NOT EXISTS verdicts (
		action_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		verdict_json TEXT NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), query); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the stored verdict for an action id.
func (s *SQLiteVerdictStore) Get(ctx context.Context, actionID string) (contracts.Verdict, error) {
	row := s.db.QueryRowContext(ctx, `SELECT verdict_json FROM verdicts WHERE action_id = ?`, actionID)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.Verdict{}, ErrVerdictNotFound
		}
		return contracts.Verdict{}, err
	}
	var v contracts.Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return contracts.Verdict{}, fmt.Errorf("gateway: corrupt verdict for %s: %w", actionID, err)
	}
	return v, nil
}

// Put stores or replaces the verdict for an action id.
func (s *SQLiteVerdictStore) Put(ctx context.Context, verdict contracts.Verdict) error {
	raw, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO verdicts (action_id, status, verdict_json) VALUES (?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET status = excluded.status, verdict_json = excluded.verdict_json`,
		verdict.ActionID, string(verdict.Status), string(raw),
	)
	return err
}
