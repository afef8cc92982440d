package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// MemoryLedger is the in-process backend used by tests and single-node
// deployments without durability requirements.
type MemoryLedger struct {
	mu       sync.RWMutex
	entries  []contracts.LedgerEntry
	headHash string
	redactor *Redactor
	clock    func() time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(redactor *Redactor) *MemoryLedger {
	return &MemoryLedger{
		headHash: GenesisHash,
		redactor: redactor,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// Append commits a new entry under the single write lock.
func (l *MemoryLedger) Append(ctx context.Context, event contracts.LedgerEvent) (contracts.LedgerEntry, error) {
	_ = ctx
	ph, err := payloadHash(event)
	if err != nil {
		return contracts.LedgerEntry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seq := uint64(len(l.entries)) + 1
	entry := contracts.LedgerEntry{
		Seq:         seq,
		Event:       event,
		PayloadHash: ph,
		PrevHash:    l.headHash,
		EntryHash:   entryHash(l.headHash, ph, seq),
		CommittedAt: l.clock(),
	}
	l.entries = append(l.entries, entry)
	l.headHash = entry.EntryHash
	return entry, nil
}

// Entry returns the committed entry at seq.
func (l *MemoryLedger) Entry(ctx context.Context, seq uint64) (contracts.LedgerEntry, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return contracts.LedgerEntry{}, ErrNotFound
	}
	return l.entries[seq-1], nil
}

// Head returns the latest entry.
func (l *MemoryLedger) Head(ctx context.Context) (contracts.LedgerEntry, bool, error) {
	_ = ctx
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return contracts.LedgerEntry{}, false, nil
	}
	return l.entries[len(l.entries)-1], true, nil
}

// Query returns matching entries in seq order, redacted per privilege.
func (l *MemoryLedger) Query(ctx context.Context, f Filter) ([]contracts.LedgerEntry, error) {
	_ = ctx
	l.mu.RLock()
	snapshot := l.entries
	l.mu.RUnlock()

	var out []contracts.LedgerEntry
	for _, e := range snapshot {
		if !matches(e, f) {
			continue
		}
		if f.Privileged {
			out = append(out, e)
		} else {
			out = append(out, l.redactor.Redact(e))
		}
	}
	return out, nil
}

func matches(e contracts.LedgerEntry, f Filter) bool {
	if f.ActionID != "" && e.Event.ActionID != f.ActionID {
		return false
	}
	if f.Scope != "" && e.Event.Scope != f.Scope {
		return false
	}
	if f.Type != "" && e.Event.Type != f.Type {
		return false
	}
	if f.FromSeq != 0 && e.Seq < f.FromSeq {
		return false
	}
	if f.ToSeq != 0 && e.Seq > f.ToSeq {
		return false
	}
	if !f.Since.IsZero() && e.Event.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Event.At.After(f.Until) {
		return false
	}
	return true
}

// VerifyChain recomputes hashes over [from, to]. Runs against a consistent
// snapshot of the entries; concurrent appends are not blocked.
func (l *MemoryLedger) VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error) {
	_ = ctx
	l.mu.RLock()
	entries := l.entries
	l.mu.RUnlock()

	return verifyRange(entries, from, to)
}

// verifyRange resolves range bounds against an in-memory slice and walks it.
func verifyRange(entries []contracts.LedgerEntry, from, to uint64) (VerifyResult, error) {
	if from == 0 {
		from = 1
	}
	if to == 0 || to > uint64(len(entries)) {
		to = uint64(len(entries))
	}
	if from > to {
		return VerifyResult{OK: true}, nil
	}

	prevHash := GenesisHash
	if from > 1 {
		prevHash = entries[from-2].EntryHash
	}
	return verifyEntries(entries[from-1:to], prevHash), nil
}
