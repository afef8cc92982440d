// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every entry's hash depends on its predecessor's hash, so any mutation of a
// committed entry is detectable. Appends are serialized per ledger (single
// writer); the chain is unsharded, giving one total order across all scopes.
// Entries are never updated or deleted; redaction happens on read only.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/veridian-labs/actiongate/pkg/canonicalize"
	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// ErrNotFound is returned when a ledger entry does not exist.
var ErrNotFound = errors.New("ledger: entry not found")

// ErrAppendFailed wraps infrastructure failures during Append. The caller
// must treat the whole operation as not recorded and retry idempotently.
var ErrAppendFailed = errors.New("ledger: append failed")

// GenesisHash seeds the chain before the first entry.
const GenesisHash = "genesis"

// Filter selects entries for Query. Zero values match everything.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Filter struct {
	ActionID string
	Scope    string
	Type     contracts.LedgerEventType
	FromSeq  uint64
	ToSeq    uint64 // inclusive; 0 means no upper bound
	Since    time.Time
	Until    time.Time
	// Privileged readers see unmasked payloads. Non-privileged readers get
	// the redacted projection; two readers of equal privilege always see
	// byte-identical results.
	Privileged bool
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	OK          bool   `json:"ok"`
	BrokenAtSeq uint64 `json:"broken_at_seq,omitempty"`
	Checked     uint64 `json:"checked"`
	Reason      string `json:"reason,omitempty"`
}

// Ledger is the append-only store. Append must be atomic with respect to seq
// allocation: concurrent appends never share a seq.
type Ledger interface {
	// Append commits a new entry. The entry is durable when Append returns.
	Append(ctx context.Context, event contracts.LedgerEvent) (contracts.LedgerEntry, error)

	// Entry returns the committed entry at seq.
	Entry(ctx context.Context, seq uint64) (contracts.LedgerEntry, error)

	// Head returns the latest entry, or ok=false for an empty ledger.
	Head(ctx context.Context) (entry contracts.LedgerEntry, ok bool, err error)

	// Query streams entries matching the filter in seq order, redacted
	// per the filter's privilege.
	Query(ctx context.Context, f Filter) ([]contracts.LedgerEntry, error)

	// VerifyChain recomputes hashes over [from, to] and reports the first
	// mismatch. to=0 means the current head. Read-only; never blocks Append.
	VerifyChain(ctx context.Context, from, to uint64) (VerifyResult, error)
}

// payloadHash computes the canonical hash of an event.
func payloadHash(event contracts.LedgerEvent) (string, error) {
	h, err := canonicalize.Hash(event)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	return h, nil
}

// entryHash computes SHA-256(prevHash ‖ payloadHash ‖ seq).
func entryHash(prevHash, payload string, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payload))
	h.Write([]byte(fmt.Sprintf("%d", seq)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// verifyEntries is the shared verification walk over a contiguous range.
// prevHash must be the entry hash preceding entries[0] (GenesisHash when the
// range starts at seq 1).
func verifyEntries(entries []contracts.LedgerEntry, prevHash string) VerifyResult {
	for _, e := range entries {
		if e.PrevHash != prevHash {
			return VerifyResult{BrokenAtSeq: e.Seq, Checked: e.Seq, Reason: "prev hash mismatch"}
		}
		ph, err := payloadHash(e.Event)
		if err != nil {
			return VerifyResult{BrokenAtSeq: e.Seq, Checked: e.Seq, Reason: "payload not canonicalizable"}
		}
		if ph != e.PayloadHash {
			return VerifyResult{BrokenAtSeq: e.Seq, Checked: e.Seq, Reason: "payload hash mismatch"}
		}
		if got := entryHash(e.PrevHash, e.PayloadHash, e.Seq); got != e.EntryHash {
			return VerifyResult{BrokenAtSeq: e.Seq, Checked: e.Seq, Reason: "entry hash mismatch"}
		}
		prevHash = e.EntryHash
	}
	n := uint64(len(entries))
	return VerifyResult{OK: true, Checked: n}
}
