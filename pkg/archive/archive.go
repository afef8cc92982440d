// Package archive offloads sealed ledger segments to durable object
// storage. A segment is a contiguous run of entries serialized as JSON
// lines; the archive key embeds the sequence range so segments can be
// located without an index, and the content hash is returned so the
// segment can be checked on retrieval.
package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/veridian-labs/actiongate/pkg/canonicalize"
	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/ledger"
)

// Store persists and retrieves encoded ledger segments.
type Store interface {
	// Put writes the segment bytes under the given key and returns the
	// segment's content hash. Writing the same key twice is a no-op.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get returns the raw segment bytes for a key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether a key is already archived.
	Exists(ctx context.Context, key string) (bool, error)
}

// SegmentKey names a segment by its inclusive sequence range.
func SegmentKey(fromSeq, toSeq uint64) string {
	return fmt.Sprintf("segments/%012d-%012d.jsonl", fromSeq, toSeq)
}

// EncodeSegment serializes entries as JSON lines.
func EncodeSegment(entries []contracts.LedgerEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeSegment parses a JSON-lines segment back into entries.
func DecodeSegment(data []byte) ([]contracts.LedgerEntry, error) {
	var entries []contracts.LedgerEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e contracts.LedgerEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("decode segment line: %w", err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan segment: %w", err)
	}
	return entries, nil
}

// Archiver cuts segments out of a ledger and writes them to a Store.
// The ledger itself is never truncated; archived entries remain readable
// in place.
type Archiver struct {
	ledger ledger.Ledger
	store  Store
	logger *slog.Logger
}

// NewArchiver returns an Archiver over the given ledger and store.
func NewArchiver(l ledger.Ledger, s Store) *Archiver {
	return &Archiver{
		ledger: l,
		store:  s,
		logger: slog.Default().With("component", "archiver"),
	}
}

// ArchiveRange seals entries [fromSeq, toSeq] into a segment. The hash
// chain of the range is verified before anything is written; a broken
// range is refused so the archive only ever holds verified history.
func (a *Archiver) ArchiveRange(ctx context.Context, fromSeq, toSeq uint64) (string, error) {
	if toSeq < fromSeq {
		return "", fmt.Errorf("archive: invalid range [%d, %d]", fromSeq, toSeq)
	}

	result, err := a.ledger.VerifyChain(ctx, fromSeq, toSeq)
	if err != nil {
		return "", fmt.Errorf("archive: verify range: %w", err)
	}
	if !result.OK {
		return "", fmt.Errorf("archive: refusing broken range, chain invalid at seq %d: %s", result.BrokenAtSeq, result.Reason)
	}

	entries, err := a.ledger.Query(ctx, ledger.Filter{FromSeq: fromSeq, ToSeq: toSeq, Privileged: true})
	if err != nil {
		return "", fmt.Errorf("archive: read range: %w", err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("archive: empty range [%d, %d]", fromSeq, toSeq)
	}

	data, err := EncodeSegment(entries)
	if err != nil {
		return "", err
	}

	key := SegmentKey(fromSeq, toSeq)
	if _, err := a.store.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("archive: store segment: %w", err)
	}
	return key, nil
}

// ArchiveSealed archives every full segment of segmentSize entries not yet
// in the store, up to the current chain head. The tail short of a full
// segment stays in place until it fills. Returns the number of segments
// written.
func (a *Archiver) ArchiveSealed(ctx context.Context, segmentSize uint64) (int, error) {
	if segmentSize == 0 {
		return 0, fmt.Errorf("archive: segment size must be positive")
	}
	head, ok, err := a.ledger.Head(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive: read head: %w", err)
	}
	if !ok {
		return 0, nil
	}

	archived := 0
	for from := uint64(1); from+segmentSize-1 <= head.Seq; from += segmentSize {
		to := from + segmentSize - 1
		exists, err := a.store.Exists(ctx, SegmentKey(from, to))
		if err != nil {
			return archived, fmt.Errorf("archive: check segment: %w", err)
		}
		if exists {
			continue
		}
		if _, err := a.ArchiveRange(ctx, from, to); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

// Run archives sealed segments on the given interval until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context, interval time.Duration, segmentSize uint64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.ArchiveSealed(ctx, segmentSize)
			if err != nil {
				a.logger.WarnContext(ctx, "segment archival failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "sealed segments archived", "count", n)
			}
		}
	}
}

// Restore fetches an archived segment and verifies its internal chain
// before returning the entries.
func (a *Archiver) Restore(ctx context.Context, key string) ([]contracts.LedgerEntry, error) {
	data, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("archive: fetch segment %s: %w", key, err)
	}
	entries, err := DecodeSegment(data)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			return nil, fmt.Errorf("archive: segment %s chain broken at seq %d", key, entries[i].Seq)
		}
	}
	return entries, nil
}

func contentHash(data []byte) string {
	return canonicalize.HashBytes(data)
}
