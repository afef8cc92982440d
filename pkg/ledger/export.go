package ledger

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// Exporter publishes committed entries to an external feed. Export is
// best-effort: a delivery failure never fails the append that produced the
// entry.
type Exporter interface {
	Export(ctx context.Context, entry contracts.LedgerEntry)
}

// RedisExporter streams entries onto a Redis stream for the downstream
// analytics consumer.
type RedisExporter struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewRedisExporter creates an exporter writing to the given stream.
func NewRedisExporter(client *redis.Client, stream string) *RedisExporter {
	return &RedisExporter{
		client: client,
		stream: stream,
		logger: slog.Default().With("component", "ledger-export"),
	}
}

// Export appends the entry to the stream. Failures are logged and dropped.
func (e *RedisExporter) Export(ctx context.Context, entry contracts.LedgerEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		e.logger.ErrorContext(ctx, "export marshal failed", "seq", entry.Seq, "error", err)
		return
	}
	err = e.client.XAdd(ctx, &redis.XAddArgs{
		Stream: e.stream,
		Values: map[string]any{
			"seq":        entry.Seq,
			"entry_hash": entry.EntryHash,
			"entry":      string(payload),
		},
	}).Err()
	if err != nil {
		e.logger.WarnContext(ctx, "export delivery failed", "seq", entry.Seq, "error", err)
	}
}

// ExportingLedger decorates a Ledger so every committed entry is also
// published to the export feed. The append succeeds or fails on the inner
// ledger alone.
type ExportingLedger struct {
	Ledger
	exporter Exporter
}

// NewExportingLedger wraps inner with an export feed.
func NewExportingLedger(inner Ledger, exporter Exporter) *ExportingLedger {
	return &ExportingLedger{Ledger: inner, exporter: exporter}
}

// Append commits to the inner ledger, then exports best-effort.
func (l *ExportingLedger) Append(ctx context.Context, event contracts.LedgerEvent) (contracts.LedgerEntry, error) {
	entry, err := l.Ledger.Append(ctx, event)
	if err != nil {
		return entry, err
	}
	if l.exporter != nil {
		l.exporter.Export(ctx, entry)
	}
	return entry, nil
}
