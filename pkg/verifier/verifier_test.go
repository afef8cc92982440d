package verifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/ledger"
)

type captureAlerter struct {
	mu      sync.Mutex
	reports []Report
}

func (a *captureAlerter) TamperDetected(ctx context.Context, report Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reports = append(a.reports, report)
}

func (a *captureAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reports)
}

// tamperedLedger simulates a damaged chain while still accepting appends.
type tamperedLedger struct {
	*ledger.MemoryLedger
	broken bool
}

func (l *tamperedLedger) VerifyChain(ctx context.Context, from, to uint64) (ledger.VerifyResult, error) {
	if l.broken {
		return ledger.VerifyResult{OK: false, Checked: 2, BrokenAtSeq: 3, Reason: "payload hash mismatch"}, nil
	}
	return l.MemoryLedger.VerifyChain(ctx, from, to)
}

func appendEntries(t *testing.T, led ledger.Ledger, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := led.Append(context.Background(), contracts.LedgerEvent{
			Type:     contracts.EventSubmission,
			ActionID: "a1",
			Scope:    "payments",
			Verdict:  contracts.VerdictAllowed,
			Actor:    contracts.SystemActor("agent-7"),
			At:       time.Date(2026, 3, 1, 9, 0, i, 0, time.UTC),
		})
		require.NoError(t, err)
	}
}

func TestVerifyIntactChain(t *testing.T) {
	led := ledger.NewMemoryLedger(nil)
	appendEntries(t, led, 5)
	alerter := &captureAlerter{}

	report, err := New(led, alerter).Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, uint64(5), report.Checked)
	assert.Zero(t, alerter.count())

	// No meta-entry on a clean pass.
	entries, err := led.Query(context.Background(), ledger.Filter{Type: contracts.EventTamperDetected, Privileged: true})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerifyTamperedChain(t *testing.T) {
	inner := ledger.NewMemoryLedger(nil)
	appendEntries(t, inner, 5)
	led := &tamperedLedger{MemoryLedger: inner, broken: true}
	alerter := &captureAlerter{}

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := New(led, alerter).WithClock(func() time.Time { return fixed })

	report, err := v.Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, uint64(3), report.BrokenAtSeq)
	assert.Equal(t, "payload hash mismatch", report.Reason)
	assert.Equal(t, fixed, report.Timestamp)

	// Detection itself is on the record.
	entries, err := led.Query(context.Background(), ledger.Filter{Type: contracts.EventTamperDetected, Privileged: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(3), entries[0].Event.Detail["broken_at_seq"])
	assert.Equal(t, "verifier", entries[0].Event.Actor.ID)

	require.Equal(t, 1, alerter.count())
	assert.Equal(t, report, alerter.reports[0])
}

func TestVerifyNilAlerter(t *testing.T) {
	inner := ledger.NewMemoryLedger(nil)
	appendEntries(t, inner, 2)
	led := &tamperedLedger{MemoryLedger: inner, broken: true}

	report, err := New(led, nil).Verify(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
}

func TestVerifySubrange(t *testing.T) {
	led := ledger.NewMemoryLedger(nil)
	appendEntries(t, led, 10)

	report, err := New(led, nil).Verify(context.Background(), 3, 6)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, uint64(4), report.Checked)
	assert.Equal(t, uint64(3), report.FromSeq)
	assert.Equal(t, uint64(6), report.ToSeq)
}
