//go:build property
// +build property

// Package ledger_test contains property-based tests for hash-chain
// integrity and canonical payload hashing.
package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/veridian-labs/actiongate/pkg/canonicalize"
	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/ledger"
)

// TestChainVerifiesAfterArbitraryAppends verifies every append sequence
// yields an intact chain.
// Property: VerifyChain(Append(e1)...Append(en)) is OK with n entries checked
func TestChainVerifiesAfterArbitraryAppends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("appended chains always verify", prop.ForAll(
		func(actionIDs []string, amounts []int) bool {
			led := ledger.NewMemoryLedger(nil)
			n := len(actionIDs)
			if len(amounts) < n {
				n = len(amounts)
			}
			if n == 0 {
				return true
			}

			for i := 0; i < n; i++ {
				_, err := led.Append(context.Background(), contracts.LedgerEvent{
					Type:     contracts.EventSubmission,
					ActionID: actionIDs[i],
					Scope:    "payments",
					Verdict:  contracts.VerdictAllowed,
					Actor:    contracts.SystemActor("agent"),
					Detail:   map[string]any{"payload": map[string]any{"amount": amounts[i]}},
					At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				})
				if err != nil {
					return false
				}
			}

			result, err := led.VerifyChain(context.Background(), 0, 0)
			if err != nil {
				return false
			}
			return result.OK && result.Checked == uint64(n)
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(0, 1_000_000)),
	))

	properties.TestingRun(t)
}

// TestChainLinksAreSequential verifies each entry links to its predecessor.
// Property: entries[i].PrevHash == entries[i-1].EntryHash for all i
func TestChainLinksAreSequential(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("entries link to their predecessors", prop.ForAll(
		func(count int) bool {
			led := ledger.NewMemoryLedger(nil)
			for i := 0; i < count; i++ {
				_, err := led.Append(context.Background(), contracts.LedgerEvent{
					Type:     contracts.EventSubmission,
					ActionID: "a1",
					Scope:    "payments",
					Verdict:  contracts.VerdictAllowed,
					Actor:    contracts.SystemActor("agent"),
					At:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
				})
				if err != nil {
					return false
				}
			}

			entries, err := led.Query(context.Background(), ledger.Filter{Privileged: true})
			if err != nil || len(entries) != count {
				return false
			}
			prev := ledger.GenesisHash
			for _, e := range entries {
				if e.PrevHash != prev {
					return false
				}
				prev = e.EntryHash
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashKeyOrderIndependence verifies hashing ignores map
// iteration order.
// Property: Hash(obj) is identical across repeated hashing of the same obj
func TestCanonicalHashKeyOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical hash is stable per object", prop.ForAll(
		func(keys []string, values []string) bool {
			obj := make(map[string]any)
			for i := 0; i < len(keys) && i < len(values); i++ {
				if keys[i] != "" {
					obj[keys[i]] = values[i]
				}
			}

			h1, err1 := canonicalize.Hash(obj)
			h2, err2 := canonicalize.Hash(obj)
			if err1 != nil && err2 != nil {
				return true
			}
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 == h2
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCanonicalHashDiscriminates verifies distinct values hash differently.
// Property: Hash({k: a}) != Hash({k: b}) when a != b
func TestCanonicalHashDiscriminates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("different values produce different hashes", prop.ForAll(
		func(a, b string) bool {
			if a == b {
				return true
			}
			h1, err1 := canonicalize.Hash(map[string]any{"k": a})
			h2, err2 := canonicalize.Hash(map[string]any{"k": b})
			if err1 != nil || err2 != nil {
				return false
			}
			return h1 != h2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
