package policy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore()
	require.NoError(t, err)
	return s
}

func publishRule(t *testing.T, s *Store, id, scope, expr string, effect contracts.RuleEffect, priority int) {
	t.Helper()
	base := s.ActiveVersion(scope, id)
	_, err := s.Publish(contracts.PolicyRule{
		ID:         id,
		Scope:      scope,
		Expression: expr,
		Effect:     effect,
		Priority:   priority,
		Enabled:    true,
	}, base)
	require.NoError(t, err)
}

func paymentContext(amount float64, role string) contracts.ActionContext {
	return contracts.ActionContext{
		ActionID:  "a1",
		Scope:     "payments",
		Payload:   map[string]any{"amount": amount},
		ActorID:   "agent-7",
		ActorRole: role,
	}
}

func TestEvaluateDenyShortCircuits(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "deny-large", "payments", `payload.amount > 10000.0`, contracts.EffectDeny, 10)
	publishRule(t, s, "escalate-medium", "payments", `payload.amount > 1000.0`, contracts.EffectEscalate, 20)

	res := s.Evaluate("payments", paymentContext(50000, "agent"))
	assert.Equal(t, contracts.EffectDeny, res.Effect)
	assert.Equal(t, []string{"deny-large"}, res.FiredRuleIDs)
}

func TestEvaluateEscalateWins(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "allow-all", "payments", `true`, contracts.EffectAllow, 5)
	publishRule(t, s, "escalate-medium", "payments", `payload.amount > 1000.0`, contracts.EffectEscalate, 20)

	res := s.Evaluate("payments", paymentContext(5000, "agent"))
	assert.Equal(t, contracts.EffectEscalate, res.Effect)
	assert.Contains(t, res.FiredRuleIDs, "escalate-medium")
}

func TestEvaluateEmptyScopeAllows(t *testing.T) {
	s := newTestStore(t)
	res := s.Evaluate("unknown", paymentContext(10, "agent"))
	assert.Equal(t, contracts.EffectAllow, res.Effect)
	assert.Empty(t, res.FiredRuleIDs)
}

func TestEvaluateDeterministic(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "r-b", "payments", `payload.amount > 100.0`, contracts.EffectEscalate, 10)
	publishRule(t, s, "r-a", "payments", `payload.amount > 100.0`, contracts.EffectEscalate, 10)
	publishRule(t, s, "r-c", "payments", `actor_role == "trainee"`, contracts.EffectDeny, 20)

	first := s.Evaluate("payments", paymentContext(500, "agent"))
	for i := 0; i < 50; i++ {
		res := s.Evaluate("payments", paymentContext(500, "agent"))
		assert.Equal(t, first, res)
	}
	// Equal priority orders lexically by id.
	assert.Equal(t, []string{"r-a", "r-b"}, first.FiredRuleIDs)
}

func TestEvalErrorFailsClosed(t *testing.T) {
	s := newTestStore(t)
	// References a payload key that is absent at evaluation time.
	publishRule(t, s, "missing-key", "payments", `payload.limit > 10.0`, contracts.EffectDeny, 10)

	res := s.Evaluate("payments", paymentContext(5, "agent"))
	assert.Equal(t, contracts.EffectDeny, res.Effect)
	assert.Contains(t, res.FiredRuleIDs, "missing-key")
}

func TestEvalErrorOnAllowRuleDoesNotMatch(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "broken-allow", "payments", `payload.limit > 10.0`, contracts.EffectAllow, 10)

	res := s.Evaluate("payments", paymentContext(5, "agent"))
	assert.Equal(t, contracts.EffectAllow, res.Effect)
	assert.Empty(t, res.FiredRuleIDs)
}

func TestPublishVersionConflict(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "r1", "payments", `true`, contracts.EffectAllow, 10)

	_, err := s.Publish(contracts.PolicyRule{
		ID: "r1", Scope: "payments", Expression: `false == false`,
		Effect: contracts.EffectAllow, Enabled: true,
	}, 0) // stale base: active version is now 1
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestPublishRejectsInvalidExpression(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(contracts.PolicyRule{
		ID: "bad", Scope: "payments", Expression: `payload.amount +`,
		Effect: contracts.EffectDeny, Enabled: true,
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPublishRejectsNonBoolean(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(contracts.PolicyRule{
		ID: "bad", Scope: "payments", Expression: `payload.amount`,
		Effect: contracts.EffectDeny, Enabled: true,
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPublishRejectsNondeterministicExpression(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Publish(contracts.PolicyRule{
		ID: "clocked", Scope: "payments", Expression: `now() > submitted_at`,
		Effect: contracts.EffectDeny, Enabled: true,
	}, 0)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestPublishReturnsActivatedRule(t *testing.T) {
	s := newTestStore(t)

	activated, err := s.Publish(contracts.PolicyRule{
		ID: "r1", Scope: "payments", Expression: `payload.amount > 10.0`,
		Effect: contracts.EffectDeny, Priority: 10, Enabled: true,
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, activated.Version)
	assert.False(t, activated.CreatedAt.IsZero())

	activated, err = s.Publish(contracts.PolicyRule{
		ID: "r1", Scope: "payments", Expression: `payload.amount > 20.0`,
		Effect: contracts.EffectDeny, Priority: 10, Enabled: true,
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, activated.Version)
}

func TestHistoryRetainsPriorVersions(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "r1", "payments", `payload.amount > 1.0`, contracts.EffectDeny, 10)
	publishRule(t, s, "r1", "payments", `payload.amount > 2.0`, contracts.EffectDeny, 10)

	hist := s.History("payments", "r1")
	require.Len(t, hist, 2)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, 2, hist[1].Version)
	assert.Equal(t, 2, s.ActiveVersion("payments", "r1"))
}

func TestDisabledRuleExcludedFromEvaluation(t *testing.T) {
	s := newTestStore(t)
	base := s.ActiveVersion("payments", "off")
	_, err := s.Publish(contracts.PolicyRule{
		ID: "off", Scope: "payments", Expression: `true`,
		Effect: contracts.EffectDeny, Enabled: false,
	}, base)
	require.NoError(t, err)

	res := s.Evaluate("payments", paymentContext(5, "agent"))
	assert.Equal(t, contracts.EffectAllow, res.Effect)
}

// Concurrent publishes must never produce a torn snapshot: every evaluation
// sees either the old or the new rule set, and the snapshot version recorded
// in the result is consistent with the effect observed.
func TestEvaluateDuringPublishSeesWholeSnapshot(t *testing.T) {
	s := newTestStore(t)
	publishRule(t, s, "r1", "payments", `payload.amount > 100.0`, contracts.EffectEscalate, 10)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			base := s.ActiveVersion("payments", "r1")
			_, _ = s.Publish(contracts.PolicyRule{
				ID: "r1", Scope: "payments", Expression: `payload.amount > 100.0`,
				Effect: contracts.EffectEscalate, Priority: 10, Enabled: true,
			}, base)
		}
		close(stop)
	}()

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res := s.Evaluate("payments", paymentContext(500, "agent"))
				if res.Effect != contracts.EffectEscalate {
					t.Errorf("unexpected effect %s", res.Effect)
					return
				}
			}
		}()
	}
	wg.Wait()
}
