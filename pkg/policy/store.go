// Package policy implements the versioned, hot-reloadable Policy Store.
//
// Rules are CEL predicates grouped by scope. The active rule set lives in an
// immutable snapshot behind an atomic pointer: Evaluate is lock-free and every
// in-flight call sees one consistent snapshot, never a partially-updated set.
// Publish swaps the pointer atomically under optimistic concurrency.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// ErrVersionConflict is returned by Publish when the caller's base version is
// stale. Retry with a fresh base version.
var ErrVersionConflict = errors.New("policy: version conflict")

// ErrInvalidRule is returned when a rule fails compilation or the
// determinism check.
var ErrInvalidRule = errors.New("policy: invalid rule")

// compiledRule pairs an immutable rule definition with its compiled program.
type compiledRule struct {
	rule contracts.PolicyRule
	prg  cel.Program
}

// snapshot is an immutable view of every active rule, keyed by scope and
// sorted by (priority asc, id lexical). Shared read-only across callers.
type snapshot struct {
	version uint64
	scopes  map[string][]compiledRule
	// history retains every published rule version, never mutated.
	history map[string][]contracts.PolicyRule // key: scope/id
}

// Store is the policy store. Reads go through an atomic snapshot pointer;
// writes serialize through mu.
type Store struct {
	mu    sync.Mutex // guards Publish only
	snap  atomic.Pointer[snapshot]
	env   *cel.Env
	check *Validator
	clock func() time.Time
}

// NewStore creates an empty policy store.
func NewStore() (*Store, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	check, err := NewValidator()
	if err != nil {
		return nil, err
	}
	s := &Store{env: env, check: check, clock: time.Now}
	s.snap.Store(&snapshot{
		scopes:  map[string][]compiledRule{},
		history: map[string][]contracts.PolicyRule{},
	})
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func ruleKey(scope, id string) string { return scope + "/" + id }

// ActiveVersion returns the active version for (scope, id), or 0 if none.
func (s *Store) ActiveVersion(scope, id string) int {
	snap := s.snap.Load()
	for _, cr := range snap.scopes[scope] {
		if cr.rule.ID == id {
			return cr.rule.Version
		}
	}
	return 0
}

// Publish activates a new rule version atomically and returns the rule as
// activated, with the assigned version. baseVersion must equal the currently
// active version for (scope, id), or 0 when publishing a new rule; otherwise
// Publish fails with ErrVersionConflict. Prior versions are retained in
// history and never mutated.
func (s *Store) Publish(rule contracts.PolicyRule, baseVersion int) (contracts.PolicyRule, error) {
	if rule.ID == "" || rule.Scope == "" {
		return contracts.PolicyRule{}, fmt.Errorf("%w: id and scope are required", ErrInvalidRule)
	}
	switch rule.Effect {
	case contracts.EffectAllow, contracts.EffectDeny, contracts.EffectEscalate:
	default:
		return contracts.PolicyRule{}, fmt.Errorf("%w: unknown effect %q", ErrInvalidRule, rule.Effect)
	}

	res, err := s.check.Validate(rule.Expression)
	if err != nil {
		return contracts.PolicyRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !res.Valid {
		return contracts.PolicyRule{}, fmt.Errorf("%w: %s", ErrInvalidRule, res.Issues[0].Message)
	}

	prg, err := compile(s.env, rule.Expression)
	if err != nil {
		return contracts.PolicyRule{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.snap.Load()

	current := 0
	for _, cr := range old.scopes[rule.Scope] {
		if cr.rule.ID == rule.ID {
			current = cr.rule.Version
		}
	}
	if baseVersion != current {
		return contracts.PolicyRule{}, fmt.Errorf("%w: base version %d, active version %d", ErrVersionConflict, baseVersion, current)
	}

	rule.Version = current + 1
	rule.CreatedAt = s.clock()

	next := &snapshot{
		version: old.version + 1,
		scopes:  make(map[string][]compiledRule, len(old.scopes)),
		history: make(map[string][]contracts.PolicyRule, len(old.history)),
	}
	for k, v := range old.scopes {
		next.scopes[k] = v
	}
	for k, v := range old.history {
		next.history[k] = v
	}

	rules := make([]compiledRule, 0, len(old.scopes[rule.Scope])+1)
	for _, cr := range old.scopes[rule.Scope] {
		if cr.rule.ID != rule.ID {
			rules = append(rules, cr)
		}
	}
	rules = append(rules, compiledRule{rule: rule, prg: prg})
	sortRules(rules)
	next.scopes[rule.Scope] = rules

	k := ruleKey(rule.Scope, rule.ID)
	next.history[k] = append(append([]contracts.PolicyRule{}, old.history[k]...), rule)

	s.snap.Store(next)
	return rule, nil
}

// sortRules orders by ascending priority, tie-broken by lexical rule id.
// The order is documented and deterministic.
func sortRules(rules []compiledRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].rule.Priority != rules[j].rule.Priority {
			return rules[i].rule.Priority < rules[j].rule.Priority
		}
		return rules[i].rule.ID < rules[j].rule.ID
	})
}

// ListActive returns the active rule set for a scope, in evaluation order.
func (s *Store) ListActive(scope string) []contracts.PolicyRule {
	snap := s.snap.Load()
	rules := snap.scopes[scope]
	out := make([]contracts.PolicyRule, 0, len(rules))
	for _, cr := range rules {
		out = append(out, cr.rule)
	}
	return out
}

// History returns every retained version of a rule, oldest first.
func (s *Store) History(scope, id string) []contracts.PolicyRule {
	snap := s.snap.Load()
	h := snap.history[ruleKey(scope, id)]
	return append([]contracts.PolicyRule{}, h...)
}

// SnapshotVersion returns the current snapshot version. It increments on
// every Publish and identifies which rule set an Evaluate call used.
func (s *Store) SnapshotVersion() uint64 {
	return s.snap.Load().version
}

// Evaluate runs the scope's rules against the action context. It is pure and
// deterministic for a fixed snapshot version: first DENY short-circuits, any
// ESCALATE without a DENY escalates, otherwise the action is allowed.
//
// A predicate evaluation error counts as a match for DENY and ESCALATE rules
// (fail closed) and as a non-match for ALLOW rules.
func (s *Store) Evaluate(scope string, actx contracts.ActionContext) contracts.RuleResult {
	snap := s.snap.Load()
	input := evalInput(actx)

	result := contracts.RuleResult{
		Effect:          contracts.EffectAllow,
		SnapshotVersion: snap.version,
	}
	sawEscalate := false

	for _, cr := range snap.scopes[scope] {
		if !cr.rule.Enabled {
			continue
		}
		matched := evalPredicate(cr.prg, input, cr.rule.Effect)
		if !matched {
			continue
		}
		result.FiredRuleIDs = append(result.FiredRuleIDs, cr.rule.ID)
		switch cr.rule.Effect {
		case contracts.EffectDeny:
			result.Effect = contracts.EffectDeny
			return result
		case contracts.EffectEscalate:
			sawEscalate = true
		case contracts.EffectAllow:
		}
	}

	if sawEscalate {
		result.Effect = contracts.EffectEscalate
	}
	return result
}
