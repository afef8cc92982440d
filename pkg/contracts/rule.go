package contracts

import "time"

// RuleEffect is what a fired rule demands.
type RuleEffect string

// Rule effect constants.
const (
	EffectAllow    RuleEffect = "ALLOW"
	EffectDeny     RuleEffect = "DENY"
	EffectEscalate RuleEffect = "ESCALATE"
)

// PolicyRule is one versioned governance rule. Exactly one version per
// (scope, id) is active at a time; prior versions are retained, never mutated.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type PolicyRule struct {
	ID          string     `json:"id"`
	Scope       string     `json:"scope"`
	Version     int        `json:"version"` // monotonic per (scope, id)
	Description string     `json:"description,omitempty"`
	Expression  string     `json:"expression"` // CEL predicate over the action context
	Effect      RuleEffect `json:"effect"`
	Priority    int        `json:"priority"` // lower evaluates first
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RuleResult is the outcome of evaluating a scope's rule set against one
// ActionContext. FiredRuleIDs lists every rule whose predicate matched, in
// evaluation order.
type RuleResult struct {
	Effect          RuleEffect `json:"effect"`
	FiredRuleIDs    []string   `json:"fired_rule_ids"`
	SnapshotVersion uint64     `json:"snapshot_version"`
}
