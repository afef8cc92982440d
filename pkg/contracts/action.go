// Package contracts defines the data model shared by every component of the
// governance core: action requests, verdicts, review tickets, policy rules,
// and ledger entries. Types here are wire-stable; changing a JSON tag is a
// breaking change for ledger consumers.
package contracts

import (
	"encoding/json"
	"time"
)

// ActionRequest is a caller-submitted intent to perform a state-changing
// operation. ActionID is the caller-supplied idempotency key: a duplicate
// ActionID returns the previously computed verdict without re-evaluation.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ActionRequest struct {
	ActionID    string          `json:"action_id"`
	Scope       string          `json:"scope"`
	Payload     json.RawMessage `json:"payload"`
	Actor       Actor           `json:"actor"`
	RiskHint    *float64        `json:"risk_hint,omitempty"` // 0..1, caller-supplied
	SubmittedAt time.Time       `json:"submitted_at"`
}

// ActionContext is the read-only view of a request that policy predicates
// evaluate against. Predicates receive only this and must not mutate it.
type ActionContext struct {
	ActionID    string         `json:"action_id"`
	Scope       string         `json:"scope"`
	Payload     map[string]any `json:"payload"`
	ActorID     string         `json:"actor_id"`
	ActorRole   string         `json:"actor_role"`
	RiskHint    float64        `json:"risk_hint"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// VerdictStatus is the outcome of evaluating an action.
type VerdictStatus string

// Verdict status constants.
const (
	VerdictAllowed             VerdictStatus = "ALLOWED"
	VerdictDenied              VerdictStatus = "DENIED"
	VerdictPendingReview       VerdictStatus = "PENDING_REVIEW"
	VerdictEscalated           VerdictStatus = "ESCALATED"
	VerdictExpiredAutoResolved VerdictStatus = "EXPIRED_AUTO_RESOLVED"
)

// Terminal reports whether the status can never change again.
func (s VerdictStatus) Terminal() bool {
	switch s {
	case VerdictAllowed, VerdictDenied, VerdictExpiredAutoResolved:
		return true
	}
	return false
}

// Verdict is the final or interim outcome for one ActionRequest.
// ReasonCodes references the policy rule ids that fired, in firing order.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Verdict struct {
	ActionID    string        `json:"action_id"`
	Status      VerdictStatus `json:"status"`
	// Outcome carries the applied effect when Status is
	// EXPIRED_AUTO_RESOLVED: the auto-resolution decided ALLOWED or DENIED.
	Outcome     VerdictStatus `json:"outcome,omitempty"`
	ReasonCodes []string      `json:"reason_codes,omitempty"`
	TicketID    string        `json:"ticket_id,omitempty"` // set while PENDING_REVIEW
	DecidedAt   time.Time     `json:"decided_at"`
	DecidedBy   Actor         `json:"decided_by"`
}
