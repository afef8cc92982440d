package contracts

import "time"

// TicketState is the lifecycle state of a review ticket.
type TicketState string

// Ticket state constants.
const (
	TicketOpen   TicketState = "OPEN"
	TicketClosed TicketState = "CLOSED"
)

// AutoResolution is the pocket-veto policy applied when an escalation ladder
// is exhausted with no human decision.
type AutoResolution string

// Auto-resolution constants.
const (
	AutoDeny         AutoResolution = "AUTO_DENY"
	AutoAllowLowRisk AutoResolution = "AUTO_ALLOW_LOW_RISK"
	InterimAgent     AutoResolution = "INTERIM_AGENT"
)

// LadderRung is one tier of an escalation ladder: who reviews, and how long
// they get before the ticket climbs to the next rung.
type LadderRung struct {
	ReviewerRole string        `json:"reviewer_role"`
	Timeout      time.Duration `json:"timeout"`
}

// EscalationLadder is the ordered sequence of reviewer tiers for a scope.
// It is resolved from configuration when a ticket is opened and stays fixed
// for the ticket's lifetime, even if configuration changes later.
type EscalationLadder struct {
	Rungs          []LadderRung   `json:"rungs"`
	AutoResolution AutoResolution `json:"auto_resolution"`
}

// Valid reports whether the ladder has at least one rung with a positive
// timeout and a known auto-resolution policy.
func (l EscalationLadder) Valid() bool {
	if len(l.Rungs) == 0 {
		return false
	}
	for _, r := range l.Rungs {
		if r.Timeout <= 0 {
			return false
		}
	}
	switch l.AutoResolution {
	case AutoDeny, AutoAllowLowRisk, InterimAgent:
		return true
	}
	return false
}

// TicketNote is one entry in a ticket's history.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TicketNote struct {
	Actor Actor     `json:"actor"`
	Note  string    `json:"note"`
	At    time.Time `json:"at"`
}

// ReviewTicket holds one pending escalation. Exactly one OPEN ticket may
// exist per action id; escalation keeps the ticket id and appends history.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ReviewTicket struct {
	TicketID string           `json:"ticket_id"`
	ActionID string           `json:"action_id"`
	Scope    string           `json:"scope"`
	Level    int              `json:"level"` // current rung, starting at 0
	Ladder   EscalationLadder `json:"ladder"`
	OpenedAt time.Time        `json:"opened_at"`
	Deadline time.Time        `json:"deadline"`
	State    TicketState      `json:"state"`
	History  []TicketNote     `json:"history"`

	// Resolution, populated on close.
	Decision   VerdictStatus `json:"decision,omitempty"`
	Rationale  string        `json:"rationale,omitempty"`
	ResolvedBy Actor         `json:"resolved_by,omitempty"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
}

// ReviewReceipt is the immutable record of a ticket resolution, content-hashed
// for the audit trail.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ReviewReceipt struct {
	ReceiptID   string        `json:"receipt_id"`
	TicketID    string        `json:"ticket_id"`
	ActionID    string        `json:"action_id"`
	Scope       string        `json:"scope"`
	Outcome     VerdictStatus `json:"outcome"`
	Rationale   string        `json:"rationale,omitempty"`
	ResolvedBy  Actor         `json:"resolved_by"`
	ResolvedAt  time.Time     `json:"resolved_at"`
	DurationMs  int64         `json:"duration_ms"`
	ContentHash string        `json:"content_hash"`
}
