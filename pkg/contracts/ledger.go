package contracts

import "time"

// LedgerEventType categorizes what a ledger entry records.
type LedgerEventType string

// Ledger event type constants.
const (
	EventSubmission      LedgerEventType = "SUBMISSION"
	EventEscalationOpen  LedgerEventType = "ESCALATION_OPEN"
	EventEscalationClimb LedgerEventType = "ESCALATION_CLIMB"
	EventEscalationClose LedgerEventType = "ESCALATION_CLOSE"
	EventExpiry          LedgerEventType = "EXPIRY"
	EventPolicyPublish   LedgerEventType = "POLICY_PUBLISH"
	EventTamperDetected  LedgerEventType = "TAMPER_DETECTED"
)

// LedgerEvent is the canonical payload of one ledger entry, before hashing.
// The stored form is its RFC 8785 canonical JSON; redaction happens on read
// and never alters the stored payload.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LedgerEvent struct {
	Type     LedgerEventType `json:"type"`
	ActionID string          `json:"action_id,omitempty"`
	Scope    string          `json:"scope,omitempty"`
	TicketID string          `json:"ticket_id,omitempty"`
	Verdict  VerdictStatus   `json:"verdict,omitempty"`
	Actor    Actor           `json:"actor"`
	Detail   map[string]any  `json:"detail,omitempty"`
	At       time.Time       `json:"at"`
}

// LedgerEntry is one committed, hash-chained record.
//
// EntryHash = SHA-256(PrevHash ‖ PayloadHash ‖ Seq); the entry hash of entry
// n is the prev hash of entry n+1. Seq is strictly increasing and gapless.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type LedgerEntry struct {
	Seq            uint64      `json:"seq"`
	Event          LedgerEvent `json:"event"`
	PayloadHash    string      `json:"payload_hash"`
	PrevHash       string      `json:"prev_hash"`
	EntryHash      string      `json:"entry_hash"`
	RedactedFields []string    `json:"redacted_fields,omitempty"` // JSON-pointer paths masked on read
	CommittedAt    time.Time   `json:"committed_at"`
}
