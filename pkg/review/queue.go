// Package review implements the Review Queue: pending escalations, the
// timeout sweep, and the multi-level escalation ladder.
//
// A ticket's ladder is resolved from scope configuration when the ticket is
// opened and never re-read, so later configuration changes cannot move a
// live ticket's goalposts. Exactly one Close or ladder climb wins per ticket;
// the loser is rejected with the actual resolution attached.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/actiongate/pkg/canonicalize"
	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// ErrNotFound is returned for unknown ticket ids.
var ErrNotFound = errors.New("review: ticket not found")

// ErrEmptyRationale is returned when Close is called without a rationale.
var ErrEmptyRationale = errors.New("review: rationale must not be empty")

// ErrDuplicateOpen is returned when an OPEN ticket already exists for the
// action id.
var ErrDuplicateOpen = errors.New("review: action already has an open ticket")

// ErrAlreadyEscalated is returned when an operation observed a stale ladder
// level; the ticket has already climbed.
var ErrAlreadyEscalated = errors.New("review: ticket already escalated")

// AlreadyClosedError rejects work on a resolved ticket. It carries the actual
// resolution so no reviewer effort is silently lost.
type AlreadyClosedError struct {
	TicketID   string
	Decision   contracts.VerdictStatus
	Rationale  string
	ResolvedBy contracts.Actor
	ResolvedAt time.Time
}

func (e *AlreadyClosedError) Error() string {
	return fmt.Sprintf("review: ticket %s already closed: %s by %s", e.TicketID, e.Decision, e.ResolvedBy)
}

// Notifier receives fire-and-forget escalation notifications. Delivery
// failure never fails the ticket operation.
type Notifier interface {
	EscalationOpened(ctx context.Context, ticketID string, level int, deadline time.Time)
}

// InterimResolver decides an expired ticket when the scope's auto-resolution
// policy is INTERIM_AGENT.
type InterimResolver interface {
	Resolve(ctx context.Context, ticket contracts.ReviewTicket) contracts.VerdictStatus
}

// TickOutcomeKind discriminates what the sweep did to a ticket.
type TickOutcomeKind string

// Tick outcome constants.
const (
	TickClimbed TickOutcomeKind = "CLIMBED"
	TickExpired TickOutcomeKind = "EXPIRED"
)

// TickOutcome is one ticket transition produced by a sweep. The gateway owns
// the ledger write path, so outcomes are returned rather than recorded here.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type TickOutcome struct {
	Kind    TickOutcomeKind
	Ticket  contracts.ReviewTicket
	Receipt *contracts.ReviewReceipt // set for TickExpired
}

// Queue holds review tickets and enforces their lifecycle.
type Queue struct {
	mu       sync.Mutex
	tickets  map[string]*contracts.ReviewTicket
	byAction map[string]string // actionID -> open ticketID
	notifier Notifier
	interim  InterimResolver
	// lowRiskThreshold bounds AUTO_ALLOW_LOW_RISK: at or below it the
	// expired action is allowed, above it denied.
	lowRiskThreshold float64
	riskHints        map[string]float64 // ticketID -> risk hint at open
	clock            func() time.Time
	logger           *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithNotifier sets the escalation notifier.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// WithInterimResolver sets the INTERIM_AGENT resolver.
func WithInterimResolver(r InterimResolver) Option {
	return func(q *Queue) { q.interim = r }
}

// WithLowRiskThreshold overrides the AUTO_ALLOW_LOW_RISK cutoff.
func WithLowRiskThreshold(t float64) Option {
	return func(q *Queue) { q.lowRiskThreshold = t }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// NewQueue creates an empty review queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		tickets:          make(map[string]*contracts.ReviewTicket),
		byAction:         make(map[string]string),
		riskHints:        make(map[string]float64),
		lowRiskThreshold: 0.3,
		clock:            time.Now,
		logger:           slog.Default().With("component", "review-queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open creates a ticket at ladder level 0. riskHint is captured for the
// AUTO_ALLOW_LOW_RISK expiry policy. At most one OPEN ticket per action id.
func (q *Queue) Open(ctx context.Context, actionID, scope string, ladder contracts.EscalationLadder, riskHint float64) (string, error) {
	if !ladder.Valid() {
		return "", fmt.Errorf("review: invalid ladder for scope %s", scope)
	}

	q.mu.Lock()
	if _, exists := q.byAction[actionID]; exists {
		q.mu.Unlock()
		return "", ErrDuplicateOpen
	}

	now := q.clock()
	ticket := &contracts.ReviewTicket{
		TicketID: uuid.New().String(),
		ActionID: actionID,
		Scope:    scope,
		Level:    0,
		Ladder:   ladder,
		OpenedAt: now,
		Deadline: now.Add(ladder.Rungs[0].Timeout),
		State:    contracts.TicketOpen,
		History: []contracts.TicketNote{{
			Actor: contracts.SystemActor("review-queue"),
			Note:  fmt.Sprintf("opened at level 0, reviewer role %s", ladder.Rungs[0].ReviewerRole),
			At:    now,
		}},
	}
	q.tickets[ticket.TicketID] = ticket
	q.byAction[actionID] = ticket.TicketID
	q.riskHints[ticket.TicketID] = riskHint
	q.mu.Unlock()

	q.notify(ctx, ticket.TicketID, 0, ticket.Deadline)
	return ticket.TicketID, nil
}

// notify is fire-and-forget; panics or slow notifiers must not hold the lock.
func (q *Queue) notify(ctx context.Context, ticketID string, level int, deadline time.Time) {
	if q.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.WarnContext(ctx, "notifier panicked", "ticket_id", ticketID, "panic", r)
		}
	}()
	q.notifier.EscalationOpened(ctx, ticketID, level, deadline)
}

// Get returns a copy of the ticket.
func (q *Queue) Get(ticketID string) (contracts.ReviewTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[ticketID]
	if !ok {
		return contracts.ReviewTicket{}, ErrNotFound
	}
	return *t, nil
}

// GetByAction returns the ticket (open or closed) most recently associated
// with the action id.
func (q *Queue) GetByAction(actionID string) (contracts.ReviewTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byAction[actionID]
	if !ok {
		return contracts.ReviewTicket{}, ErrNotFound
	}
	return *q.tickets[id], nil
}

// Close resolves a ticket with a human (or system) decision. The rationale is
// mandatory. Racing with Tick expiry has exactly one winner: the loser gets
// an AlreadyClosedError carrying the actual resolution.
func (q *Queue) Close(ctx context.Context, ticketID string, decision contracts.VerdictStatus, rationale string, actor contracts.Actor) (contracts.ReviewReceipt, error) {
	_ = ctx
	if strings.TrimSpace(rationale) == "" {
		return contracts.ReviewReceipt{}, ErrEmptyRationale
	}
	if decision != contracts.VerdictAllowed && decision != contracts.VerdictDenied {
		return contracts.ReviewReceipt{}, fmt.Errorf("review: close decision must be ALLOWED or DENIED, got %s", decision)
	}
	if err := actor.Validate(); err != nil {
		return contracts.ReviewReceipt{}, fmt.Errorf("review: %w", err)
	}
	rationale = canonicalize.NormalizeString(rationale)

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tickets[ticketID]
	if !ok {
		return contracts.ReviewReceipt{}, ErrNotFound
	}
	if t.State != contracts.TicketOpen {
		return contracts.ReviewReceipt{}, &AlreadyClosedError{
			TicketID:   t.TicketID,
			Decision:   t.Decision,
			Rationale:  t.Rationale,
			ResolvedBy: t.ResolvedBy,
			ResolvedAt: t.ResolvedAt,
		}
	}

	now := q.clock()
	t.State = contracts.TicketClosed
	t.Decision = decision
	t.Rationale = rationale
	t.ResolvedBy = actor
	t.ResolvedAt = now
	t.History = append(t.History, contracts.TicketNote{Actor: actor, Note: rationale, At: now})
	delete(q.riskHints, t.TicketID) // hint only matters while the ticket can expire

	return q.receipt(t, decision, rationale, actor, now), nil
}

// Tick sweeps every OPEN ticket past its deadline: climbs the ladder where
// rungs remain, otherwise applies the ladder's auto-resolution policy and
// closes the ticket. Outcomes are returned for the gateway to record.
func (q *Queue) Tick(ctx context.Context) []TickOutcome {
	q.mu.Lock()
	now := q.clock()

	type pendingNotify struct {
		ticketID string
		level    int
		deadline time.Time
	}
	var outcomes []TickOutcome
	var notifies []pendingNotify

	for _, t := range q.tickets {
		if t.State != contracts.TicketOpen || now.Before(t.Deadline) {
			continue
		}

		if t.Level+1 < len(t.Ladder.Rungs) {
			t.Level++
			rung := t.Ladder.Rungs[t.Level]
			t.Deadline = now.Add(rung.Timeout)
			t.History = append(t.History, contracts.TicketNote{
				Actor: contracts.SystemActor("review-queue"),
				Note:  fmt.Sprintf("escalated to level %d, reviewer role %s", t.Level, rung.ReviewerRole),
				At:    now,
			})
			outcomes = append(outcomes, TickOutcome{Kind: TickClimbed, Ticket: *t})
			notifies = append(notifies, pendingNotify{t.TicketID, t.Level, t.Deadline})
			continue
		}

		// Ladder exhausted: pocket-veto.
		decision := q.autoResolve(ctx, t)
		actor := contracts.InterimActor(string(t.Ladder.AutoResolution))
		rationale := fmt.Sprintf("ladder exhausted at level %d, auto-resolution %s", t.Level, t.Ladder.AutoResolution)

		t.State = contracts.TicketClosed
		t.Decision = decision
		t.Rationale = rationale
		t.ResolvedBy = actor
		t.ResolvedAt = now
		t.History = append(t.History, contracts.TicketNote{Actor: actor, Note: rationale, At: now})
		delete(q.riskHints, t.TicketID)

		receipt := q.receipt(t, decision, rationale, actor, now)
		outcomes = append(outcomes, TickOutcome{Kind: TickExpired, Ticket: *t, Receipt: &receipt})
	}
	q.mu.Unlock()

	for _, n := range notifies {
		q.notify(ctx, n.ticketID, n.level, n.deadline)
	}
	return outcomes
}

// autoResolve maps the ladder's policy to a final decision. Callers hold mu.
func (q *Queue) autoResolve(ctx context.Context, t *contracts.ReviewTicket) contracts.VerdictStatus {
	switch t.Ladder.AutoResolution {
	case contracts.AutoAllowLowRisk:
		if q.riskHints[t.TicketID] <= q.lowRiskThreshold {
			return contracts.VerdictAllowed
		}
		return contracts.VerdictDenied
	case contracts.InterimAgent:
		if q.interim != nil {
			if d := q.interim.Resolve(ctx, *t); d == contracts.VerdictAllowed || d == contracts.VerdictDenied {
				return d
			}
		}
		return contracts.VerdictDenied
	default: // AUTO_DENY and anything unrecognized
		return contracts.VerdictDenied
	}
}

// OpenCount returns the number of OPEN tickets.
func (q *Queue) OpenCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tickets {
		if t.State == contracts.TicketOpen {
			n++
		}
	}
	return n
}

func (q *Queue) receipt(t *contracts.ReviewTicket, decision contracts.VerdictStatus, rationale string, actor contracts.Actor, now time.Time) contracts.ReviewReceipt {
	receipt := contracts.ReviewReceipt{
		ReceiptID:  uuid.New().String(),
		TicketID:   t.TicketID,
		ActionID:   t.ActionID,
		Scope:      t.Scope,
		Outcome:    decision,
		Rationale:  rationale,
		ResolvedBy: actor,
		ResolvedAt: now,
		DurationMs: now.Sub(t.OpenedAt).Milliseconds(),
	}
	hashable := struct {
		TicketID string                  `json:"ticket_id"`
		ActionID string                  `json:"action_id"`
		Outcome  contracts.VerdictStatus `json:"outcome"`
		By       string                  `json:"by"`
	}{t.TicketID, t.ActionID, decision, actor.String()}
	if h, err := canonicalize.Hash(hashable); err == nil {
		receipt.ContentHash = h
	}
	return receipt
}
