// Package gateway implements the Decision Gateway, the façade every
// state-changing action passes through. It consults the policy store,
// conditionally opens a review ticket, writes every transition to the
// ledger, and returns a verdict.
//
// Consistency is "commit only on full success": any failure that would leave
// the ledger inconsistent aborts the whole Submit with nothing recorded, and
// the caller retries under the same action id.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/ledger"
	"github.com/veridian-labs/actiongate/pkg/review"
)

// ErrInvalidPayload rejects malformed requests before anything is recorded.
var ErrInvalidPayload = errors.New("gateway: invalid payload")

// ErrPolicyUnavailable fails closed: an action that cannot be evaluated is
// never implicitly allowed.
var ErrPolicyUnavailable = errors.New("gateway: policy store unavailable")

// ErrLedgerWriteFailed aborts a Submit whose audit record could not be
// committed. Nothing is durable; the caller must retry.
var ErrLedgerWriteFailed = errors.New("gateway: ledger write failed")

// Evaluator is the gateway's view of the policy store. The in-process store
// never fails; a remote policy service may, and that failure fails the call.
type Evaluator interface {
	Evaluate(scope string, actx contracts.ActionContext) (contracts.RuleResult, error)
}

// LadderResolver yields the escalation ladder for a scope at ticket-open
// time. Configuration changes after open never affect a live ticket.
type LadderResolver interface {
	LadderFor(scope string) (contracts.EscalationLadder, error)
}

// Gateway orchestrates policy evaluation, review, and the audit ledger. It
// exclusively owns the write path into both the ledger and the review queue.
type Gateway struct {
	policy   Evaluator
	ledger   ledger.Ledger
	queue    *review.Queue
	verdicts VerdictStore
	schemas  *SchemaRegistry
	ladders  LadderResolver
	clock    func() time.Time
	logger   *slog.Logger

	// inflight serializes concurrent Submits that share an action id, so N
	// concurrent duplicates yield one evaluation and one submission entry.
	// Entries are refcounted and removed when the last holder unlocks.
	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry
}

type inflightEntry struct {
	mu   sync.Mutex
	refs int
}

// New creates a gateway.
func New(policy Evaluator, led ledger.Ledger, queue *review.Queue, verdicts VerdictStore, schemas *SchemaRegistry, ladders LadderResolver) *Gateway {
	return &Gateway{
		policy:   policy,
		ledger:   led,
		queue:    queue,
		verdicts: verdicts,
		schemas:  schemas,
		ladders:  ladders,
		clock:    time.Now,
		logger:   slog.Default().With("component", "gateway"),
		inflight: make(map[string]*inflightEntry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// lockAction acquires the per-action mutex, creating it on first use. The
// returned unlock drops the entry once no Submit holds or waits on it, so the
// map does not grow with the total number of action ids ever seen.
func (g *Gateway) lockAction(actionID string) func() {
	g.inflightMu.Lock()
	e, ok := g.inflight[actionID]
	if !ok {
		e = &inflightEntry{}
		g.inflight[actionID] = e
	}
	e.refs++
	g.inflightMu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		g.inflightMu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(g.inflight, actionID)
		}
		g.inflightMu.Unlock()
	}
}

// Submit evaluates one action request and returns its verdict. Duplicate
// action ids return the previously computed verdict unchanged, with no
// re-evaluation and no duplicate ledger entries.
func (g *Gateway) Submit(ctx context.Context, req contracts.ActionRequest) (contracts.Verdict, error) {
	if err := validateRequest(req); err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	unlock := g.lockAction(req.ActionID)
	defer unlock()

	if v, err := g.verdicts.Get(ctx, req.ActionID); err == nil {
		return v, nil
	} else if !errors.Is(err, ErrVerdictNotFound) {
		return contracts.Verdict{}, err
	}

	// No verdict but a ticket exists: a prior Submit failed partway through
	// escalation. Finish that escalation instead of evaluating again.
	if ticket, err := g.queue.GetByAction(req.ActionID); err == nil {
		return g.resumeEscalation(ctx, req, ticket)
	} else if !errors.Is(err, review.ErrNotFound) {
		return contracts.Verdict{}, err
	}

	// Fail fast on malformed payloads; never record garbage.
	payload, err := g.schemas.Validate(req.Scope, req.Payload)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	actx := contracts.ActionContext{
		ActionID:    req.ActionID,
		Scope:       req.Scope,
		Payload:     payload,
		ActorID:     req.Actor.ID,
		ActorRole:   req.Actor.Role,
		SubmittedAt: req.SubmittedAt,
	}
	if req.RiskHint != nil {
		actx.RiskHint = *req.RiskHint
	}

	result, err := g.policy.Evaluate(req.Scope, actx)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	switch result.Effect {
	case contracts.EffectDeny:
		return g.finishImmediate(ctx, req, actx, result, contracts.VerdictDenied)
	case contracts.EffectEscalate:
		return g.escalate(ctx, req, actx, result)
	default:
		return g.finishImmediate(ctx, req, actx, result, contracts.VerdictAllowed)
	}
}

// finishImmediate records a terminal ALLOW/DENY. The ledger append happens
// before the verdict becomes durable; an append failure fails the Submit.
func (g *Gateway) finishImmediate(ctx context.Context, req contracts.ActionRequest, actx contracts.ActionContext, result contracts.RuleResult, status contracts.VerdictStatus) (contracts.Verdict, error) {
	now := g.clock()
	verdict := contracts.Verdict{
		ActionID:    req.ActionID,
		Status:      status,
		ReasonCodes: result.FiredRuleIDs,
		DecidedAt:   now,
		DecidedBy:   contracts.SystemActor("policy-engine"),
	}

	_, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:     contracts.EventSubmission,
		ActionID: req.ActionID,
		Scope:    req.Scope,
		Verdict:  status,
		Actor:    req.Actor,
		Detail: map[string]any{
			"payload":          actx.Payload,
			"fired_rules":      result.FiredRuleIDs,
			"snapshot_version": result.SnapshotVersion,
		},
		At: now,
	})
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	if err := g.verdicts.Put(ctx, verdict); err != nil {
		return contracts.Verdict{}, err
	}
	return verdict, nil
}

// escalate opens a review ticket and records both the submission and the
// escalation-open transition.
func (g *Gateway) escalate(ctx context.Context, req contracts.ActionRequest, actx contracts.ActionContext, result contracts.RuleResult) (contracts.Verdict, error) {
	ladder, err := g.ladders.LadderFor(req.Scope)
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrPolicyUnavailable, err)
	}

	// A retry after a failed ticket open may already have committed the
	// submission entry; never record it twice.
	prior, err := g.ledger.Query(ctx, ledger.Filter{
		ActionID:   req.ActionID,
		Type:       contracts.EventSubmission,
		Privileged: true,
	})
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	now := g.clock()
	if len(prior) == 0 {
		if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
			Type:     contracts.EventSubmission,
			ActionID: req.ActionID,
			Scope:    req.Scope,
			Verdict:  contracts.VerdictPendingReview,
			Actor:    req.Actor,
			Detail: map[string]any{
				"payload":          actx.Payload,
				"fired_rules":      result.FiredRuleIDs,
				"snapshot_version": result.SnapshotVersion,
			},
			At: now,
		}); err != nil {
			return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
		}
	}

	ticketID, err := g.queue.Open(ctx, req.ActionID, req.Scope, ladder, actx.RiskHint)
	if err != nil {
		return contracts.Verdict{}, err
	}

	ticket, err := g.queue.Get(ticketID)
	if err != nil {
		return contracts.Verdict{}, err
	}
	if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:     contracts.EventEscalationOpen,
		ActionID: req.ActionID,
		Scope:    req.Scope,
		TicketID: ticketID,
		Actor:    contracts.SystemActor("gateway"),
		Detail: map[string]any{
			"level":    0,
			"deadline": ticket.Deadline,
		},
		At: g.clock(),
	}); err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	verdict := contracts.Verdict{
		ActionID:    req.ActionID,
		Status:      contracts.VerdictPendingReview,
		ReasonCodes: result.FiredRuleIDs,
		TicketID:    ticketID,
		DecidedAt:   now,
		DecidedBy:   contracts.SystemActor("policy-engine"),
	}
	if err := g.verdicts.Put(ctx, verdict); err != nil {
		return contracts.Verdict{}, err
	}
	return verdict, nil
}

// resumeEscalation finishes a Submit whose earlier attempt failed between
// opening the ticket and committing the remaining state. The existing ticket
// is authoritative; nothing is re-evaluated and no submission entry is added.
func (g *Gateway) resumeEscalation(ctx context.Context, req contracts.ActionRequest, ticket contracts.ReviewTicket) (contracts.Verdict, error) {
	if ticket.State == contracts.TicketClosed {
		// The review finished while the verdict was still missing; rebuild it
		// from the ticket's resolution.
		verdict := contracts.Verdict{
			ActionID:  ticket.ActionID,
			Status:    ticket.Decision,
			TicketID:  ticket.TicketID,
			DecidedAt: ticket.ResolvedAt,
			DecidedBy: ticket.ResolvedBy,
		}
		if ticket.ResolvedBy.Kind == contracts.ActorInterim {
			verdict.Status = contracts.VerdictExpiredAutoResolved
			verdict.Outcome = ticket.Decision
		}
		if err := g.verdicts.Put(ctx, verdict); err != nil {
			return contracts.Verdict{}, err
		}
		return verdict, nil
	}

	opens, err := g.ledger.Query(ctx, ledger.Filter{
		ActionID:   req.ActionID,
		Type:       contracts.EventEscalationOpen,
		Privileged: true,
	})
	if err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	if len(opens) == 0 {
		if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
			Type:     contracts.EventEscalationOpen,
			ActionID: req.ActionID,
			Scope:    ticket.Scope,
			TicketID: ticket.TicketID,
			Actor:    contracts.SystemActor("gateway"),
			Detail: map[string]any{
				"level":    ticket.Level,
				"deadline": ticket.Deadline,
			},
			At: g.clock(),
		}); err != nil {
			return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
		}
	}

	reasons, err := g.submissionReasons(ctx, req.ActionID)
	if err != nil {
		return contracts.Verdict{}, err
	}
	verdict := contracts.Verdict{
		ActionID:    req.ActionID,
		Status:      contracts.VerdictPendingReview,
		ReasonCodes: reasons,
		TicketID:    ticket.TicketID,
		DecidedAt:   ticket.OpenedAt,
		DecidedBy:   contracts.SystemActor("policy-engine"),
	}
	if err := g.verdicts.Put(ctx, verdict); err != nil {
		return contracts.Verdict{}, err
	}
	return verdict, nil
}

// submissionReasons recovers the fired rule ids from the committed submission
// entry. Entries read back from a durable ledger may carry them as []any.
func (g *Gateway) submissionReasons(ctx context.Context, actionID string) ([]string, error) {
	entries, err := g.ledger.Query(ctx, ledger.Filter{
		ActionID:   actionID,
		Type:       contracts.EventSubmission,
		Privileged: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	switch fired := entries[0].Event.Detail["fired_rules"].(type) {
	case []string:
		return fired, nil
	case []any:
		out := make([]string, 0, len(fired))
		for _, v := range fired {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, nil
}

// Poll returns the current verdict for an action id.
func (g *Gateway) Poll(ctx context.Context, actionID string) (contracts.Verdict, error) {
	return g.verdicts.Get(ctx, actionID)
}

// CloseReview resolves a pending review with a human decision, records the
// transition, and finalizes the verdict. A race with expiry has one winner;
// the loser sees the actual resolution in the returned error.
func (g *Gateway) CloseReview(ctx context.Context, ticketID string, decision contracts.VerdictStatus, rationale string, actor contracts.Actor) (contracts.Verdict, error) {
	receipt, err := g.queue.Close(ctx, ticketID, decision, rationale, actor)
	if err != nil {
		return contracts.Verdict{}, err
	}

	if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:     contracts.EventEscalationClose,
		ActionID: receipt.ActionID,
		Scope:    receipt.Scope,
		TicketID: ticketID,
		Verdict:  decision,
		Actor:    actor,
		Detail: map[string]any{
			"rationale":    receipt.Rationale,
			"receipt_id":   receipt.ReceiptID,
			"content_hash": receipt.ContentHash,
		},
		At: receipt.ResolvedAt,
	}); err != nil {
		return contracts.Verdict{}, fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	verdict := contracts.Verdict{
		ActionID:  receipt.ActionID,
		Status:    decision,
		TicketID:  ticketID,
		DecidedAt: receipt.ResolvedAt,
		DecidedBy: actor,
	}
	if err := g.verdicts.Put(ctx, verdict); err != nil {
		return contracts.Verdict{}, err
	}
	return verdict, nil
}

// Sweep runs one review-queue tick and records every resulting transition:
// ladder climbs and pocket-veto expiries. It is called periodically; pending
// reviews are resumed here, never by a held connection.
func (g *Gateway) Sweep(ctx context.Context) error {
	var firstErr error
	for _, outcome := range g.queue.Tick(ctx) {
		var err error
		switch outcome.Kind {
		case review.TickClimbed:
			err = g.recordClimb(ctx, outcome.Ticket)
		case review.TickExpired:
			err = g.recordExpiry(ctx, outcome)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (g *Gateway) recordClimb(ctx context.Context, ticket contracts.ReviewTicket) error {
	if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:     contracts.EventEscalationClimb,
		ActionID: ticket.ActionID,
		Scope:    ticket.Scope,
		TicketID: ticket.TicketID,
		Actor:    contracts.SystemActor("review-queue"),
		Detail: map[string]any{
			"level":    ticket.Level,
			"deadline": ticket.Deadline,
		},
		At: g.clock(),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	verdict := contracts.Verdict{
		ActionID:  ticket.ActionID,
		Status:    contracts.VerdictEscalated,
		TicketID:  ticket.TicketID,
		DecidedAt: g.clock(),
		DecidedBy: contracts.SystemActor("review-queue"),
	}
	return g.verdicts.Put(ctx, verdict)
}

func (g *Gateway) recordExpiry(ctx context.Context, outcome review.TickOutcome) error {
	ticket := outcome.Ticket
	receipt := outcome.Receipt

	if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:     contracts.EventExpiry,
		ActionID: ticket.ActionID,
		Scope:    ticket.Scope,
		TicketID: ticket.TicketID,
		Verdict:  contracts.VerdictExpiredAutoResolved,
		Actor:    ticket.ResolvedBy,
		Detail: map[string]any{
			"outcome":         string(receipt.Outcome),
			"auto_resolution": string(ticket.Ladder.AutoResolution),
			"receipt_id":      receipt.ReceiptID,
			"content_hash":    receipt.ContentHash,
		},
		At: receipt.ResolvedAt,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}

	verdict := contracts.Verdict{
		ActionID:  ticket.ActionID,
		Status:    contracts.VerdictExpiredAutoResolved,
		Outcome:   receipt.Outcome,
		TicketID:  ticket.TicketID,
		DecidedAt: receipt.ResolvedAt,
		DecidedBy: ticket.ResolvedBy,
	}
	return g.verdicts.Put(ctx, verdict)
}

// RecordPolicyPublish writes a POLICY_PUBLISH entry after a rule version
// is activated. Policy changes go through the same audit trail as actions.
func (g *Gateway) RecordPolicyPublish(ctx context.Context, rule contracts.PolicyRule, actor contracts.Actor) error {
	if _, err := g.ledger.Append(ctx, contracts.LedgerEvent{
		Type:  contracts.EventPolicyPublish,
		Scope: rule.Scope,
		Actor: actor,
		Detail: map[string]any{
			"rule_id":    rule.ID,
			"version":    rule.Version,
			"effect":     string(rule.Effect),
			"priority":   rule.Priority,
			"enabled":    rule.Enabled,
			"expression": rule.Expression,
		},
		At: g.clock(),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerWriteFailed, err)
	}
	return nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.Sweep(ctx); err != nil {
				g.logger.WarnContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}

func validateRequest(req contracts.ActionRequest) error {
	if _, err := uuid.Parse(req.ActionID); err != nil {
		return fmt.Errorf("action_id must be a UUID: %w", err)
	}
	if req.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	if err := req.Actor.Validate(); err != nil {
		return err
	}
	if req.RiskHint != nil && (*req.RiskHint < 0 || *req.RiskHint > 1) {
		return fmt.Errorf("risk_hint must be within [0, 1]")
	}
	return nil
}
