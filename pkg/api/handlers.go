package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/gateway"
	"github.com/veridian-labs/actiongate/pkg/ledger"
	"github.com/veridian-labs/actiongate/pkg/policy"
	"github.com/veridian-labs/actiongate/pkg/review"
)

const maxBodyBytes = 1 << 20 // 1MB

// handleSubmit accepts an ActionRequest and returns the verdict, or a
// pending token resolvable via GET /actions/{actionId}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req contracts.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}

	verdict, err := s.gateway.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrInvalidPayload):
		WriteBadRequest(w, err.Error())
		return
	case errors.Is(err, gateway.ErrPolicyUnavailable):
		WriteUnavailable(w, "policy store unavailable; action not evaluated")
		return
	case errors.Is(err, gateway.ErrLedgerWriteFailed):
		WriteUnavailable(w, "audit write failed; retry with the same action_id")
		return
	default:
		WriteInternal(w, err)
		return
	}

	resp := map[string]any{"verdict": verdict}
	if verdict.Status == contracts.VerdictPendingReview {
		resp["pending_token"] = verdict.ActionID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePoll returns the current verdict for an action id.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	actionID := r.PathValue("actionId")
	verdict, err := s.gateway.Poll(r.Context(), actionID)
	if errors.Is(err, gateway.ErrVerdictNotFound) {
		WriteNotFound(w, "no verdict for action "+actionID)
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verdict)
}

type closeReviewRequest struct {
	Decision  contracts.VerdictStatus `json:"decision"`
	Rationale string                  `json:"rationale"`
	Actor     contracts.Actor         `json:"actor"`
}

// handleCloseReview resolves a pending review with a human decision.
func (s *Server) handleCloseReview(w http.ResponseWriter, r *http.Request) {
	ticketID := r.PathValue("ticketId")
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req closeReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Actor.Kind == "" {
		req.Actor.Kind = contracts.ActorHuman
	}

	verdict, err := s.gateway.CloseReview(r.Context(), ticketID, req.Decision, req.Rationale, req.Actor)
	var closed *review.AlreadyClosedError
	switch {
	case err == nil:
	case errors.As(err, &closed):
		// The ticket was already resolved; return the actual resolution so
		// the reviewer's work is not silently lost.
		WriteProblem(w, &ProblemDetail{
			Type:   "https://actiongate.dev/errors/already-closed",
			Title:  "Conflict",
			Status: http.StatusConflict,
			Detail: "ticket already closed",
			Resolution: map[string]any{
				"decision":    closed.Decision,
				"rationale":   closed.Rationale,
				"resolved_by": closed.ResolvedBy,
				"resolved_at": closed.ResolvedAt,
			},
		})
		return
	case errors.Is(err, review.ErrAlreadyEscalated):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, review.ErrNotFound):
		WriteNotFound(w, "unknown ticket "+ticketID)
		return
	case errors.Is(err, review.ErrEmptyRationale):
		WriteBadRequest(w, "rationale must not be empty")
		return
	case errors.Is(err, gateway.ErrLedgerWriteFailed):
		WriteUnavailable(w, "audit write failed; retry")
		return
	default:
		WriteBadRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verdict)
}

type publishPolicyRequest struct {
	Rule        contracts.PolicyRule `json:"rule"`
	BaseVersion int                  `json:"base_version"`
}

// handlePublishPolicy activates a new policy rule version.
func (s *Server) handlePublishPolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req publishPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	activated, err := s.store.Publish(req.Rule, req.BaseVersion)
	if err != nil {
		switch {
		case errors.Is(err, policy.ErrVersionConflict):
			WriteConflict(w, err.Error())
		case errors.Is(err, policy.ErrInvalidRule):
			WriteBadRequest(w, err.Error())
		default:
			WriteInternal(w, err)
		}
		return
	}

	actor := contracts.SystemActor("policy-api")
	if claims, ok := ClaimsFrom(r.Context()); ok && claims.Subject != "" {
		actor = contracts.HumanActor(claims.Subject, "policy-author")
	}
	// The audit entry records the rule as activated, assigned version included.
	if err := s.gateway.RecordPolicyPublish(r.Context(), activated, actor); err != nil {
		WriteUnavailable(w, "policy activated but audit write failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"scope":          activated.Scope,
		"id":             activated.ID,
		"active_version": activated.Version,
	})
}

// handleListPolicies returns the active rule set for a scope.
func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.store.ListActive(scope))
}

// handleQueryLedger streams matching ledger entries. Readers with the
// auditor role see unmasked payloads; everyone else gets the redacted
// projection.
func (s *Server) handleQueryLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ledger.Filter{
		ActionID:   q.Get("action_id"),
		Scope:      q.Get("scope"),
		Privileged: HasRole(r.Context(), "auditor"),
	}
	if v := q.Get("from_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "from_seq must be an integer")
			return
		}
		f.FromSeq = n
	}
	if v := q.Get("to_seq"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			WriteBadRequest(w, "to_seq must be an integer")
			return
		}
		f.ToSeq = n
	}

	entries, err := s.ledger.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
