package api

import (
	"net/http"

	"github.com/veridian-labs/actiongate/pkg/gateway"
	"github.com/veridian-labs/actiongate/pkg/ledger"
	"github.com/veridian-labs/actiongate/pkg/policy"
)

// Server wires the HTTP surface to the governance core.
type Server struct {
	gateway *gateway.Gateway
	store   *policy.Store
	ledger  ledger.Ledger
}

// NewServer creates the API server.
func NewServer(gw *gateway.Gateway, store *policy.Store, led ledger.Ledger) *Server {
	return &Server{gateway: gw, store: store, ledger: led}
}

// Handler builds the routed handler with middleware applied.
func (s *Server) Handler(limiter *RateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /actions", s.handleSubmit)
	mux.HandleFunc("GET /actions/{actionId}", s.handlePoll)
	mux.HandleFunc("POST /reviews/{ticketId}/close", RequireRole("reviewer", s.handleCloseReview))
	mux.HandleFunc("POST /policies", RequireRole("policy-author", s.handlePublishPolicy))
	mux.HandleFunc("GET /policies/{scope}", RequireRole("policy-author", s.handleListPolicies))
	mux.HandleFunc("GET /ledger", s.handleQueryLedger)

	var h http.Handler = mux
	h = ClaimsMiddleware(h)
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	h = RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
