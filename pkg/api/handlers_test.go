package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/gateway"
	"github.com/veridian-labs/actiongate/pkg/ledger"
	"github.com/veridian-labs/actiongate/pkg/policy"
	"github.com/veridian-labs/actiongate/pkg/review"
)

type testLadders struct{}

func (testLadders) LadderFor(scope string) (contracts.EscalationLadder, error) {
	return contracts.EscalationLadder{
		Rungs:          []contracts.LadderRung{{ReviewerRole: "reviewer", Timeout: 15 * time.Minute}},
		AutoResolution: contracts.AutoDeny,
	}, nil
}

type testHarness struct {
	server  *httptest.Server
	store   *policy.Store
	ledger  *ledger.MemoryLedger
	gateway *gateway.Gateway
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := policy.NewStore()
	require.NoError(t, err)
	_, err = store.Publish(contracts.PolicyRule{
		ID: "deny-large", Scope: "payments", Version: 1,
		Expression: "payload.amount > 10000.0",
		Effect:     contracts.EffectDeny, Priority: 10, Enabled: true,
	}, 0)
	require.NoError(t, err)
	_, err = store.Publish(contracts.PolicyRule{
		ID: "escalate-medium", Scope: "payments", Version: 1,
		Expression: "payload.amount > 1000.0",
		Effect:     contracts.EffectEscalate, Priority: 20, Enabled: true,
	}, 0)
	require.NoError(t, err)

	led := ledger.NewMemoryLedger(ledger.NewRedactor(map[string][]string{
		"payments": {"/payload/amount"},
	}))
	schemas, err := gateway.NewSchemaRegistry(nil)
	require.NoError(t, err)
	gw := gateway.New(gateway.StorePolicy{Store: store}, led, review.NewQueue(),
		gateway.NewMemoryVerdictStore(), schemas, testLadders{})

	srv := httptest.NewServer(NewServer(gw, store, led).Handler(nil))
	t.Cleanup(srv.Close)
	return &testHarness{server: srv, store: store, ledger: led, gateway: gw}
}

// bearerToken mints a token for the claims middleware. The signature is not
// verified by this service, so any signing key works for tests.
func bearerToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": roles,
	})
	signed, err := token.SignedString([]byte("test-only"))
	require.NoError(t, err)
	return "Bearer " + signed
}

func (h *testHarness) do(t *testing.T, method, path, auth string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func submitBody(actionID string, amount float64) map[string]any {
	return map[string]any{
		"action_id": actionID,
		"scope":     "payments",
		"payload":   map[string]any{"amount": amount, "currency": "USD"},
		"actor":     map[string]any{"kind": "SYSTEM", "id": "agent-7"},
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAllowedOverHTTP(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/actions", "", submitBody(uuid.NewString(), 500))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	verdict := body["verdict"].(map[string]any)
	assert.Equal(t, "ALLOWED", verdict["status"])
	assert.NotContains(t, body, "pending_token")
}

func TestSubmitDeniedOverHTTP(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/actions", "", submitBody(uuid.NewString(), 50000))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	verdict := decodeBody(t, resp)["verdict"].(map[string]any)
	assert.Equal(t, "DENIED", verdict["status"])
	assert.Equal(t, []any{"deny-large"}, verdict["reason_codes"])
}

func TestSubmitPendingAndClose(t *testing.T) {
	h := newHarness(t)
	actionID := uuid.NewString()

	resp := h.do(t, http.MethodPost, "/actions", "", submitBody(actionID, 5000))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, actionID, body["pending_token"])
	verdict := body["verdict"].(map[string]any)
	require.Equal(t, "PENDING_REVIEW", verdict["status"])
	ticketID := verdict["ticket_id"].(string)

	// Poll while pending.
	resp = h.do(t, http.MethodGet, "/actions/"+actionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PENDING_REVIEW", decodeBody(t, resp)["status"])

	// Closing needs the reviewer role.
	closeBody := map[string]any{
		"decision":  "ALLOWED",
		"rationale": "within authority",
		"actor":     map[string]any{"kind": "HUMAN", "id": "alice", "role": "reviewer"},
	}
	resp = h.do(t, http.MethodPost, "/reviews/"+ticketID+"/close", "", closeBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	auth := bearerToken(t, "alice", "reviewer")
	resp = h.do(t, http.MethodPost, "/reviews/"+ticketID+"/close", auth, closeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ALLOWED", decodeBody(t, resp)["status"])

	// A second close reports the existing resolution.
	resp = h.do(t, http.MethodPost, "/reviews/"+ticketID+"/close", auth, map[string]any{
		"decision":  "DENIED",
		"rationale": "changed my mind",
		"actor":     map[string]any{"kind": "HUMAN", "id": "bob", "role": "reviewer"},
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	problem := decodeBody(t, resp)
	resolution := problem["resolution"].(map[string]any)
	assert.Equal(t, "ALLOWED", resolution["decision"])
	assert.Equal(t, "within authority", resolution["rationale"])

	// Terminal verdict is pollable.
	resp = h.do(t, http.MethodGet, "/actions/"+actionID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ALLOWED", decodeBody(t, resp)["status"])
}

func TestSubmitIdempotentOverHTTP(t *testing.T) {
	h := newHarness(t)
	body := submitBody(uuid.NewString(), 500)

	first := decodeBody(t, h.do(t, http.MethodPost, "/actions", "", body))
	second := decodeBody(t, h.do(t, http.MethodPost, "/actions", "", body))
	assert.Equal(t, first["verdict"], second["verdict"])
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, http.MethodPost, "/actions", "", submitBody("not-a-uuid", 500))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/actions", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPollUnknownActionOverHTTP(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/actions/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPublishPolicy(t *testing.T) {
	h := newHarness(t)
	auth := bearerToken(t, "carol", "policy-author")

	// The caller's version field is ignored; the store assigns the next one.
	publish := map[string]any{
		"rule": map[string]any{
			"id": "deny-large", "scope": "payments", "version": 0,
			"expression": "payload.amount > 5000.0",
			"effect":     "DENY", "priority": 10, "enabled": true,
		},
		"base_version": 1,
	}
	resp := h.do(t, http.MethodPost, "/policies", auth, publish)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["active_version"])

	// Stale base version conflicts.
	resp = h.do(t, http.MethodPost, "/policies", auth, publish)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Without the role the request never reaches the store.
	resp = h.do(t, http.MethodPost, "/policies", "", publish)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Publication lands on the audit trail.
	entries, err := h.ledger.Query(t.Context(), ledger.Filter{Type: contracts.EventPolicyPublish, Privileged: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].Event.Actor.ID)
	// The audit entry carries the assigned version, not the caller's.
	assert.EqualValues(t, 2, entries[0].Event.Detail["version"])
}

func TestPublishInvalidRule(t *testing.T) {
	h := newHarness(t)
	auth := bearerToken(t, "carol", "policy-author")

	resp := h.do(t, http.MethodPost, "/policies", auth, map[string]any{
		"rule": map[string]any{
			"id": "bad", "scope": "payments", "version": 1,
			"expression": "now() > submitted_at",
			"effect":     "DENY", "priority": 1, "enabled": true,
		},
		"base_version": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListPolicies(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/policies/payments", bearerToken(t, "carol", "policy-author"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()

	var rules []contracts.PolicyRule
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rules))
	assert.Len(t, rules, 2)
}

func TestLedgerQueryRedaction(t *testing.T) {
	h := newHarness(t)
	actionID := uuid.NewString()
	resp := h.do(t, http.MethodPost, "/actions", "", submitBody(actionID, 500))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	path := fmt.Sprintf("/ledger?action_id=%s", actionID)

	// Unprivileged readers get the masked projection.
	resp = h.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)
	event := entries[0]["event"].(map[string]any)
	payload := event["detail"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "[REDACTED]", payload["amount"])

	// Auditors see it clear.
	resp = h.do(t, http.MethodGet, path, bearerToken(t, "dave", "auditor"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	resp.Body.Close()
	require.Len(t, entries, 1)
	event = entries[0]["event"].(map[string]any)
	payload = event["detail"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, float64(500), payload["amount"])
}

func TestLedgerQueryBadSeq(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/ledger?from_seq=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDEchoed(t *testing.T) {
	h := newHarness(t)
	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	h := newHarness(t)
	srv := httptest.NewServer(NewServer(h.gateway, h.store, h.ledger).Handler(NewRateLimiter(1, 2)))
	defer srv.Close()

	var limited bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.Equal(t, "1", resp.Header.Get("Retry-After"))
			limited = true
		}
		resp.Body.Close()
	}
	assert.True(t, limited)
}
