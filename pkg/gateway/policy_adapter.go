package gateway

import (
	"errors"

	"github.com/veridian-labs/actiongate/pkg/contracts"
	"github.com/veridian-labs/actiongate/pkg/policy"
)

// StorePolicy adapts the in-process policy store to the Evaluator interface.
// A nil store reports unavailability, which the gateway treats as fail-closed.
type StorePolicy struct {
	Store *policy.Store
}

// Evaluate runs the store's lock-free snapshot evaluation.
func (p StorePolicy) Evaluate(scope string, actx contracts.ActionContext) (contracts.RuleResult, error) {
	if p.Store == nil {
		return contracts.RuleResult{}, errors.New("policy store not configured")
	}
	return p.Store.Evaluate(scope, actx), nil
}
