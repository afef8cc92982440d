package contracts

import "fmt"

// ActorKind discriminates who (or what) took a decision. Every decision path
// records which variant acted so the audit trail reads uniformly.
type ActorKind string

// Actor kind constants.
const (
	ActorHuman   ActorKind = "HUMAN"
	ActorSystem  ActorKind = "SYSTEM"
	ActorInterim ActorKind = "INTERIM_AUTOMATION"
)

// Actor is a tagged variant: a human reviewer, a system component, or the
// interim automation that resolves expired tickets.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Actor struct {
	Kind ActorKind `json:"kind"`
	// ID is the principal id for HUMAN, component id for SYSTEM, and the
	// auto-resolution policy id for INTERIM_AUTOMATION.
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// HumanActor constructs a human reviewer actor.
func HumanActor(id, role string) Actor {
	return Actor{Kind: ActorHuman, ID: id, Role: role}
}

// SystemActor constructs a system component actor.
func SystemActor(component string) Actor {
	return Actor{Kind: ActorSystem, ID: component}
}

// InterimActor constructs an actor for timeout auto-resolution.
func InterimActor(policyID string) Actor {
	return Actor{Kind: ActorInterim, ID: policyID}
}

// Validate checks the actor is well-formed.
func (a Actor) Validate() error {
	switch a.Kind {
	case ActorHuman, ActorSystem, ActorInterim:
	default:
		return fmt.Errorf("unknown actor kind %q", a.Kind)
	}
	if a.ID == "" {
		return fmt.Errorf("actor id is required")
	}
	return nil
}

func (a Actor) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}
