package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// Duration parses Go duration strings ("30s", "5m") from YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ScopeRung is one ladder tier in a scope profile.
type ScopeRung struct {
	ReviewerRole string   `yaml:"reviewer_role"`
	Timeout      Duration `yaml:"timeout"`
}

// ScopeProfile is the per-scope governance configuration: the escalation
// ladder, the pocket-veto policy, the payload schema, and which fields are
// redacted for non-privileged ledger readers.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type ScopeProfile struct {
	Scope          string      `yaml:"scope"`
	Ladder         []ScopeRung `yaml:"ladder"`
	AutoResolution string      `yaml:"auto_resolution"`
	PayloadSchema  string      `yaml:"payload_schema,omitempty"` // JSON Schema source
	RedactedFields []string    `yaml:"redacted_fields,omitempty"`
}

// Scopes holds every loaded scope profile. It implements the gateway's
// LadderResolver.
type Scopes struct {
	profiles map[string]ScopeProfile
}

// LoadScopes reads a scopes.yaml file.
func LoadScopes(path string) (*Scopes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read scopes %s: %w", path, err)
	}
	return ParseScopes(data)
}

// ParseScopes parses scope profiles from YAML.
func ParseScopes(data []byte) (*Scopes, error) {
	var doc struct {
		Scopes []ScopeProfile `yaml:"scopes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse scopes: %w", err)
	}

	s := &Scopes{profiles: make(map[string]ScopeProfile, len(doc.Scopes))}
	for _, p := range doc.Scopes {
		if p.Scope == "" {
			return nil, fmt.Errorf("config: scope profile without a scope name")
		}
		ladder := toLadder(p)
		if !ladder.Valid() {
			return nil, fmt.Errorf("config: scope %s has an invalid ladder", p.Scope)
		}
		s.profiles[p.Scope] = p
	}
	return s, nil
}

func toLadder(p ScopeProfile) contracts.EscalationLadder {
	rungs := make([]contracts.LadderRung, 0, len(p.Ladder))
	for _, r := range p.Ladder {
		rungs = append(rungs, contracts.LadderRung{ReviewerRole: r.ReviewerRole, Timeout: time.Duration(r.Timeout)})
	}
	return contracts.EscalationLadder{
		Rungs:          rungs,
		AutoResolution: contracts.AutoResolution(p.AutoResolution),
	}
}

// LadderFor resolves the escalation ladder for a scope at ticket-open time.
func (s *Scopes) LadderFor(scope string) (contracts.EscalationLadder, error) {
	p, ok := s.profiles[scope]
	if !ok {
		return contracts.EscalationLadder{}, fmt.Errorf("config: no profile for scope %s", scope)
	}
	return toLadder(p), nil
}

// PayloadSchemas returns the scope → JSON Schema source map.
func (s *Scopes) PayloadSchemas() map[string]string {
	out := make(map[string]string)
	for scope, p := range s.profiles {
		if p.PayloadSchema != "" {
			out[scope] = p.PayloadSchema
		}
	}
	return out
}

// RedactionPaths returns the scope → JSON-pointer mask map.
func (s *Scopes) RedactionPaths() map[string][]string {
	out := make(map[string][]string)
	for scope, p := range s.profiles {
		if len(p.RedactedFields) > 0 {
			out[scope] = append([]string{}, p.RedactedFields...)
		}
	}
	return out
}
