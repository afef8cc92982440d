package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/veridian-labs/actiongate/pkg/contracts"
)

// newEnv builds the CEL environment with the attributes every predicate may
// reference. Predicates receive only the action context; there is no access
// to clocks, I/O, or ambient state.
func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("action_id", types.StringType),
			decls.NewVariable("scope", types.StringType),
			decls.NewVariable("payload", types.NewMapType(types.StringType, types.DynType)),
			decls.NewVariable("actor_id", types.StringType),
			decls.NewVariable("actor_role", types.StringType),
			decls.NewVariable("risk_hint", types.DoubleType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return env, nil
}

// compile compiles a predicate and checks it yields a boolean.
func compile(env *cel.Env, source string) (cel.Program, error) {
	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("predicate must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// evalInput flattens the action context into CEL activation variables.
func evalInput(actx contracts.ActionContext) map[string]any {
	payload := actx.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"action_id":  actx.ActionID,
		"scope":      actx.Scope,
		"payload":    payload,
		"actor_id":   actx.ActorID,
		"actor_role": actx.ActorRole,
		"risk_hint":  actx.RiskHint,
	}
}

// evalPredicate runs one compiled predicate. Evaluation errors fail closed:
// DENY and ESCALATE rules count as matched, ALLOW rules as not matched.
func evalPredicate(prg cel.Program, input map[string]any, effect contracts.RuleEffect) bool {
	out, _, err := prg.Eval(input)
	if err != nil {
		return effect != contracts.EffectAllow
	}
	matched, ok := out.Value().(bool)
	return ok && matched
}
