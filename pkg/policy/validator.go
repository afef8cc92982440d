package policy

import (
	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Issue is one determinism violation found in a predicate source.
type Issue struct {
	Message  string
	Severity string // ERROR
}

// ValidationResult reports whether a predicate source is admissible.
type ValidationResult struct {
	Valid  bool
	Issues []Issue
}

// Validator rejects CEL sources that could evaluate non-deterministically.
// Policy evaluation must return the same result for the same context and
// snapshot on every call, so clocks and map iteration are forbidden.
type Validator struct {
	env *cel.Env
}

// NewValidator creates a determinism validator.
func NewValidator() (*Validator, error) {
	env, err := cel.NewEnv()
	if err != nil {
		return nil, err
	}
	return &Validator{env: env}, nil
}

// Validate parses the source and walks the AST for forbidden constructs.
func (v *Validator) Validate(source string) (*ValidationResult, error) {
	parsed, issues := v.env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	result := &ValidationResult{Valid: true, Issues: []Issue{}}

	expr := parsed.Expr() //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	walkExpr(expr, &result.Issues)

	if len(result.Issues) > 0 {
		result.Valid = false
	}
	return result, nil
}

func walkExpr(e *exprpb.Expr, issues *[]Issue) {
	if e == nil {
		return
	}

	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.Function {
		case "now", "timestamp_now":
			*issues = append(*issues, Issue{Message: "clock access is forbidden in predicates", Severity: "ERROR"})
		case "keys", "values":
			*issues = append(*issues, Issue{Message: "map iteration order is non-deterministic", Severity: "ERROR"})
		}
		if call.Target != nil {
			walkExpr(call.Target, issues)
		}
		for _, arg := range call.Args {
			walkExpr(arg, issues)
		}

	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.Operand, issues)

	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			walkExpr(el, issues)
		}

	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				walkExpr(entry.GetMapKey(), issues)
			}
			walkExpr(entry.Value, issues)
		}

	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		walkExpr(comp.IterRange, issues)
		walkExpr(comp.AccuInit, issues)
		walkExpr(comp.LoopCondition, issues)
		walkExpr(comp.LoopStep, issues)
		walkExpr(comp.Result, issues)
	}
}
