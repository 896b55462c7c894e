package expressions

import "context"

// Engine evaluates a worker program against the step's input data.
// Three implementations: Expr (logic), GoJQ (transforms), CEL (conditions).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
