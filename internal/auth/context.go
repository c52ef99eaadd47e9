package auth

import "context"

type contextKey string

const operatorContextKey contextKey = "auth.operator"

// WithOperator adds an operator to the context.
func WithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey, op)
}

// OperatorFromContext retrieves the operator from the context.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	if ctx == nil {
		return Operator{}, false
	}
	op, ok := ctx.Value(operatorContextKey).(Operator)
	return op, ok
}
