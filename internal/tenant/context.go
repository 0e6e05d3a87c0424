// Package tenant carries tenant, operator, and correlation identifiers
// through request context, so every handler and log line can be scoped to
// the request that produced it without threading extra parameters.
package tenant

import "context"

type ctxKey int

const (
	tenantKey ctxKey = iota
	operatorKey
	correlationKey
	nodeKey
)

// WithTenant returns a context carrying the given tenant UUID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// Tenant returns the tenant UUID carried by ctx, if any.
func Tenant(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tenantKey).(string)
	return v, ok && v != ""
}

// WithOperator returns a context carrying the given operator UUID.
func WithOperator(ctx context.Context, operatorID string) context.Context {
	return context.WithValue(ctx, operatorKey, operatorID)
}

// Operator returns the operator UUID carried by ctx, if any.
func Operator(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(operatorKey).(string)
	return v, ok && v != ""
}

// WithCorrelation returns a context carrying the given correlation UUID.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey, correlationID)
}

// Correlation returns the correlation UUID carried by ctx, if any.
func Correlation(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(correlationKey).(string)
	return v, ok && v != ""
}

// WithNode returns a context carrying the calling node's UUID, as extracted
// from its mTLS client certificate CN.
func WithNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeKey, nodeID)
}

// Node returns the node UUID carried by ctx, if any.
func Node(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nodeKey).(string)
	return v, ok && v != ""
}
