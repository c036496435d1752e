package util

import "context"

type ctxKey int

const (
	ctxKeyRuleID ctxKey = iota
	ctxKeyGeneration
	ctxKeyPathParams
)

func withValue[T any](ctx context.Context, key ctxKey, v T) context.Context {
	return context.WithValue(ctx, key, v)
}

func valueOf[T any](ctx context.Context, key ctxKey) T {
	v, _ := ctx.Value(key).(T)
	return v
}

// ContextWithRuleID records the matched rule identifier.
func ContextWithRuleID(ctx context.Context, ruleID string) context.Context {
	return withValue(ctx, ctxKeyRuleID, ruleID)
}

// RuleIDFromContext returns the matched rule identifier, or "".
func RuleIDFromContext(ctx context.Context) string {
	return valueOf[string](ctx, ctxKeyRuleID)
}

// ContextWithGeneration records the route table generation that served
// the request.
func ContextWithGeneration(ctx context.Context, generation uint64) context.Context {
	return withValue(ctx, ctxKeyGeneration, generation)
}

// GenerationFromContext returns the route table generation, or 0.
func GenerationFromContext(ctx context.Context) uint64 {
	return valueOf[uint64](ctx, ctxKeyGeneration)
}

// ContextWithPathParams records the captured path parameters.
func ContextWithPathParams(ctx context.Context, params map[string]string) context.Context {
	return withValue(ctx, ctxKeyPathParams, params)
}

// PathParamsFromContext returns the captured path parameters, or nil.
func PathParamsFromContext(ctx context.Context) map[string]string {
	return valueOf[map[string]string](ctx, ctxKeyPathParams)
}
