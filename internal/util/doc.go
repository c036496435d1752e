// Package util provides shared helpers for avaserve.
//
// # Context Helpers
//
// Context utilities for request-scoped data:
//
//	ctx = util.ContextWithRuleID(ctx, "status")
//	ruleID := util.RuleIDFromContext(ctx)
//
// # Error Types
//
// Structured error types for consistent error handling:
//
//   - ConfigError: load, merge and interpolation failures, classified by kind
//   - CompileError: rules that cannot be compiled into a route table
//   - HandlerInitError, HandlerError, StageError: per-request failures
//   - RouteNotFoundError, MethodNotAllowedError: routing outcomes
//
// StatusCode maps any of them to the HTTP status sent to clients.
//
// # Validation
//
// Input validation helpers for methods, hosts and headers:
//
//	err := util.ValidateHTTPMethod("GET")
//	err := util.ValidateHostname("*.example.com")
package util
