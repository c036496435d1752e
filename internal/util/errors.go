// Package util provides the error taxonomy and request-scoped helpers
// shared by every avaserve package.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrNoMatch.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ConfigError, StageError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Common sentinel errors.
var (
	ErrNoMatch          = errors.New("no matching route")
	ErrMethodNotAllowed = errors.New("method not allowed")
	ErrResourceTornDown = errors.New("resource torn down")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrCompileFailed    = errors.New("route compilation failed")
	ErrHandlerInit      = errors.New("handler setup failed")
	ErrHandlerFailed    = errors.New("handler failed")
	ErrStageFailed      = errors.New("stage failed")
	ErrUnknownType      = errors.New("unknown type")

	// ErrRuleRetired is returned when a reload replaced the rule's pipeline
	// or handler instance before its handler started. It wraps
	// ErrResourceTornDown, and the request may be resolved again.
	ErrRuleRetired = fmt.Errorf("rule retired: %w", ErrResourceTornDown)
)

// ConfigErrorKind classifies a configuration failure.
type ConfigErrorKind string

// Configuration error kinds.
const (
	ConfigUnreadable          ConfigErrorKind = "unreadable"
	ConfigMalformed           ConfigErrorKind = "malformed"
	ConfigTypeConflict        ConfigErrorKind = "type conflict"
	ConfigImportCycle         ConfigErrorKind = "import cycle"
	ConfigUnresolvedReference ConfigErrorKind = "unresolved reference"
)

// ConfigError represents a failure to load, merge or resolve configuration.
type ConfigError struct {
	Kind    ConfigErrorKind
	Source  string
	Path    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error (")
	b.WriteString(string(e.Kind))
	b.WriteString(")")
	if e.Source != "" {
		b.WriteString(" in ")
		b.WriteString(e.Source)
	}
	if e.Path != "" {
		b.WriteString(" at ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	if t, ok := target.(*ConfigError); ok {
		return t.Kind == "" || t.Kind == e.Kind
	}
	return false
}

// NewConfigError creates a new ConfigError.
func NewConfigError(kind ConfigErrorKind, source, path, message string) *ConfigError {
	return &ConfigError{Kind: kind, Source: source, Path: path, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(kind ConfigErrorKind, source, path, message string, cause error) *ConfigError {
	return &ConfigError{Kind: kind, Source: source, Path: path, Message: message, Cause: cause}
}

// CompileErrorKind classifies a route compilation failure.
type CompileErrorKind string

// Compile error kinds.
const (
	CompileInvalidPattern CompileErrorKind = "invalid pattern"
	CompileDuplicateID    CompileErrorKind = "duplicate identifier"
	CompileInvalidRule    CompileErrorKind = "invalid rule"
	CompileUnknownHandler CompileErrorKind = "unknown handler"
	CompileUnknownStage   CompileErrorKind = "unknown stage"
)

// CompileError represents a rule that cannot be compiled into a route table.
type CompileError struct {
	Kind    CompileErrorKind
	RuleID  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile error (%s) in rule %q: %s", e.Kind, e.RuleID, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CompileError) Is(target error) bool {
	if target == ErrCompileFailed {
		return true
	}
	if t, ok := target.(*CompileError); ok {
		return t.Kind == "" || t.Kind == e.Kind
	}
	return false
}

// NewCompileError creates a new CompileError.
func NewCompileError(kind CompileErrorKind, ruleID, message string) *CompileError {
	return &CompileError{Kind: kind, RuleID: ruleID, Message: message}
}

// NewCompileErrorWithCause creates a new CompileError with a cause.
func NewCompileErrorWithCause(kind CompileErrorKind, ruleID, message string, cause error) *CompileError {
	return &CompileError{Kind: kind, RuleID: ruleID, Message: message, Cause: cause}
}

// HandlerInitError is returned when a handler type fails to set up an
// instance for a rule.
type HandlerInitError struct {
	RuleID      string
	HandlerType string
	Cause       error
}

// Error implements the error interface.
func (e *HandlerInitError) Error() string {
	return fmt.Sprintf("handler %q setup failed for rule %q: %v", e.HandlerType, e.RuleID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *HandlerInitError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandlerInitError) Is(target error) bool {
	if target == ErrHandlerInit {
		return true
	}
	_, ok := target.(*HandlerInitError)
	return ok
}

// NewHandlerInitError creates a new HandlerInitError.
func NewHandlerInitError(ruleID, handlerType string, cause error) *HandlerInitError {
	return &HandlerInitError{RuleID: ruleID, HandlerType: handlerType, Cause: cause}
}

// HandlerError wraps a failure raised by a terminal handler.
type HandlerError struct {
	RuleID string
	Cause  error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for rule %q failed: %v", e.RuleID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *HandlerError) Is(target error) bool {
	if target == ErrHandlerFailed {
		return true
	}
	_, ok := target.(*HandlerError)
	return ok
}

// NewHandlerError creates a new HandlerError.
func NewHandlerError(ruleID string, cause error) *HandlerError {
	return &HandlerError{RuleID: ruleID, Cause: cause}
}

// StageError wraps a non-recoverable failure of a pipeline stage.
type StageError struct {
	RuleID string
	Stage  string
	Cause  error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q of rule %q failed: %v", e.Stage, e.RuleID, e.Cause)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *StageError) Is(target error) bool {
	if target == ErrStageFailed {
		return true
	}
	_, ok := target.(*StageError)
	return ok
}

// NewStageError creates a new StageError.
func NewStageError(ruleID, stage string, cause error) *StageError {
	return &StageError{RuleID: ruleID, Stage: stage, Cause: cause}
}

// RouteNotFoundError represents a request path that no rule matches.
type RouteNotFoundError struct {
	Path   string
	Method string
	Host   string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("route not found: %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNoMatch {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, host, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Method: method, Host: host, Path: path}
}

// MethodNotAllowedError is returned when a path matches but none of the
// matching rules accept the request method.
type MethodNotAllowedError struct {
	Path    string
	Method  string
	Allowed []string
}

// Error implements the error interface.
func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("method %s not allowed for %s (allowed: %s)",
		e.Method, e.Path, strings.Join(e.Allowed, ", "))
}

// Is checks if the error matches the target.
func (e *MethodNotAllowedError) Is(target error) bool {
	if target == ErrMethodNotAllowed {
		return true
	}
	_, ok := target.(*MethodNotAllowedError)
	return ok
}

// NewMethodNotAllowedError creates a new MethodNotAllowedError.
func NewMethodNotAllowedError(method, path string, allowed []string) *MethodNotAllowedError {
	return &MethodNotAllowedError{Method: method, Path: path, Allowed: allowed}
}

// StatusCode maps an error from the routing or pipeline layers to the
// HTTP status code sent to the client.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoMatch):
		return http.StatusNotFound
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrResourceTornDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsClientError reports whether the error is a normal routing outcome
// rather than a server-side failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNoMatch) || errors.Is(err, ErrMethodNotAllowed)
}
