// Package pipeline executes matched rules.
//
// A run goes through the rule's stages in declaration order, then the
// response cache when the rule declares one, then the handler. A stage
// may answer the request itself, which skips everything after it.
// Stages implementing Finisher see the outcome on the way back, in
// reverse order. The request context is checked for cancellation before
// every stage, before the handler and before a response is stored.
//
// Concurrent cache misses for the same key are collapsed into a single
// handler run whose response is shared by all waiting requests.
package pipeline
