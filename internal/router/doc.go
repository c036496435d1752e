// Package router compiles URL rules into immutable route tables and
// resolves requests against the current one.
//
// Patterns are "/"-separated segments: literal text, "{name}" captures,
// "*" for exactly one segment and a trailing "**" for the remainder of
// the path. Resolution descends a segment trie, preferring literal over
// capture over "*" over "**" and backtracking when a branch fails. Rules
// ending at the same trie leaf are ordered by priority, then declaration
// order. A rule without a declared priority gets one from its pattern's
// specificity.
//
// # Usage
//
//	table, err := router.Compile(spec, generation, router.WithValidator(registry))
//	if err != nil {
//	    return err
//	}
//	r.Swap(table)
//
//	match, err := r.Resolve(req.Method, req.Host, req.URL.Path)
//	if errors.Is(err, util.ErrMethodNotAllowed) {
//	    // 405 with the allowed methods
//	}
//
// Tables are published with an atomic pointer swap, so a request always
// sees exactly one generation.
package router
