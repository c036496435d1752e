// Package handler manages handler types and the instances they create
// for rules.
//
// A Type turns rule parameters into a Handler. By default every rule gets
// its own instance; types implementing Shareable get one instance per
// distinct parameter set, and types implementing Eager are set up while a
// reload is prepared instead of on first use.
//
// Requests take a Lease on an instance for their duration. When a reload
// stops referencing an instance it is retired: it keeps serving the
// leases already taken and is released exactly once when the last one
// ends. Instances still busy after the drain timeout are torn down and
// their leases are cancelled with util.ErrResourceTornDown.
package handler
