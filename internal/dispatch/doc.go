// Package dispatch validates client requests against the operation registry
// and runs them with the strategy matching their kind.
//
// Queries answer inline. Background and foreground operations are assigned
// a handle, emit a Start event before the reply is returned, run on their own
// goroutine and finish with exactly one End event. Foreground operations also
// need the exclusion gate (and device readiness); when either is unavailable
// the operation ends immediately with the error "busy".
package dispatch
