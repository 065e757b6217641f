// Package progress provides the event primitives, batching hub, and emitter
// interface the scheduler uses to report mirroring progress. Events are
// batched on a background goroutine and fanned out, in emission order, to
// pluggable sinks such as the console log, Prometheus collectors, or the
// in-memory tally behind the status server.
package progress
