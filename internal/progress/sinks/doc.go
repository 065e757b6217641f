// Package sinks implements concrete progress consumers: console logging,
// Prometheus collectors, and an in-memory tally for the status server. Each
// sink satisfies the progress.Sink interface and is safe for repeated
// Consume/Close cycles.
package sinks
