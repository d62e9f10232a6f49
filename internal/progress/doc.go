// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces through which a crawl session reports its milestones. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or structured logging.
package progress
