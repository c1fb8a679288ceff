// Package orchestrator is the session registry, concurrency manager and
// session API.
//
// ARCHITECTURE:
//
// One Worker per Session:
// CreateSession claims the specification instance and the wrench, then
// starts an engine.Worker goroutine that owns the session. Every API call
// for that session is a command on the worker's queue.
//
// Claims:
// Claims are sync.Map entries taken with LoadOrStore, so two concurrent
// CreateSession calls for the same key cannot both win. Claims are released
// after the worker exits, before EndSession or AbortSession return.
//
// Fan-out:
// Each notification from a worker goes, in order, to the metrics
// aggregator, the session's Broadcaster, and the audit Notifier.
package orchestrator
