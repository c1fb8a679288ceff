// Package engine implements the per-session state machine and the worker
// goroutine that owns it.
//
// ARCHITECTURE:
//
// Single Writer per Session:
// Each session is a Machine owned by exactly one Worker. All mutation
// happens on the worker goroutine, so readings for one session are
// processed strictly in arrival order while different sessions run in
// parallel.
//
// Reading Flow:
//  1. Caller enqueues a command (reading, pause, approval, ...)
//  2. Worker dequeues it and calls the Machine
//  3. Machine normalizes, evaluates rules, records the event, moves the cursor
//  4. Worker persists the event (log and continue on failure)
//  5. Worker publishes notifications, then replies to the caller
//
// Abort is not queued. It closes a channel the worker selects on, so a
// session blocked waiting for input can still be aborted.
//
// Ordering:
// Events and notifications are stamped from a shared logical Clock.
// Never use wall-clock timestamps for ordering.
package engine
