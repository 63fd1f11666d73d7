// Package orchestrator drives a chat's task through repeated evaluator and
// worker turns until the evaluator declares it complete.
//
// # Overview
//
// A Bridge owns one logical stream per chat. Starting a task extracts a
// plan and runs the loop on its own goroutine:
//
//	evaluator → (continue) worker → evaluator → ... → complete | aborted
//
// The evaluator may also ask the user for input, which parks the task in
// awaiting_feedback until the next inbound message for that chat.
//
// # Sessions
//
// Every engine call carries the chat's latest SessionHandle and every
// result replaces it. Reset installs a fresh handle; results from calls
// issued before the reset are discarded.
//
// # Events
//
// Lifecycle changes are reported to a Sink as Events with deterministic
// message IDs of the form <taskID>:<kind>:<n>, so a re-emitted event is
// suppressed by the dispatcher's dedup cache.
//
// # Failures
//
// A failed engine call is retried once with the same handle. A second
// consecutive failure aborts the task with an error event.
package orchestrator
