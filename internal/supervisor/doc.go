// Package supervisor owns agent instance lifecycle.
//
// Ownership boundary:
// - per-instance state machine (pending through stopped/failed)
//
// - bounded crash restarts with backoff and crash-loop detection
//
// - the instance table; no other package tracks running instances
//
// Invariant: at most one active instance per agent id at any time.
package supervisor
