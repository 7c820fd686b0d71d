// Package coral maintains agent registrations against the coordination server.
//
// Ownership boundary:
// - register/heartbeat/deregister requests and their retry policy
//
// - per-agent registration state (pending/active/lost)
//
// The coordination server itself is external; this package only consumes its
// register and heartbeat operations.
package coral
