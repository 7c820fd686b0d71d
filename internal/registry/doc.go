// Package registry owns the declarative agent registry file.
//
// Ownership boundary:
// - agent definition shape
//
// - registry file parsing and validation
//
// The registry is read once per load; definitions are immutable afterwards.
package registry
