// Package tools provides reusable runtime helpers shared by controller modules.
//
// Ownership boundary:
// - command execution helpers
//
// - local and remote (SSH) runner primitives
package tools
