// Package controller composes the agent control plane.
//
// Ownership boundary:
// - registry load, image builds, and per-agent config resolution at startup
//
// - wiring the supervisor, registration keeper, and event journal together
//
// - the serve loop, control API server, and ordered shutdown
package controller
