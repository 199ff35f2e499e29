// Package tools provides host command execution shared by platform probes and
// execution hosts.
//
// Ownership boundary:
// - command execution helpers
// - bounded output capture
package tools
