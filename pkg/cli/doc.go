// Package cli defines the server-side CLI flag configuration for the mailqueue
// binary. Every flag falls back to an environment variable.
package cli
