// Package cmd implements the mqctl command tree.
package cmd
