// Package client is the HTTP client mqctl uses to talk to the mailqueue admin API.
package client
