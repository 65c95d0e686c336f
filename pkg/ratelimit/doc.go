// Package ratelimit provides keyed token-bucket rate limiting for the admin API:
// per client IP before authentication and per user once a caller is known.
package ratelimit
