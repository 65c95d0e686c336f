// Package admin provides the admin HTTP controller for the email queue: queue
// statistics, paginated listing, single job lookup, manual retry and enqueue.
package admin
