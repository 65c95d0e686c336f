// Package metrics defines Prometheus metrics for the mail queue service,
// covering job lifecycle, mail transport, storage, event sinks and the admin API.
package metrics
