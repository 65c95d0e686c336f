// Package queue implements the durable outbound email queue: the job model and
// eligibility rules, the Store contract with bolt and Postgres backends, and the
// Processor that claims eligible jobs and delivers them on a schedule.
package queue
