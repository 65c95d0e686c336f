// Package audit publishes email job lifecycle events (enqueued, claimed, completed,
// failed, recovered, reset) to configurable sinks: the zap log, a Kafka topic and an
// AMQP exchange. Every sink runs behind its own queue and circuit breaker so a slow or
// unreachable broker never blocks the delivery worker.
package audit
