/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/metrics"
)

// QueuedSinkConfig configures a QueuedSink.
type QueuedSinkConfig struct {
	// QueueSize bounds the events waiting for the sink. Default: 1000
	QueueSize int
	// WorkerCount is the number of writers. 1 keeps per-job event order. Default: 1
	WorkerCount int
	// WriteTimeout bounds one write to the sink. Default: 5s
	WriteTimeout time.Duration
	// WarnOnDrop logs every dropped event. Drops are always counted.
	WarnOnDrop bool
	// FailureThreshold consecutive failed writes pause the sink. Default: 5
	FailureThreshold int
	// PauseFor is how long a paused sink drops events before writing again. Default: 30s
	PauseFor time.Duration
}

// DefaultQueuedSinkConfig returns the defaults used by the server.
func DefaultQueuedSinkConfig() QueuedSinkConfig {
	return QueuedSinkConfig{
		QueueSize:        1000,
		WorkerCount:      1,
		WriteTimeout:     5 * time.Second,
		FailureThreshold: 5,
		PauseFor:         30 * time.Second,
	}
}

func (c QueuedSinkConfig) withDefaults() QueuedSinkConfig {
	d := DefaultQueuedSinkConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.PauseFor <= 0 {
		c.PauseFor = d.PauseFor
	}
	return c
}

// QueuedSinkHealth is a snapshot of one queued sink.
type QueuedSinkHealth struct {
	Name             string    `json:"name"`
	Healthy          bool      `json:"healthy"`
	QueueLength      int       `json:"queueLength"`
	QueueCapacity    int       `json:"queueCapacity"`
	DroppedEvents    int64     `json:"droppedEvents"`
	SupersededEvents int64     `json:"supersededEvents"`
	ProcessedEvents  int64     `json:"processedEvents"`
	FailedEvents     int64     `json:"failedEvents"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	Paused           bool      `json:"paused"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorTime    time.Time `json:"lastErrorTime,omitempty"`
	LastSuccessTime  time.Time `json:"lastSuccessTime,omitempty"`
}

// supersedable events only report progress. When the buffer is full they give
// way to events that carry a job outcome, since the outcome implies the claim.
func supersedable(t EventType) bool {
	return t == EventJobClaimed
}

// eventBuffer is a bounded FIFO of pending events.
type eventBuffer struct {
	mu     sync.Mutex
	ready  *sync.Cond
	events []*Event
	size   int
	closed bool
}

func newEventBuffer(size int) *eventBuffer {
	b := &eventBuffer{events: make([]*Event, 0, size), size: size}
	b.ready = sync.NewCond(&b.mu)
	return b
}

// push queues e. On a full buffer an outcome event replaces the oldest queued
// progress event; anything else is refused.
func (b *eventBuffer) push(e *Event) (queued bool, replaced *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, nil
	}
	if len(b.events) >= b.size {
		if supersedable(e.Type) {
			return false, nil
		}
		i := slices.IndexFunc(b.events, func(q *Event) bool { return supersedable(q.Type) })
		if i < 0 {
			return false, nil
		}
		replaced = b.events[i]
		b.events = slices.Delete(b.events, i, i+1)
	}
	b.events = append(b.events, e)
	b.ready.Signal()
	return true, replaced
}

// pop waits for the next event. It returns false once the buffer is closed and empty.
func (b *eventBuffer) pop() (*Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.events) == 0 && !b.closed {
		b.ready.Wait()
	}
	if len(b.events) == 0 {
		return nil, false
	}
	e := b.events[0]
	b.events[0] = nil
	b.events = b.events[1:]
	return e, true
}

func (b *eventBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.ready.Broadcast()
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// QueuedSink decouples Emit from a slow or unreachable broker. Events wait in a
// bounded buffer and are written by background workers. After FailureThreshold
// consecutive failures the sink is paused and drops events for PauseFor.
type QueuedSink struct {
	sink   Sink
	buf    *eventBuffer
	config QueuedSinkConfig
	logger *zap.Logger

	dropped    atomic.Int64
	superseded atomic.Int64
	processed  atomic.Int64
	failed     atomic.Int64

	consecutiveFails atomic.Int32
	// pausedUntil is a UnixNano deadline, 0 while writing normally.
	pausedUntil atomic.Int64

	mu              sync.RWMutex
	lastError       string
	lastErrorTime   time.Time
	lastSuccessTime time.Time

	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewQueuedSink starts the workers for sink.
func NewQueuedSink(sink Sink, cfg QueuedSinkConfig, logger *zap.Logger) *QueuedSink {
	cfg = cfg.withDefaults()
	qs := &QueuedSink{
		sink:   sink,
		buf:    newEventBuffer(cfg.QueueSize),
		config: cfg,
		logger: logger.Named("queued-sink").With(zap.String("sink", sink.Name())),
	}
	for i := range cfg.WorkerCount {
		qs.wg.Add(1)
		go qs.run(i)
	}
	qs.logger.Info("queued sink started",
		zap.Int("queueSize", cfg.QueueSize),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("writeTimeout", cfg.WriteTimeout),
		zap.Int("failureThreshold", cfg.FailureThreshold))
	return qs
}

// Write queues the event and returns immediately. Dropped events are counted,
// not reported as errors.
func (qs *QueuedSink) Write(_ context.Context, event *Event) error {
	if qs.closed.Load() {
		return fmt.Errorf("queued sink %s is closed", qs.sink.Name())
	}
	if qs.paused() {
		qs.drop(event, "circuit_open")
		return nil
	}

	queued, replaced := qs.buf.push(event)
	if replaced != nil {
		qs.superseded.Add(1)
		qs.drop(replaced, "superseded")
	}
	if !queued {
		qs.drop(event, "queue_full")
	}
	return nil
}

func (qs *QueuedSink) drop(event *Event, reason string) {
	qs.dropped.Add(1)
	metrics.EventsDropped.WithLabelValues(qs.sink.Name(), reason).Inc()
	if qs.config.WarnOnDrop {
		qs.logger.Warn("dropping lifecycle event",
			zap.String("reason", reason),
			zap.String("eventType", string(event.Type)),
			zap.String("eventId", event.ID),
			zap.String("jobId", event.JobID))
	}
}

// paused reports whether writes are suspended. Once PauseFor has passed the
// first caller resumes the sink.
func (qs *QueuedSink) paused() bool {
	until := qs.pausedUntil.Load()
	if until == 0 {
		return false
	}
	if time.Now().UnixNano() < until {
		return true
	}
	if qs.pausedUntil.CompareAndSwap(until, 0) {
		qs.consecutiveFails.Store(0)
		qs.logger.Info("resuming event sink after pause")
	}
	return false
}

func (qs *QueuedSink) run(worker int) {
	defer qs.wg.Done()
	for {
		event, ok := qs.buf.pop()
		if !ok {
			return
		}
		qs.deliver(worker, event)
	}
}

func (qs *QueuedSink) deliver(worker int, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), qs.config.WriteTimeout)
	err := qs.sink.Write(ctx, event)
	cancel()

	now := time.Now()
	if err == nil {
		qs.processed.Add(1)
		qs.consecutiveFails.Store(0)
		qs.mu.Lock()
		qs.lastSuccessTime = now
		qs.mu.Unlock()
		return
	}

	qs.failed.Add(1)
	fails := qs.consecutiveFails.Add(1)
	metrics.EventSinkErrors.WithLabelValues(qs.sink.Name(), "write").Inc()
	qs.mu.Lock()
	qs.lastError = err.Error()
	qs.lastErrorTime = now
	qs.mu.Unlock()

	qs.logger.Error("failed to write lifecycle event",
		zap.Int("worker", worker),
		zap.String("eventId", event.ID),
		zap.String("eventType", string(event.Type)),
		zap.String("jobId", event.JobID),
		zap.Error(err),
		zap.Int32("consecutiveFails", fails))

	if int(fails) >= qs.config.FailureThreshold &&
		qs.pausedUntil.CompareAndSwap(0, now.Add(qs.config.PauseFor).UnixNano()) {
		qs.logger.Warn("pausing event sink after repeated failures",
			zap.Int32("consecutiveFails", fails),
			zap.Duration("pauseFor", qs.config.PauseFor))
	}
}

// Health returns a snapshot. The sink counts as healthy while it is not paused,
// its buffer is below 80% and it either wrote recently or never failed.
func (qs *QueuedSink) Health() QueuedSinkHealth {
	qs.mu.RLock()
	lastError, lastErrorTime, lastSuccessTime := qs.lastError, qs.lastErrorTime, qs.lastSuccessTime
	qs.mu.RUnlock()

	until := qs.pausedUntil.Load()
	paused := until != 0 && time.Now().UnixNano() < until
	queueLen := qs.buf.len()
	healthy := !paused &&
		float64(queueLen) < float64(qs.config.QueueSize)*0.8 &&
		(lastSuccessTime.After(time.Now().Add(-time.Minute)) || lastErrorTime.IsZero())

	return QueuedSinkHealth{
		Name:             qs.sink.Name(),
		Healthy:          healthy,
		QueueLength:      queueLen,
		QueueCapacity:    qs.config.QueueSize,
		DroppedEvents:    qs.dropped.Load(),
		SupersededEvents: qs.superseded.Load(),
		ProcessedEvents:  qs.processed.Load(),
		FailedEvents:     qs.failed.Load(),
		ConsecutiveFails: int(qs.consecutiveFails.Load()),
		Paused:           paused,
		LastError:        lastError,
		LastErrorTime:    lastErrorTime,
		LastSuccessTime:  lastSuccessTime,
	}
}

// Close writes the events still buffered, then closes the sink.
func (qs *QueuedSink) Close() error {
	if qs.closed.Swap(true) {
		return nil
	}
	qs.buf.close()
	qs.wg.Wait()
	return qs.sink.Close()
}

func (qs *QueuedSink) Name() string {
	return qs.sink.Name()
}

// IsolatedMultiSink fans every event out to one QueuedSink per broker, so a
// broker that is down only loses its own events.
type IsolatedMultiSink struct {
	sinks []*QueuedSink
}

func NewIsolatedMultiSink(sinks []Sink, cfg QueuedSinkConfig, logger *zap.Logger) *IsolatedMultiSink {
	queued := make([]*QueuedSink, 0, len(sinks))
	for _, sink := range sinks {
		queued = append(queued, NewQueuedSink(sink, cfg, logger))
	}
	return &IsolatedMultiSink{sinks: queued}
}

func (ims *IsolatedMultiSink) Write(ctx context.Context, event *Event) error {
	for _, qs := range ims.sinks {
		_ = qs.Write(ctx, event)
	}
	return nil
}

func (ims *IsolatedMultiSink) Close() error {
	var errs []error
	for _, qs := range ims.sinks {
		if err := qs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", qs.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (ims *IsolatedMultiSink) Name() string {
	return "isolated-multi"
}

func (ims *IsolatedMultiSink) Health() []QueuedSinkHealth {
	healths := make([]QueuedSinkHealth, 0, len(ims.sinks))
	for _, qs := range ims.sinks {
		healths = append(healths, qs.Health())
	}
	return healths
}
