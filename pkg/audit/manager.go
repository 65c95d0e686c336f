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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// JobInfo is the part of a queued email that events carry.
type JobInfo struct {
	ID       string
	To       string
	Subject  string
	Status   string
	Attempts int
	Error    string
}

// Manager stamps events and hands them to a sink. Emit never blocks on a broker when
// the sink is an IsolatedMultiSink or a QueuedSink. A nil *Manager discards events.
type Manager struct {
	sink   Sink
	logger *zap.Logger
	closed atomic.Bool
	now    func() time.Time

	emitted atomic.Int64
	failed  atomic.Int64
}

// NewManager creates a Manager writing to sink.
func NewManager(sink Sink, logger *zap.Logger) *Manager {
	return &Manager{
		sink:   sink,
		logger: logger.Named("events"),
		now:    time.Now,
	}
}

// Emit fills in ID, timestamp and severity when unset and writes the event.
func (m *Manager) Emit(ctx context.Context, event *Event) {
	if m == nil || m.closed.Load() {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now().UTC()
	}
	if event.Severity == "" {
		event.Severity = SeverityForEventType(event.Type)
	}
	if event.Actor.User == "" {
		event.Actor = SystemActor
	}

	m.emitted.Add(1)
	if err := m.sink.Write(ctx, event); err != nil {
		m.failed.Add(1)
		m.logger.Warn("failed to emit event",
			zap.String("eventType", string(event.Type)),
			zap.String("id", event.JobID),
			zap.Error(err))
	}
}

// EmitJob emits an event describing a job.
func (m *Manager) EmitJob(ctx context.Context, t EventType, job JobInfo) {
	if m == nil {
		return
	}
	m.Emit(ctx, &Event{
		Type:      t,
		JobID:     job.ID,
		Recipient: job.To,
		Subject:   job.Subject,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Error:     job.Error,
	})
}

// JobsReset emits one reset event carrying the operator and the requested ids.
func (m *Manager) JobsReset(ctx context.Context, actor Actor, ids []string, matched int) {
	if m == nil {
		return
	}
	m.Emit(ctx, &Event{
		Type:  EventJobReset,
		Actor: actor,
		Details: map[string]any{
			"ids":     ids,
			"matched": matched,
		},
	})
}

// Stats returns the number of emitted events and how many of them the sink rejected.
func (m *Manager) Stats() (emitted, failed int64) {
	if m == nil {
		return 0, 0
	}
	return m.emitted.Load(), m.failed.Load()
}

// SinkHealth returns the per-sink health when the sink fans out through queued
// sinks, nil otherwise.
func (m *Manager) SinkHealth() []QueuedSinkHealth {
	if m == nil {
		return nil
	}
	switch s := m.sink.(type) {
	case *IsolatedMultiSink:
		return s.Health()
	case *QueuedSink:
		return []QueuedSinkHealth{s.Health()}
	}
	return nil
}

// Close closes the sink. Further events are discarded.
func (m *Manager) Close() error {
	if m == nil || m.closed.Swap(true) {
		return nil
	}
	return m.sink.Close()
}
