package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// recordingSink keeps every event it receives and optionally fails.
type recordingSink struct {
	name   string
	mu     sync.Mutex
	events []*Event
	err    error
	closed bool
}

func (s *recordingSink) Write(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func TestLogSink_Write(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	err := sink.Write(context.Background(), &Event{
		ID:        "evt-1",
		Type:      EventJobFailed,
		Severity:  SeverityWarning,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Actor:     SystemActor,
		JobID:     "job-1",
		Recipient: "user@example.com",
		Status:    "failed",
		Attempts:  2,
		Error:     "smtp down",
		Details:   map[string]any{"host": "smtp.example.com"},
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("email_job_event").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "evt-1", fields["eventId"])
	assert.Equal(t, "job.failed", fields["eventType"])
	assert.Equal(t, "job-1", fields["id"])
	assert.Equal(t, "user@example.com", fields["to"])
	assert.Equal(t, int64(2), fields["attempts"])
	assert.Equal(t, "smtp down", fields["error"])
	assert.Contains(t, fields["details"], "smtp.example.com")
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestLogSink_OmitsEmptyFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Write(context.Background(), &Event{ID: "e", Type: EventJobReset, Actor: SystemActor}))

	fields := logs.All()[0].ContextMap()
	assert.NotContains(t, fields, "error")
	assert.NotContains(t, fields, "attempts")
	assert.NotContains(t, fields, "details")
}

func TestMultiSink(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("boom")}
	multi := NewMultiSink(ok, bad)

	err := multi.Write(context.Background(), &Event{ID: "1", Type: EventJobEnqueued})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.Events(), 1)

	require.NoError(t, multi.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
	assert.Equal(t, "multi", multi.Name())
}

func TestSeverityForEventType(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Severity
	}{
		{EventJobEnqueued, SeverityInfo},
		{EventJobClaimed, SeverityInfo},
		{EventJobCompleted, SeverityInfo},
		{EventJobReset, SeverityInfo},
		{EventJobFailed, SeverityWarning},
		{EventJobRecovered, SeverityWarning},
		{EventJobExhausted, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, SeverityForEventType(tt.eventType))
		})
	}
}
