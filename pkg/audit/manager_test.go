package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_EmitFillsDefaults(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(sink, zap.NewNop())
	fixed := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	m.EmitJob(context.Background(), EventJobFailed, JobInfo{
		ID: "job-1", To: "a@example.com", Subject: "Hi", Status: "failed", Attempts: 3, Error: "boom",
	})

	events := sink.Events()
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, fixed, e.Timestamp)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.Equal(t, SystemActor, e.Actor)
	assert.Equal(t, "job-1", e.JobID)
	assert.Equal(t, 3, e.Attempts)
	assert.Equal(t, "boom", e.Error)
}

func TestManager_JobsReset(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	m := NewManager(sink, zap.NewNop())

	m.JobsReset(context.Background(), Actor{User: "admin@example.com", SourceIP: "10.0.0.1"}, []string{"a", "b"}, 1)

	e := sink.Events()[0]
	assert.Equal(t, EventJobReset, e.Type)
	assert.Equal(t, "admin@example.com", e.Actor.User)
	assert.Equal(t, []string{"a", "b"}, e.Details["ids"])
	assert.Equal(t, 1, e.Details["matched"])
}

func TestManager_SinkErrorsAreCounted(t *testing.T) {
	m := NewManager(&recordingSink{name: "bad", err: errors.New("down")}, zap.NewNop())
	m.Emit(context.Background(), &Event{Type: EventJobEnqueued})
	emitted, failed := m.Stats()
	assert.Equal(t, int64(1), emitted)
	assert.Equal(t, int64(1), failed)
}

func TestManager_NilAndClosed(t *testing.T) {
	var nilManager *Manager
	assert.NotPanics(t, func() {
		nilManager.Emit(context.Background(), &Event{})
		nilManager.EmitJob(context.Background(), EventJobClaimed, JobInfo{})
		nilManager.JobsReset(context.Background(), SystemActor, nil, 0)
		_ = nilManager.Close()
	})

	sink := &recordingSink{name: "rec"}
	m := NewManager(sink, zap.NewNop())
	require.NoError(t, m.Close())
	assert.True(t, sink.closed)
	m.Emit(context.Background(), &Event{Type: EventJobEnqueued})
	assert.Empty(t, sink.Events())
}

func TestManager_SinkHealth(t *testing.T) {
	var nilManager *Manager
	assert.Nil(t, nilManager.SinkHealth())
	assert.Nil(t, NewManager(&recordingSink{name: "rec"}, zap.NewNop()).SinkHealth())

	ims := NewIsolatedMultiSink([]Sink{&recordingSink{name: "a"}, &recordingSink{name: "b"}}, DefaultQueuedSinkConfig(), zap.NewNop())
	m := NewManager(ims, zap.NewNop())
	defer func() { _ = m.Close() }()
	healths := m.SinkHealth()
	require.Len(t, healths, 2)
	assert.Equal(t, "a", healths[0].Name)
	assert.Equal(t, "b", healths[1].Name)
}
