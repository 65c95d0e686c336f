package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePaging(t *testing.T) {
	tests := []struct {
		name             string
		page, size       int
		wantPage, wantSz int
	}{
		{"defaults", 0, 0, 1, DefaultPageSize},
		{"negative", -3, -1, 1, DefaultPageSize},
		{"capped", 2, 500, 2, MaxPageSize},
		{"unchanged", 3, 25, 3, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, s := NormalizePaging(tt.page, tt.size)
			assert.Equal(t, tt.wantPage, p)
			assert.Equal(t, tt.wantSz, s)
		})
	}
}

func TestPageCount(t *testing.T) {
	assert.Equal(t, 0, pageCount(0, 10))
	assert.Equal(t, 1, pageCount(10, 10))
	assert.Equal(t, 2, pageCount(11, 10))
}

func TestBuildStats(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	jobs := []Job{
		{Status: StatusCompleted, Attempts: 1, CreatedAt: now.Add(-time.Hour)},
		{Status: StatusCompleted, Attempts: 2, CreatedAt: now.Add(-2 * time.Hour)},
		{Status: StatusFailed, Attempts: 5, CreatedAt: now.Add(-48 * time.Hour)},
		{Status: StatusPending, CreatedAt: now.Add(-24 * time.Hour)},
	}
	stats := buildStats(jobs, now)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 3, stats.Last24Hours)
	require.Len(t, stats.ByStatus, 3)
	assert.Equal(t, StatusCount{Status: StatusPending, Count: 1, AvgAttempts: 0}, stats.ByStatus[0])
	assert.Equal(t, StatusCount{Status: StatusCompleted, Count: 2, AvgAttempts: 1.5}, stats.ByStatus[1])
	assert.Equal(t, StatusCount{Status: StatusFailed, Count: 1, AvgAttempts: 5}, stats.ByStatus[2])
	assert.Equal(t, 0, stats.Count(StatusProcessing))
	assert.Equal(t, 2, stats.Count(StatusCompleted))
}

func TestFilterMatches(t *testing.T) {
	job := &Job{To: "Alice@Example.com", Subject: "Verify your email", Status: StatusFailed}
	assert.True(t, Filter{}.matches(job))
	assert.True(t, Filter{Search: "alice"}.matches(job))
	assert.True(t, Filter{Search: "VERIFY"}.matches(job))
	assert.True(t, Filter{Status: StatusFailed, Search: "example"}.matches(job))
	assert.False(t, Filter{Status: StatusPending}.matches(job))
	assert.False(t, Filter{Search: "bob"}.matches(job))
	assert.False(t, Filter{Search: ".*"}.matches(job))
}

func TestStorageError(t *testing.T) {
	err := storageErr("get", ErrNotFound)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "get", se.Op)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, "queue store get: email job not found", err.Error())
	assert.NoError(t, storageErr("get", nil))
}
