package queue

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Store persists email jobs. Every method is atomic per job.
type Store interface {
	// Enqueue inserts a pending job with zero attempts and returns its id. Fields that
	// are not valid UTF-8 fail with ErrInvalidContent.
	Enqueue(ctx context.Context, to, subject, html string) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	// SelectEligible returns up to limit eligible jobs, oldest first. It does not lock.
	SelectEligible(ctx context.Context, now time.Time, p EligibilityPolicy, limit int) ([]Job, error)
	// Claim moves an eligible job to processing, incrementing attempts. It returns nil
	// without error when the job is no longer eligible.
	Claim(ctx context.Context, id string, now time.Time, p EligibilityPolicy) (*Job, error)
	// Save writes the whole job. Writes to a completed job fail with ErrTerminal, and
	// a status change outside IsValidTransition or a lower attempt count fails with
	// ErrInvalidTransition.
	Save(ctx context.Context, job *Job) error
	QueryStats(ctx context.Context, now time.Time) (*Stats, error)
	QueryPage(ctx context.Context, filter Filter, page, pageSize int) (*Page, error)
	// ResetForRetry marks the jobs pending and clears their error. Attempts are kept.
	// Repeated ids count once.
	ResetForRetry(ctx context.Context, ids []string) (int, error)
	// RecoverStale fails jobs that have been processing since before olderThan.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)
	Close() error
}

// Filter narrows QueryPage. Search is a case-insensitive literal substring of the
// recipient or subject.
type Filter struct {
	Status Status
	Search string
}

func (f Filter) matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Search == "" {
		return true
	}
	needle := strings.ToLower(f.Search)
	return strings.Contains(strings.ToLower(j.To), needle) || strings.Contains(strings.ToLower(j.Subject), needle)
}

// Page is one page of jobs, newest first.
type Page struct {
	Jobs        []Job `json:"emails" yaml:"emails"`
	Total       int   `json:"total" yaml:"total"`
	Pages       int   `json:"pages" yaml:"pages"`
	CurrentPage int   `json:"currentPage" yaml:"currentPage"`
}

// StatusCount aggregates the jobs in one status.
type StatusCount struct {
	Status      Status  `json:"status" yaml:"status"`
	Count       int     `json:"count" yaml:"count"`
	AvgAttempts float64 `json:"avgAttempts" yaml:"avgAttempts"`
}

// Stats summarizes the queue.
type Stats struct {
	ByStatus    []StatusCount `json:"stats" yaml:"stats"`
	Last24Hours int           `json:"last24Hours" yaml:"last24Hours"`
	Total       int           `json:"totalEmails" yaml:"totalEmails"`
}

// Count returns the number of jobs in status s.
func (s *Stats) Count(st Status) int {
	for _, c := range s.ByStatus {
		if c.Status == st {
			return c.Count
		}
	}
	return 0
}

// Paging bounds used by QueryPage callers.
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// NormalizePaging clamps page to >= 1 and pageSize to [1, MaxPageSize].
func NormalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func pageCount(total, pageSize int) int {
	if total == 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// uniqueIDs drops repeated ids, keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// buildStats aggregates jobs in memory. Statuses without jobs are omitted.
func buildStats(jobs []Job, now time.Time) *Stats {
	type acc struct {
		count    int
		attempts int
	}
	byStatus := map[Status]*acc{}
	stats := &Stats{ByStatus: []StatusCount{}}
	since := now.Add(-24 * time.Hour)
	for i := range jobs {
		j := &jobs[i]
		a, ok := byStatus[j.Status]
		if !ok {
			a = &acc{}
			byStatus[j.Status] = a
		}
		a.count++
		a.attempts += j.Attempts
		if !j.CreatedAt.Before(since) {
			stats.Last24Hours++
		}
		stats.Total++
	}
	for _, st := range AllStatuses {
		if a, ok := byStatus[st]; ok {
			stats.ByStatus = append(stats.ByStatus, StatusCount{
				Status:      st,
				Count:       a.count,
				AvgAttempts: float64(a.attempts) / float64(a.count),
			})
		}
	}
	return stats
}

func sortOldestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
}

func sortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}
