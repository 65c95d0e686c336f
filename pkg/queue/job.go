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

package queue

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Status is the delivery state of a queued email.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// ParseStatus converts a query or config value into a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Default queue policy.
const (
	DefaultMaxAttempts = 5
	DefaultCooldown    = 5 * time.Minute
	DefaultBatchSize   = 5
)

// InterruptedError is recorded on jobs that were found stuck in processing.
const InterruptedError = "delivery interrupted"

// Job is one queued email. Attempts is a lifetime counter and never decreases.
type Job struct {
	ID          string     `json:"id" yaml:"id"`
	To          string     `json:"to" yaml:"to"`
	Subject     string     `json:"subject" yaml:"subject"`
	HTML        string     `json:"html" yaml:"html"`
	Status      Status     `json:"status" yaml:"status"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	LastAttempt *time.Time `json:"lastAttempt,omitempty" yaml:"lastAttempt,omitempty"`
	Error       string     `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt" yaml:"updatedAt"`
}

// Terminal reports whether the job can no longer change through processing.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted
}

var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusPending},
	StatusFailed:     {StatusProcessing, StatusPending},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
}

// IsValidTransition reports whether the processor or an operator reset may move a job
// from one status to another. Nothing leaves completed.
func IsValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// sourcesOf lists the statuses from which a job may move to to.
func sourcesOf(to Status) []string {
	var from []string
	for _, st := range AllStatuses {
		if IsValidTransition(st, to) {
			from = append(from, string(st))
		}
	}
	return from
}

// checkSave decides whether next may replace current. Rewriting the same status and
// attempt count is accepted so a retried save stays idempotent.
func checkSave(current, next *Job) error {
	if current.Terminal() {
		return ErrTerminal
	}
	if next.Attempts < current.Attempts {
		return ErrInvalidTransition
	}
	if current.Status == next.Status && current.Attempts == next.Attempts {
		return nil
	}
	if !IsValidTransition(current.Status, next.Status) {
		return ErrInvalidTransition
	}
	return nil
}

// checkContent rejects fields that would not survive storage unchanged.
func checkContent(fields ...string) error {
	for _, f := range fields {
		if !utf8.ValidString(f) {
			return ErrInvalidContent
		}
	}
	return nil
}

// EligibilityPolicy decides which jobs a tick may pick up.
type EligibilityPolicy struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// DefaultEligibilityPolicy is 5 lifetime attempts with a 5 minute cooldown.
func DefaultEligibilityPolicy() EligibilityPolicy {
	return EligibilityPolicy{MaxAttempts: DefaultMaxAttempts, Cooldown: DefaultCooldown}
}

// CooldownCutoff is the latest lastAttempt that has cooled down at now.
func (p EligibilityPolicy) CooldownCutoff(now time.Time) time.Time {
	return now.Add(-p.Cooldown)
}

// Eligible reports whether the job may be attempted at now. A job is eligible when it is
// pending or failed, has attempts left and its last attempt is at least Cooldown old.
// A pending job that has used up its attempts was reset by an operator and gets exactly
// one more attempt; once that attempt fails the job is failed and stays ineligible.
func (p EligibilityPolicy) Eligible(j *Job, now time.Time) bool {
	switch j.Status {
	case StatusPending:
		if j.Attempts >= p.MaxAttempts {
			return true
		}
	case StatusFailed:
		if j.Attempts >= p.MaxAttempts {
			return false
		}
	default:
		return false
	}
	if j.LastAttempt == nil {
		return true
	}
	return !j.LastAttempt.After(p.CooldownCutoff(now))
}

// markClaimed applies the claim transition in place.
func (j *Job) markClaimed(now time.Time) {
	j.Status = StatusProcessing
	j.Attempts++
	t := now
	j.LastAttempt = &t
	j.Error = ""
	j.UpdatedAt = now
}
