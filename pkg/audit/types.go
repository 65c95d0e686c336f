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

import "time"

// EventType identifies a lifecycle transition of a queued email.
type EventType string

const (
	EventJobEnqueued  EventType = "job.enqueued"
	EventJobClaimed   EventType = "job.claimed"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobExhausted EventType = "job.exhausted"
	EventJobRecovered EventType = "job.recovered"
	EventJobReset     EventType = "job.reset"
)

// Severity indicates how much attention an event deserves.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityForEventType returns the default severity for an event type.
func SeverityForEventType(t EventType) Severity {
	switch t {
	case EventJobFailed, EventJobRecovered:
		return SeverityWarning
	case EventJobExhausted:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Actor is whoever caused the event. Worker-driven events use the "system" user.
type Actor struct {
	User     string `json:"user"`
	SourceIP string `json:"sourceIP,omitempty"`
}

// SystemActor is the actor recorded for events raised by the delivery worker.
var SystemActor = Actor{User: "system"}

// Event is one lifecycle event. The HTML body is never included.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	JobID     string         `json:"jobId,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Status    string         `json:"status,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
