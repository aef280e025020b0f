package models

import (
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TypeBuildApp is the only job type the monitor actively watches.
const TypeBuildApp = "build_app"

// Payload keys the monitor reads and rewrites. The rest of the payload is
// opaque to this service and owned by whoever enqueued the job.
const (
	PayloadRetryCount = "retryCount"
	PayloadProvider   = "provider"
	PayloadLastFix    = "lastFix"
)

// Job represents a build task persisted in Postgres.
type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Priority    int            `json:"priority"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RetryCount reads payload.retryCount, tolerating the numeric types JSON
// round-tripping produces.
func (j Job) RetryCount() int {
	switch v := j.Payload[PayloadRetryCount].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

// Provider reads payload.provider, empty when unset.
func (j Job) Provider() string {
	if v, ok := j.Payload[PayloadProvider].(string); ok {
		return v
	}
	return ""
}

// ErrorMessage returns the error text, empty when no error is recorded.
func (j Job) ErrorMessage() string {
	if j.Error != nil {
		return *j.Error
	}
	return ""
}

// BacklogItem is the durable record of a job that exhausted automated
// remediation and needs human triage.
type BacklogItem struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message"`
	LastFix      string    `json:"last_fix,omitempty"`
	Retries      int       `json:"retries"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobEvent is a simple audit event row.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
