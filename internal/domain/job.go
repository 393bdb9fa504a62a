package domain

import (
	"encoding/json"
	"time"
)

// Job is one unit of queued work
type Job struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	CreatedAt      time.Time       `json:"created_at"`
	OrganizationID string          `json:"organization_id"`
	UserID         string          `json:"user_id,omitempty"`
	LastError      string          `json:"last_error,omitempty"`

	// Set while the job is leased. Never persisted inside the job document.
	LeaseToken string `json:"-"`
	WorkerID   string `json:"-"`
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v any) error {
	if len(j.Payload) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return NewPermanentError(ErrInvalidPayload)
	}
	return nil
}

// DeadLetterRecord is a permanent copy of a terminally failed job
type DeadLetterRecord struct {
	Job      Job       `json:"job"`
	Queue    string    `json:"queue"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`

	// Replay bookkeeping, the only mutable part of the record
	ReplayCount     int        `json:"replay_count"`
	LastReplayedAt  *time.Time `json:"last_replayed_at,omitempty"`
	LastReplayJobID string     `json:"last_replay_job_id,omitempty"`
}

// QueueCounts is a point-in-time view of one queue
type QueueCounts struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Delayed   int64  `json:"delayed"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Retried   int64  `json:"retried"`
	Reclaimed int64  `json:"reclaimed"`
}
