package dto

import "time"

type EventAcceptedResponse struct {
	JobID string `json:"job_id"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type ListDeadLettersRequest struct {
	OrganizationID string `form:"organization_id"`
	Limit          int    `form:"limit"`
	Cursor         string `form:"cursor"`
}

type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterDTO `json:"dead_letters"`
	NextCursor  string          `json:"next_cursor,omitempty"`
}

type DeadLetterDTO struct {
	JobID           string     `json:"job_id"`
	Queue           string     `json:"queue"`
	OrganizationID  string     `json:"organization_id"`
	UserID          string     `json:"user_id,omitempty"`
	Attempts        int        `json:"attempts"`
	Reason          string     `json:"reason"`
	FailedAt        string     `json:"failed_at"`
	ReplayCount     int        `json:"replay_count"`
	LastReplayedAt  *time.Time `json:"last_replayed_at,omitempty"`
	LastReplayJobID string     `json:"last_replay_job_id,omitempty"`
}

type ReplayResponse struct {
	JobID    string `json:"job_id"`
	NewJobID string `json:"new_job_id"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}
