package domain

import "strings"

// PlatformEvent is the raw inbound event produced by a chat platform
// connector or by the direct API path
type PlatformEvent struct {
	Platform       string            `json:"platform" binding:"required"`
	OrganizationID string            `json:"organization_id" binding:"required"`
	UserID         string            `json:"user_id" binding:"required"`
	ChannelID      string            `json:"channel_id"`
	ThreadID       string            `json:"thread_id"`
	EventID        string            `json:"event_id"`
	EventTimestamp string            `json:"event_ts"`
	Text           string            `json:"text" binding:"required"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IdempotencyKey derives the platform-side redelivery key. Platforms that
// send an explicit event id use it; otherwise timestamp plus channel.
func (e PlatformEvent) IdempotencyKey() string {
	if e.EventID != "" {
		return e.Platform + ":" + e.EventID
	}
	if e.EventTimestamp == "" {
		return ""
	}
	return e.Platform + ":" + e.ChannelID + ":" + e.EventTimestamp
}

// Source describes where a request came from and where its reply goes
type Source struct {
	Platform  string            `json:"platform"`
	ChannelID string            `json:"channel_id,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CanonicalEvent is the normalized request shape consumed by orchestration
type CanonicalEvent struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	RequestText    string `json:"request_text"`
	Source         Source `json:"source"`
}

// Normalize converts a platform event into the canonical shape. The session
// is the conversation thread, falling back to the channel.
func (e PlatformEvent) Normalize() CanonicalEvent {
	session := e.ThreadID
	if session == "" {
		session = e.ChannelID
	}
	if session == "" {
		session = e.UserID
	}
	return CanonicalEvent{
		OrganizationID: strings.TrimSpace(e.OrganizationID),
		UserID:         strings.TrimSpace(e.UserID),
		SessionID:      e.Platform + ":" + session,
		RequestText:    strings.TrimSpace(stripMentions(e.Text)),
		Source: Source{
			Platform:  e.Platform,
			ChannelID: e.ChannelID,
			ThreadID:  e.ThreadID,
			Metadata:  e.Metadata,
		},
	}
}

// stripMentions drops leading "<@U123>" style mention tokens
func stripMentions(text string) string {
	fields := strings.Fields(text)
	i := 0
	for i < len(fields) && strings.HasPrefix(fields[i], "<@") && strings.HasSuffix(fields[i], ">") {
		i++
	}
	return strings.Join(fields[i:], " ")
}

// OrchestrationPayload is the payload of an orchestration job
type OrchestrationPayload struct {
	Event CanonicalEvent `json:"event"`
	Model string         `json:"model,omitempty"`
}

// NotificationPayload is the payload of a notification job
type NotificationPayload struct {
	IdempotencyKey string `json:"idempotency_key"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	SessionID      string `json:"session_id"`
	Destination    Source `json:"destination"`
	Text           string `json:"text"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	SourceJobID    string `json:"source_job_id"`
}
