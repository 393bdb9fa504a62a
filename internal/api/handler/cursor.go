package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// DeadLetterCursor marks the last record of a dead-letter page
type DeadLetterCursor struct {
	FailedAt time.Time
	JobID    string
}

func DecodeDeadLetterCursor(cursorStr string) (*DeadLetterCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var failedAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &failedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid failedAt in cursor: %w", err)
	}

	return &DeadLetterCursor{
		FailedAt: time.UnixMilli(failedAt).UTC(),
		JobID:    decodedParts[1],
	}, nil
}

func EncodeDeadLetterCursor(cursor *DeadLetterCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.FailedAt.UnixMilli(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
