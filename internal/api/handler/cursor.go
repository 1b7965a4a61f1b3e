package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/api/storage"
	"github.com/google/uuid"
)

func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var submitted int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &submitted)
	if err != nil {
		return nil, fmt.Errorf("invalid time_submitted in cursor: %w", err)
	}

	if _, err := uuid.Parse(decodedParts[1]); err != nil {
		return nil, fmt.Errorf("invalid job_id in cursor: %w", err)
	}

	return &storage.JobCursor{
		TimeSubmitted: time.Unix(0, submitted).UTC(),
		JobID:         decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.TimeSubmitted.UnixNano(), cursor.JobID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
