// Package domain contains entity without logic, just meta-data
package domain

import "time"

type (
	SessionID   string
	WorkspaceID string
)

// Status is the lifecycle phase of a meeting session.
type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusEnded      Status = "ENDED"
)

// FileInfo is one entry of a session's shared-file log.
type FileInfo struct {
	Filename     string    `json:"filename"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	UploadedBy   UserID    `json:"uploadedBy"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

// RecordingInfo describes the active recording of a session.
type RecordingInfo struct {
	RecordingID    string    `json:"recordingId"`
	StartedAt      time.Time `json:"startedAt"`
	RecorderUserID UserID    `json:"recorderUserId"`
}
