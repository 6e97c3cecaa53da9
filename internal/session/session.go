// Package session persists the client's single active upload so a restarted
// CLI resumes tracking the same job, and runs the shared sync routine used by
// both the foreground poller and the host-scheduled background task.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNoActiveUpload is returned when nothing is being tracked.
var ErrNoActiveUpload = errors.New("no active upload")

// errEmpty is returned by a store that has never been written.
var errEmpty = errors.New("session store empty")

type Status string

const (
	StatusIdle       Status = "IDLE"
	StatusStarted    Status = "STARTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// UploadSession is the persisted active upload. FilePath is kept so the
// client can resubmit the original bytes when the engine loses its copy.
type UploadSession struct {
	SessionID       string    `json:"sessionId"`
	JobID           string    `json:"jobId,omitempty"`
	FileName        string    `json:"fileName,omitempty"`
	FileSize        int64     `json:"fileSize,omitempty"`
	FileType        string    `json:"fileType,omitempty"`
	FilePath        string    `json:"filePath,omitempty"`
	GenerateSummary bool      `json:"generateSummary"`
	Status          Status    `json:"status"`
	Progress        int       `json:"progress"`
	StartedAt       time.Time `json:"startedAt,omitempty"`
	LastSync        time.Time `json:"lastSync,omitempty"`
	RetryCount      int       `json:"retryCount"`
}

// Idle returns the empty shape, keeping only the session id.
func Idle(sessionID string) UploadSession {
	return UploadSession{SessionID: sessionID, Status: StatusIdle}
}

// Active reports whether a job is being tracked.
func (s UploadSession) Active() bool {
	return s.JobID != "" && (s.Status == StatusStarted || s.Status == StatusProcessing)
}

// Store holds at most one UploadSession.
type Store interface {
	Load(ctx context.Context) (UploadSession, error)
	Save(ctx context.Context, s UploadSession) error
	Close() error
}
