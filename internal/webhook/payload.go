// Package webhook parses engine deliveries into one canonical Event.
//
// Two payload shapes are accepted. The legacy shape mirrors the engine's
// status document:
//
//	{"task_id": "...", "status": "SUCCESS", "result": {"text": "...", "processing_time": 1.2, "audio_info": {...}}, "error": ""}
//
// The event shape wraps the same data in an envelope:
//
//	{"id": "...", "event": "transcription.completed", "data": {"status": "completed", "transcript": "...", "processing_time_ms": 1200}}
package webhook

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"voice-transcribe-go/internal/transcription"
	"voice-transcribe-go/internal/types"
)

var (
	// ErrUnknownShape means the body matched neither payload schema.
	ErrUnknownShape = errors.New("webhook payload matches no known shape")
	// ErrUnknownStatus means the status string could not be mapped.
	ErrUnknownStatus = errors.New("unknown job status")
)

// Event is the normalized delivery applied to the registry.
type Event struct {
	ID               string
	Status           types.JobStatus
	TranscriptText   string
	Error            string
	ProcessingTimeMs int64
	AudioInfo        *types.AudioInfo
}

// Payload is one of the accepted delivery shapes.
type Payload interface {
	Normalize() (Event, error)
}

// PayloadV1 is the legacy shape, identical to the engine status document.
type PayloadV1 struct {
	transcription.TaskStatus
}

func (p PayloadV1) Normalize() (Event, error) {
	status, err := NormalizeStatus(p.Status)
	if err != nil {
		return Event{}, err
	}
	ev := Event{ID: p.TaskID, Status: status, Error: p.Error}
	if p.Result != nil {
		ev.TranscriptText = p.Result.Text
		ev.ProcessingTimeMs = int64(math.Round(p.Result.ProcessingTime * 1000))
		ev.AudioInfo = audioInfoFrom(p.Result.AudioInfo)
	}
	return ev, nil
}

type PayloadV2Data struct {
	Status           string         `json:"status,omitempty"`
	Transcript       string         `json:"transcript,omitempty"`
	ProcessingTimeMs float64        `json:"processing_time_ms,omitempty"`
	AudioInfo        map[string]any `json:"audio_info,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// PayloadV2 is the event envelope shape.
type PayloadV2 struct {
	ID    string        `json:"id"`
	Event string        `json:"event"`
	Data  PayloadV2Data `json:"data"`
}

func (p PayloadV2) Normalize() (Event, error) {
	raw := p.Data.Status
	if raw == "" {
		raw = statusFromEventName(p.Event)
	}
	status, err := NormalizeStatus(raw)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:               p.ID,
		Status:           status,
		TranscriptText:   p.Data.Transcript,
		Error:            p.Data.Error,
		ProcessingTimeMs: int64(math.Round(p.Data.ProcessingTimeMs)),
		AudioInfo:        audioInfoFrom(p.Data.AudioInfo),
	}, nil
}

// FromTaskStatus normalizes a polled status document.
func FromTaskStatus(s transcription.TaskStatus) (Event, error) {
	return PayloadV1{TaskStatus: s}.Normalize()
}

var statusAliases = map[string]types.JobStatus{
	"pending":     types.StatusPending,
	"queued":      types.StatusPending,
	"received":    types.StatusPending,
	"started":     types.StatusStarted,
	"processing":  types.StatusStarted,
	"progress":    types.StatusStarted,
	"in_progress": types.StatusStarted,
	"running":     types.StatusStarted,
	"success":     types.StatusSuccess,
	"succeeded":   types.StatusSuccess,
	"completed":   types.StatusSuccess,
	"done":        types.StatusSuccess,
	"failure":     types.StatusFailure,
	"failed":      types.StatusFailure,
	"error":       types.StatusFailure,
	"retry":       types.StatusRetry,
	"cancelled":   types.StatusCancelled,
	"canceled":    types.StatusCancelled,
	"revoked":     types.StatusCancelled,
}

// NormalizeStatus maps engine status strings, in any case, onto JobStatus.
func NormalizeStatus(s string) (types.JobStatus, error) {
	if st, ok := statusAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// statusFromEventName reads "transcription.completed" style names.
func statusFromEventName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func audioInfoFrom(m map[string]any) *types.AudioInfo {
	if len(m) == 0 {
		return nil
	}
	info := types.AudioInfo{
		DurationSec: number(m, "duration", "duration_sec", "duration_seconds"),
		SampleRate:  int(number(m, "sample_rate", "sampleRate")),
		Channels:    int(number(m, "channels")),
		Format:      str(m, "format", "codec"),
		Language:    str(m, "language", "detected_language"),
	}
	if info.IsZero() {
		return nil
	}
	return &info
}

func number(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		case int64:
			return float64(v)
		}
	}
	return 0
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
