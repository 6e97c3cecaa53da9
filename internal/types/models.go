package types

import "time"

// JobStatus mirrors the remote engine's task states.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusStarted   JobStatus = "STARTED"
	StatusSuccess   JobStatus = "SUCCESS"
	StatusFailure   JobStatus = "FAILURE"
	StatusRetry     JobStatus = "RETRY"
	StatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further status or result change is accepted.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusStarted, StatusSuccess, StatusFailure, StatusRetry, StatusCancelled:
		return true
	default:
		return false
	}
}

// Rank orders states so transitions only move toward a terminal state.
func (s JobStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusStarted, StatusRetry:
		return 1
	case StatusSuccess, StatusFailure, StatusCancelled:
		return 2
	default:
		return -1
	}
}

type Progress struct {
	Stage      string `json:"stage"`
	Percentage int    `json:"percentage"`
}

type AudioInfo struct {
	DurationSec float64 `json:"duration_sec,omitempty"`
	SampleRate  int     `json:"sample_rate,omitempty"`
	Channels    int     `json:"channels,omitempty"`
	Format      string  `json:"format,omitempty"`
	Language    string  `json:"language,omitempty"`
}

// IsZero reports whether no audio metadata was supplied.
func (a AudioInfo) IsZero() bool {
	return a == AudioInfo{}
}

// Result accumulates transcript text as the job moves through the engine and
// the AI pipeline. Fields are merged, never cleared.
type Result struct {
	RawText          string     `json:"raw_text,omitempty"`
	CorrectedText    string     `json:"corrected_text,omitempty"`
	IdentifiedText   string     `json:"identified_text,omitempty"`
	Summary          string     `json:"summary,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`
	AudioInfo        *AudioInfo `json:"audio_info,omitempty"`
}

// Merge copies every non-empty field of other over r.
func (r Result) Merge(other Result) Result {
	if other.RawText != "" {
		r.RawText = other.RawText
	}
	if other.CorrectedText != "" {
		r.CorrectedText = other.CorrectedText
	}
	if other.IdentifiedText != "" {
		r.IdentifiedText = other.IdentifiedText
	}
	if other.Summary != "" {
		r.Summary = other.Summary
	}
	if other.ProcessingTimeMs > 0 {
		r.ProcessingTimeMs = other.ProcessingTimeMs
	}
	if other.AudioInfo != nil && !other.AudioInfo.IsZero() {
		info := *other.AudioInfo
		r.AudioInfo = &info
	}
	return r
}

type EventDetails struct {
	ModelName      string `json:"model_name,omitempty"`
	PromptLength   int    `json:"prompt_length,omitempty"`
	ResponseTimeMs int64  `json:"response_time_ms,omitempty"`
	TokenCount     int    `json:"token_count,omitempty"`
}

type ProcessingEvent struct {
	Stage          string        `json:"stage"`
	PercentageHint int           `json:"percentage_hint"`
	Message        string        `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
	Details        *EventDetails `json:"details,omitempty"`
}

type Job struct {
	ID               string            `json:"id"`
	Status           JobStatus         `json:"status"`
	FileName         string            `json:"file_name"`
	FileSize         int64             `json:"file_size"`
	Language         string            `json:"language,omitempty"`
	GenerateSummary  bool              `json:"generate_summary"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Progress         Progress          `json:"progress"`
	Result           *Result           `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	ProcessingEvents []ProcessingEvent `json:"processing_events,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (j Job) Clone() Job {
	if j.Result != nil {
		res := *j.Result
		if res.AudioInfo != nil {
			info := *res.AudioInfo
			res.AudioInfo = &info
		}
		j.Result = &res
	}
	if j.ProcessingEvents != nil {
		events := make([]ProcessingEvent, len(j.ProcessingEvents))
		for i, ev := range j.ProcessingEvents {
			if ev.Details != nil {
				d := *ev.Details
				ev.Details = &d
			}
			events[i] = ev
		}
		j.ProcessingEvents = events
	}
	return j
}
