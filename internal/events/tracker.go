// Package events records the append-only progress log of each job.
package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/types"
)

// Stage names shared by the pipeline, the gateway and the UI.
const (
	StageUpload            = "upload"
	StageTranscription     = "transcription"
	StageAIStarted         = "ai_processing"
	StageCorrection        = "correction"
	StageIdentification    = "speaker_identification"
	StageQualityGate       = "quality_gate"
	StageSummarization     = "summarization"
	StageCompleted         = "completed"
	StageFailed            = "failed"
	StageDuplicateDelivery = "duplicate_delivery"
	StageResubmitted       = "resubmitted"
)

// Sink is where events are persisted, normally the job registry.
type Sink interface {
	AppendEvent(ctx context.Context, id string, ev types.ProcessingEvent) error
	GetJob(ctx context.Context, id string) (types.Job, error)
}

// Tracker is the only writer of ProcessingEvents.
type Tracker struct {
	sink Sink
	log  *logger.Logger
	now  func() time.Time
}

func NewTracker(sink Sink, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Discard()
	}
	return &Tracker{
		sink: sink,
		log:  log.Component("events"),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Record appends one event. Failures are logged and returned, but callers
// treat them as non-fatal: observability never fails a job.
func (t *Tracker) Record(ctx context.Context, jobID, stage string, pct int, msg string, details *types.EventDetails) error {
	ev := types.ProcessingEvent{
		Stage:          stage,
		PercentageHint: pct,
		Message:        msg,
		Timestamp:      t.now(),
		Details:        details,
	}
	fields := logrus.Fields{"stage": stage, "pct": pct}
	if details != nil {
		fields["model"] = details.ModelName
		fields["response_ms"] = details.ResponseTimeMs
		fields["tokens"] = details.TokenCount
	}
	entry := t.log.WithJob(jobID).WithFields(fields)

	if err := t.sink.AppendEvent(ctx, jobID, ev); err != nil {
		entry.WithField("error", err.Error()).Warn("processing event not persisted")
		return err
	}
	entry.Info(msg)
	return nil
}

// Warn records an event and logs it at warning level.
func (t *Tracker) Warn(ctx context.Context, jobID, stage string, pct int, msg string) {
	t.log.WithJob(jobID).WithField("stage", stage).Warn(msg)
	_ = t.Record(ctx, jobID, stage, pct, msg, nil)
}

// Events returns the job's log in append order.
func (t *Tracker) Events(ctx context.Context, jobID string) ([]types.ProcessingEvent, error) {
	job, err := t.sink.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.ProcessingEvents, nil
}

// Since returns events recorded strictly after ts, for incremental reads.
func (t *Tracker) Since(ctx context.Context, jobID string, ts time.Time) ([]types.ProcessingEvent, error) {
	all, err := t.Events(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]types.ProcessingEvent, 0, len(all))
	for _, ev := range all {
		if ev.Timestamp.After(ts) {
			out = append(out, ev)
		}
	}
	return out, nil
}
