// Package recovery resubmits jobs whose engine-side temporary file vanished
// before processing. It never retries in place: the original bytes are uploaded
// again under a new job id and the failed record is removed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/jobid"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/registry"
	"voice-transcribe-go/internal/retry"
	"voice-transcribe-go/internal/types"
	"voice-transcribe-go/internal/upload"
)

// DefaultMaxRetries bounds resubmission attempts.
const DefaultMaxRetries = 5

// ErrNotRecoverable means the job did not fail with the missing-file signature.
var ErrNotRecoverable = errors.New("job failure is not recoverable by resubmission")

var (
	missingFile = regexp.MustCompile(`(?i)(no such file or directory|filenotfounderror|file not found|enoent)`)
	tempPath    = regexp.MustCompile(`(?i)(/tmp/|/var/tmp/|\\temp\\|\btmp[a-z0-9_]*|temporary file|temp file)`)
)

// IsRecoverable reports whether an engine error says a temporary file
// referenced by the job disappeared.
func IsRecoverable(errText string) bool {
	return missingFile.MatchString(errText) && tempPath.MatchString(errText)
}

// Uploader sends media to the engine; upload.Coordinator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, src upload.Source, opts upload.Options) (upload.Report, error)
}

type Handler struct {
	reg        *registry.Registry
	tracker    *events.Tracker
	uploader   Uploader
	policy     retry.Policy
	webhookURL string
	log        *logger.Logger
}

type Option func(*Handler)

func WithPolicy(p retry.Policy) Option {
	return func(h *Handler) { h.policy = p }
}

// WithWebhookURL is passed to the engine on every resubmission.
func WithWebhookURL(u string) Option {
	return func(h *Handler) { h.webhookURL = u }
}

func New(reg *registry.Registry, tracker *events.Tracker, uploader Uploader, log *logger.Logger, opts ...Option) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	h := &Handler{
		reg:      reg,
		tracker:  tracker,
		uploader: uploader,
		policy:   retry.ResubmitPolicy(DefaultMaxRetries),
		log:      log.Component("recovery"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Recover resubmits src for the failed job oldID and returns the new job.
// The new id uses scope when given, otherwise the old id's scope.
func (h *Handler) Recover(ctx context.Context, oldID string, src upload.Source, scope string) (types.Job, error) {
	old, err := h.reg.Lookup(ctx, oldID, scope)
	if err != nil {
		return types.Job{}, err
	}
	if old.Status != types.StatusFailure || !IsRecoverable(old.Error) {
		return types.Job{}, fmt.Errorf("%w: %s", ErrNotRecoverable, old.Error)
	}
	if scope == "" {
		if parsed, perr := jobid.Parse(old.ID); perr == nil {
			scope = parsed.Scope
		}
	}
	log := h.log.WithJob(old.ID)
	log.WithField("file_name", src.Name()).Info("resubmitting job after missing temporary file")

	var rep upload.Report
	err = h.policy.Do(ctx, "resubmission", func(int) error {
		r, err := h.uploader.Upload(ctx, src, upload.Options{Language: old.Language, WebhookURL: h.webhookURL})
		var ve *upload.ValidationError
		if errors.As(err, &ve) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		rep = r
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		log.WithField("attempt", attempt).
			WithField("retry_in_ms", wait.Milliseconds()).
			WithField("error", err.Error()).
			Warn("resubmission failed, backing off")
	})
	if err != nil {
		return types.Job{}, err
	}

	newID := jobid.New(scope, rep.TaskID).String()
	job, err := h.reg.CreateJob(ctx, newID, src.Name(), src.Size(),
		registry.WithLanguage(old.Language), registry.WithSummary(old.GenerateSummary))
	if err != nil {
		return types.Job{}, fmt.Errorf("register resubmitted job: %w", err)
	}
	if job, err = h.reg.UpdateStatus(ctx, newID, registry.Update{Status: types.StatusStarted}); err != nil {
		return types.Job{}, err
	}
	if h.tracker != nil {
		_ = h.tracker.Record(ctx, newID, events.StageResubmitted, job.Progress.Percentage,
			"resubmitted after missing temporary file, replaces "+old.ID, nil)
	}
	if _, err := h.reg.DeleteJob(ctx, old.ID); err != nil {
		log.WithField("error", err.Error()).Warn("old job not deleted after resubmission")
	}
	log.WithField("new_job_id", newID).Info("job resubmitted")
	return job, nil
}
