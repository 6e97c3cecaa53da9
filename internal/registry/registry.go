// Package registry is the authoritative store of transcription jobs and owns
// their state machine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"voice-transcribe-go/internal/jobid"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/types"
)

// Registry applies lifecycle rules on top of a Store. Concurrent updates to
// one job are last-write-wins; callers keep to one writer per field.
type Registry struct {
	store Store
	log   *logger.Logger
	now   func() time.Time
}

type Option func(*Registry)

// WithClock overrides time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(store Store, log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	r := &Registry{
		store: store,
		log:   log.Component("registry"),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// JobOption sets submission choices on a new job.
type JobOption func(*types.Job)

func WithLanguage(lang string) JobOption {
	return func(j *types.Job) { j.Language = lang }
}

func WithSummary(enabled bool) JobOption {
	return func(j *types.Job) { j.GenerateSummary = enabled }
}

// CreateJob registers a new PENDING job at 0%.
func (r *Registry) CreateJob(ctx context.Context, id, fileName string, size int64, opts ...JobOption) (types.Job, error) {
	if _, err := jobid.Parse(id); err != nil {
		return types.Job{}, fmt.Errorf("create job %q: %w", id, err)
	}
	now := r.now()
	job := types.Job{
		ID:        id,
		Status:    types.StatusPending,
		FileName:  fileName,
		FileSize:  size,
		CreatedAt: now,
		UpdatedAt: now,
		Progress:  types.Progress{Stage: stageFor(types.StatusPending), Percentage: 0},
	}
	for _, opt := range opts {
		opt(&job)
	}
	if err := r.store.Create(ctx, job); err != nil {
		return types.Job{}, fmt.Errorf("create job %q: %w", id, err)
	}
	r.log.WithJob(id).WithField("file_name", fileName).WithField("file_size", size).Info("job created")
	return job, nil
}

// Update describes a partial change; zero-valued fields are left untouched.
type Update struct {
	Status           types.JobStatus
	Result           *types.Result
	Error            string
	ProcessingTimeMs int64
	// Progress overrides the percentage otherwise derived from Status.
	Progress *types.Progress
}

// UpdateStatus merges u into the job. Terminal jobs reject the update with
// ErrTerminal and are returned unchanged. A status that would move the job
// backwards (e.g. STARTED to PENDING) is ignored while the rest of u applies.
func (r *Registry) UpdateStatus(ctx context.Context, id string, u Update) (types.Job, error) {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	if job.Status.IsTerminal() {
		return job, ErrTerminal
	}

	statusChanged := false
	if u.Status != "" {
		if !u.Status.Valid() {
			return job, fmt.Errorf("update job %q: unknown status %q", id, u.Status)
		}
		if u.Status.Rank() >= job.Status.Rank() && u.Status != job.Status {
			job.Status = u.Status
			statusChanged = true
		}
	}

	if u.Result != nil || u.ProcessingTimeMs > 0 {
		var base types.Result
		if job.Result != nil {
			base = *job.Result
		}
		if u.Result != nil {
			base = base.Merge(*u.Result)
		}
		if u.ProcessingTimeMs > 0 {
			base.ProcessingTimeMs = u.ProcessingTimeMs
		}
		job.Result = &base
	}

	if u.Error != "" {
		job.Error = u.Error
	}

	switch {
	case u.Progress != nil:
		job.Progress = *u.Progress
	case statusChanged:
		job.Progress = deriveProgress(job.Status, job.Progress)
	}

	job.UpdatedAt = r.now()
	if err := r.store.Update(ctx, job); err != nil {
		if errors.Is(err, ErrTerminal) {
			// another writer finished the job between our read and write
			if current, gerr := r.store.Get(ctx, id); gerr == nil {
				return current, ErrTerminal
			}
		}
		return types.Job{}, fmt.Errorf("update job %q: %w", id, err)
	}

	entry := r.log.WithJob(id).WithField("status", job.Status).WithField("progress", job.Progress.Percentage)
	if statusChanged {
		entry.Info("job status changed")
	} else {
		entry.Debug("job updated")
	}
	return job, nil
}

// AppendEvent adds to the job's processing log. Allowed in every state.
func (r *Registry) AppendEvent(ctx context.Context, id string, ev types.ProcessingEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now()
	}
	return r.store.AppendEvent(ctx, id, ev)
}

func (r *Registry) GetJob(ctx context.Context, id string) (types.Job, error) {
	return r.store.Get(ctx, id)
}

// Lookup finds by exact id and, for unscoped callers, falls back to matching
// the task id under any scope, which tolerates ids built with an unknown
// session prefix. A scoped caller only ever sees ids carrying its own scope;
// anything else is reported as ErrNotFound.
func (r *Registry) Lookup(ctx context.Context, id, scope string) (types.Job, error) {
	job, err := r.store.Get(ctx, id)
	if err == nil {
		if !jobid.OwnedBy(job.ID, scope) {
			return types.Job{}, ErrNotFound
		}
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) || scope != "" {
		return types.Job{}, err
	}
	parsed, perr := jobid.Parse(id)
	if perr != nil {
		return types.Job{}, ErrNotFound
	}
	job, err = r.store.FindByTaskID(ctx, parsed.TaskID)
	if err == nil {
		r.log.WithJob(id).WithField("matched_id", job.ID).Debug("job resolved by task id suffix")
	}
	return job, err
}

func (r *Registry) DeleteJob(ctx context.Context, id string) (bool, error) {
	ok, err := r.store.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete job %q: %w", id, err)
	}
	if ok {
		r.log.WithJob(id).Info("job deleted")
	}
	return ok, nil
}

func (r *Registry) ListRecent(ctx context.Context, limit int) ([]types.Job, error) {
	return r.store.List(ctx, limit)
}

// Cleanup deletes terminal jobs not updated within olderThan and returns how
// many were removed.
func (r *Registry) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	jobs, err := r.store.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	cutoff := r.now().Add(-olderThan)
	removed := 0
	for _, job := range jobs {
		if !job.Status.IsTerminal() || !job.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := r.store.Delete(ctx, job.ID)
		if err != nil {
			return removed, fmt.Errorf("cleanup %q: %w", job.ID, err)
		}
		if ok {
			removed++
		}
	}
	if removed > 0 {
		r.log.WithField("removed", removed).Info("expired jobs cleaned up")
	}
	return removed, nil
}

func deriveProgress(status types.JobStatus, current types.Progress) types.Progress {
	switch status {
	case types.StatusPending:
		return types.Progress{Stage: stageFor(status), Percentage: 0}
	case types.StatusStarted:
		return types.Progress{Stage: stageFor(status), Percentage: 25}
	case types.StatusSuccess:
		return types.Progress{Stage: stageFor(status), Percentage: 100}
	case types.StatusFailure:
		return types.Progress{Stage: stageFor(status), Percentage: 0}
	default:
		return types.Progress{Stage: stageFor(status), Percentage: current.Percentage}
	}
}

func stageFor(status types.JobStatus) string {
	switch status {
	case types.StatusPending:
		return "queued"
	case types.StatusStarted:
		return "transcribing"
	case types.StatusSuccess:
		return "completed"
	case types.StatusFailure:
		return "failed"
	case types.StatusRetry:
		return "retrying"
	default:
		return strings.ToLower(string(status))
	}
}
