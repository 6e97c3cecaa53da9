package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"voice-transcribe-go/internal/client"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/recovery"
	"voice-transcribe-go/internal/types"
)

// API is the subset of the API client the sync routine needs.
type API interface {
	GetJob(ctx context.Context, jobID, sessionID string) (types.Job, error)
	Resubmit(ctx context.Context, jobID, path, sessionID string) (client.SubmitResponse, error)
}

// Update is the outcome of one sync.
type Update struct {
	Session     UploadSession
	Job         types.Job
	Terminal    bool
	Resubmitted bool
}

// Syncer is the one reconciliation routine shared by the foreground poller
// and the background task.
type Syncer struct {
	mgr        *Manager
	api        API
	maxRetries int
	log        *logger.Logger
}

func NewSyncer(mgr *Manager, api API, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Discard()
	}
	return &Syncer{mgr: mgr, api: api, maxRetries: recovery.DefaultMaxRetries, log: log.Component("sync")}
}

// SyncOnce polls the active job once and mirrors its state into the session.
// A terminal job clears the session. A failure with the missing temporary file
// signature is resubmitted while the original file is still on disk.
func (s *Syncer) SyncOnce(ctx context.Context) (Update, error) {
	cur, err := s.mgr.Restore(ctx)
	if err != nil {
		return Update{}, err
	}
	if !cur.Active() {
		return Update{Session: cur}, ErrNoActiveUpload
	}
	log := s.log.WithJob(cur.JobID)

	job, err := s.api.GetJob(ctx, cur.JobID, cur.SessionID)
	if err != nil {
		if client.IsNotFound(err) {
			log.Warn("tracked job no longer exists, clearing session")
			if cerr := s.mgr.CancelUpload(ctx); cerr != nil {
				return Update{}, cerr
			}
			return Update{Session: Idle(cur.SessionID), Job: types.Job{ID: cur.JobID}, Terminal: true}, err
		}
		return Update{Session: cur}, err
	}

	switch job.Status {
	case types.StatusSuccess:
		if err := s.mgr.CompleteUpload(ctx); err != nil {
			return Update{}, err
		}
		done := cur
		done.Status, done.Progress = StatusCompleted, 100
		return Update{Session: done, Job: job, Terminal: true}, nil

	case types.StatusFailure:
		if recovery.IsRecoverable(job.Error) && cur.FilePath != "" && cur.RetryCount < s.maxRetries {
			resp, rerr := s.api.Resubmit(ctx, job.ID, cur.FilePath, cur.SessionID)
			if rerr == nil {
				next, err := s.mgr.ReplaceJob(ctx, resp.JobID)
				if err != nil {
					return Update{}, err
				}
				log.WithField("new_job_id", resp.JobID).WithField("retry_count", next.RetryCount).Info("job resubmitted")
				return Update{Session: next, Job: job, Resubmitted: true}, nil
			}
			log.WithField("error", rerr.Error()).Warn("automatic resubmission failed")
		}
		if err := s.mgr.CompleteUpload(ctx); err != nil {
			return Update{}, err
		}
		failed := cur
		failed.Status = StatusFailed
		return Update{Session: failed, Job: job, Terminal: true}, nil

	case types.StatusCancelled:
		if err := s.mgr.CancelUpload(ctx); err != nil {
			return Update{}, err
		}
		return Update{Session: Idle(cur.SessionID), Job: job, Terminal: true}, nil
	}

	next, err := s.mgr.UpdateProgress(ctx, StatusProcessing, job.Progress.Percentage)
	if err != nil {
		return Update{}, err
	}
	return Update{Session: next, Job: job}, nil
}

// Poller is the foreground loop: one timer, one outstanding request, stopped
// for good by a terminal status. Cancelling ctx prevents further polls but
// lets an in-flight one finish.
type Poller struct {
	syncer   *Syncer
	interval time.Duration
	onUpdate func(Update)
	log      *logger.Logger
}

func NewPoller(s *Syncer, interval time.Duration, onUpdate func(Update)) *Poller {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{syncer: s, interval: interval, onUpdate: onUpdate, log: s.log}
}

// Run polls until the job is terminal, ctx ends or nothing is tracked.
func (p *Poller) Run(ctx context.Context) (Update, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	var last Update
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-timer.C:
		}

		up, err := p.syncer.SyncOnce(context.WithoutCancel(ctx))
		switch {
		case errors.Is(err, ErrNoActiveUpload):
			return up, err
		case err != nil && up.Terminal:
			return up, err
		case err != nil:
			p.log.WithField("error", err.Error()).Warn("poll failed, will retry")
		default:
			last = up
			if p.onUpdate != nil {
				p.onUpdate(up)
			}
			if up.Terminal {
				return up, nil
			}
		}
		timer.Reset(p.interval)
	}
}

// Message is relayed to listeners after a background sync.
type Message struct {
	Type     string          `json:"type"`
	JobID    string          `json:"jobId"`
	Status   types.JobStatus `json:"status"`
	Progress int             `json:"progress"`
	Terminal bool            `json:"terminal"`
	Error    string          `json:"error,omitempty"`
}

// BackgroundTask is invoked by the host scheduler on a best-effort basis and
// runs the same SyncOnce as the poller.
type BackgroundTask struct {
	syncer *Syncer

	mu        sync.Mutex
	listeners map[int]func(Message)
	nextID    int
}

func NewBackgroundTask(s *Syncer) *BackgroundTask {
	return &BackgroundTask{syncer: s, listeners: map[int]func(Message){}}
}

// Subscribe registers a listener and returns its unsubscribe func.
func (b *BackgroundTask) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}
}

// Run performs one sync. Having nothing to track is not an error.
func (b *BackgroundTask) Run(ctx context.Context) error {
	up, err := b.syncer.SyncOnce(ctx)
	if errors.Is(err, ErrNoActiveUpload) {
		return nil
	}
	if err != nil && !up.Terminal {
		return err
	}
	msg := Message{
		Type:     "job-update",
		JobID:    up.Job.ID,
		Status:   up.Job.Status,
		Progress: up.Job.Progress.Percentage,
		Terminal: up.Terminal,
		Error:    up.Job.Error,
	}
	if up.Resubmitted {
		msg.Type = "job-resubmitted"
		msg.JobID = up.Session.JobID
	}
	b.mu.Lock()
	listeners := make([]func(Message), 0, len(b.listeners))
	for _, fn := range b.listeners {
		listeners = append(listeners, fn)
	}
	b.mu.Unlock()
	for _, fn := range listeners {
		fn(msg)
	}
	return nil
}
