package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-transcribe-go/internal/logger"
)

// Manager writes every change to both stores. The mirror write is
// authoritative; primary failures are only logged. Reads load both stores and
// keep the record with the newer LastSync, so a primary that missed a write
// is never resumed from, in this process or the next.
type Manager struct {
	primary Store
	mirror  Store
	log     *logger.Logger
	now     func() time.Time

	mu sync.Mutex
}

// NewManager accepts a nil primary, e.g. when the database cannot be opened.
func NewManager(primary, mirror Store, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		primary: primary,
		mirror:  mirror,
		log:     log.Component("session"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Restore returns the persisted session, creating an idle one with a fresh
// session id on first use.
func (m *Manager) Restore(ctx context.Context) (UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restore(ctx)
}

func (m *Manager) restore(ctx context.Context) (UploadSession, error) {
	var (
		primary      UploadSession
		havePrimary  bool
		primaryEmpty bool
	)
	if m.primary != nil {
		s, err := m.primary.Load(ctx)
		switch {
		case err == nil:
			primary, havePrimary = s, true
		case errors.Is(err, errEmpty):
			primaryEmpty = true
		default:
			m.log.WithField("error", err.Error()).Warn("primary session store unavailable, reading mirror")
		}
	}

	mirror, err := m.mirror.Load(ctx)
	switch {
	case err == nil:
		if havePrimary && !mirror.LastSync.After(primary.LastSync) {
			return primary, nil
		}
		if havePrimary || primaryEmpty {
			m.log.WithField("job_id", mirror.JobID).Warn("primary session store behind mirror, repairing")
			m.savePrimary(ctx, mirror)
		}
		return mirror, nil
	case !errors.Is(err, errEmpty):
		if havePrimary {
			m.log.WithField("error", err.Error()).Warn("session mirror unreadable, using primary")
			return primary, nil
		}
		return UploadSession{}, err
	}
	if havePrimary {
		return primary, nil
	}

	fresh := Idle(uuid.NewString())
	fresh.LastSync = m.now()
	if err := m.save(ctx, fresh); err != nil {
		return UploadSession{}, err
	}
	return fresh, nil
}

// StartUpload records a new active upload, replacing any previous one.
func (m *Manager) StartUpload(ctx context.Context, s UploadSession) (UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.restore(ctx)
	if err != nil {
		return UploadSession{}, err
	}
	if cur.Active() && cur.JobID != s.JobID {
		m.log.WithField("previous_job", cur.JobID).Warn("replacing active upload")
	}
	now := m.now()
	s.SessionID = cur.SessionID
	s.Status = StatusStarted
	s.Progress = 0
	s.StartedAt = now
	s.LastSync = now
	return s, m.save(ctx, s)
}

// UpdateProgress changes status and progress of the active upload.
func (m *Manager) UpdateProgress(ctx context.Context, status Status, progress int) (UploadSession, error) {
	return m.mutate(ctx, func(s *UploadSession) {
		s.Status = status
		s.Progress = progress
	})
}

// ReplaceJob switches tracking to a resubmitted job.
func (m *Manager) ReplaceJob(ctx context.Context, jobID string) (UploadSession, error) {
	return m.mutate(ctx, func(s *UploadSession) {
		s.JobID = jobID
		s.Status = StatusStarted
		s.Progress = 0
		s.RetryCount++
	})
}

// CompleteUpload resets both stores to the idle shape.
func (m *Manager) CompleteUpload(ctx context.Context) error {
	return m.reset(ctx, "completed")
}

// CancelUpload resets both stores to the idle shape; the job is no longer resumable.
func (m *Manager) CancelUpload(ctx context.Context) error {
	return m.reset(ctx, "cancelled")
}

func (m *Manager) mutate(ctx context.Context, fn func(*UploadSession)) (UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.restore(ctx)
	if err != nil {
		return UploadSession{}, err
	}
	if !s.Active() {
		return s, ErrNoActiveUpload
	}
	fn(&s)
	s.LastSync = m.now()
	return s, m.save(ctx, s)
}

func (m *Manager) reset(ctx context.Context, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, err := m.restore(ctx)
	if err != nil {
		return err
	}
	idle := Idle(cur.SessionID)
	idle.LastSync = m.now()
	if err := m.save(ctx, idle); err != nil {
		return err
	}
	m.log.WithField("job_id", cur.JobID).WithField("reason", reason).Info("upload session cleared")
	return nil
}

func (m *Manager) save(ctx context.Context, s UploadSession) error {
	if err := m.mirror.Save(ctx, s); err != nil {
		return err
	}
	m.savePrimary(ctx, s)
	return nil
}

func (m *Manager) savePrimary(ctx context.Context, s UploadSession) {
	if m.primary == nil {
		return
	}
	if err := m.primary.Save(ctx, s); err != nil {
		m.log.WithField("error", err.Error()).Warn("primary session store write failed")
	}
}
