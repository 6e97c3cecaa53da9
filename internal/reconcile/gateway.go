// Package reconcile merges webhook pushes and client polls into the job registry.
package reconcile

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/jobid"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/pipeline"
	"voice-transcribe-go/internal/registry"
	"voice-transcribe-go/internal/transcription"
	"voice-transcribe-go/internal/types"
	"voice-transcribe-go/internal/webhook"
)

var (
	// ErrUnauthorized rejects a webhook with a missing or wrong secret.
	ErrUnauthorized = errors.New("invalid webhook secret")
	// ErrForbidden rejects a poll for a job outside the caller's session scope.
	ErrForbidden = errors.New("job belongs to another session")
)

// StatusFetcher queries the engine for one task.
type StatusFetcher interface {
	Status(ctx context.Context, taskID string) (transcription.TaskStatus, error)
}

// Runner post-processes a finished transcript.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input) (pipeline.Output, error)
}

const pctAIProcessing = 50

type Gateway struct {
	reg      *registry.Registry
	tracker  *events.Tracker
	engine   StatusFetcher
	parser   *webhook.Parser
	pipeline Runner
	secret   string
	log      *logger.Logger

	inflight sync.Map
	wg       sync.WaitGroup
}

type Option func(*Gateway)

// WithPipeline enables AI post-processing of successful transcripts. Without
// it a SUCCESS delivery completes the job with the raw transcript only.
func WithPipeline(r Runner) Option {
	return func(g *Gateway) { g.pipeline = r }
}

func New(reg *registry.Registry, tracker *events.Tracker, engine StatusFetcher, secret string, log *logger.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = logger.Discard()
	}
	g := &Gateway{
		reg:     reg,
		tracker: tracker,
		engine:  engine,
		parser:  webhook.MustParser(),
		secret:  secret,
		log:     log.Component("reconcile"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// VerifySecret compares the delivered secret with the configured one.
func (g *Gateway) VerifySecret(got string) error {
	if g.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(g.secret)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HandleWebhook authenticates and applies one push delivery.
func (g *Gateway) HandleWebhook(ctx context.Context, secret string, body []byte) (types.Job, error) {
	if err := g.VerifySecret(secret); err != nil {
		g.log.Warn("webhook rejected: bad secret")
		return types.Job{}, err
	}
	ev, err := g.parser.Parse(body)
	if err != nil {
		g.log.WithError(err).Warn("webhook payload rejected")
		return types.Job{}, err
	}
	job, err := g.reg.Lookup(ctx, ev.ID, "")
	if err != nil {
		g.log.WithJob(ev.ID).WithField("status", ev.Status).Warn("webhook for unknown job")
		return types.Job{}, err
	}
	return g.apply(ctx, job, ev, "webhook")
}

// Poll returns the job, reconciling it against the engine first when the local
// record is missing or not yet terminal. scope restricts access to ids prefixed
// "scope:"; an empty scope allows any id.
func (g *Gateway) Poll(ctx context.Context, id, scope string) (types.Job, error) {
	if !jobid.OwnedBy(id, scope) {
		return types.Job{}, ErrForbidden
	}
	job, err := g.reg.Lookup(ctx, id, scope)
	switch {
	case err == nil:
		if !needsRemoteCheck(job) {
			g.resumePipeline(ctx, job)
			return job, nil
		}
	case errors.Is(err, registry.ErrNotFound):
		if scope != "" && g.taskTakenElsewhere(ctx, id) {
			return types.Job{}, registry.ErrNotFound
		}
	default:
		return types.Job{}, err
	}
	known := err == nil

	localID := id
	if known {
		localID = job.ID
	}
	parsed, perr := jobid.Parse(localID)
	if perr != nil {
		return types.Job{}, perr
	}

	st, ferr := g.engine.Status(ctx, parsed.TaskID)
	if ferr != nil {
		if known {
			g.log.WithJob(localID).WithField("error", ferr.Error()).Warn("engine status unavailable, serving local record")
			return job, nil
		}
		var se *transcription.StatusError
		if errors.As(ferr, &se) && se.Code == http.StatusNotFound {
			return types.Job{}, registry.ErrNotFound
		}
		return types.Job{}, fmt.Errorf("fetch engine status: %w", ferr)
	}
	ev, err := webhook.FromTaskStatus(st)
	if err != nil {
		return types.Job{}, err
	}
	ev.ID = localID

	if !known {
		job, err = g.materialize(ctx, localID)
		if err != nil {
			return types.Job{}, err
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
	}
	return g.apply(ctx, job, ev, "poll")
}

// taskTakenElsewhere reports whether the task behind id is already registered
// under a different id, in which case a scoped caller must not materialize a
// second record for it.
func (g *Gateway) taskTakenElsewhere(ctx context.Context, id string) bool {
	other, err := g.reg.Lookup(ctx, id, "")
	return err == nil && other.ID != id
}

// needsRemoteCheck is true while the engine may still change the job. Jobs
// already in AI processing are owned by the pipeline.
func needsRemoteCheck(job types.Job) bool {
	if job.Status.IsTerminal() {
		return false
	}
	return job.Result == nil || job.Result.RawText == ""
}

// resumePipeline restarts AI processing for a job whose transcript arrived but
// whose run is gone, e.g. after a restart.
func (g *Gateway) resumePipeline(ctx context.Context, job types.Job) {
	if g.pipeline == nil || job.Status.IsTerminal() || job.Result == nil || job.Result.RawText == "" {
		return
	}
	g.startPipeline(ctx, job)
}

func (g *Gateway) materialize(ctx context.Context, id string) (types.Job, error) {
	job, err := g.reg.CreateJob(ctx, id, "", 0)
	if errors.Is(err, registry.ErrExists) {
		return g.reg.GetJob(ctx, id)
	}
	if err != nil {
		return types.Job{}, err
	}
	g.log.WithJob(id).Info("job materialized from engine status")
	return job, nil
}

// apply writes a normalized event into an existing job.
func (g *Gateway) apply(ctx context.Context, job types.Job, ev webhook.Event, source string) (types.Job, error) {
	log := g.log.WithJob(job.ID).WithField("source", source).WithField("status", ev.Status)
	if job.Status.IsTerminal() {
		g.recordEvent(ctx, job.ID, events.StageDuplicateDelivery, job.Progress.Percentage,
			fmt.Sprintf("%s delivery ignored, job already %s", source, job.Status))
		log.Debug("duplicate delivery discarded")
		return job, nil
	}
	if ev.Status == types.StatusSuccess && !needsRemoteCheck(job) {
		g.recordEvent(ctx, job.ID, events.StageDuplicateDelivery, job.Progress.Percentage,
			source+" delivery ignored, transcript already received")
		return job, nil
	}

	u := registry.Update{Status: ev.Status, Error: ev.Error, ProcessingTimeMs: ev.ProcessingTimeMs}
	if ev.AudioInfo != nil {
		u.Result = &types.Result{AudioInfo: ev.AudioInfo}
	}

	runAI := ev.Status == types.StatusSuccess && ev.TranscriptText != "" && g.pipeline != nil
	if ev.Status == types.StatusSuccess && ev.TranscriptText != "" {
		if u.Result == nil {
			u.Result = &types.Result{}
		}
		u.Result.RawText = ev.TranscriptText
	}
	if runAI {
		u.Status = types.StatusStarted
		u.Progress = &types.Progress{Stage: events.StageAIStarted, Percentage: pctAIProcessing}
	}

	updated, err := g.reg.UpdateStatus(ctx, job.ID, u)
	if errors.Is(err, registry.ErrTerminal) {
		g.recordEvent(ctx, job.ID, events.StageDuplicateDelivery, updated.Progress.Percentage,
			fmt.Sprintf("%s delivery ignored, job already %s", source, updated.Status))
		return updated, nil
	}
	if err != nil {
		return types.Job{}, err
	}

	if updated.Status != job.Status || runAI {
		g.recordTransition(ctx, updated, ev, source)
	}
	if runAI {
		g.startPipeline(ctx, updated)
	}
	return updated, nil
}

func (g *Gateway) recordTransition(ctx context.Context, job types.Job, ev webhook.Event, source string) {
	switch ev.Status {
	case types.StatusSuccess:
		g.recordEvent(ctx, job.ID, events.StageTranscription, job.Progress.Percentage, "transcription completed via "+source)
		if job.Status == types.StatusSuccess {
			g.recordEvent(ctx, job.ID, events.StageCompleted, 100, "job completed")
		}
	case types.StatusFailure:
		g.recordEvent(ctx, job.ID, events.StageFailed, 0, "transcription failed: "+ev.Error)
	default:
		g.recordEvent(ctx, job.ID, events.StageTranscription, job.Progress.Percentage,
			fmt.Sprintf("engine reports %s via %s", job.Status, source))
	}
}

func (g *Gateway) recordEvent(ctx context.Context, id, stage string, pct int, msg string) {
	if g.tracker == nil {
		return
	}
	_ = g.tracker.Record(ctx, id, stage, pct, msg, nil)
}

// startPipeline runs the orchestrator at most once per job at a time. The
// run outlives the request that triggered it.
func (g *Gateway) startPipeline(ctx context.Context, job types.Job) {
	if _, running := g.inflight.LoadOrStore(job.ID, struct{}{}); running {
		g.log.WithJob(job.ID).Debug("pipeline already running")
		return
	}
	raw := job.Result.RawText
	runCtx := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.inflight.Delete(job.ID)
		g.finishPipeline(runCtx, job.ID, raw, job.GenerateSummary)
	}()
}

func (g *Gateway) finishPipeline(ctx context.Context, id, raw string, summary bool) {
	log := g.log.WithJob(id)
	if job, err := g.reg.GetJob(ctx, id); err != nil || job.Status.IsTerminal() {
		return
	}
	out, err := g.pipeline.Run(ctx, pipeline.Input{JobID: id, RawText: raw, GenerateSummary: summary})
	if err != nil {
		msg := "AI processing failed: " + err.Error()
		if _, uerr := g.reg.UpdateStatus(ctx, id, registry.Update{Status: types.StatusFailure, Error: msg}); uerr != nil {
			log.WithField("error", uerr.Error()).Error("could not record pipeline failure")
		}
		g.recordEvent(ctx, id, events.StageFailed, 0, msg)
		return
	}
	res := out.Result()
	if _, err := g.reg.UpdateStatus(ctx, id, registry.Update{Status: types.StatusSuccess, Result: &res}); err != nil {
		log.WithField("error", err.Error()).Error("could not store pipeline result")
		return
	}
	g.recordEvent(ctx, id, events.StageCompleted, 100, "job completed")
}

// Wait blocks until every running pipeline has finished.
func (g *Gateway) Wait() {
	g.wg.Wait()
}
