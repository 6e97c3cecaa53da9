package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"voice-transcribe-go/internal/events"
	"voice-transcribe-go/internal/jobid"
	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/reconcile"
	"voice-transcribe-go/internal/recovery"
	"voice-transcribe-go/internal/registry"
	"voice-transcribe-go/internal/types"
	"voice-transcribe-go/internal/upload"
	"voice-transcribe-go/internal/webhook"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxWebhookBytes  = 1 << 20
)

// Uploader sends media to the engine; upload.Coordinator satisfies it.
type Uploader interface {
	Upload(ctx context.Context, src upload.Source, opts upload.Options) (upload.Report, error)
}

// Recoverer resubmits a failed job; recovery.Handler satisfies it.
type Recoverer interface {
	Recover(ctx context.Context, oldID string, src upload.Source, scope string) (types.Job, error)
}

type Handler struct {
	reg             *registry.Registry
	tracker         *events.Tracker
	gateway         *reconcile.Gateway
	uploader        Uploader
	recoverer       Recoverer
	webhookHeader   string
	webhookURL      string
	defaultLanguage string
	log             *logger.Logger
}

type Options struct {
	WebhookHeader   string
	WebhookURL      string
	DefaultLanguage string
}

func NewHandler(reg *registry.Registry, tracker *events.Tracker, gw *reconcile.Gateway, up Uploader, rec Recoverer, opts Options, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	if opts.WebhookHeader == "" {
		opts.WebhookHeader = "X-Webhook-Secret"
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "auto"
	}
	return &Handler{
		reg:             reg,
		tracker:         tracker,
		gateway:         gw,
		uploader:        up,
		recoverer:       rec,
		webhookHeader:   opts.WebhookHeader,
		webhookURL:      opts.WebhookURL,
		defaultLanguage: opts.DefaultLanguage,
		log:             log.Component("api"),
	}
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Submit uploads the multipart file to the engine and registers the job.
func (h *Handler) Submit(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	language := c.DefaultPostForm("language", h.defaultLanguage)
	summary, _ := strconv.ParseBool(c.DefaultPostForm("generate_summary", "false"))
	scope := c.GetHeader(SessionHeader)
	ctx := c.Request.Context()

	src := upload.FromFileHeader(fh)
	rep, err := h.uploader.Upload(ctx, src, upload.Options{Language: language, WebhookURL: h.webhookURL})
	if err != nil {
		h.fail(c, err)
		return
	}

	id := jobid.New(scope, rep.TaskID).String()
	if _, err := h.reg.CreateJob(ctx, id, src.Name(), src.Size(),
		registry.WithLanguage(language), registry.WithSummary(summary)); err != nil {
		h.fail(c, err)
		return
	}
	job, err := h.reg.UpdateStatus(ctx, id, registry.Update{Status: types.StatusStarted})
	if err != nil {
		h.fail(c, err)
		return
	}
	msg := "file uploaded in one request"
	if rep.Chunked {
		msg = fmt.Sprintf("file uploaded in %d chunks", len(rep.Attempts)-1)
	}
	_ = h.tracker.Record(ctx, id, events.StageUpload, job.Progress.Percentage, msg, nil)

	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": job.Status})
}

// GetJob is the poll pull entry point.
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.gateway.Poll(c.Request.Context(), c.Param("id"), c.GetHeader(SessionHeader))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// GetEvents returns the processing log, optionally only events after ?since= (RFC3339).
func (h *Handler) GetEvents(c *gin.Context) {
	job, ok := h.lookupOwned(c)
	if !ok {
		return
	}
	evs := job.ProcessingEvents
	if s := c.Query("since"); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return
		}
		if evs, err = h.tracker.Since(c.Request.Context(), job.ID, ts); err != nil {
			h.fail(c, err)
			return
		}
	}
	if evs == nil {
		evs = []types.ProcessingEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "events": evs})
}

// ListJobs returns the most recent jobs, restricted to the caller's session when one is sent.
func (h *Handler) ListJobs(c *gin.Context) {
	limit := defaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxListLimit)
	}
	scope := c.GetHeader(SessionHeader)

	fetch := limit
	if scope != "" {
		fetch = 0
	}
	jobs, err := h.reg.ListRecent(c.Request.Context(), fetch)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := make([]types.Job, 0, limit)
	for _, job := range jobs {
		if !jobid.OwnedBy(job.ID, scope) {
			continue
		}
		job.ProcessingEvents = nil
		out = append(out, job)
		if len(out) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

// CancelJob removes the job record.
func (h *Handler) CancelJob(c *gin.Context) {
	job, ok := h.lookupOwned(c)
	if !ok {
		return
	}
	deleted, err := h.reg.DeleteJob(c.Request.Context(), job.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID, "deleted": deleted})
}

// Resubmit re-uploads the original file for a job that lost its engine-side copy.
func (h *Handler) Resubmit(c *gin.Context) {
	id := c.Param("id")
	scope := c.GetHeader(SessionHeader)
	if !jobid.OwnedBy(id, scope) {
		h.fail(c, reconcile.ErrForbidden)
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	job, err := h.recoverer.Recover(c.Request.Context(), id, upload.FromFileHeader(fh), scope)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "replaces": id, "status": job.Status})
}

// Webhook receives engine push deliveries.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	job, err := h.gateway.HandleWebhook(c.Request.Context(), c.GetHeader(h.webhookHeader), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "job_id": job.ID, "status": job.Status})
}

func (h *Handler) lookupOwned(c *gin.Context) (types.Job, bool) {
	id := c.Param("id")
	scope := c.GetHeader(SessionHeader)
	if !jobid.OwnedBy(id, scope) {
		h.fail(c, reconcile.ErrForbidden)
		return types.Job{}, false
	}
	job, err := h.reg.Lookup(c.Request.Context(), id, scope)
	if err != nil {
		h.fail(c, err)
		return types.Job{}, false
	}
	return job, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		h.log.WithRequest(c.Request).WithField("error", err.Error()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	var ve *upload.ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, jobid.ErrInvalid),
		errors.Is(err, webhook.ErrUnknownShape),
		errors.Is(err, webhook.ErrUnknownStatus):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, reconcile.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrExists), errors.Is(err, recovery.ErrNotRecoverable):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
