// Package upload moves source media to the transcription engine, as one
// request for small files or as sequential fixed-size chunks for large ones.
package upload

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/retry"
	"voice-transcribe-go/internal/transcription"
)

// ChunkSize is both the single-request threshold and the chunk length.
const ChunkSize int64 = 50 * 1024 * 1024

// DefaultMaxRetries is the number of attempts per request.
const DefaultMaxRetries = 3

// Engine is the subset of the engine client the coordinator drives.
type Engine interface {
	Upload(ctx context.Context, req transcription.UploadRequest) (transcription.UploadResponse, error)
	UploadChunk(ctx context.Context, req transcription.ChunkRequest) error
	Finalize(ctx context.Context, req transcription.FinalizeRequest) (transcription.UploadResponse, error)
}

// NeedsChunking reports whether size exceeds the single-request limit.
func NeedsChunking(size, chunkSize int64) bool {
	return size > chunkSize
}

// ChunkCount is ceil(size / chunkSize).
func ChunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + chunkSize - 1) / chunkSize)
}

type Coordinator struct {
	engine    Engine
	policy    retry.Policy
	chunkSize int64
	maxBytes  int64
	log       *logger.Logger
}

type Option func(*Coordinator)

// WithMaxRetries sets attempts per request; values below 1 keep the default.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 1 {
			c.policy.MaxAttempts = n
		}
	}
}

// WithPolicy replaces the whole retry policy, including its timer.
func WithPolicy(p retry.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithChunkSize overrides ChunkSize.
func WithChunkSize(n int64) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithMaxBytes rejects larger files during validation.
func WithMaxBytes(n int64) Option {
	return func(c *Coordinator) { c.maxBytes = n }
}

func NewCoordinator(engine Engine, log *logger.Logger, opts ...Option) *Coordinator {
	if log == nil {
		log = logger.Discard()
	}
	c := &Coordinator{
		engine:    engine,
		policy:    retry.UploadPolicy(DefaultMaxRetries),
		chunkSize: ChunkSize,
		log:       log.Component("upload"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Options struct {
	Language   string
	WebhookURL string
}

// Report describes a completed upload.
type Report struct {
	TaskID   string
	Chunked  bool
	UploadID string
	// Attempts holds the attempts used per request: one entry for a simple
	// upload, one per chunk followed by the finalize call otherwise.
	Attempts []int
	Duration time.Duration
}

// Upload validates src and sends it, returning the engine's task id.
func (c *Coordinator) Upload(ctx context.Context, src Source, opts Options) (Report, error) {
	if err := Validate(src.Name(), src.Size(), c.maxBytes); err != nil {
		return Report{}, err
	}
	start := time.Now()
	var (
		rep Report
		err error
	)
	if NeedsChunking(src.Size(), c.chunkSize) {
		rep, err = c.uploadChunked(ctx, src, opts)
	} else {
		rep, err = c.uploadSimple(ctx, src, opts)
	}
	rep.Duration = time.Since(start)
	if err != nil {
		c.log.WithError(err).WithField("file_name", src.Name()).Error("upload failed")
		return rep, err
	}
	c.log.WithField("file_name", src.Name()).
		WithField("task_id", rep.TaskID).
		WithField("chunked", rep.Chunked).
		WithField("duration_ms", rep.Duration.Milliseconds()).
		Info("upload complete")
	return rep, nil
}

func (c *Coordinator) uploadSimple(ctx context.Context, src Source, opts Options) (Report, error) {
	var taskID string
	attempts, err := c.withRetry(ctx, "upload", func() error {
		body, err := src.Open()
		if err != nil {
			return retry.Permanent(fmt.Errorf("open source: %w", err))
		}
		defer body.Close()
		resp, err := c.engine.Upload(ctx, transcription.UploadRequest{
			FileName:   src.Name(),
			Body:       body,
			Language:   opts.Language,
			WebhookURL: opts.WebhookURL,
		})
		if err != nil {
			return classify(err)
		}
		taskID = resp.TaskID
		return nil
	})
	rep := Report{TaskID: taskID, Attempts: []int{attempts}}
	return rep, err
}

func (c *Coordinator) uploadChunked(ctx context.Context, src Source, opts Options) (Report, error) {
	total := ChunkCount(src.Size(), c.chunkSize)
	rep := Report{Chunked: true, UploadID: uuid.NewString()}
	log := c.log.WithField("upload_id", rep.UploadID).WithField("total_chunks", total)
	log.WithField("file_size", src.Size()).Info("starting chunked upload")

	body, err := src.Open()
	if err != nil {
		return rep, fmt.Errorf("open source: %w", err)
	}
	defer body.Close()

	buf := make([]byte, c.chunkSize)
	remaining := src.Size()
	for index := 0; index < total; index++ {
		n := c.chunkSize
		if remaining < n {
			n = remaining
		}
		data := buf[:n]
		if _, err := io.ReadFull(body, data); err != nil {
			return rep, fmt.Errorf("read chunk %d/%d: %w", index+1, total, err)
		}
		remaining -= n

		req := transcription.ChunkRequest{
			Data:        data,
			Index:       index,
			TotalChunks: total,
			FileName:    src.Name(),
			UploadID:    rep.UploadID,
			Language:    opts.Language,
		}
		attempts, err := c.withRetry(ctx, fmt.Sprintf("chunk %d/%d upload", index+1, total), func() error {
			return classify(c.engine.UploadChunk(ctx, req))
		})
		rep.Attempts = append(rep.Attempts, attempts)
		if err != nil {
			return rep, err
		}
		log.WithField("chunk", index+1).WithField("attempts", attempts).Debug("chunk accepted")
	}

	attempts, err := c.withRetry(ctx, "finalize", func() error {
		resp, err := c.engine.Finalize(ctx, transcription.FinalizeRequest{
			UploadID:   rep.UploadID,
			FileName:   src.Name(),
			Language:   opts.Language,
			WebhookURL: opts.WebhookURL,
		})
		if err != nil {
			return classify(err)
		}
		rep.TaskID = resp.TaskID
		return nil
	})
	rep.Attempts = append(rep.Attempts, attempts)
	return rep, err
}

// Budget is the longest Upload can take for a file of size bytes when every
// request uses all its attempts and each attempt runs to the timeout.
func (c *Coordinator) Budget(size int64) time.Duration {
	requests := 1
	if NeedsChunking(size, c.chunkSize) {
		requests = ChunkCount(size, c.chunkSize) + 1 // finalize
	}
	attempts := max(c.policy.MaxAttempts, 1)
	var perRequest time.Duration
	for a := 1; a <= attempts; a++ {
		perRequest += transcription.UploadTimeout
		if a < attempts {
			perRequest += c.policy.Delay(a)
		}
	}
	return time.Duration(requests) * perRequest
}

func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) (int, error) {
	used := 0
	err := c.policy.Do(ctx, op, func(attempt int) error {
		used = attempt
		return fn()
	}, func(attempt int, err error, wait time.Duration) {
		c.log.WithError(err).
			WithField("op", op).
			WithField("attempt", attempt).
			WithField("max_attempts", c.policy.MaxAttempts).
			WithField("retry_in_ms", wait.Milliseconds()).
			Warn("attempt failed, backing off")
	})
	return used, err
}

func classify(err error) error {
	if err == nil || transcription.IsTemporary(err) {
		return err
	}
	return retry.Permanent(err)
}
