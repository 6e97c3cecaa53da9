package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"voice-transcribe-go/internal/logger"
)

const (
	// UploadTimeout bounds each upload, chunk and finalize attempt.
	UploadTimeout = 5 * time.Minute
	// StatusTimeout bounds the synchronous status fetch.
	StatusTimeout = 10 * time.Second
)

// StatusError is a non-2xx engine response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine responded %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsTemporary classifies any error returned by the client. Transport errors
// and timeouts are temporary; 4xx responses and decode errors are not.
func IsTemporary(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var de *DecodeError
	return !errors.As(err, &de)
}

// DecodeError wraps an unreadable engine response body.
type DecodeError struct {
	Err  error
	Body string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("json decode error: %v body=%s", e.Err, e.Body)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type UploadResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type TaskResult struct {
	Text           string         `json:"text"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	AudioInfo      map[string]any `json:"audio_info,omitempty"`
}

// TaskStatus is the engine's status document, also delivered by legacy webhooks.
type TaskStatus struct {
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Client talks to the remote transcription engine.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL string, log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.Discard()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		log:        log.Component("transcription"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type UploadRequest struct {
	FileName   string
	Body       io.Reader
	Language   string
	WebhookURL string
}

// Upload sends the whole file in one multipart request.
func (c *Client) Upload(ctx context.Context, req UploadRequest) (UploadResponse, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return UploadResponse{}, err
	}
	if _, err := io.Copy(fw, req.Body); err != nil {
		return UploadResponse{}, fmt.Errorf("read source: %w", err)
	}
	_ = w.WriteField("language", req.Language)
	if req.WebhookURL != "" {
		_ = w.WriteField("webhook_url", req.WebhookURL)
	}
	if err := w.Close(); err != nil {
		return UploadResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &b)
	if err != nil {
		return UploadResponse{}, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	var resp UploadResponse
	if err := c.doJSON(httpReq, &resp); err != nil {
		return UploadResponse{}, err
	}
	if resp.TaskID == "" {
		return UploadResponse{}, &DecodeError{Err: errors.New("missing task_id"), Body: resp.Status}
	}
	c.log.WithField("task_id", resp.TaskID).WithField("file_name", req.FileName).Info("file uploaded to engine")
	return resp, nil
}

type ChunkRequest struct {
	Data        []byte
	Index       int
	TotalChunks int
	FileName    string
	UploadID    string
	Language    string
}

// UploadChunk sends one slice of a chunked upload.
func (c *Client) UploadChunk(ctx context.Context, req ChunkRequest) error {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	fw, err := w.CreateFormFile("chunk", fmt.Sprintf("%s.part%d", req.FileName, req.Index))
	if err != nil {
		return err
	}
	if _, err := fw.Write(req.Data); err != nil {
		return err
	}
	_ = w.WriteField("chunkIndex", strconv.Itoa(req.Index))
	_ = w.WriteField("totalChunks", strconv.Itoa(req.TotalChunks))
	_ = w.WriteField("fileName", req.FileName)
	_ = w.WriteField("uploadId", req.UploadID)
	_ = w.WriteField("language", req.Language)
	if err := w.Close(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/chunk", &b)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	if err := c.doJSON(httpReq, nil); err != nil {
		return err
	}
	c.log.WithField("upload_id", req.UploadID).
		WithField("chunk", fmt.Sprintf("%d/%d", req.Index+1, req.TotalChunks)).
		Debug("chunk uploaded")
	return nil
}

type FinalizeRequest struct {
	UploadID   string `json:"uploadId"`
	FileName   string `json:"fileName"`
	Language   string `json:"language"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Finalize assembles a chunked upload and starts transcription.
func (c *Client) Finalize(ctx context.Context, req FinalizeRequest) (UploadResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return UploadResponse{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, UploadTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/finalize", bytes.NewReader(body))
	if err != nil {
		return UploadResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp UploadResponse
	if err := c.doJSON(httpReq, &resp); err != nil {
		return UploadResponse{}, err
	}
	if resp.TaskID == "" {
		return UploadResponse{}, &DecodeError{Err: errors.New("missing task_id"), Body: resp.Status}
	}
	c.log.WithField("task_id", resp.TaskID).WithField("upload_id", req.UploadID).Info("chunked upload finalized")
	return resp, nil
}

// Status fetches the engine's view of one task in a single bounded attempt.
func (c *Client) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status/"+url.PathEscape(taskID), nil)
	if err != nil {
		return TaskStatus{}, err
	}
	var s TaskStatus
	if err := c.doJSON(httpReq, &s); err != nil {
		return TaskStatus{}, err
	}
	if s.TaskID == "" {
		s.TaskID = taskID
	}
	return s, nil
}

func (c *Client) doJSON(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if target == nil {
		return nil
	}
	if len(body) == 0 {
		return &DecodeError{Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(body, target); err != nil {
		return &DecodeError{Err: err, Body: string(body)}
	}
	return nil
}
