// Package client talks to the transcription API on behalf of the CLI.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voice-transcribe-go/internal/logger"
	"voice-transcribe-go/internal/types"
)

// StatusTimeout bounds a single status request.
const StatusTimeout = 10 * time.Second

// APIError is a non-2xx API answer with its {"error": ...} message.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api responded %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == http.StatusNotFound
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		log:        log.Component("client"),
	}
}

type SubmitOptions struct {
	Language        string
	GenerateSummary bool
	SessionID       string
}

type SubmitResponse struct {
	JobID    string          `json:"job_id"`
	Status   types.JobStatus `json:"status"`
	Replaces string          `json:"replaces,omitempty"`
}

// Submit streams the file at path to POST /api/transcribe.
func (c *Client) Submit(ctx context.Context, path string, opts SubmitOptions) (SubmitResponse, error) {
	fields := map[string]string{"generate_summary": strconv.FormatBool(opts.GenerateSummary)}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	var out SubmitResponse
	err := c.postFile(ctx, "/api/transcribe", path, fields, opts.SessionID, &out)
	return out, err
}

// Resubmit uploads the original file again for a job that lost its engine copy.
func (c *Client) Resubmit(ctx context.Context, jobID, path, sessionID string) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.postFile(ctx, "/api/jobs/"+url.PathEscape(jobID)+"/resubmit", path, nil, sessionID, &out)
	return out, err
}

// GetJob fetches the job through the poll reconciliation endpoint.
func (c *Client) GetJob(ctx context.Context, jobID, sessionID string) (types.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()
	var out struct {
		Job types.Job `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), sessionID, nil, "", &out)
	return out.Job, err
}

func (c *Client) Events(ctx context.Context, jobID, sessionID string) ([]types.ProcessingEvent, error) {
	var out struct {
		Events []types.ProcessingEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(jobID)+"/events", sessionID, nil, "", &out)
	return out.Events, err
}

func (c *Client) List(ctx context.Context, limit int, sessionID string) ([]types.Job, error) {
	var out struct {
		Jobs []types.Job `json:"jobs"`
	}
	err := c.do(ctx, http.MethodGet, "/api/jobs?limit="+strconv.Itoa(limit), sessionID, nil, "", &out)
	return out.Jobs, err
}

// Cancel deletes the job on the server.
func (c *Client) Cancel(ctx context.Context, jobID, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+url.PathEscape(jobID), sessionID, nil, "", nil)
}

func (c *Client) postFile(ctx context.Context, path, filePath string, fields map[string]string, sessionID string, target any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		fw, err := w.CreateFormFile("file", filepath.Base(filePath))
		if err == nil {
			_, err = io.Copy(fw, f)
		}
		for k, v := range fields {
			if err == nil {
				err = w.WriteField(k, v)
			}
		}
		if err == nil {
			err = w.Close()
		}
		pw.CloseWithError(err)
	}()

	start := time.Now()
	if err := c.do(ctx, http.MethodPost, path, sessionID, pr, w.FormDataContentType(), target); err != nil {
		return err
	}
	c.log.WithField("file", filepath.Base(filePath)).
		WithField("elapsed_ms", time.Since(start).Milliseconds()).
		Info("file submitted")
	return nil
}

func (c *Client) do(ctx context.Context, method, path, sessionID string, body io.Reader, contentType string, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Code: resp.StatusCode, Message: msg}
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("json decode error: %w body=%s", err, string(data))
	}
	return nil
}
