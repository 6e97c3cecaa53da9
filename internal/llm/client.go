// Package llm calls an OpenAI-compatible chat completions gateway.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"voice-transcribe-go/internal/logger"
)

// ErrNotConfigured is returned when no gateway URL or key is set.
var ErrNotConfigured = errors.New("llm gateway not configured")

type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
}

// Completion is the first choice of a chat completion plus call metadata.
type Completion struct {
	Text         string
	Model        string
	PromptLength int
	TokenCount   int
	Latency      time.Duration
}

type Client struct {
	url        string
	apiKey     string
	timeout    time.Duration
	maxElapsed time.Duration
	httpClient *http.Client
	log        *logger.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxElapsed bounds the total time spent retrying one completion.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Client) { c.maxElapsed = d }
}

// NewClient builds a client for the gateway at url. timeout bounds each
// attempt; the whole call may retry 5xx responses until maxElapsed.
func NewClient(url, apiKey string, timeout time.Duration, log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.Discard()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	c := &Client{
		url:        url,
		apiKey:     apiKey,
		timeout:    timeout,
		maxElapsed: 2 * timeout,
		httpClient: &http.Client{},
		log:        log.Component("llm"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completion. Server errors and transport failures are
// retried with exponential backoff; 4xx responses fail immediately.
func (c *Client) Complete(ctx context.Context, req Request) (Completion, error) {
	if c.url == "" || c.apiKey == "" {
		return Completion{}, ErrNotConfigured
	}
	msgs := make([]chatMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	data, err := json.Marshal(chatRequest{Model: req.Model, Messages: msgs, Temperature: req.Temperature})
	if err != nil {
		return Completion{}, err
	}

	start := time.Now()
	var (
		out     chatResponse
		lastErr error
	)
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("llm server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return lastErr
		case resp.StatusCode >= 300:
			lastErr = fmt.Errorf("llm request rejected %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("decode llm response: %w", err)
			return backoff.Permanent(lastErr)
		}
		if len(out.Choices) == 0 {
			lastErr = fmt.Errorf("unexpected llm response: %s", string(body))
			return backoff.Permanent(lastErr)
		}
		lastErr = nil
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		c.log.WithError(lastErr).WithField("model", req.Model).Error("llm completion failed")
		return Completion{}, fmt.Errorf("llm completion failed: %w", lastErr)
	}

	model := out.Model
	if model == "" {
		model = req.Model
	}
	comp := Completion{
		Text:         cleanContent(out.Choices[0].Message.Content),
		Model:        model,
		PromptLength: len(req.System) + len(req.Prompt),
		TokenCount:   out.Usage.TotalTokens,
		Latency:      time.Since(start),
	}
	c.log.WithField("model", comp.Model).
		WithField("tokens", comp.TokenCount).
		WithField("latency_ms", comp.Latency.Milliseconds()).
		Debug("llm completion")
	return comp, nil
}

// cleanContent trims whitespace and a surrounding markdown code fence.
func cleanContent(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
