package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestCompleteSendsChatRequest verifies the request body, auth header and decoding.
func TestCompleteSendsChatRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Fatalf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "fix this" {
			t.Fatalf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"model":"gpt-test-0601","choices":[{"message":{"content":"  fixed text \n"}}],"usage":{"total_tokens":42}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key-1", time.Second, nil)
	comp, err := c.Complete(context.Background(), Request{Model: "gpt-test", System: "sys", Prompt: "fix this"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if comp.Text != "fixed text" || comp.Model != "gpt-test-0601" || comp.TokenCount != 42 || comp.PromptLength != len("sys")+len("fix this") {
		t.Fatalf("completion = %+v", comp)
	}
}

// TestCompleteRetriesServerErrors verifies 5xx answers are retried.
func TestCompleteRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k", time.Second, nil, WithMaxElapsed(10*time.Second))
	comp, err := c.Complete(context.Background(), Request{Model: "m", Prompt: "p"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if comp.Text != "ok" || comp.Model != "m" || calls.Load() != 2 {
		t.Fatalf("completion = %+v calls = %d", comp, calls.Load())
	}
}

// TestCompleteDoesNotRetryClientErrors verifies 4xx answers fail at once.
func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad key"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "k", time.Second, nil).Complete(context.Background(), Request{Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

// TestCompleteRequiresConfiguration checks the unconfigured sentinel.
func TestCompleteRequiresConfiguration(t *testing.T) {
	_, err := NewClient("", "", 0, nil).Complete(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("error = %v", err)
	}
}

// TestCleanContent verifies code fences are stripped.
func TestCleanContent(t *testing.T) {
	got := cleanContent("```text\nSpeaker 1: hi\n```")
	if got != "Speaker 1: hi" {
		t.Fatalf("cleanContent() = %q", got)
	}
}
