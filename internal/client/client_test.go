package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// TestSubmitStreamsFile verifies the multipart body and the session header.
func TestSubmitStreamsFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transcribe" || r.Header.Get("X-Session-Id") != "sess" {
			t.Fatalf("request %s session=%q", r.URL.Path, r.Header.Get("X-Session-Id"))
		}
		f, fh, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if fh.Filename != "memo.wav" || string(data) != "RIFF" || r.FormValue("generate_summary") != "true" || r.FormValue("language") != "fr" {
			t.Fatalf("form = %s %q %v", fh.Filename, data, r.MultipartForm.Value)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"job_id":"sess:t1","status":"STARTED"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "memo.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o600); err != nil {
		t.Fatal(err)
	}
	resp, err := New(srv.URL, nil).Submit(context.Background(), path, SubmitOptions{Language: "fr", GenerateSummary: true, SessionID: "sess"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if resp.JobID != "sess:t1" || resp.Status != "STARTED" {
		t.Fatalf("resp = %+v", resp)
	}
}

// TestAPIErrorsCarryMessage verifies the {"error": ...} body is surfaced.
func TestAPIErrorsCarryMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"job not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).GetJob(context.Background(), "x", "")
	if !IsNotFound(err) {
		t.Fatalf("error = %v, want 404", err)
	}
	if ae := err.(*APIError); ae.Message != "job not found" {
		t.Fatalf("message = %q", ae.Message)
	}
}
