package config

import (
	"errors"
	"testing"
	"time"
)

// TestLoadDefaults verifies baseline defaults when the environment is empty.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("UPLOAD_MAX_RETRIES", "")
	t.Setenv("WEBHOOK_SECRET_HEADER", "")
	t.Setenv("LLM_TIMEOUT", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg := Load()
	if cfg.Server.Port != "8080" {
		t.Fatalf("port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Engine.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want 3", cfg.Engine.MaxRetries)
	}
	if cfg.Webhook.Header != "X-Webhook-Secret" {
		t.Fatalf("webhook header = %q", cfg.Webhook.Header)
	}
	if cfg.LLM.Timeout != 120*time.Second {
		t.Fatalf("llm timeout = %s", cfg.LLM.Timeout)
	}
	if cfg.Client.PollInterval != 3*time.Second {
		t.Fatalf("poll interval = %s", cfg.Client.PollInterval)
	}
}

// TestLoadOverrides checks typed parsing of env overrides and bad values.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENGINE_URL", "http://engine:9000/")
	t.Setenv("UPLOAD_MAX_RETRIES", "5")
	t.Setenv("JOB_RETENTION", "2h")
	t.Setenv("MAX_UPLOAD_BYTES", "not-a-number")
	t.Setenv("PUBLIC_URL", "https://app.example.com/")

	cfg := Load()
	if cfg.Engine.BaseURL != "http://engine:9000" {
		t.Fatalf("engine url = %q", cfg.Engine.BaseURL)
	}
	if cfg.Engine.MaxRetries != 5 {
		t.Fatalf("max retries = %d", cfg.Engine.MaxRetries)
	}
	if cfg.Jobs.Retention != 2*time.Hour {
		t.Fatalf("retention = %s", cfg.Jobs.Retention)
	}
	if cfg.Engine.MaxUploadBytes != 2<<30 {
		t.Fatalf("max upload bytes = %d, want default", cfg.Engine.MaxUploadBytes)
	}
	if got := cfg.WebhookURL(); got != "https://app.example.com/api/webhook/transcription" {
		t.Fatalf("webhook url = %q", got)
	}
}

// TestValidateReportsMissingKeys checks required server settings.
func TestValidateReportsMissingKeys(t *testing.T) {
	cfg := &Config{Engine: EngineConfig{MaxRetries: 3}}
	err := cfg.Validate()
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Validate() = %v, want ErrMissing", err)
	}

	cfg.Engine.BaseURL = "http://engine"
	cfg.Webhook.Secret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}
