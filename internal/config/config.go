package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrMissing is wrapped by Validate for each required key that is unset.
var ErrMissing = errors.New("missing required configuration")

// Config holds all application configuration
type Config struct {
	Server  ServerConfig
	Engine  EngineConfig
	Webhook WebhookConfig
	LLM     LLMConfig
	Jobs    JobsConfig
	Client  ClientConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port        string
	PublicURL   string
	DatabaseURL string
}

// EngineConfig points at the remote transcription engine.
type EngineConfig struct {
	BaseURL         string
	DefaultLanguage string
	MaxRetries      int
	MaxUploadBytes  int64
}

// WebhookConfig holds the shared secret checked on push deliveries.
type WebhookConfig struct {
	Secret string
	Header string
}

// LLMConfig holds chat-completions gateway settings.
type LLMConfig struct {
	GatewayURL   string
	APIKey       string
	Model        string
	SummaryModel string
	Timeout      time.Duration
}

// JobsConfig controls registry housekeeping.
type JobsConfig struct {
	Retention       time.Duration
	CleanupInterval time.Duration
}

// ClientConfig is read by the transcribe CLI.
type ClientConfig struct {
	APIURL       string
	StateDir     string
	PollInterval time.Duration
}

// Load reads .env (if present) and then the process environment.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:        getEnv("PORT", "8080"),
			PublicURL:   strings.TrimRight(getEnv("PUBLIC_URL", ""), "/"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Engine: EngineConfig{
			BaseURL:         strings.TrimRight(getEnv("ENGINE_URL", ""), "/"),
			DefaultLanguage: getEnv("DEFAULT_LANGUAGE", "auto"),
			MaxRetries:      getEnvAsInt("UPLOAD_MAX_RETRIES", 3),
			MaxUploadBytes:  getEnvAsInt64("MAX_UPLOAD_BYTES", 2<<30),
		},
		Webhook: WebhookConfig{
			Secret: getEnv("WEBHOOK_SECRET", ""),
			Header: getEnv("WEBHOOK_SECRET_HEADER", "X-Webhook-Secret"),
		},
		LLM: LLMConfig{
			GatewayURL:   getEnv("LLM_GATEWAY_URL", ""),
			APIKey:       getEnv("LLM_API_KEY", ""),
			Model:        getEnv("LLM_MODEL", "gpt-4o-mini"),
			SummaryModel: getEnv("LLM_SUMMARY_MODEL", ""),
			Timeout:      getEnvAsDuration("LLM_TIMEOUT", 120*time.Second),
		},
		Jobs: JobsConfig{
			Retention:       getEnvAsDuration("JOB_RETENTION", 24*time.Hour),
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
		},
		Client: ClientConfig{
			APIURL:       strings.TrimRight(getEnv("API_URL", "http://localhost:8080"), "/"),
			StateDir:     getEnv("CLIENT_STATE_DIR", defaultStateDir()),
			PollInterval: getEnvAsDuration("POLL_INTERVAL", 3*time.Second),
		},
	}
}

// Validate checks the keys the API server cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Engine.BaseURL == "" {
		errs = append(errs, wrapMissing("ENGINE_URL"))
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, wrapMissing("WEBHOOK_SECRET"))
	}
	if c.Engine.MaxRetries < 1 {
		errs = append(errs, errors.New("UPLOAD_MAX_RETRIES must be at least 1"))
	}
	return errors.Join(errs...)
}

// WebhookURL is the callback handed to the engine, empty when PUBLIC_URL is unset.
func (c *Config) WebhookURL() string {
	if c.Server.PublicURL == "" {
		return ""
	}
	return c.Server.PublicURL + "/api/webhook/transcription"
}

func wrapMissing(key string) error {
	return &missingError{key: key}
}

type missingError struct{ key string }

func (e *missingError) Error() string { return e.key + " is required" }
func (e *missingError) Unwrap() error { return ErrMissing }

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".voice-transcribe"
	}
	return filepath.Join(home, ".voice-transcribe")
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
