package upload

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidationError rejects a submission outright; it is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
}

var supportedExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".aac": true, ".flac": true,
	".ogg": true, ".oga": true, ".opus": true, ".wma": true, ".webm": true,
	".mp4": true, ".m4v": true, ".mov": true, ".mkv": true, ".avi": true,
	".mpeg": true, ".mpga": true, ".3gp": true,
}

// Validate checks presence, size and media type of a submission.
func Validate(name string, size, maxBytes int64) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "file", Message: "is required"}
	}
	if size <= 0 {
		return &ValidationError{Field: "file", Message: "is empty"}
	}
	if maxBytes > 0 && size > maxBytes {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("is %d bytes, limit is %d", size, maxBytes)}
	}
	ext := strings.ToLower(filepath.Ext(name))
	if !supportedExtensions[ext] {
		return &ValidationError{Field: "file", Message: fmt.Sprintf("unsupported media type %q", ext)}
	}
	return nil
}
