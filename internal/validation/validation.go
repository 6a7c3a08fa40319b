package validation

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrUnsupportedMime = errors.New("unsupported video mime type")
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrFileMissing     = errors.New("source file does not exist")
	ErrEmptyString     = errors.New("value must not be empty")
)

// supportedMimeTypes lists the container formats the analysis service accepts.
var supportedMimeTypes = map[string]bool{
	"video/mp4":        true,
	"video/mpeg":       true,
	"video/quicktime":  true,
	"video/webm":       true,
	"video/x-matroska": true,
	"video/x-msvideo":  true,
	"video/3gpp":       true,
}

// ValidateSubmission checks a job submission before it is accepted into the
// queue. Failures here are InputInvalid: surfaced at submit, never retried.
func ValidateSubmission(sourcePath, mimeType string, sizeBytes, maxBytes int64) error {
	if sourcePath == "" {
		return fmt.Errorf("source path: %w", ErrEmptyString)
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFileMissing, sourcePath)
	}
	if !supportedMimeTypes[mimeType] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMime, mimeType)
	}
	if sizeBytes <= 0 {
		sizeBytes = info.Size()
	}
	if maxBytes > 0 && sizeBytes > maxBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, sizeBytes, maxBytes)
	}
	return nil
}

// ValidateStringNonEmpty rejects empty identifiers.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}
