// Package files implements the attachment pipeline: local upload policy,
// per-action rate limits, the chat-files bucket uploader, and the outbox
// directory watcher.
package files

import (
	"errors"
	"fmt"
	"strings"
)

const (
	MaxFileSize      = 50 << 20 // bytes
	MaxVoiceNoteSize = 10 << 20
	MaxVoiceNoteSecs = 300
)

// allowedTypes is the upload MIME allowlist. Files with no detectable type
// pass; the blocked-extension check still applies to them.
var allowedTypes = map[string]bool{
	"image/jpeg":    true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,

	"video/mp4":       true,
	"video/webm":      true,
	"video/quicktime": true,

	"audio/mpeg": true,
	"audio/wav":  true,
	"audio/webm": true,
	"audio/ogg":  true,

	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	"text/plain": true,
	"text/csv":   true,
}

var blockedExtensions = []string{
	".exe", ".bat", ".cmd", ".sh", ".ps1", ".vbs", ".js", ".jar",
	".msi", ".scr", ".pif", ".com", ".dll", ".sys", ".app",
}

var (
	ErrFileTooLarge  = fmt.Errorf("file too large, maximum size is %dMB", MaxFileSize>>20)
	ErrFileEmpty     = errors.New("file is empty")
	ErrTypeBlocked   = errors.New("file type not allowed")
	ErrExtBlocked    = errors.New("this file type is not allowed for security reasons")
	ErrVoiceTooLarge = fmt.Errorf("voice note too large, maximum size is %dMB", MaxVoiceNoteSize>>20)
	ErrVoiceTooLong  = fmt.Errorf("voice note too long, maximum duration is %d minutes", MaxVoiceNoteSecs/60)
)

// ValidateFile applies the upload policy to a prospective attachment.
func ValidateFile(name string, size int64, mimeType string) error {
	if size > MaxFileSize {
		return ErrFileTooLarge
	}
	if size == 0 {
		return ErrFileEmpty
	}
	if mimeType != "" && !allowedTypes[strings.ToLower(mimeType)] {
		return ErrTypeBlocked
	}
	lower := strings.ToLower(name)
	for _, ext := range blockedExtensions {
		if strings.HasSuffix(lower, ext) {
			return ErrExtBlocked
		}
	}
	return nil
}

// ValidateVoiceNote applies the voice-note policy.
func ValidateVoiceNote(size int64, durationSecs int) error {
	if size > MaxVoiceNoteSize {
		return ErrVoiceTooLarge
	}
	if size == 0 {
		return ErrFileEmpty
	}
	if durationSecs > MaxVoiceNoteSecs {
		return ErrVoiceTooLong
	}
	return nil
}

// FormatFileSize renders a byte count for the UI ("1.50 MB").
func FormatFileSize(bytes int64) string {
	const k = 1024
	switch {
	case bytes == 0:
		return "0 Bytes"
	case bytes < k:
		return fmt.Sprintf("%d Bytes", bytes)
	case bytes < k*k:
		return fmt.Sprintf("%.2f KB", float64(bytes)/k)
	case bytes < k*k*k:
		return fmt.Sprintf("%.2f MB", float64(bytes)/(k*k))
	default:
		return fmt.Sprintf("%.2f GB", float64(bytes)/(k*k*k))
	}
}
