package session

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/datachat/internal/agent"
)

// UploadedFile is one in-memory uploaded file. Content and metadata are
// always added and removed together.
type UploadedFile struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	Type         string    `json:"type"`
	Content      []byte    `json:"-"`
	UploadedAt   time.Time `json:"uploaded_at"`
	SentToServer bool      `json:"sent_to_server"`
}

// DefaultAllowedTypes lists the file extensions accepted for upload.
var DefaultAllowedTypes = []string{"csv", "tsv", "json", "xlsx", "xls", "parquet"}

// sanitizeFilename strips any directory components from a client-supplied
// name. Uploads are keys into an in-memory map, never paths.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}

func validateFile(name string, size int64, maxBytes int64, allowed []string) error {
	if name == "" {
		return &agent.ValidationError{Field: "filename", Reason: "empty after sanitization"}
	}
	if size == 0 {
		return &agent.ValidationError{Field: "file", Reason: "empty file"}
	}
	if maxBytes > 0 && size > maxBytes {
		return &agent.ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("%d bytes exceeds limit of %d", size, maxBytes),
		}
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return &agent.ValidationError{Field: "filename", Reason: "missing extension"}
	}
	for _, a := range allowed {
		if ext == a {
			return nil
		}
	}
	return &agent.ValidationError{
		Field:  "filename",
		Reason: fmt.Sprintf("extension %q not allowed (allowed: %s)", ext, strings.Join(allowed, ", ")),
	}
}

// uniqueName returns name, or name with a numeric suffix when it already
// exists in the file map.
func uniqueName(name string, existing map[string]*UploadedFile) string {
	if _, taken := existing[name]; !taken {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}
