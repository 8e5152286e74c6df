package agent

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// logResultLimit bounds the per-entry result preview kept for the UI's
// expandable detail view.
const logResultLimit = 500

// argPreviewLimit is the length past which bulky argument fields are
// replaced with a size placeholder.
const argPreviewLimit = 100

// bulkyArgKeys are argument fields that routinely carry large payloads
// (file bodies, chart HTML, generated code) and are elided from previews.
var bulkyArgKeys = []string{"content", "html_content", "code"}

// ToolLogEntry records one tool call for display: which tool ran, an
// abbreviated argument preview, a truncated result, and the outcome.
type ToolLogEntry struct {
	Tool     string        `json:"tool"`
	Args     string        `json:"args"`
	Result   string        `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	At       time.Time     `json:"at"`
}

// formatArgsPreview renders arguments as compact JSON with bulky fields
// replaced by a "<N chars>" placeholder.
func formatArgsPreview(args map[string]any) string {
	display := make(map[string]any, len(args))
	for k, v := range args {
		display[k] = v
	}
	for _, key := range bulkyArgKeys {
		if s, ok := display[key].(string); ok && len(s) > argPreviewLimit {
			display[key] = fmt.Sprintf("<%d chars>", len(s))
		}
	}

	encoded, err := json.Marshal(display)
	if err != nil {
		return fmt.Sprintf("%v", display)
	}
	return string(encoded)
}

// clip shortens s to at most limit bytes, backing up so the cut never splits
// a multibyte rune.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
