// Package charts detects chart-producing tool results and keeps a bounded,
// ordered collection of rendered chart artifacts.
package charts

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// chartTools is the fixed set of chart-producing tool names on the analysis
// server.
var chartTools = map[string]bool{
	"create_chart_tool":               true,
	"create_correlation_heatmap_tool": true,
	"create_time_series_chart_tool":   true,
}

// IsChartTool reports whether a tool name produces charts.
func IsChartTool(name string) bool {
	return chartTools[name]
}

// Info describes a chart detected in a tool result, before its HTML payload
// has been fetched.
type Info struct {
	Filepath  string         `json:"filepath"`
	Filename  string         `json:"filename"`
	ChartType string         `json:"chart_type"`
	Dataframe string         `json:"dataframe"`
	Tool      string         `json:"tool"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Detect returns chart info if the tool result represents a successfully
// created chart with a server-side file reference. Non-chart tools, failure
// payloads, and malformed or non-JSON results all yield nil; a result we
// cannot parse is simply not a chart.
func Detect(toolName, raw string) *Info {
	if !chartTools[toolName] {
		return nil
	}

	var payload struct {
		Success   bool           `json:"success"`
		Filepath  string         `json:"filepath"`
		Filename  string         `json:"filename"`
		ChartType string         `json:"chart_type"`
		DFName    string         `json:"df_name"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	if !payload.Success || payload.Filepath == "" {
		return nil
	}

	info := &Info{
		Filepath:  payload.Filepath,
		Filename:  payload.Filename,
		ChartType: payload.ChartType,
		Dataframe: payload.DFName,
		Tool:      toolName,
		Metadata:  payload.Metadata,
		CreatedAt: time.Now(),
	}
	if info.Filename == "" {
		info.Filename = "chart.html"
	}
	if info.ChartType == "" {
		info.ChartType = "chart"
	}
	if info.Dataframe == "" {
		info.Dataframe = "data"
	}
	return info
}

// Artifact is a stored chart with its HTML payload.
type Artifact struct {
	Info
	HTML string `json:"html"`
}

// DefaultMaxStored bounds the store when no cap is configured.
const DefaultMaxStored = 20

// Store keeps the most recent artifacts in insertion order, evicting the
// oldest when the cap is exceeded.
type Store struct {
	mu        sync.Mutex
	artifacts []Artifact
	maxStored int
}

// NewStore creates a store capped at maxStored artifacts.
func NewStore(maxStored int) *Store {
	if maxStored <= 0 {
		maxStored = DefaultMaxStored
	}
	return &Store{maxStored: maxStored}
}

// Add appends a fully-resolved artifact and returns its index within the
// store. Indices shift down when eviction drops the oldest artifact.
func (s *Store) Add(info Info, html string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.artifacts = append(s.artifacts, Artifact{Info: info, HTML: html})
	if len(s.artifacts) > s.maxStored {
		s.artifacts = s.artifacts[len(s.artifacts)-s.maxStored:]
	}
	return len(s.artifacts) - 1
}

// Get returns the artifact at index.
func (s *Store) Get(index int) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.artifacts) {
		return Artifact{}, false
	}
	return s.artifacts[index], true
}

// All returns the stored artifacts oldest-first.
func (s *Store) All() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Artifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// Clear removes all artifacts.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = nil
}

// Summary holds gallery statistics for UI display.
type Summary struct {
	Total     int            `json:"total"`
	ByType    map[string]int `json:"types"`
	Latest    time.Time      `json:"latest,omitzero"`
	HTMLBytes int            `json:"html_bytes"`
}

// Summarize returns counts by chart type and total payload size.
func (s *Store) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary := Summary{ByType: map[string]int{}}
	for _, a := range s.artifacts {
		summary.Total++
		summary.ByType[a.ChartType]++
		summary.HTMLBytes += len(a.HTML)
		if a.CreatedAt.After(summary.Latest) {
			summary.Latest = a.CreatedAt
		}
	}
	return summary
}

// ExportHTML concatenates all artifacts into one self-contained document.
// The second return is false when the store is empty.
func (s *Store) ExportHTML() (string, bool) {
	artifacts := s.All()
	if len(artifacts) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Chart Gallery Export</title>
    <style>
        body { font-family: Arial, sans-serif; padding: 20px; }
        .chart-container { margin-bottom: 50px; border-bottom: 2px solid #ccc; padding-bottom: 30px; }
        .chart-header { background: #f0f0f0; padding: 10px; margin-bottom: 20px; }
        h2 { color: #333; }
        .metadata { color: #666; font-size: 0.9em; }
    </style>
</head>
<body>
    <h1>Chart Gallery Export</h1>
`)
	fmt.Fprintf(&b, "    <p>Generated: %s</p>\n    <hr>\n", time.Now().Format("2006-01-02 15:04:05"))

	for i, a := range artifacts {
		fmt.Fprintf(&b, `
    <div class="chart-container">
        <div class="chart-header">
            <h2>Chart %d: %s</h2>
            <div class="metadata">
                <p>Created: %s</p>
                <p>Data: %s</p>
            </div>
        </div>
        <div class="chart-content">
            %s
        </div>
    </div>
`, i+1, titleCase(a.ChartType), a.CreatedAt.Format("2006-01-02 15:04:05"), a.Dataframe, a.HTML)
	}

	b.WriteString("\n</body>\n</html>")
	return b.String(), true
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
