package mcp

import "strings"

// Tool categories for UI display. Assignment is keyword-based and purely a
// presentation convenience; the orchestrator never consults it.
var categoryKeywords = []struct {
	name     string
	keywords []string
}{
	{"Data Loading", []string{"load", "read", "upload", "preview"}},
	{"Data Analysis", []string{"pandas", "validate", "execution", "metadata"}},
	{"Visualization", []string{"chart", "visualization", "plot", "graph", "heatmap"}},
	{"File Management", []string{"file", "temp", "format"}},
	{"Session Management", []string{"session", "clear", "info"}},
}

// Categorize groups tool names by category. Tools that match no keyword fall
// into "Other"; empty categories are omitted.
func Categorize(tools []*ToolSchema) map[string][]string {
	categories := make(map[string][]string)

next:
	for _, tool := range tools {
		for _, cat := range categoryKeywords {
			for _, kw := range cat.keywords {
				if strings.Contains(tool.Name, kw) {
					categories[cat.name] = append(categories[cat.name], tool.Name)
					continue next
				}
			}
		}
		categories["Other"] = append(categories["Other"], tool.Name)
	}
	return categories
}
