// Package prompts renders the system prompt sent at the start of every turn.
package prompts

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"
)

// defaultPrompt is the analyst system prompt. {{.FilesSection}} is replaced
// per turn with the current upload state.
const defaultPrompt = `You are a data analysis assistant with remote analysis server access.

{{.FilesSection}}

## Your Capabilities:
- Load and analyze data files (CSV, Excel, JSON, Parquet)
- Execute pandas operations for data manipulation
- Create interactive visualizations (charts, graphs, heatmaps)
- Perform statistical analysis and calculations
- Clean and transform data

## Important Instructions:
1. When files are uploaded, you MUST:
   - FIRST use upload_temp_file_tool to upload to server
   - THEN use load_dataframe_tool with the returned filepath
   - FINALLY use analysis tools to process the data

2. For data analysis:
   - Be thorough and systematic
   - Check data quality and report issues
   - Suggest appropriate analyses based on data structure
   - Create visualizations when they would be helpful

3. For visualizations:
   - Choose appropriate chart types for the data
   - Include clear titles and labels
   - Use create_chart_tool, create_correlation_heatmap_tool, or create_time_series_chart_tool
   - After creating a chart, always mention it was created successfully

4. Communication style:
   - Be clear and concise
   - Explain your reasoning
   - Highlight important findings
   - Suggest next steps when appropriate

Remember: Chain tools together to complete complex analyses. Always verify data is loaded before attempting operations.
{{- if .Context}}

## Additional Context:
{{.Context}}
{{- end}}`

const filesUploadedSection = `IMPORTANT: The user has uploaded these files that are ready for analysis:
%s

To analyze these files, you MUST:
1. FIRST use upload_temp_file_tool with the filename to upload it to the server
2. THEN use load_dataframe_tool with the filepath returned from the upload
3. FINALLY use run_pandas_code_tool or other tools to analyze

The file contents will be automatically injected when you call upload_temp_file_tool.`

const noFilesSection = `No files have been uploaded yet. The user can upload CSV, Excel, JSON, or Parquet files for analysis.`

// TurnContext carries the per-turn substitutions.
type TurnContext struct {
	// Files are the names of currently uploaded files.
	Files []string

	// Model is the model identifier, surfaced to the model itself.
	Model string

	// ToolCount is how many tools the analysis server offers.
	ToolCount int

	// Now is the render time; zero means time.Now.
	Now time.Time
}

// Renderer produces system prompts. A custom template overrides the default
// analyst prompt; the zero value renders the default.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer compiles the default prompt template.
func NewRenderer() (*Renderer, error) {
	return NewRendererWithTemplate(defaultPrompt)
}

// NewRendererWithTemplate compiles a custom prompt template. The template
// may reference .FilesSection and .Context.
func NewRendererWithTemplate(text string) (*Renderer, error) {
	tmpl, err := template.New("system_prompt").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

// Render produces the system prompt for one turn.
func (r *Renderer) Render(tc TurnContext) (string, error) {
	now := tc.Now
	if now.IsZero() {
		now = time.Now()
	}

	filesSection := noFilesSection
	if len(tc.Files) > 0 {
		names := append([]string(nil), tc.Files...)
		sort.Strings(names)
		filesSection = fmt.Sprintf(filesUploadedSection, strings.Join(names, ", "))
	}

	context := fmt.Sprintf("timestamp: %s\nmodel: %s\ntools_available: %d",
		now.Format("2006-01-02 15:04:05"), tc.Model, tc.ToolCount)

	var b strings.Builder
	err := r.tmpl.Execute(&b, struct {
		FilesSection string
		Context      string
	}{FilesSection: filesSection, Context: context})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return b.String(), nil
}
