package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/datachat/internal/bridge"
	"github.com/haasonsaas/datachat/internal/charts"
	"github.com/haasonsaas/datachat/internal/mcp"
	"github.com/haasonsaas/datachat/internal/observability"
)

// UploadToolName is the one tool whose arguments get file content injected
// before dispatch.
const UploadToolName = "upload_temp_file_tool"

// chartHTMLToolName fetches the rendered HTML for a chart file reference.
const chartHTMLToolName = "get_chart_html_tool"

// contentArgKey is the argument key that receives injected file content.
const contentArgKey = "content"

// truncationMarker is appended to tool results cut at MaxResultChars.
const truncationMarker = "\n...(truncated)"

// Defaults applied by Config.normalize.
const (
	DefaultMaxToolCalls   = 10
	DefaultMaxResultChars = 5000
	DefaultContextWindow  = 6
	DefaultMaxTokens      = 1500
)

// Config bounds one turn of orchestration.
type Config struct {
	// Model is the provider model identifier.
	Model string

	// Temperature and MaxTokens are passed through to every model call.
	Temperature float32
	MaxTokens   int

	// MaxToolCalls is the global per-turn ceiling on executed tool calls.
	// It bounds the whole turn, not a single batch.
	MaxToolCalls int

	// ContextWindow is how many prior conversation messages accompany the
	// new user message.
	ContextWindow int

	// MaxResultChars bounds each tool result placed in the conversation.
	MaxResultChars int

	// CallTimeout is the per-operation budget for remote tool calls.
	// Zero disables the budget.
	CallTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.MaxToolCalls <= 0 {
		c.MaxToolCalls = DefaultMaxToolCalls
	}
	if c.ContextWindow <= 0 {
		c.ContextWindow = DefaultContextWindow
	}
	if c.MaxResultChars <= 0 {
		c.MaxResultChars = DefaultMaxResultChars
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// TurnState is the session-scoped view the orchestrator needs for one turn.
// *session.State implements it.
type TurnState interface {
	// RecentMessages returns up to limit trailing conversation messages.
	RecentMessages(limit int) []ChatMessage

	// FileBytes returns the raw content of an uploaded file.
	FileBytes(name string) ([]byte, bool)

	// ToolSchemas returns the tool list from the last server connect.
	ToolSchemas() []*mcp.ToolSchema

	// ChartStore returns the session's chart artifact store.
	ChartStore() *charts.Store
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	// Text is the assistant's final answer.
	Text string

	// ChartIndices are store positions of charts created during the turn,
	// in creation order.
	ChartIndices []int

	// ToolCalls counts executed tool calls.
	ToolCalls int

	// ToolLog records each executed call for the UI detail view.
	ToolLog []ToolLogEntry

	// Usage aggregates token counters across all model calls in the turn.
	Usage Usage
}

// Orchestrator drives the model/tool loop for user turns. One orchestrator
// serves many sessions; per-turn state lives in TurnState and TurnResult.
type Orchestrator struct {
	provider  Provider
	tools     ToolRunner
	cfg       Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	validator *schemaValidator
}

// NewOrchestrator wires a provider and tool runner together. metrics may be
// nil.
func NewOrchestrator(provider Provider, tools ToolRunner, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		provider:  provider,
		tools:     tools,
		cfg:       cfg.normalize(),
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
		validator: newSchemaValidator(),
	}
}

// ProcessTurn runs one user turn to completion: model calls and tool
// dispatches alternate until the model answers in text or the tool-call
// ceiling forces a final schema-less call. Tool failures are contained
// per-call; a model call failure aborts the turn and is returned as a
// *ModelCallError for the caller to render inline.
func (o *Orchestrator) ProcessTurn(ctx context.Context, st TurnState, systemPrompt, userText string) (*TurnResult, error) {
	history := st.RecentMessages(o.cfg.ContextWindow)
	msgs := make([]ChatMessage, 0, len(history)+2)
	msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, ChatMessage{Role: RoleUser, Content: userText})

	schemas := st.ToolSchemas()
	res := &TurnResult{}
	executed := 0

	for executed < o.cfg.MaxToolCalls {
		comp, err := o.callModel(ctx, msgs, schemas)
		if err != nil {
			return nil, err
		}
		res.Usage.add(comp.Usage)

		if len(comp.ToolCalls) == 0 {
			res.Text = comp.Content
			res.ToolCalls = executed
			return res, nil
		}

		msgs = append(msgs, ChatMessage{
			Role:      RoleAssistant,
			Content:   comp.Content,
			ToolCalls: comp.ToolCalls,
		})

		// Results must land in request order; every tool_call_id gets
		// exactly one tool message, even past the ceiling, so the final
		// model call sees a well-formed conversation.
		for _, call := range comp.ToolCalls {
			if executed >= o.cfg.MaxToolCalls {
				msgs = append(msgs, ChatMessage{
					Role:       RoleTool,
					ToolCallID: call.ID,
					Content:    "Error: tool call limit reached, call not executed",
				})
				continue
			}
			executed++
			msgs = append(msgs, o.executeCall(ctx, st, call, res))
		}
	}

	res.ToolCalls = executed

	// Ceiling reached: one last call without tool schemas forces a textual
	// answer.
	comp, err := o.callModel(ctx, msgs, nil)
	if err != nil {
		return nil, err
	}
	res.Usage.add(comp.Usage)
	res.Text = comp.Content
	return res, nil
}

func (o *Orchestrator) callModel(ctx context.Context, msgs []ChatMessage, schemas []*mcp.ToolSchema) (*Completion, error) {
	req := &CompletionRequest{
		Model:       o.cfg.Model,
		Messages:    msgs,
		Tools:       schemas,
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}

	start := time.Now()
	comp, err := bridge.Run(ctx, func(ctx context.Context) (*Completion, error) {
		return o.provider.Complete(ctx, req)
	})
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	if o.metrics != nil {
		o.metrics.ModelRequestCounter.WithLabelValues(o.provider.Name(), o.cfg.Model, status).Inc()
		o.metrics.ModelRequestDuration.WithLabelValues(o.provider.Name(), o.cfg.Model).Observe(elapsed.Seconds())
	}
	if err != nil {
		o.logger.Error("model call failed", "provider", o.provider.Name(), "model", o.cfg.Model, "error", err)
		return nil, &ModelCallError{Provider: o.provider.Name(), Model: o.cfg.Model, Err: err}
	}

	if o.metrics != nil && comp.Usage.TotalTokens > 0 {
		o.metrics.ModelTokensUsed.WithLabelValues(o.provider.Name(), o.cfg.Model, "prompt").Add(float64(comp.Usage.PromptTokens))
		o.metrics.ModelTokensUsed.WithLabelValues(o.provider.Name(), o.cfg.Model, "completion").Add(float64(comp.Usage.CompletionTokens))
	}
	o.logger.Debug("model responded",
		"messages", len(msgs),
		"tool_calls", len(comp.ToolCalls),
		"duration_ms", elapsed.Milliseconds())
	return comp, nil
}

// executeCall runs one tool call end to end and returns its tool-role
// message. Every failure mode produces an error-tagged result message;
// nothing escapes.
func (o *Orchestrator) executeCall(ctx context.Context, st TurnState, call ToolCall, res *TurnResult) ChatMessage {
	entry := ToolLogEntry{Tool: call.Name, At: time.Now()}
	text := o.runCall(ctx, st, call, res, &entry)

	if len(text) > o.cfg.MaxResultChars {
		text = clip(text, o.cfg.MaxResultChars) + truncationMarker
	}
	entry.Result = clip(text, logResultLimit)
	res.ToolLog = append(res.ToolLog, entry)

	return ChatMessage{Role: RoleTool, ToolCallID: call.ID, Content: text}
}

func (o *Orchestrator) runCall(ctx context.Context, st TurnState, call ToolCall, res *TurnResult, entry *ToolLogEntry) string {
	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			entry.Error = "malformed arguments: " + err.Error()
			o.countToolCall(call.Name, false)
			return "Error: " + entry.Error
		}
	}

	if call.Name == UploadToolName {
		if filename, ok := args["filename"].(string); ok {
			if content, ok := st.FileBytes(filename); ok {
				args[contentArgKey] = hex.EncodeToString(content)
				o.logger.Debug("injected file content", "tool", call.Name, "filename", filename, "bytes", len(content))
			}
		}
	}
	entry.Args = formatArgsPreview(args)

	if schema := findSchema(st.ToolSchemas(), call.Name); schema != nil {
		if err := o.validator.validate(schema, args); err != nil {
			entry.Error = (&ToolExecutionError{Tool: call.Name, Reason: "arguments rejected by schema: " + err.Error()}).Error()
			o.countToolCall(call.Name, false)
			return "Error: " + entry.Error
		}
	}

	start := time.Now()
	inv, err := bridge.RunWithTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (mcp.Invocation, error) {
		return o.tools.Call(ctx, call.Name, args), nil
	})
	entry.Duration = time.Since(start)

	if err != nil {
		if errors.Is(err, bridge.ErrTimeout) {
			terr := &TimeoutError{Op: "tool " + call.Name, Timeout: o.cfg.CallTimeout}
			entry.Error = terr.Error()
		} else {
			entry.Error = err.Error()
		}
		o.countToolCall(call.Name, false)
		o.logger.Warn("tool dispatch failed", "tool", call.Name, "error", err)
		return "Error: " + entry.Error
	}

	if o.metrics != nil {
		o.metrics.ToolCallDuration.WithLabelValues(call.Name).Observe(entry.Duration.Seconds())
	}
	o.countToolCall(call.Name, inv.OK)

	if !inv.OK {
		entry.Error = inv.Err
		return inv.Text()
	}

	if info := charts.Detect(call.Name, inv.Output); info != nil {
		o.captureChart(ctx, st, info, res)
	}
	return inv.Text()
}

// captureChart fetches the rendered HTML for a detected chart and stores the
// artifact. Fetch failures leave the chart on the server; the turn goes on.
func (o *Orchestrator) captureChart(ctx context.Context, st TurnState, info *charts.Info, res *TurnResult) {
	inv, err := bridge.RunWithTimeout(ctx, o.cfg.CallTimeout, func(ctx context.Context) (mcp.Invocation, error) {
		return o.tools.Call(ctx, chartHTMLToolName, map[string]any{"filepath": info.Filepath}), nil
	})
	if err != nil || !inv.OK {
		o.logger.Warn("chart HTML fetch failed", "filepath", info.Filepath, "error", err)
		return
	}

	var payload struct {
		Success     bool   `json:"success"`
		HTMLContent string `json:"html_content"`
	}
	if json.Unmarshal([]byte(inv.Output), &payload) != nil || !payload.Success {
		o.logger.Warn("chart HTML payload malformed", "filepath", info.Filepath)
		return
	}

	index := st.ChartStore().Add(*info, payload.HTMLContent)
	res.ChartIndices = append(res.ChartIndices, index)
	if o.metrics != nil {
		o.metrics.ChartsCreated.WithLabelValues(info.ChartType).Inc()
	}
	o.logger.Info("chart captured", "chart_type", info.ChartType, "index", index)
}

func (o *Orchestrator) countToolCall(tool string, ok bool) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	o.metrics.ToolCallCounter.WithLabelValues(tool, status).Inc()
}

func findSchema(schemas []*mcp.ToolSchema, name string) *mcp.ToolSchema {
	for _, s := range schemas {
		if s.Name == name {
			return s
		}
	}
	return nil
}
