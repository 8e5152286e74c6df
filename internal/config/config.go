// Package config loads and validates the datachat configuration from a YAML
// file with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	MCP     MCPConfig     `yaml:"mcp"`
	LLM     LLMConfig     `yaml:"llm"`
	Chat    ChatConfig    `yaml:"chat"`
	Files   FilesConfig   `yaml:"files"`
	Charts  ChartsConfig  `yaml:"charts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MCPConfig configures the analysis server connection.
type MCPConfig struct {
	// URL is the SSE endpoint of the analysis server.
	URL string `yaml:"url"`

	// Headers are sent with every request to the server.
	Headers map[string]string `yaml:"headers"`

	// Timeout bounds each remote operation.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds connection handshake attempts. Retries apply to
	// connection setup only, never to tool invocations.
	MaxRetries int `yaml:"max_retries"`

	// PoolSize enables the optional connection pool for tool listing when
	// positive. The orchestrator always connects per call.
	PoolSize int `yaml:"pool_size"`

	// ToolsCacheTTL bounds how long a cached tools listing is served.
	ToolsCacheTTL time.Duration `yaml:"tools_cache_ttl"`
}

// LLMConfig configures the model provider.
type LLMConfig struct {
	// Provider selects the backend: "openai" or "anthropic".
	Provider string `yaml:"provider"`

	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// BaseURL overrides the provider endpoint, for proxies.
	BaseURL string `yaml:"base_url"`
}

// ChatConfig bounds the orchestration loop and history.
type ChatConfig struct {
	// MaxToolCalls is the global per-turn tool-call ceiling.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// HistoryLimit caps stored conversation messages per session.
	HistoryLimit int `yaml:"history_limit"`

	// ContextWindow is how many prior messages accompany each turn.
	ContextWindow int `yaml:"context_window"`

	// MaxResultChars bounds each tool result placed in the conversation.
	MaxResultChars int `yaml:"max_result_chars"`

	// SessionIdleTimeout evicts sessions with no activity past this age.
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	// SystemPromptFile overrides the built-in analyst prompt.
	SystemPromptFile string `yaml:"system_prompt_file"`
}

// FilesConfig bounds uploads.
type FilesConfig struct {
	MaxSizeMB    int      `yaml:"max_size_mb"`
	AllowedTypes []string `yaml:"allowed_types"`
}

// ChartsConfig bounds the chart artifact store.
type ChartsConfig struct {
	MaxStored int `yaml:"max_stored"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

// Load reads the configuration file, expands ${VAR} references from the
// environment, parses it, and applies defaults. Validate is a separate step
// so callers can inspect the parsed values first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes with env expansion and defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration with no file loaded.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8501
	}
	if cfg.MCP.URL == "" {
		cfg.MCP.URL = envOr("MCP_SSE_URL", "http://localhost:8000/sse")
	}
	if cfg.MCP.Timeout == 0 {
		cfg.MCP.Timeout = 30 * time.Second
	}
	if cfg.MCP.MaxRetries == 0 {
		cfg.MCP.MaxRetries = 3
	}
	if cfg.MCP.ToolsCacheTTL == 0 {
		cfg.MCP.ToolsCacheTTL = 5 * time.Minute
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		if cfg.LLM.Provider == "anthropic" {
			cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-4o-mini"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1500
	}
	if cfg.Chat.MaxToolCalls == 0 {
		cfg.Chat.MaxToolCalls = 10
	}
	if cfg.Chat.HistoryLimit == 0 {
		cfg.Chat.HistoryLimit = 50
	}
	if cfg.Chat.ContextWindow == 0 {
		cfg.Chat.ContextWindow = 6
	}
	if cfg.Chat.MaxResultChars == 0 {
		cfg.Chat.MaxResultChars = 5000
	}
	if cfg.Chat.SessionIdleTimeout == 0 {
		cfg.Chat.SessionIdleTimeout = 2 * time.Hour
	}
	if cfg.Files.MaxSizeMB == 0 {
		cfg.Files.MaxSizeMB = 100
	}
	if len(cfg.Files.AllowedTypes) == 0 {
		cfg.Files.AllowedTypes = []string{"csv", "tsv", "json", "xlsx", "xls", "parquet"}
	}
	if cfg.Charts.MaxStored == 0 {
		cfg.Charts.MaxStored = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Validate checks the configuration for values that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Reason: "must be between 1 and 65535"}
	}
	if !strings.HasPrefix(c.MCP.URL, "http://") && !strings.HasPrefix(c.MCP.URL, "https://") {
		return &ValidationError{Field: "mcp.url", Reason: "must start with http:// or https://"}
	}
	if c.MCP.Timeout < 0 {
		return &ValidationError{Field: "mcp.timeout", Reason: "must not be negative"}
	}
	if c.MCP.MaxRetries < 0 {
		return &ValidationError{Field: "mcp.max_retries", Reason: "must not be negative"}
	}
	if c.MCP.PoolSize < 0 {
		return &ValidationError{Field: "mcp.pool_size", Reason: "must not be negative"}
	}

	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return &ValidationError{Field: "llm.provider", Reason: fmt.Sprintf("unknown provider %q", c.LLM.Provider)}
	}
	if c.LLM.APIKey == "" {
		return &ValidationError{Field: "llm.api_key", Reason: "is required"}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return &ValidationError{Field: "llm.temperature", Reason: "must be between 0 and 2"}
	}
	if c.LLM.MaxTokens <= 0 {
		return &ValidationError{Field: "llm.max_tokens", Reason: "must be positive"}
	}

	if c.Chat.MaxToolCalls <= 0 {
		return &ValidationError{Field: "chat.max_tool_calls", Reason: "must be positive"}
	}
	if c.Chat.ContextWindow <= 0 {
		return &ValidationError{Field: "chat.context_window", Reason: "must be positive"}
	}
	if c.Files.MaxSizeMB <= 0 {
		return &ValidationError{Field: "files.max_size_mb", Reason: "must be positive"}
	}
	if c.Charts.MaxStored <= 0 {
		return &ValidationError{Field: "charts.max_stored", Reason: "must be positive"}
	}
	return nil
}
