// Package main provides the CLI entry point for the datachat server.
//
// Datachat is a chat service for conversational data analysis. It connects an
// LLM provider (OpenAI or Anthropic) to a remote pandas analysis server over
// MCP HTTP+SSE, orchestrating tool calls, chart capture, and per-session
// state behind an HTTP API.
//
// # Basic Usage
//
// Start the server:
//
//	datachat serve --config datachat.yaml
//
// List the analysis server's tools:
//
//	datachat tools --config datachat.yaml
//
// # Environment Variables
//
//   - MCP_SSE_URL: Analysis server SSE endpoint
//   - OPENAI_API_KEY: OpenAI API key
//   - ANTHROPIC_API_KEY: Anthropic API key
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/datachat/internal/agent"
	"github.com/haasonsaas/datachat/internal/agent/providers"
	"github.com/haasonsaas/datachat/internal/config"
	"github.com/haasonsaas/datachat/internal/mcp"
	"github.com/haasonsaas/datachat/internal/observability"
	"github.com/haasonsaas/datachat/internal/prompts"
	"github.com/haasonsaas/datachat/internal/session"
	"github.com/haasonsaas/datachat/internal/web"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "datachat.yaml"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "datachat",
		Short:        "Datachat - conversational data analysis server",
		Long:         "Datachat connects an LLM provider to a remote pandas analysis server,\nrunning tool-calling conversations over an HTTP API.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildCheckCmd(),
	)
	return rootCmd
}

// loadConfig reads the configuration, tolerating a missing file only at the
// default path.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the datachat HTTP server",
		Long: `Start the datachat HTTP server.

The server loads configuration, initializes the LLM provider and the
analysis server connection, and serves the chat API. Graceful shutdown is
handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  datachat serve

  # Start with custom config and debug logging
  datachat serve --config /etc/datachat/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)

	logger.Info("starting datachat",
		"version", version,
		"commit", commit,
		"provider", cfg.LLM.Provider,
		"model", cfg.LLM.Model,
		"server_url", cfg.MCP.URL,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	serverCfg := &mcp.ServerConfig{
		URL:        cfg.MCP.URL,
		Headers:    cfg.MCP.Headers,
		Timeout:    cfg.MCP.Timeout,
		MaxRetries: cfg.MCP.MaxRetries,
	}
	toolSession := mcp.NewToolSession(serverCfg, logger)

	// Tool listings go through pooled connections when a pool is configured;
	// chat tool calls always use the per-call session.
	var directory web.ToolDirectory = toolSession
	if cfg.MCP.PoolSize > 0 {
		pool := mcp.NewPool(serverCfg, cfg.MCP.PoolSize, logger)
		defer pool.Close()
		directory = mcp.NewDirectory(pool)
	}

	orchestrator := agent.NewOrchestrator(provider, toolSession, agent.Config{
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		MaxToolCalls:   cfg.Chat.MaxToolCalls,
		ContextWindow:  cfg.Chat.ContextWindow,
		MaxResultChars: cfg.Chat.MaxResultChars,
		CallTimeout:    cfg.MCP.Timeout,
	}, logger, metrics)

	renderer, err := buildRenderer(cfg)
	if err != nil {
		return err
	}

	manager := session.NewManager(session.Limits{
		HistoryLimit: cfg.Chat.HistoryLimit,
		MaxFileBytes: int64(cfg.Files.MaxSizeMB) << 20,
		AllowedTypes: cfg.Files.AllowedTypes,
		MaxCharts:    cfg.Charts.MaxStored,
	}, logger, metrics)

	srv, err := web.NewServer(&web.Config{
		Sessions:      manager,
		Turns:         orchestrator,
		Tools:         directory,
		Prompts:       renderer,
		Model:         cfg.LLM.Model,
		ToolsCacheTTL: cfg.MCP.ToolsCacheTTL,
		Registry:      registry,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Chat.SessionIdleTimeout > 0 {
		go evictIdleSessions(ctx, manager, cfg.Chat.SessionIdleTimeout, logger)
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	switch cfg.LLM.Provider {
	case "openai":
		return providers.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL), nil
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.LLM.Provider)
	}
}

func buildRenderer(cfg *config.Config) (*prompts.Renderer, error) {
	if cfg.Chat.SystemPromptFile == "" {
		return prompts.NewRenderer()
	}
	text, err := os.ReadFile(cfg.Chat.SystemPromptFile)
	if err != nil {
		return nil, fmt.Errorf("read system prompt: %w", err)
	}
	return prompts.NewRendererWithTemplate(string(text))
}

func evictIdleSessions(ctx context.Context, manager *session.Manager, maxAge time.Duration, logger *slog.Logger) {
	interval := maxAge / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := manager.EvictIdle(maxAge); n > 0 {
				logger.Info("evicted idle sessions", "count", n)
			}
		}
	}
}

func buildToolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the analysis server's tools by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.MCP.URL == "" {
				return errors.New("analysis server URL is required (mcp.url or MCP_SSE_URL)")
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			ts := mcp.NewToolSession(&mcp.ServerConfig{
				URL:        cfg.MCP.URL,
				Headers:    cfg.MCP.Headers,
				Timeout:    cfg.MCP.Timeout,
				MaxRetries: cfg.MCP.MaxRetries,
			}, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.MCP.Timeout)
			defer cancel()
			tools, err := ts.Connect(ctx)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			byName := make(map[string]string, len(tools))
			for _, t := range tools {
				byName[t.Name] = t.Description
			}
			categories := mcp.Categorize(tools)
			names := make([]string, 0, len(categories))
			for name := range categories {
				names = append(names, name)
			}
			sort.Strings(names)

			fmt.Printf("%d tools at %s\n", len(tools), cfg.MCP.URL)
			for _, cat := range names {
				fmt.Printf("\n%s:\n", cat)
				for _, tool := range categories[cat] {
					fmt.Printf("  %-32s %s\n", tool, byName[tool])
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			masked := observability.MaskKey(cfg.LLM.APIKey)
			fmt.Printf("config ok: provider=%s model=%s server=%s api_key=%s\n",
				cfg.LLM.Provider, cfg.LLM.Model, cfg.MCP.URL, masked)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
