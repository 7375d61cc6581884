// Package main provides the CLI entry point for the loom orchestration
// kernel.
//
// Start the MCP server boundary:
//
//	loom serve --config loom.yaml
//
// Talk to the kernel interactively:
//
//	loom chat --config loom.yaml
//
// Configuration values may reference environment variables ($VAR or
// ${VAR}); the loader expands them before parsing.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loom/internal/config"
	"github.com/haasonsaas/loom/internal/kernel"
	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/internal/registry"
	"github.com/haasonsaas/loom/pkg/models"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0"
var version = "dev"

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "loom",
		Short:        "Loom - adaptive multi-agent orchestration kernel",
		Long:         "Loom runs LLM turns with local and MCP-hosted tools,\nhot-swappable domain overlays, and an MCP server boundary.",
		Version:      version,
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildToolsCmd(),
		buildDomainsCmd(),
	)
	return rootCmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildKernel(configPath string, debug bool) (*kernel.Kernel, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	kernel.Version = version
	return kernel.New(cfg, logger)
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kernel and its MCP server boundary",
		Long: `Start the kernel: builtin tools, persisted MCP agents, the domain
watcher, and the MCP server boundary with /metrics and /healthz.

Graceful shutdown on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	k, err := buildKernel(configPath, debug)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Start(ctx); err != nil {
		return err
	}
	k.Logger.Info("loom serving", "version", version, "addr", k.Server.Addr())

	<-ctx.Done()
	k.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), k.Config.Tools.DefaultToolTimeout)
	defer cancel()
	return k.Shutdown(shutdownCtx)
}

func buildChatCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		plain      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session against the kernel",
		Long: `Read prompts from stdin, one per line, and stream each turn's events
to stdout. Tool calls and results are shown inline. Ctrl-D exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, debug, !plain)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&plain, "no-stream", false, "Wait for complete responses instead of streaming")
	return cmd
}

func runChat(ctx context.Context, configPath string, debug, streaming bool) error {
	k, err := buildKernel(configPath, debug)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Fleet.Rehydrate(ctx); err != nil {
		k.Logger.Warn("agent rehydration incomplete", "error", err)
	}
	defer k.Fleet.Close()

	out := os.Stdout
	scanner := bufio.NewScanner(os.Stdin)
	sessionID := ""

	fmt.Fprintln(out, "loom chat - enter a prompt, Ctrl-D to exit")
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		prompt := strings.TrimSpace(scanner.Text())
		if prompt == "" {
			continue
		}

		id, events, err := k.SubmitPrompt(ctx, sessionID, prompt, streaming, "")
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		sessionID = id

		for ev := range events {
			switch ev.Type {
			case models.TurnEventContent:
				fmt.Fprint(out, ev.Content)
			case models.TurnEventToolCallRequest:
				fmt.Fprintf(out, "\n[tool call] %s %s\n",
					ev.ToolCall.Function.Name, ev.ToolCall.Function.Arguments)
			case models.TurnEventToolCallResponse:
				status := "ok"
				if !ev.Result.Success {
					status = "failed: " + ev.Result.Error
				}
				fmt.Fprintf(out, "[tool result] %s %s\n", ev.Result.ToolName, status)
			case models.TurnEventError:
				fmt.Fprintf(out, "\nturn error (%s): %s\n", ev.Error.Category, ev.Error.Message)
			case models.TurnEventFinished:
				fmt.Fprintln(out)
			}
		}
	}
}

func buildToolsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel(configPath, false)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, def := range k.Registry.List(registry.Filter{}) {
				origin := string(def.Origin)
				if def.ServerRef != "" {
					origin += " via " + def.ServerRef
				}
				fmt.Fprintf(out, "%-20s %-16s %s\n", def.Name, origin, def.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func buildDomainsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "domains",
		Short: "List available domain overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := buildKernel(configPath, false)
			if err != nil {
				return err
			}
			names, err := k.Domains.Available()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "no domains configured")
				return nil
			}
			for _, name := range names {
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
