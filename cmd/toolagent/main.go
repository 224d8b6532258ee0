// toolagent is a CLI for submitting tool requests through the lifecycle
// manager: shell commands locally, or tools on a connected MCP server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"toolagent/agent"
	"toolagent/config"
	"toolagent/events"
	"toolagent/executor"
	"toolagent/lifecycle"
	"toolagent/logger"
)

var rootCmd = &cobra.Command{
	Use:   "toolagent",
	Short: "Submit tool requests through a rate-limited, cached lifecycle manager",
	Long: `toolagent runs tool requests through a lifecycle manager that applies
sliding-window rate limiting, content-addressed result caching, priority
queueing, and single-slot execution.

Examples:
  # Run a shell command
  toolagent shell --command "ls -la" --priority high

  # Call a tool on a stdio MCP server
  toolagent mcp --server-command npx --server-args "-y,@modelcontextprotocol/server-filesystem,/tmp" \
    --tool list_directory --params '{"path": "/tmp"}'`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to config file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().String("priority", "normal", "request priority (high, normal, low)")
	rootCmd.PersistentFlags().Bool("show-metrics", false, "print lifecycle metrics after the run")

	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("priority", rootCmd.PersistentFlags().Lookup("priority"))
	_ = viper.BindPFlag("show-metrics", rootCmd.PersistentFlags().Lookup("show-metrics"))

	rootCmd.AddCommand(shellCmd())
	rootCmd.AddCommand(mcpCmd())
}

// loadRuntime builds the config and logger from flags and environment.
func loadRuntime() (*config.Config, logger.Logger, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, nil, err
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if format := viper.GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}
	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// runOne submits a single request to the agent and waits for its terminal
// notification, printing progress along the way.
func runOne(ctx context.Context, a *agent.Agent, toolID string, params map[string]interface{}, priority lifecycle.Priority) error {
	done := make(chan *events.Event, 1)
	a.Subscribe(events.ObserverFunc(func(event *events.Event) {
		if progress, ok := event.Data.(*events.ToolCallProgressEvent); ok {
			fmt.Fprintf(os.Stderr, "... %s\n", progress.Message)
			return
		}
		if events.IsTerminal(event.Type) {
			select {
			case done <- event:
			default:
			}
		}
	}))

	id, err := a.Submit(toolID, params, priority)
	if err != nil {
		if rateErr, ok := err.(*lifecycle.RateLimitedError); ok {
			return fmt.Errorf("rate limited, retry after %s", rateErr.RetryAfter)
		}
		return err
	}

	select {
	case event := <-done:
		outcome := printOutcome(event)
		if viper.GetBool("show-metrics") {
			printMetrics(a.Metrics())
		}
		return outcome
	case <-ctx.Done():
		_ = a.Cancel(id)
		return ctx.Err()
	}
}

func printMetrics(snapshot lifecycle.MetricsSnapshot) {
	fmt.Fprintf(os.Stderr, "total=%d successful=%d failed=%d cache_hits=%d avg_execution=%s\n",
		snapshot.Total, snapshot.Successful, snapshot.Failed, snapshot.CacheHits,
		snapshot.AverageExecutionTime)
}

func printOutcome(event *events.Event) error {
	switch data := event.Data.(type) {
	case *events.ToolCallEndEvent:
		fmt.Println(data.Content)
		if data.FromCache {
			fmt.Fprintln(os.Stderr, "(served from cache)")
		}
		return nil
	case *events.ToolCallErrorEvent:
		return fmt.Errorf("tool call failed: %s", data.Reason)
	case *events.ValidationFailedEvent:
		return fmt.Errorf("invalid parameters: %s", data.Reason)
	case *events.RequestCancelledEvent:
		return fmt.Errorf("request cancelled")
	case *events.RateLimitedEvent:
		return fmt.Errorf("rate limited, retry after %ds", data.RetryAfterSeconds)
	default:
		return fmt.Errorf("unexpected terminal event %s", event.Type)
	}
}

func shellCmd() *cobra.Command {
	var command string

	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Run a shell command through the lifecycle manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if command == "" {
				return fmt.Errorf("--command is required")
			}
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			invoker := executor.NewShellInvoker(log,
				executor.WithShellTimeout(cfg.ToolTimeout))
			a := agent.New(ctx, invoker,
				agent.WithLogger(log),
				agent.WithMaxHistory(cfg.MaxHistory),
				agent.WithManagerOptions(managerOptions(cfg, log)...))
			defer a.Close()

			priority, _ := lifecycle.ParsePriority(viper.GetString("priority"))
			return runOne(ctx, a, "execute_shell_command",
				map[string]interface{}{"command": command}, priority)
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "shell command to execute")
	return cmd
}

func mcpCmd() *cobra.Command {
	var (
		serverCommand string
		serverArgs    string
		serverURL     string
		toolName      string
		paramsJSON    string
		listTools     bool
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Call a tool on an MCP server through the lifecycle manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverCommand == "" && serverURL == "" {
				return fmt.Errorf("either --server-command or --server-url is required")
			}
			cfg, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()

			var invoker *executor.MCPInvoker
			if serverCommand != "" {
				var argList []string
				if serverArgs != "" {
					argList = strings.Split(serverArgs, ",")
				}
				invoker, err = executor.NewStdioMCPInvoker(connectCtx, log,
					serverCommand, os.Environ(), argList,
					executor.WithCallTimeout(cfg.ToolTimeout))
			} else {
				invoker, err = executor.NewHTTPMCPInvoker(connectCtx, log,
					serverURL, nil,
					executor.WithCallTimeout(cfg.ToolTimeout))
			}
			if err != nil {
				return err
			}
			defer invoker.Close()

			if listTools {
				tools, err := invoker.ListTools(ctx)
				if err != nil {
					return err
				}
				for _, tool := range tools {
					fmt.Printf("%s\t%s\n", tool.Name, tool.Description)
				}
				return nil
			}

			if toolName == "" {
				return fmt.Errorf("--tool is required")
			}
			params := map[string]interface{}{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}

			a := agent.New(ctx, invoker,
				agent.WithLogger(log),
				agent.WithMaxHistory(cfg.MaxHistory),
				agent.WithManagerOptions(managerOptions(cfg, log)...))
			defer a.Close()

			priority, _ := lifecycle.ParsePriority(viper.GetString("priority"))
			return runOne(ctx, a, toolName, params, priority)
		},
	}
	cmd.Flags().StringVar(&serverCommand, "server-command", "", "command to launch a stdio MCP server")
	cmd.Flags().StringVar(&serverArgs, "server-args", "", "comma-separated arguments for the server command")
	cmd.Flags().StringVar(&serverURL, "server-url", "", "URL of a streamable HTTP MCP server")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name to call")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "tool parameters as a JSON object")
	cmd.Flags().BoolVar(&listTools, "list-tools", false, "list the server's tools and exit")
	return cmd
}

// managerOptions maps config onto lifecycle manager options.
func managerOptions(cfg *config.Config, log logger.Logger) []lifecycle.Option {
	options := []lifecycle.Option{
		lifecycle.WithRateLimit(cfg.RateLimitMax, cfg.RateLimitWindow),
	}
	if cfg.CacheDir != "" {
		cache, err := lifecycle.NewPersistentResultCache(cfg.CacheTTL, cfg.CacheDir, log)
		if err == nil {
			return append(options, lifecycle.WithCache(cache))
		}
		log.Warn("Falling back to in-memory cache",
			logger.String("cache_dir", cfg.CacheDir),
			logger.Error(err))
	}
	return append(options, lifecycle.WithCacheTTL(cfg.CacheTTL))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
