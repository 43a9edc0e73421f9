package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/loykin/livesup/internal/config"
	"github.com/loykin/livesup/internal/logger"
	"github.com/loykin/livesup/internal/supervisor"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	LogLevel  string
	LogFormat string
}

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(&StatusFlags{}),
		createCallCommand(&CallFlags{}),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "livesup",
		Short: "Supervisor for live, connected service processes",
		Long: `Livesup starts service processes, accepts their websocket connections,
routes rpc between them and restarts them when they exit.

Examples:
  livesup serve config.toml
  livesup status --url=http://localhost:3030
  livesup call --service=agenda --method=list`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "log format (text, json, color); overrides config")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the supervisor and its services",
		Long: `Start the supervisor with the services listed in config.toml.
SIGINT or SIGTERM stops every service and exits.

Examples:
  livesup serve config.toml
  LIVESUP_PORT=4000 livesup serve config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				serveFlags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, serveFlags, globalFlags)
		},
	}
	cmd.Flags().StringVar(&serveFlags.ConfigPath, "config", "", "path to TOML config file")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags, globalFlags *GlobalFlags) error {
	if flags.ConfigPath == "" {
		return errors.New("config file required for serve command. Use --config=config.toml or provide as argument")
	}
	fc, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	logOpts := fc.LoggerOptions()
	if globalFlags.LogLevel != "" {
		logOpts.Level = globalFlags.LogLevel
	}
	if globalFlags.LogFormat != "" {
		logOpts.Format = globalFlags.LogFormat
	}
	if _, err := logger.Setup(logOpts); err != nil {
		return err
	}

	cfg, err := fc.SupervisorConfig()
	if err != nil {
		return err
	}
	specs, err := fc.Specs()
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	sup := supervisor.New(cfg)
	for _, spec := range specs {
		if err := sup.RegisterService(spec); err != nil {
			return err
		}
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}
	if err := sup.StartAll(ctx); err != nil {
		// Failed spawns are retried per restart policy.
		slog.Warn("some services failed to start", "error", err)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	sup.StopAll()
	if !sup.WaitForExit(cfg.ShutdownTimeout) {
		slog.Warn("services killed after shutdown timeout", "timeout", cfg.ShutdownTimeout)
	}
	return sup.Wait()
}
