package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/livepeer/comfy-pod/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// cfg is populated by PersistentPreRunE and shared with all subcommands.
	cfg *config.Config
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "comfy-pod",
		Short:        "Run ComfyUI and its sidecar inside a GPU pod",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		initLogger(logLevel)

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if level := resolveLogLevel(cmd.Flags().Changed("log-level"), logLevel, cfg.Comfy.LogLevel); level != logLevel {
			initLogger(level)
		}
		return nil
	}

	root.AddCommand(newStartCmd())
	root.AddCommand(newSidecarCmd())
	root.AddCommand(newMockAPICmd())

	return root
}

// Execute is the entry point called by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveLogLevel picks the explicit --log-level flag, falling back to the
// configured COMFY_LOG_LEVEL.
func resolveLogLevel(flagSet bool, flag, configured string) string {
	if flagSet || configured == "" {
		return flag
	}
	return configured
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initLogger(level string) {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(handler))
}
