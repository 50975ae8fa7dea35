// Package main implements the entry point for the platform router.
// The router takes routed platform messages from NATS, batches them per
// recipient and flushes the batches to live-data handlers, the trigger
// service, storage and the public outbound topics.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "router"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           appName,
		Short:         "Sensate IoT platform router",
		Long:          "Batches routed platform messages and flushes them to live-data handlers, triggers, storage and outbound topics.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newRunCommand() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the router",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", os.Getenv("ROUTER_CONFIG"),
		"Path to configuration file, JSON or YAML (env: ROUTER_CONFIG)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	cmd.Flags().StringVar(&opts.LogFormat, "log-format", "", "Log format: json, text (overrides config)")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", defaultShutdownTimeout,
		"Graceful shutdown timeout")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(path)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid\n%s\n", cfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", os.Getenv("ROUTER_CONFIG"),
		"Path to configuration file, JSON or YAML (env: ROUTER_CONFIG)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built %s)\n", appName, Version, BuildTime)
		},
	}
}
