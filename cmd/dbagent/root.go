package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rahul/dbagent/internal/observability"
	"github.com/rahul/dbagent/pkg/config"
)

var (
	cfgFile string

	globalCfg     *config.Config
	traceShutdown func(context.Context) error
)

// Execute is the entry point for the CLI.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCmd wires the cobra tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dbagent",
		Short:         "Ask questions about a database in plain language, read-only",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgFile)
			if errors.Is(err, os.ErrNotExist) {
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return err
			}
			globalCfg = cfg
			if cfg.App.TraceStdout {
				shutdown, err := observability.SetupTracing(os.Stderr)
				if err != nil {
					return fmt.Errorf("failed to set up tracing: %w", err)
				}
				traceShutdown = shutdown
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if traceShutdown != nil {
				return traceShutdown(context.Background())
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "Path to config file (.json, .yaml)")

	root.AddCommand(
		newAskCmd(),
		newChatCmd(),
		newServeCmd(),
		newInitDemoCmd(),
		newScheduleCmd(),
		newHistoryCmd(),
		newSessionsCmd(),
	)
	return root
}
