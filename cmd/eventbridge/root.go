package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbridge/pkg/eventbridge/config"
)

// Exit codes for the run command.
const (
	exitOK        = 0
	exitPermanent = 1
	exitTransient = 75 // EX_TEMPFAIL: a supervisor may restart the bridge
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "eventbridge",
	Short: "Forward work order events to a handler",
	Long: `eventbridge subscribes to one named event on an append-only event source
(SQL log, NATS, Redis, Kafka or Postgres), decodes each payload into a work
order request and hands it to a handler.

Malformed payloads are skipped and optionally kept in a dead-letter store.`,
	SilenceUsage: true,
	// The bare command runs the bridge.
	RunE: runBridge,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./eventbridge.yaml or /etc/eventbridge/eventbridge.yaml)")
}

// loadConfig reads and validates the configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
