package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventbridge/internal/handler"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/config"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/deadletter"
	bridgeerrors "github.com/randalmurphal/eventbridge/pkg/eventbridge/errors"
	"github.com/randalmurphal/eventbridge/pkg/eventbridge/observability"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Subscribe and dispatch events until stopped",
	Long: `Subscribe to the configured event and dispatch every valid work order to
the configured handler. SIGINT or SIGTERM stops the bridge after the current
handler call returns.

Exit status is 0 when the bridge stopped cleanly, 75 when it failed for a
reason that may clear on restart, and 1 otherwise.`,
	RunE: runBridge,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runBridge(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	result, err := bridge(ctx, cfg, logger, cmd.OutOrStdout(), stopOnSignal)
	if err != nil {
		// Setup failures never reach the loop.
		code := exitPermanent
		if errors.Is(err, eventbridge.ErrSourceUnavailable) {
			code = exitTransient
		}
		return &exitError{code: code, err: err}
	}
	if result.Status == eventbridge.RunFailed {
		code := exitPermanent
		if result.Category == bridgeerrors.CategoryTransient {
			code = exitTransient
		}
		return &exitError{code: code, err: result.Err}
	}
	return nil
}

// stopper arranges for stop to be called on shutdown and returns a function
// that releases the arrangement.
type stopper func(stop func()) (release func())

// stopOnSignal calls stop on the first SIGINT or SIGTERM.
func stopOnSignal(stop func()) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// bridge wires the configured components and runs one dispatch loop.
func bridge(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer, onShutdown stopper) (eventbridge.RunResult, error) {
	tel, err := setupTelemetry(ctx, cfg, logger)
	if err != nil {
		return eventbridge.RunResult{}, err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.close(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	h, err := newHandler(cfg, logger, out)
	if err != nil {
		return eventbridge.RunResult{}, err
	}

	opts := []eventbridge.LoopOption{
		eventbridge.WithLogger(logger),
		eventbridge.WithMetrics(tel.metrics),
		eventbridge.WithTracing(tel.spans),
	}
	if len(cfg.PayloadPath) > 0 {
		opts = append(opts, eventbridge.WithPayloadPath(cfg.PayloadPath...))
	}
	if cfg.DeadLetter.Enabled {
		store, err := deadletter.NewSQLiteStore(cfg.DeadLetter.Path)
		if err != nil {
			return eventbridge.RunResult{}, fmt.Errorf("open dead-letter store: %w", err)
		}
		defer store.Close()
		opts = append(opts, eventbridge.WithDeadLetter(store))
	}

	src, err := openSource(ctx, cfg)
	if err != nil {
		return eventbridge.RunResult{}, fmt.Errorf("open %s source: %w", cfg.Source.Kind, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("source close failed", slog.String("error", err.Error()))
		}
	}()

	sub, err := eventbridge.Subscribe(ctx, src, cfg.EventName)
	if err != nil {
		return eventbridge.RunResult{}, err
	}

	loop := eventbridge.NewDispatchLoop(opts...)

	// Stop lets the current handler call finish; the timeout bounds how long
	// that may take before its context is cancelled.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	release := onShutdown(func() {
		logger.Info("shutdown requested", slog.Duration("timeout", cfg.ShutdownTimeout))
		loop.Stop()
		go func() {
			select {
			case <-time.After(cfg.ShutdownTimeout):
				logger.Warn("shutdown timeout exceeded, cancelling handler")
				cancelRun()
			case <-runCtx.Done():
			}
		}()
	})
	defer release()

	return loop.Start(runCtx, sub, h), nil
}

// newHandler builds the handler selected by cfg.Handler.Kind.
func newHandler(cfg *config.Config, logger *slog.Logger, out io.Writer) (eventbridge.Handler, error) {
	switch cfg.Handler.Kind {
	case config.HandlerLog:
		return handler.NewLog(out), nil
	case config.HandlerWebhook:
		w := cfg.Handler.Webhook
		return handler.NewWebhook(handler.WebhookConfig{
			URL:         w.URL,
			Timeout:     w.Timeout,
			Headers:     w.Headers,
			MaxAttempts: w.MaxAttempts,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown handler kind %q", cfg.Handler.Kind)
	}
}
