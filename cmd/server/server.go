package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/cmd/helpers"
	log "github.com/stephnangue/turnstile/logger"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	configPath string

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "Start a turnstile node that sweeps expired tickets",
		Long: `
Usage: turnstile server [options]

  Starts a turnstile node. The node opens the ticket store, migrates its
  schema, and runs the expiration sweep on the configured schedule. When
  several nodes share a store, the cleaner lock makes sure only one of them
  sweeps at a time.

      $ turnstile server --config=/etc/turnstile/turnstile.hcl
  `,
		RunE: run,
	}
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/turnstile.hcl)")
}

// buildMetrics installs an in-memory sink as the global metrics sink. Sending
// SIGUSR1 dumps its current values to stderr.
func buildMetrics() (*metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)

	conf := metrics.DefaultConfig("")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(conf, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// construct the logger with gate closed during initialization
	logger := helpers.BuildGatedLogger(cfg, os.Stdout)

	sink, err := buildMetrics()
	if err != nil {
		return fmt.Errorf("failed to set up metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := helpers.BuildRuntime(ctx, cfg, logger, helpers.RuntimeOptions{Metrics: sink})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	info := rt.Info()
	infoKeys := make([]string, 0, len(info))
	for k := range info {
		infoKeys = append(infoKeys, k)
	}
	slices.Sort(infoKeys)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n==> Turnstile server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(out, "%24s: %s\n", titleCaser.String(k), info[k])
	}

	if rt.Settings.Enabled {
		if err := rt.Cleaner.Start(ctx); err != nil {
			_ = rt.Close()
			return fmt.Errorf("failed to start the cleaner: %w", err)
		}
	} else {
		logger.Warn("ticket cleaner is disabled, expired tickets stay in the store until swept manually")
	}

	fmt.Fprintf(out, "\n==> Turnstile server started! Log data will stream in below:\n")
	if err := logger.OpenGate(); err != nil {
		fmt.Fprintf(out, "failed to flush buffered logs: %v\n", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown triggered")

		stopCtx, cancel := context.WithTimeout(context.Background(), helpers.ShutdownTimeout)
		defer cancel()
		return rt.Cleaner.Stop(stopCtx)
	})

	var shutdownErrs []error
	if err := g.Wait(); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("cleaner shutdown failed: %w", err))
	}
	if err := rt.Close(); err != nil {
		shutdownErrs = append(shutdownErrs, fmt.Errorf("closing storage failed: %w", err))
	}

	if len(shutdownErrs) > 0 {
		aggregated := errors.Join(shutdownErrs...)
		logger.Error("shutdown completed with errors", log.Err(aggregated), log.Int("error_count", len(shutdownErrs)))
		return aggregated
	}

	logger.Info("server shutdown completed successfully")
	return nil
}
