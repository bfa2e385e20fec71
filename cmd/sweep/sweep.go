package sweep

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/cmd/helpers"
	"github.com/stephnangue/turnstile/helper"
)

var (
	configPath string
	flagForce  bool

	SweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired tickets once",
		Long: `
Usage: turnstile sweep [options]

  Runs one expiration sweep and exits. The sweep takes the cleaner lock
  first and does nothing when another node holds it, unless --force is given.

      $ turnstile sweep --config=/etc/turnstile/turnstile.hcl
  `,
		RunE: run,
	}
)

func init() {
	SweepCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	SweepCmd.Flags().BoolVar(&flagForce, "force", false, "Sweep without taking the cleaner lock")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := helpers.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := helpers.BuildGatedLogger(cfg, cmd.ErrOrStderr())
	if err := logger.OpenGate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := helpers.BuildRuntime(ctx, cfg, logger, helpers.RuntimeOptions{NoLock: flagForce})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	if !rt.Locker.Acquire(ctx) {
		fmt.Fprintf(out, "Lock %q is held by another node, nothing to do\n", rt.Settings.LockName)
		return nil
	}
	defer rt.Locker.Release(context.WithoutCancel(ctx))

	res, sweepErr := rt.Registry.Sweep(ctx)
	helpers.PrintMapAsTable(out, map[string]string{
		"removed":        fmt.Sprintf("%d", res.Removed),
		"batches":        fmt.Sprintf("%d", res.Batches),
		"failed batches": fmt.Sprintf("%d", res.Failed),
		"duration":       helper.FormatDuration(res.Duration),
	})
	if sweepErr != nil {
		return fmt.Errorf("sweep finished with errors: %w", sweepErr)
	}
	return nil
}
