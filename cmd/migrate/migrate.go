package migrate

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/cmd/helpers"
	"github.com/stephnangue/turnstile/physical/sqldb"
)

var (
	configPath string

	MigrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply ticket store schema migrations",
		Long: `
Usage: turnstile migrate [options]

  Brings the schema of a SQL ticket store up to date and exits. Useful when
  nodes run with skip_migrations = "true".

      $ turnstile migrate --config=/etc/turnstile/turnstile.hcl
  `,
		RunE: run,
	}
)

func init() {
	MigrateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
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

	// opening the backend migrates unless told not to
	cfg.Storage.SkipMigrations = "true"
	backend, err := helpers.BuildStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	b, ok := backend.(*sqldb.Backend)
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "Storage %q has no schema, nothing to migrate\n", cfg.Storage.Type)
		return nil
	}
	if err := sqldb.Migrate(cmd.Context(), b.DB(), b.Dialect(), logger.WithSubsystem("migrate")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Storage %q schema is up to date\n", cfg.Storage.Type)
	return nil
}
