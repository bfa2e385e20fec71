package kinds

import (
	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/catalog"
	"github.com/stephnangue/turnstile/cmd/helpers"
)

var (
	configPath string

	KindsCmd = &cobra.Command{
		Use:   "kinds",
		Short: "Print the effective ticket catalog",
		Long: `
Usage: turnstile kinds [options]

  Prints every ticket kind with its id prefix and expiration policy, after
  the kind blocks of the configuration file are applied. Without a
  configuration file the built-in catalog is printed.
  `,
		RunE: run,
	}
)

func init() {
	KindsCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}

func run(cmd *cobra.Command, args []string) error {
	cat := catalog.NewDefaultBuilder().Build()
	if path, err := helpers.ResolveConfigPath(configPath); err == nil {
		cfg, err := helpers.LoadConfig(path)
		if err != nil {
			return err
		}
		if cat, err = cfg.Catalog(); err != nil {
			return err
		}
	}

	rows := make([][]any, 0, cat.Len())
	for _, def := range cat.Kinds() {
		storageClass := def.StorageClass
		if storageClass == "" {
			storageClass = catalog.StorageClassDefault
		}
		rows = append(rows, []any{def.Name, def.Prefix, def.Policy.String(), storageClass})
	}
	helpers.PrintTable(cmd.OutOrStdout(), []string{"Kind", "Prefix", "Policy", "Storage Class"}, rows)
	return nil
}
