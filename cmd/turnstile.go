package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/cmd/keygen"
	"github.com/stephnangue/turnstile/cmd/kinds"
	"github.com/stephnangue/turnstile/cmd/migrate"
	"github.com/stephnangue/turnstile/cmd/server"
	"github.com/stephnangue/turnstile/cmd/sweep"
)

var turnstileCmd = &cobra.Command{
	Use:   "turnstile",
	Short: "Turnstile is the ticket registry of a single sign-on server",
	Long: `Turnstile stores the tickets of a single sign-on server (ticket-granting,
service, proxy and transient tickets) in a shared, encrypted store, and
removes them once they expire. Any number of nodes can share one store.`,
	SilenceUsage: true,
}

func Execute() {
	if err := turnstileCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	turnstileCmd.AddCommand(server.ServerCmd)
	turnstileCmd.AddCommand(sweep.SweepCmd)
	turnstileCmd.AddCommand(migrate.MigrateCmd)
	turnstileCmd.AddCommand(kinds.KindsCmd)
	turnstileCmd.AddCommand(keygen.KeygenCmd)
}
