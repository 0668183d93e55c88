package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "signalbridge",
	Short: "Webhook-driven trade execution and position reconciliation",
	Long: `Signalbridge accepts trade signals over HTTP, turns them into broker
orders, and keeps a local ledger of positions reconciled against the
broker's authoritative state.

It provides:
  - A webhook endpoint for external alerting sources
  - A per-signal order state machine with duplicate suppression
  - A periodic reconciliation job that repairs ledger drift
  - Read-only position and order history endpoints for dashboards`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}
