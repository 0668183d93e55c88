package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker/alpaca"
	"github.com/rustyeddy/signalbridge/config"
	"github.com/rustyeddy/signalbridge/internal/util"
	"github.com/rustyeddy/signalbridge/ledger"
	"github.com/rustyeddy/signalbridge/recon"
)

var reconCmd = &cobra.Command{
	Use:   "recon",
	Short: "Run a single reconciliation pass and exit",
	Long: `Fetch the broker position snapshot once, repair any ledger drift, and
exit. Useful after an outage or a timed-out submission, instead of
waiting for the next scheduled pass.`,
	RunE: runRecon,
}

var reconConfigPath string

func init() {
	rootCmd.AddCommand(reconCmd)

	reconCmd.Flags().StringVarP(&reconConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	reconCmd.MarkFlagRequired("config")
}

func runRecon(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromFile(reconConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)

	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	key := os.Getenv(cfg.Broker.KeyEnv)
	secret := os.Getenv(cfg.Broker.SecretEnv)
	if key == "" || secret == "" {
		return fmt.Errorf("broker credentials missing: set %s and %s", cfg.Broker.KeyEnv, cfg.Broker.SecretEnv)
	}
	gw := alpaca.NewClient(cfg.Broker.BaseURL, key, secret, cfg.Broker.RateLimit)

	interval, _ := cfg.Recon.ParseInterval()
	fetchTimeout, _ := cfg.Recon.ParseFetchTimeout()
	runner := recon.New(gw, store, audit.New(store.DB(), logger), interval, fetchTimeout, logger)

	if err := runner.RunOnce(context.Background()); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Println("reconciliation complete")
	return nil
}
