package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/signalbridge/audit"
	"github.com/rustyeddy/signalbridge/broker/alpaca"
	"github.com/rustyeddy/signalbridge/config"
	"github.com/rustyeddy/signalbridge/engine"
	"github.com/rustyeddy/signalbridge/internal/util"
	"github.com/rustyeddy/signalbridge/ledger"
	"github.com/rustyeddy/signalbridge/metrics"
	"github.com/rustyeddy/signalbridge/recon"
	"github.com/rustyeddy/signalbridge/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook listener and the reconciliation job",
	Long: `Start the signal intake server and the periodic reconciliation job.

Broker credentials are read from the environment (a .env file is loaded
if present); the variable names come from the config file.

Example:
  signalbridge serve -f signalbridge.yaml`,
	RunE: runServe,
}

var serveConfigPath string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	serveCmd.MarkFlagRequired("config")
}

func runServe(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	cfg, err := config.LoadFromFile(serveConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)

	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	auditLog := audit.New(store.DB(), logger)

	key := os.Getenv(cfg.Broker.KeyEnv)
	secret := os.Getenv(cfg.Broker.SecretEnv)
	if key == "" || secret == "" {
		return fmt.Errorf("broker credentials missing: set %s and %s", cfg.Broker.KeyEnv, cfg.Broker.SecretEnv)
	}
	gw := alpaca.NewClient(cfg.Broker.BaseURL, key, secret, cfg.Broker.RateLimit)

	notional, _ := cfg.Trade.ParseNotional()
	dedupWindow, _ := cfg.Trade.ParseDedupWindow()
	gatewayTimeout, _ := cfg.Trade.ParseGatewayTimeout()
	eng := engine.New(engine.Config{
		Notional:       notional,
		DedupWindow:    dedupWindow,
		GatewayTimeout: gatewayTimeout,
	}, gw, store, auditLog, logger)

	interval, _ := cfg.Recon.ParseInterval()
	fetchTimeout, _ := cfg.Recon.ParseFetchTimeout()
	runner := recon.New(gw, store, auditLog, interval, fetchTimeout, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runner.Start(ctx)

	if cfg.Server.MetricsAddr != "" {
		metrics.Serve(cfg.Server.MetricsAddr)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: webhook.New(eng, store, auditLog, cfg.Server.Token, logger).Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Str("recon_interval", interval.String()).
		Msg("signalbridge listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
