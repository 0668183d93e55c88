package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())

	notional, err := cfg.Trade.ParseNotional()
	require.NoError(t, err)
	assert.True(t, notional.IsPositive())

	interval, err := cfg.Recon.ParseInterval()
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, interval)
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9000"
  token: "hunter2"
trade:
  notional: "500.50"
  dedup_window: "45s"
recon:
  interval: "1m"
ledger:
  db_path: "/tmp/test.db"
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "hunter2", cfg.Server.Token)

	notional, err := cfg.Trade.ParseNotional()
	require.NoError(t, err)
	assert.Equal(t, "500.5", notional.String())

	window, err := cfg.Trade.ParseDedupWindow()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, window)

	// Unset sections keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, "ALPACA_KEY", cfg.Broker.KeyEnv)
}

func TestLoadFromJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"addr": ":9001"},
		"ledger": {"db_path": "/tmp/test.db"}
	}`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9001", cfg.Server.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"missing addr":      func(c *Config) { c.Server.Addr = "" },
		"zero notional":     func(c *Config) { c.Trade.Notional = "0" },
		"bad notional":      func(c *Config) { c.Trade.Notional = "lots" },
		"bad dedup window":  func(c *Config) { c.Trade.DedupWindow = "soon" },
		"negative interval": func(c *Config) { c.Recon.Interval = "-1m" },
		"missing db path":   func(c *Config) { c.Ledger.DBPath = "" },
		"missing key env":   func(c *Config) { c.Broker.KeyEnv = "" },
	}

	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
