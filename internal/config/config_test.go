package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.False(t, cfg.Binance.Testnet)
	require.Equal(t, 12, cfg.Binance.FilterTTLHours)
	require.Equal(t, 100.0, cfg.Trading.TradeSizeUSDT)
	require.Equal(t, 0.0, cfg.Trading.FixedQuantity)
	require.Equal(t, 4, cfg.Trading.IntervalHours)
	require.True(t, cfg.Trading.AlignToInterval)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.False(t, cfg.GCP.UseSecrets)
	require.Equal(t, "signaltrader-signal-dsn", cfg.GCP.SecretNames.SignalDSN)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
  auth_secret: file-secret
binance:
  testnet: true
  filter_ttl_hours: 6
trading:
  symbols:
    - BTCUSDT
    - ETHUSDT
  trade_size_usdt: 250
database:
  signal_dsn: "host=db user=reader dbname=predictions"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "file-secret", cfg.Server.AuthSecret)
	require.True(t, cfg.Binance.Testnet)
	require.Equal(t, 6, cfg.Binance.FilterTTLHours)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Trading.Symbols)
	require.Equal(t, 250.0, cfg.Trading.TradeSizeUSDT)
	require.Equal(t, "host=db user=reader dbname=predictions", cfg.Database.SignalDSN)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	require.Equal(t, 4, cfg.Trading.IntervalHours)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("SIGNAL_DB_DSN", "host=env-db user=reader dbname=predictions")
	t.Setenv("API_AUTH_SECRET", "env-secret")
	t.Setenv("USE_TESTNET", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "host=env-db user=reader dbname=predictions", cfg.Database.SignalDSN)
	require.Equal(t, "env-secret", cfg.Server.AuthSecret)
	require.True(t, cfg.Binance.Testnet)
}

func TestMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
