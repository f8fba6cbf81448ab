package config

import (
	"context"
	"fmt"
	"os"

	"github.com/AEgurcan/signaltrader/pkg/secrets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Binance  BinanceConfig  `mapstructure:"binance"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// AuthSecret verifies the HS256 bearer tokens minted by the external
	// auth service. Token issuance never happens here.
	AuthSecret string `mapstructure:"auth_secret"`
}

type BinanceConfig struct {
	Testnet bool `mapstructure:"testnet"`
	// FilterTTLHours bounds how long cached exchange filters are trusted.
	FilterTTLHours int `mapstructure:"filter_ttl_hours"`
}

type TradingConfig struct {
	// Symbols to trade; empty means every instrument the signal table
	// tracks.
	Symbols []string `mapstructure:"symbols"`
	// TradeSizeUSDT sizes orders by notional value. Set FixedQuantity
	// instead to size by base-asset amount.
	TradeSizeUSDT   float64 `mapstructure:"trade_size_usdt"`
	FixedQuantity   float64 `mapstructure:"fixed_quantity"`
	IntervalHours   int     `mapstructure:"interval_hours"`
	AlignToInterval bool    `mapstructure:"align_to_interval"`
}

type DatabaseConfig struct {
	// SignalDSN is the Postgres DSN of the upstream prediction table.
	SignalDSN string `mapstructure:"signal_dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/signaltrader")
	}

	v.SetEnvPrefix("TRADER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_secret", "")

	// Binance defaults
	v.SetDefault("binance.testnet", false)
	v.SetDefault("binance.filter_ttl_hours", 12)

	// Trading defaults
	v.SetDefault("trading.symbols", []string{})
	v.SetDefault("trading.trade_size_usdt", 100.0)
	v.SetDefault("trading.fixed_quantity", 0.0)
	v.SetDefault("trading.interval_hours", 4)
	v.SetDefault("trading.align_to_interval", true)

	// Database defaults
	v.SetDefault("database.signal_dsn", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.signal_dsn", secretNames.SignalDSN)
	v.SetDefault("gcp.secret_names.api_auth_secret", secretNames.APIAuthSecret)
}

func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("SIGNAL_DB_DSN"); dsn != "" {
		config.Database.SignalDSN = dsn
	}
	if secret := os.Getenv("API_AUTH_SECRET"); secret != "" {
		config.Server.AuthSecret = secret
	}
	if testnet := os.Getenv("USE_TESTNET"); testnet == "true" || testnet == "True" {
		config.Binance.Testnet = true
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Database.SignalDSN == "" {
		config.Database.SignalDSN = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.SignalDSN, "")
	}
	if config.Server.AuthSecret == "" {
		config.Server.AuthSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIAuthSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
