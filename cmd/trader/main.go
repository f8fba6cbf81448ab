package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AEgurcan/signaltrader/api"
	"github.com/AEgurcan/signaltrader/internal/config"
	"github.com/AEgurcan/signaltrader/pkg/binance"
	"github.com/AEgurcan/signaltrader/pkg/signals"
	"github.com/AEgurcan/signaltrader/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signal-trader",
		Short: "Signal-driven futures trading service",
		Long:  `Runs per-user trading loops that turn externally computed directional signals into Binance USDT-M futures orders`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	// .env is optional; environment beats file either way
	_ = godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.SignalDSN == "" {
		logger.Fatal("No signal store DSN configured")
	}
	signalStore, err := signals.Open(cfg.Database.SignalDSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open signal store")
	}

	// Market data endpoints need no credentials; one shared client backs
	// the exchange-global filter cache.
	marketClient := binance.NewClient("", "", cfg.Binance.Testnet)
	filterCache := binance.NewFilterCache(marketClient, time.Duration(cfg.Binance.FilterTTLHours)*time.Hour)

	taskCfg := trader.TaskConfig{
		Interval:        time.Duration(cfg.Trading.IntervalHours) * time.Hour,
		Offset:          time.Minute,
		AlignToInterval: cfg.Trading.AlignToInterval,
	}

	service := trader.NewService(ctx, signalStore, filterCache, taskCfg, cfg.Binance.Testnet, logger)

	apiServer := api.NewServer(service, logger, fmt.Sprintf("%d", cfg.Server.Port), cfg.Server.AuthSecret)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Signal trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	service.Shutdown()
	cancel()

	logger.Info("Signal trader stopped")
}
