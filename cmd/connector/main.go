package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"venue-connector/internal/config"
	"venue-connector/internal/logger"
	"venue-connector/internal/recon"
	"venue-connector/internal/stream"
	"venue-connector/internal/throttle"
	"venue-connector/internal/venue"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	// Missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log, err := logger.New(cfg.Log.Level, cfg.InstanceID)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("connector exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("connector stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	throttler, err := throttle.New(venue.DefaultRateLimits())
	if err != nil {
		return err
	}
	signer := venue.NewHMACSigner(cfg.Venue.APIKey, cfg.Venue.APISecret,
		time.Duration(cfg.Venue.RecvWindowMs)*time.Millisecond)
	dispatcher, err := venue.NewDispatcher(venue.DispatcherOptions{
		BaseURL:     cfg.Venue.RestBaseURL,
		Signer:      signer,
		Throttler:   throttler,
		HTTPTimeout: time.Duration(cfg.Venue.HTTPTimeoutSec) * time.Second,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	body, err := dispatcher.Request(ctx, http.MethodGet, venue.ExchangeInfoPath, nil, false)
	if err != nil {
		return fmt.Errorf("fetch exchange info: %w", err)
	}
	symbols, err := venue.SymbolMapFromExchangeInfo(body)
	if err != nil {
		return fmt.Errorf("parse exchange info: %w", err)
	}
	for _, pair := range cfg.Pairs {
		if _, ok := symbols.VenueSymbol(pair); !ok {
			return fmt.Errorf("pair %s is not tradable at the venue", pair)
		}
	}
	log.Info("symbol map loaded",
		zap.Int("symbols", len(symbols.Pairs())),
		zap.Strings("pairs", cfg.Pairs),
	)

	source := stream.NewSubscriber(cfg.Venue.WSBaseURL,
		time.Duration(cfg.Venue.WSKeepaliveSec)*time.Second, log)
	connector, err := recon.NewConnector(recon.ConnectorOptions{
		Rest:              dispatcher,
		Symbols:           symbols,
		Source:            source,
		Logger:            log,
		OrderPrefix:       cfg.Recon.OrderPrefix,
		EventFailurePause: time.Duration(cfg.Recon.EventFailurePauseS) * time.Second,
	})
	if err != nil {
		return err
	}
	runner, err := recon.NewRunner(recon.RunnerOptions{
		Connector:       connector,
		AuditInterval:   time.Duration(cfg.Recon.AuditIntervalSec) * time.Second,
		BalanceInterval: time.Duration(cfg.Recon.BalanceResyncSec) * time.Second,
		Logger:          log,
	})
	if err != nil {
		return err
	}

	log.Info("connector starting", zap.String("rest", cfg.Venue.RestBaseURL))
	return runner.Run(ctx)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
