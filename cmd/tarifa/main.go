package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/tarifa/pkg/engine"
	"github.com/raterudder/tarifa/pkg/log"
	"github.com/raterudder/tarifa/pkg/market"
	"github.com/raterudder/tarifa/pkg/metrics"
	"github.com/raterudder/tarifa/pkg/ratecache"
	"github.com/raterudder/tarifa/pkg/server"
	"github.com/raterudder/tarifa/pkg/storage"
	"github.com/raterudder/tarifa/pkg/tariff"
	"github.com/shopspring/decimal"
)

func main() {
	// init packages
	s := storage.Configured()
	sources := market.Configured()

	// init server
	srv := server.Configured(prometheus.DefaultGatherer)

	tariffConfig := lflag.RequiredString("tariff-config", "Path to the YAML tariff configuration")
	ratesFile := lflag.String("rates-file", "", "Optional YAML file of fixed rates to seed the rate cache with")
	powerKW := lflag.String("contracted-power-kw", "0", "Contracted power in kW, enables the daily power term when rates are configured")
	disableESIOS := lflag.Bool("disable-esios", false, "Do not fall back to ESIOS when the host sensor has no prices")

	// parse flags
	lflag.Configure()

	// lflag automatically sets llog's level, but we need to set the slog level
	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	eng, err := newEngine(ctx, s, sources, *tariffConfig, *ratesFile, *powerKW, *disableESIOS)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to start engine", slog.Any("error", err))
		os.Exit(1)
	}

	// serve whatever is there now instead of waiting for the first scheduled refresh
	if _, err := eng.RefreshPrices(ctx, market.Today); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "initial price refresh failed", slog.Any("error", err))
	}

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx, eng); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

func newEngine(ctx context.Context, s storage.Database, sources *market.Sources, configPath, ratesPath, powerKW string, disableESIOS bool) (*engine.Engine, error) {
	cfg, err := tariff.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	power, err := decimal.NewFromString(powerKW)
	if err != nil {
		return nil, fmt.Errorf("invalid contracted-power-kw: %w", err)
	}
	if err := sources.Validate(); err != nil {
		return nil, fmt.Errorf("invalid market sources: %w", err)
	}

	opts := engine.Options{
		Store:             s,
		Primary:           sources.Sensor,
		Scraper:           sources.Scraper,
		Metrics:           metrics.New(prometheus.DefaultRegisterer),
		ContractedPowerKW: power,
	}
	if !disableESIOS {
		opts.Fallback = sources.ESIOS
	}

	eng, err := engine.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	log.Ctx(ctx).InfoContext(ctx, "engine configured",
		slog.String("kind", string(cfg.Kind)),
		slog.String("pricingModel", string(cfg.PricingModel)),
	)

	// a store that is down should not stop the service from serving live prices
	if err := eng.Load(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load some state", slog.Any("error", err))
	}

	if ratesPath != "" {
		rates, err := ratecache.LoadFile(ratesPath)
		if err != nil {
			return nil, err
		}
		if err := eng.SeedRates(ctx, rates); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist seeded rates", slog.Any("error", err))
		}
	}
	return eng, nil
}
