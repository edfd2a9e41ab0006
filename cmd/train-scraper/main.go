// Package main provides the train-scraper service.
//
// The service polls the train-tracker API on a fixed cycle: one
// ttpositions call covering every route, then ttarrivals for each terminal
// station. Between midnight and 05:00 local the cycle stretches to five
// minutes. Positions are projected onto stored pattern polylines so train
// progress lives in the same distance-along-pattern series buses use.
//
// Flags and environment mirror bus-scraper (see internal/config), with the
// API key read from <secrets_dir>/train_api_key.
//
// Exit codes: 0 clean shutdown, 2 missing API key, 3 database unreachable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"bustracker/internal/api"
	"bustracker/internal/clock"
	"bustracker/internal/config"
	"bustracker/internal/estimate"
	"bustracker/internal/ingest"
	"bustracker/internal/metrics"
	"bustracker/internal/pubsub"
	"bustracker/internal/scraper"
	"bustracker/internal/service"
	"bustracker/internal/state"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("train-scraper", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "train-scraper: %v\n", err)
		return 1
	}
	log := service.NewLogger(cfg.Debug)

	apiKey, err := cfg.TrainAPIKey()
	if err != nil {
		log.Error("api key unavailable", "err", err)
		return config.ExitMissingAPIKey
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := service.OpenDB(ctx, cfg, log)
	if err != nil {
		log.Error("postgres unreachable", "err", err)
		return config.ExitDBUnreachable
	}
	defer db.Close()

	series, err := service.OpenSeries(ctx, cfg, log)
	if err != nil {
		log.Error("redis unreachable", "err", err)
		return config.ExitDBUnreachable
	}
	defer series.Close()

	var st state.Store
	if cfg.DryRun {
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			log.Error("output dir unavailable", "dir", cfg.OutputDir, "err", err)
			return 1
		}
		sqlite, err := state.NewSQLiteStore(filepath.Join(cfg.OutputDir, "train-scrape-state.db"))
		if err != nil {
			log.Error("sqlite state store failed", "err", err)
			return config.ExitDBUnreachable
		}
		defer sqlite.Close()
		st = sqlite
	} else {
		st = state.NewPostgresStore(db.Pool())
	}

	sink, style, err := service.OpenSink(cfg)
	if err != nil {
		log.Error("object store failed", "err", err)
		return 1
	}

	collector := metrics.NewCollector()
	collector.Serve(cfg.MetricsAddr, log)

	clk := clock.System{}
	bundler := scraper.NewBundler(sink, style, clk, log)

	if cfg.NATSURL != "" {
		pub, err := pubsub.NewPublisher(cfg.NATSURL, "train-scraper", log, collector)
		if err != nil {
			log.Warn("nats unavailable, fan-out disabled", "err", err)
		} else {
			defer pub.Close()
			bundler.OnRecord(pub.Record)
		}
	}

	shapes := ingest.NewStoreShapes(db, log)
	trains := ingest.NewTrainIngester(db, st, series, shapes, log)

	loop := scraper.NewLoop(scraper.LoopConfig{
		Chooser: scraper.NewTrainChooser(clk, cfg.ScrapeInterval),
		Fetcher: scraper.NewTrainFetcher(cfg.TrainAPIBase, apiKey, clk),
		Bundler: bundler,
		Store:   st,
		Ledger:  db,
		Handler: ingest.NewTrainHandler(trains, log),
		Clock:   clk,
		Log:     log,
		Metrics: collector,
	})

	sweeper := ingest.NewSweeper(db, series, clk, log)
	go service.RunSweeps(ctx, sweeper, log)

	engine := estimate.NewEngine(series, log)
	query := estimate.NewQuery(db, engine, service.Walker(cfg), clk, log)
	srv := api.NewServer(api.Config{
		Query:     query,
		Engine:    engine,
		Loop:      loop,
		Bundler:   bundler,
		WriteMode: cfg.WriteMode,
	})
	go func() {
		if err := srv.Run(cfg.ListenAddr); err != nil {
			log.Error("api server stopped", "err", err)
		}
	}()

	if err := loop.Run(ctx); err != nil {
		log.Error("scrape loop failed", "err", err)
		return 1
	}
	return config.ExitOK
}
