// Package main provides the bus-scraper service.
//
// The service rate-paces requests against the bus-time API, ingests
// vehicle positions, pattern detail, and stop predictions into PostgreSQL
// and the Redis time-series store, and archives every raw response as
// 5-minute bundles in the configured object store.
//
// Usage:
//
//	bus-scraper [options]
//
// Key options (each with an environment fallback, see internal/config):
//
//	--output_dir DIR               Local raw output directory
//	--scrape_interval_seconds N    Seconds between per-entity scrapes
//	--secrets_dir DIR              Directory with bus_api_key
//	--write-mode s3|local          Raw output destination (env TRACKERWRITE)
//	--dry_run                      sqlite scrape state, local writes only
//	--debug                        Verbose logging
//
// Exit codes: 0 clean shutdown, 2 missing API key, 3 database unreachable.
package main

import (
	"context"
	"fmt"
	"log/slog"
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
	"bustracker/internal/transit"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("bus-scraper", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bus-scraper: %v\n", err)
		return 1
	}
	log := service.NewLogger(cfg.Debug)

	apiKey, err := cfg.BusAPIKey()
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
		sqlite, err := state.NewSQLiteStore(filepath.Join(cfg.OutputDir, "bus-scrape-state.db"))
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
		pub, err := pubsub.NewPublisher(cfg.NATSURL, "bus-scraper", log, collector)
		if err != nil {
			log.Warn("nats unavailable, fan-out disabled", "err", err)
		} else {
			defer pub.Close()
			bundler.OnRecord(pub.Record)
		}
	}

	fetcher := scraper.NewBusFetcher(cfg.BusAPIBase, apiKey, clk)
	vehicles := ingest.NewBusIngester(db, st, series, log)
	predictions := ingest.NewPredictionIngester(db, st, log)
	handler := ingest.NewBusHandler(vehicles, predictions, db, log)

	if err := bootstrapRoutes(ctx, fetcher, vehicles, st, db, log); err != nil {
		log.Error("route bootstrap failed", "err", err)
		return 1
	}

	loop := scraper.NewLoop(scraper.LoopConfig{
		Chooser: scraper.NewChooser(st, clk, cfg.ScrapeInterval),
		Fetcher: fetcher,
		Bundler: bundler,
		Store:   st,
		Ledger:  db,
		Handler: handler,
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

// bootstrapRoutes fetches the route catalog once when the state store has
// no routes yet, so the chooser has vehicles to schedule.
func bootstrapRoutes(ctx context.Context, fetcher *scraper.Fetcher, ingester *ingest.BusIngester, st state.Store, db ingest.RouteWriter, log *slog.Logger) error {
	routes, err := st.ActiveRoutes(ctx, 1)
	if err != nil {
		return err
	}
	if len(routes) > 0 {
		return nil
	}

	res, err := fetcher.Get(ctx, transit.CmdGetRoutes, nil)
	if err != nil {
		return err
	}
	if res.Outcome.Kind != scraper.OutcomeOK {
		return fmt.Errorf("getroutes %s: %s", res.Outcome.Kind, res.Outcome.Message)
	}
	n, err := ingester.IngestRoutes(ctx, res.Outcome.Payload, db)
	if err != nil {
		return err
	}
	log.Info("route catalog bootstrapped", "routes", n)
	return nil
}
