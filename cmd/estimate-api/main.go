// Package main provides the estimate-api service, the online REST API for
// arrival estimates.
//
// Endpoints:
//
//	GET  /status
//	GET  /nearest-estimates?lat&lon
//	GET  /nearest-trains?lat&lon
//	GET  /combined-estimate?lat&lon
//	POST /estimates/
//	POST /detail
//
// The service is read-only against PostgreSQL and the Redis time-series
// store; the scrapers populate both.
//
// Exit codes: 0 clean shutdown, 3 database unreachable.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bustracker/internal/api"
	"bustracker/internal/clock"
	"bustracker/internal/config"
	"bustracker/internal/estimate"
	"bustracker/internal/metrics"
	"bustracker/internal/service"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("estimate-api", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "estimate-api: %v\n", err)
		return 1
	}
	log := service.NewLogger(cfg.Debug)

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

	collector := metrics.NewCollector()
	collector.Serve(cfg.MetricsAddr, log)

	engine := estimate.NewEngine(series, log)
	query := estimate.NewQuery(db, engine, service.Walker(cfg), clock.System{}, log)
	srv := api.NewServer(api.Config{
		Query:     query,
		Engine:    engine,
		WriteMode: cfg.WriteMode,
	})

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("estimate api listening", "addr", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("api server failed", "err", err)
		return 1
	}
	return config.ExitOK
}
