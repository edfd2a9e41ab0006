package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"bustracker/internal/scraper"
)

// BusWriter is the slice of the relational store the bus handler enriches
// beyond observations. *storage.DB satisfies it.
type BusWriter interface {
	RouteWriter
	PatternWriter
}

// BusHandler routes classified bus payloads to the matching ingester.
// It satisfies scraper.Handler.
type BusHandler struct {
	vehicles    *BusIngester
	predictions *PredictionIngester
	db          BusWriter
	log         *slog.Logger
}

func NewBusHandler(vehicles *BusIngester, predictions *PredictionIngester, db BusWriter, log *slog.Logger) *BusHandler {
	return &BusHandler{vehicles: vehicles, predictions: predictions, db: db, log: log}
}

func (h *BusHandler) HandlePayload(ctx context.Context, task scraper.Task, payload json.RawMessage) error {
	switch t := task.(type) {
	case scraper.VehicleTask:
		stats, err := h.vehicles.IngestVehicles(ctx, payload)
		h.logStats(task.Command(), stats)
		return err
	case scraper.PatternTask:
		pids, err := h.vehicles.IngestPatterns(ctx, payload, t.RouteID, h.db)
		if err != nil {
			return err
		}
		h.log.Info("pattern detail stored", "rt", t.RouteID, "pids", pids)
		return nil
	case scraper.PredictionTask:
		stats, err := h.predictions.IngestPredictions(ctx, payload)
		h.logStats(task.Command(), stats)
		return err
	default:
		return fmt.Errorf("unexpected bus task %q", task.Command())
	}
}

func (h *BusHandler) logStats(command string, stats Stats) {
	h.log.Debug("ingested", "command", command,
		"seen", stats.Seen, "inserted", stats.Inserted,
		"dup", stats.Duplicates, "parse_errs", stats.ParseErrs)
}

// TrainHandler routes classified train payloads to the train ingester.
// It satisfies scraper.Handler.
type TrainHandler struct {
	trains *TrainIngester
	log    *slog.Logger
}

func NewTrainHandler(trains *TrainIngester, log *slog.Logger) *TrainHandler {
	return &TrainHandler{trains: trains, log: log}
}

func (h *TrainHandler) HandlePayload(ctx context.Context, task scraper.Task, payload json.RawMessage) error {
	var stats Stats
	var err error
	switch task.(type) {
	case scraper.TrainPositionTask:
		stats, err = h.trains.IngestPositions(ctx, payload)
	case scraper.TrainArrivalTask:
		stats, err = h.trains.IngestArrivals(ctx, payload)
	default:
		return fmt.Errorf("unexpected train task %q", task.Command())
	}
	h.log.Debug("ingested", "command", task.Command(),
		"seen", stats.Seen, "inserted", stats.Inserted,
		"dup", stats.Duplicates, "parse_errs", stats.ParseErrs)
	return err
}
