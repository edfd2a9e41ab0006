package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/storage"
	"bustracker/internal/transit"
)

// PredictionIngester stores getpredictions payloads and feeds the
// prediction timestamps back into the stop scrape schedule.
type PredictionIngester struct {
	store    ObservationStore
	entities EntityEnsurer
	log      *slog.Logger
}

func NewPredictionIngester(store ObservationStore, entities EntityEnsurer, log *slog.Logger) *PredictionIngester {
	return &PredictionIngester{store: store, entities: entities, log: log}
}

// IngestPredictions processes one OK getpredictions payload.
func (p *PredictionIngester) IngestPredictions(ctx context.Context, payload json.RawMessage) (Stats, error) {
	var preds []transit.Prediction
	if err := json.Unmarshal(payload, &preds); err != nil {
		return Stats{}, fmt.Errorf("decode predictions: %w", err)
	}

	var stats Stats
	// Track the soonest prediction per stop for the scrape schedule.
	soonest := map[int]int{}
	stamps := map[int]time.Time{}

	for _, pr := range preds {
		stats.Seen++
		if err := p.ingestOne(ctx, pr, soonest, stamps); err != nil {
			stats.ParseErrs++
			p.log.Warn("prediction ingest failed", "stpid", pr.StopID, "err", err)
			continue
		}
		stats.Inserted++
	}

	for stopID, minutes := range soonest {
		next := stamps[stopID].Add(time.Duration(minutes) * time.Minute)
		if err := p.entities.SetStopPrediction(ctx, stopID, next, minutes); err != nil {
			p.log.Warn("stop schedule update failed", "stpid", stopID, "err", err)
		}
	}
	return stats, nil
}

func (p *PredictionIngester) ingestOne(ctx context.Context, pr transit.Prediction, soonest map[int]int, stamps map[int]time.Time) error {
	ts, err := clock.ParseBusStamp(pr.Timestamp)
	if err != nil {
		return fmt.Errorf("parse tmstmp %q: %w", pr.Timestamp, err)
	}
	stopID, err := atoiStop(pr.StopID)
	if err != nil {
		return fmt.Errorf("parse stpid %q: %w", pr.StopID, err)
	}
	minutes, ok := pr.CountdownMinutes()
	if !ok {
		return fmt.Errorf("parse countdown %q", pr.Countdown)
	}

	if err := p.store.InsertPrediction(ctx, storage.Prediction{
		StopID:           stopID,
		RouteID:          pr.Route,
		VehicleID:        pr.VID,
		Kind:             pr.Type,
		PredictedMinutes: minutes,
		PredictionTime:   ts,
		Destination:      pr.Destination,
	}); err != nil {
		return err
	}

	if minutes >= 0 {
		if cur, seen := soonest[stopID]; !seen || minutes < cur {
			soonest[stopID] = minutes
			stamps[stopID] = ts
		}
	}
	return nil
}
