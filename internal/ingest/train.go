package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"

	"bustracker/internal/clock"
	"bustracker/internal/shape"
	"bustracker/internal/storage"
	"bustracker/internal/transit"
	"bustracker/internal/tseries"
)

// ShapeResolver finds the pattern and polyline a live train is running on.
// The train feed carries no pattern distance, so the ingester projects the
// train's point onto the resolved shape.
type ShapeResolver interface {
	Resolve(ctx context.Context, routeID string, direction int) (patternID int, s *shape.Shape, ok bool)
}

// TrainIngester turns ttpositions payloads into rows and series points.
type TrainIngester struct {
	store    ObservationStore
	entities EntityEnsurer
	series   tseries.Store
	shapes   ShapeResolver
	log      *slog.Logger
}

func NewTrainIngester(store ObservationStore, entities EntityEnsurer, series tseries.Store, shapes ShapeResolver, log *slog.Logger) *TrainIngester {
	return &TrainIngester{store: store, entities: entities, series: series, shapes: shapes, log: log}
}

// IngestPositions processes one OK ttpositions payload (the ctatt object).
func (t *TrainIngester) IngestPositions(ctx context.Context, payload json.RawMessage) (Stats, error) {
	var positions transit.TrainPositions
	if err := json.Unmarshal(payload, &positions); err != nil {
		return Stats{}, fmt.Errorf("decode positions: %w", err)
	}

	var stats Stats
	for _, route := range positions.Routes {
		trains, err := route.Trains()
		if err != nil {
			stats.ParseErrs++
			t.log.Warn("train list decode failed", "route", route.Name, "err", err)
			continue
		}
		for _, train := range trains {
			stats.Seen++
			inserted, err := t.ingestOne(ctx, route.Name, train)
			if err != nil {
				stats.ParseErrs++
				t.log.Warn("train ingest failed", "route", route.Name, "run", int(train.Run), "err", err)
				continue
			}
			if inserted {
				stats.Inserted++
			} else {
				stats.Duplicates++
			}
		}
	}
	return stats, nil
}

func (t *TrainIngester) ingestOne(ctx context.Context, routeID string, train transit.Train) (bool, error) {
	if train.Run == 0 {
		return false, fmt.Errorf("train on %s missing run number", routeID)
	}
	ts, err := clock.ParseTrainStamp(train.PredictionTime)
	if err != nil {
		return false, fmt.Errorf("parse prdt %q: %w", train.PredictionTime, err)
	}
	var eta *time.Time
	if train.ArrivalTime != "" {
		if parsed, err := clock.ParseTrainStamp(train.ArrivalTime); err == nil {
			eta = &parsed
		}
	}

	if err := t.entities.EnsureRoute(ctx, routeID, ""); err != nil {
		return false, err
	}

	var patternID int
	var distM float64
	if pid, s, ok := t.shapes.Resolve(ctx, routeID, int(train.Direction)); ok {
		patternID = pid
		distM = s.Project(orb.Point{float64(train.Lon), float64(train.Lat)})
	}

	obs := storage.TrainObservation{
		Run:              int(train.Run),
		Timestamp:        ts,
		Lat:              float64(train.Lat),
		Lon:              float64(train.Lon),
		RouteID:          routeID,
		DestName:         train.DestName,
		NextStation:      int(train.NextStationID),
		NextStop:         int(train.NextStopID),
		ArrivalETA:       eta,
		Approaching:      train.Approaching == 1,
		Delayed:          train.Delayed == 1,
		Heading:          int(train.Heading),
		PatternID:        patternID,
		PatternDistanceM: distM,
	}
	inserted, err := t.store.InsertTrainObservation(ctx, obs)
	if err != nil {
		return false, err
	}

	if err := t.store.UpsertCurrentTrain(ctx, storage.CurrentTrain{
		Run:              obs.Run,
		LastUpdate:       ts,
		Lat:              obs.Lat,
		Lon:              obs.Lon,
		RouteID:          routeID,
		DestName:         obs.DestName,
		NextStation:      obs.NextStation,
		NextStop:         obs.NextStop,
		ArrivalETA:       eta,
		Approaching:      obs.Approaching,
		Delayed:          obs.Delayed,
		Heading:          obs.Heading,
		PatternID:        patternID,
		PatternDistanceM: distM,
	}); err != nil {
		return false, err
	}

	if inserted && patternID != 0 {
		key := tseries.TrainKey(patternID, obs.Run)
		if err := t.series.Append(ctx, key, ts.Unix(), distM); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

// IngestArrivals processes one OK ttarrivals payload, recording terminal
// and station ETAs as train predictions.
func (t *TrainIngester) IngestArrivals(ctx context.Context, payload json.RawMessage) (Stats, error) {
	var arrivals transit.TrainArrivals
	if err := json.Unmarshal(payload, &arrivals); err != nil {
		return Stats{}, fmt.Errorf("decode arrivals: %w", err)
	}

	var stats Stats
	for _, eta := range arrivals.Etas {
		stats.Seen++
		prdt, err := clock.ParseTrainStamp(eta.PredictionTime)
		if err != nil {
			stats.ParseErrs++
			continue
		}
		arrT, err := clock.ParseTrainStamp(eta.ArrivalTime)
		if err != nil {
			stats.ParseErrs++
			continue
		}
		minutes := int(arrT.Sub(prdt).Round(time.Minute) / time.Minute)
		if err := t.store.InsertPrediction(ctx, storage.Prediction{
			StopID:           int(eta.StopID),
			RouteID:          eta.Route,
			VehicleID:        fmt.Sprintf("%d", int(eta.Run)),
			Kind:             "A",
			PredictedMinutes: minutes,
			PredictionTime:   prdt,
			Destination:      eta.DestName,
		}); err != nil {
			stats.ParseErrs++
			t.log.Warn("arrival ingest failed", "run", int(eta.Run), "err", err)
			continue
		}
		stats.Inserted++
	}
	return stats, nil
}
