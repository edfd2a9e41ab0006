// Package ingest normalises classified upstream payloads into observation
// rows, current-state rows, and time-series points.
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
	"bustracker/internal/tseries"
)

// ObservationStore is the slice of the relational store the ingesters
// write through. *storage.DB satisfies it.
type ObservationStore interface {
	EnsureTrip(ctx context.Context, t storage.Trip) (int64, error)
	InsertObservation(ctx context.Context, o storage.Observation) (bool, error)
	UpsertCurrentVehicle(ctx context.Context, v storage.CurrentVehicle) error
	InsertTrainObservation(ctx context.Context, o storage.TrainObservation) (bool, error)
	UpsertCurrentTrain(ctx context.Context, t storage.CurrentTrain) error
	InsertPrediction(ctx context.Context, p storage.Prediction) error
}

// EntityEnsurer is the slice of the state store the ingesters use to
// create entities on first reference.
type EntityEnsurer interface {
	EnsureRoute(ctx context.Context, routeID, name string) error
	EnsurePattern(ctx context.Context, patternID int, routeID string) error
	SetStopPrediction(ctx context.Context, stopID int, nextPredictedAt time.Time, minutes int) error
}

// Stats summarises one ingestion pass.
type Stats struct {
	Seen       int
	Inserted   int
	Duplicates int
	ParseErrs  int
}

// BusIngester turns getvehicles payloads into rows and series points.
type BusIngester struct {
	store    ObservationStore
	entities EntityEnsurer
	series   tseries.Store
	log      *slog.Logger
}

func NewBusIngester(store ObservationStore, entities EntityEnsurer, series tseries.Store, log *slog.Logger) *BusIngester {
	return &BusIngester{store: store, entities: entities, series: series, log: log}
}

// IngestVehicles processes one OK getvehicles payload. Per-vehicle parse
// failures are counted and logged, never fatal.
func (b *BusIngester) IngestVehicles(ctx context.Context, payload json.RawMessage) (Stats, error) {
	var vehicles []transit.Vehicle
	if err := json.Unmarshal(payload, &vehicles); err != nil {
		return Stats{}, fmt.Errorf("decode vehicles: %w", err)
	}

	var stats Stats
	for _, v := range vehicles {
		stats.Seen++
		inserted, err := b.ingestOne(ctx, v)
		if err != nil {
			stats.ParseErrs++
			b.log.Warn("vehicle ingest failed", "vid", v.VID, "err", err)
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Duplicates++
		}
	}
	return stats, nil
}

func (b *BusIngester) ingestOne(ctx context.Context, v transit.Vehicle) (bool, error) {
	ts, err := clock.ParseBusStamp(v.Timestamp)
	if err != nil {
		return false, fmt.Errorf("parse tmstmp %q: %w", v.Timestamp, err)
	}
	tripKey := v.OrigTripNo
	if tripKey == "" {
		tripKey = v.TripID
	}
	if tripKey == "" || v.PatternID == 0 {
		return false, fmt.Errorf("vehicle %s missing trip key or pattern", v.VID)
	}

	if err := b.entities.EnsureRoute(ctx, v.Route, ""); err != nil {
		return false, err
	}
	if err := b.entities.EnsurePattern(ctx, v.PatternID, v.Route); err != nil {
		return false, err
	}

	if _, err := b.store.EnsureTrip(ctx, storage.Trip{
		ScheduleDay:    clock.ServiceDay(ts),
		OriginalTripID: tripKey,
		RouteID:        v.Route,
		PatternID:      v.PatternID,
	}); err != nil {
		return false, err
	}

	inserted, err := b.store.InsertObservation(ctx, storage.Observation{
		VehicleID:         v.VID,
		Timestamp:         ts,
		Lat:               float64(v.Lat),
		Lon:               float64(v.Lon),
		PatternID:         v.PatternID,
		RouteID:           v.Route,
		PatternDistanceFt: float64(v.PatternDistance),
		TripKey:           tripKey,
		BlockID:           v.BlockID,
		Destination:       v.Destination,
	})
	if err != nil {
		return false, err
	}

	if err := b.store.UpsertCurrentVehicle(ctx, storage.CurrentVehicle{
		VehicleID:         v.VID,
		LastUpdate:        ts,
		Lat:               float64(v.Lat),
		Lon:               float64(v.Lon),
		PatternID:         v.PatternID,
		RouteID:           v.Route,
		PatternDistanceFt: float64(v.PatternDistance),
		TripKey:           tripKey,
		Destination:       v.Destination,
	}); err != nil {
		return false, err
	}

	// A duplicate observation means this sample is already in the series.
	if inserted {
		key := tseries.BusKey(v.PatternID, tripKey)
		if err := b.series.Append(ctx, key, ts.Unix(), float64(v.PatternDistance)); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

// IngestRoutes processes a getroutes payload, bootstrapping the route
// catalog.
func (b *BusIngester) IngestRoutes(ctx context.Context, payload json.RawMessage, db RouteWriter) (int, error) {
	var routes []transit.RouteInfo
	if err := json.Unmarshal(payload, &routes); err != nil {
		return 0, fmt.Errorf("decode routes: %w", err)
	}
	for _, r := range routes {
		if err := b.entities.EnsureRoute(ctx, r.Route, r.Name); err != nil {
			return 0, err
		}
		if err := db.UpsertRoute(ctx, storage.Route{RouteID: r.Route, DisplayName: r.Name, Color: r.Color}); err != nil {
			return 0, err
		}
	}
	return len(routes), nil
}

// RouteWriter writes route display data; *storage.DB satisfies it.
type RouteWriter interface {
	UpsertRoute(ctx context.Context, r storage.Route) error
}

// PatternWriter writes scraped pattern detail; *storage.DB satisfies it.
type PatternWriter interface {
	UpsertPatternDetail(ctx context.Context, p storage.PatternDetail) error
}

// IngestPatterns processes a getpatterns payload into pattern detail rows.
func (b *BusIngester) IngestPatterns(ctx context.Context, payload json.RawMessage, routeID string, db PatternWriter) ([]int, error) {
	var patterns []transit.Pattern
	if err := json.Unmarshal(payload, &patterns); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	var ids []int
	for _, p := range patterns {
		detail := storage.PatternDetail{
			PatternID: p.PatternID,
			RouteID:   routeID,
			Direction: p.Direction,
			LengthFt:  float64(p.Length),
		}
		for _, pt := range p.Points {
			ps := storage.PatternStop{
				SequenceNo:        pt.Sequence,
				StopName:          pt.StopName,
				PatternDistanceFt: float64(pt.PatternDist),
				Lat:               float64(pt.Lat),
				Lon:               float64(pt.Lon),
			}
			if pt.Type == "S" && pt.StopID != "" {
				if id, err := atoiStop(pt.StopID); err == nil {
					ps.StopID = &id
					if detail.FirstStopID == nil {
						first := id
						detail.FirstStopID = &first
					}
				}
			}
			detail.Stops = append(detail.Stops, ps)
		}
		if err := db.UpsertPatternDetail(ctx, detail); err != nil {
			return nil, err
		}
		ids = append(ids, p.PatternID)
	}
	return ids, nil
}

func atoiStop(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
