package estimate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"bustracker/internal/clock"
	"bustracker/internal/storage"
	"bustracker/internal/tseries"
)

// SearchRadiusM bounds the candidate-stop search around the query point.
const SearchRadiusM = 1000.0

// keepPerTerminal is how many results survive per (route, terminal).
const keepPerTerminal = 2

// StopSource is the slice of the relational store the near-stop query
// reads. *storage.DB satisfies it.
type StopSource interface {
	StopsInBox(ctx context.Context, minLat, maxLat, minLon, maxLon float64) ([]storage.NearbyStop, error)
	CurrentVehiclesOnPatterns(ctx context.Context, patternIDs []int) ([]storage.CurrentVehicle, error)
	CurrentTrains(ctx context.Context, routeID string) ([]storage.CurrentTrain, error)
	LiveDeparture(ctx context.Context, stopID int, now time.Time) (*storage.Prediction, error)
}

// WalkTimer reports walking time between two WGS84 points. Implemented by
// the external routing client; a nil WalkTimer disables the walk filter.
type WalkTimer interface {
	WalkSeconds(ctx context.Context, from, to orb.Point) (float64, error)
}

// Mode parameterizes the query for the two vehicle kinds, whose series use
// different distance units (feet for buses, meters for trains).
type Mode struct {
	Delta         float64
	DueWithin     float64 // below this gap an unknown estimate shows "Due"
	NominalWithin float64 // below this gap an unknown estimate shows 1-5 min
	Glob          func(patternID int) string
}

var (
	BusMode = Mode{
		Delta:         BusDelta,
		DueWithin:     656,  // 200 m in ft
		NominalWithin: 5280, // 1 mi in ft
		Glob:          tseries.BusKeyGlob,
	}
	TrainMode = Mode{
		Delta:         TrainDelta,
		DueWithin:     200,
		NominalWithin: 1609,
		Glob:          tseries.TrainKeyGlob,
	}
)

// Result is one upcoming arrival at a stop near the query point.
type Result struct {
	StopID          int      `json:"stop_id"`
	StopName        string   `json:"stop_name"`
	StopLat         float64  `json:"stop_lat"`
	StopLon         float64  `json:"stop_lon"`
	RouteID         string   `json:"route"`
	Direction       string   `json:"direction"`
	Headsign        string   `json:"headsign,omitempty"`
	Terminal        string   `json:"terminal"`
	Destination     string   `json:"destination,omitempty"`
	VehicleID       string   `json:"vehicle_id,omitempty"`
	AgeS            int      `json:"age_s"`
	StopMeters      float64  `json:"stop_distance_m"`
	WalkSeconds     int      `json:"walk_s,omitempty"`
	Estimate        Estimate `json:"estimate"`
	Display         string   `json:"display"`
	WaitingToDepart bool     `json:"waiting_to_depart,omitempty"`
	DepartMinutes   int      `json:"depart_minutes,omitempty"`
}

// sortSeconds is the value the soonest-first ordering and the per-terminal
// cut use.
func (r Result) sortSeconds() int {
	if r.WaitingToDepart {
		return r.DepartMinutes * 60
	}
	if r.Estimate.Known {
		return r.Estimate.LowS
	}
	if r.Display == "Due" {
		return 0
	}
	return 60
}

// Query answers near-stop requests by combining the relational store's
// candidate stops with the estimation engine.
type Query struct {
	db     StopSource
	engine *Engine
	walker WalkTimer
	clk    clock.Clock
	log    *slog.Logger
}

func NewQuery(db StopSource, engine *Engine, walker WalkTimer, clk clock.Clock, log *slog.Logger) *Query {
	return &Query{db: db, engine: engine, walker: walker, clk: clk, log: log}
}

// NearestBuses returns upcoming bus arrivals at stops within SearchRadiusM
// of the query point.
func (q *Query) NearestBuses(ctx context.Context, lat, lon float64) ([]Result, error) {
	stops, err := q.candidateStops(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, nil
	}

	pids := make([]int, 0, len(stops))
	for _, s := range stops {
		pids = append(pids, s.stop.PatternID)
	}
	vehicles, err := q.db.CurrentVehiclesOnPatterns(ctx, pids)
	if err != nil {
		return nil, fmt.Errorf("current vehicles: %w", err)
	}
	byPattern := map[int][]storage.CurrentVehicle{}
	for _, v := range vehicles {
		byPattern[v.PatternID] = append(byPattern[v.PatternID], v)
	}

	now := q.clk.Now()
	var results []Result
	for _, c := range stops {
		s := c.stop
		r := Result{
			StopID:     s.StopID,
			StopName:   s.StopName,
			StopLat:    s.Lat,
			StopLon:    s.Lon,
			RouteID:    s.RouteID,
			Direction:  s.Direction,
			Headsign:   s.Headsign,
			Terminal:   s.LastStopName,
			StopMeters: c.meters,
		}

		ahead := closestAhead(byPattern[s.PatternID], s.PatternDistanceFt)
		if ahead == nil {
			if dep := q.pendingDeparture(ctx, s, now); dep != nil {
				results = append(results, *dep)
			}
			continue
		}
		r.VehicleID = ahead.VehicleID
		r.Destination = ahead.Destination
		r.AgeS = int(now.Sub(ahead.LastUpdate).Seconds())

		est, err := q.estimateOne(ctx, BusMode, s.PatternID, s.PatternDistanceFt, ahead.PatternDistanceFt)
		if err != nil {
			q.log.Warn("estimate failed", "pid", s.PatternID, "err", err)
			continue
		}
		if !q.render(&r, est, s.PatternDistanceFt-ahead.PatternDistanceFt, BusMode) {
			continue
		}
		results = append(results, r)
	}
	return q.finish(ctx, lat, lon, results), nil
}

// NearestTrains returns upcoming train arrivals near the query point. Train
// pattern distances are in meters, derived by polyline projection at ingest
// time.
func (q *Query) NearestTrains(ctx context.Context, lat, lon float64) ([]Result, error) {
	stops, err := q.candidateStops(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	if len(stops) == 0 {
		return nil, nil
	}

	trains, err := q.db.CurrentTrains(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("current trains: %w", err)
	}
	byPattern := map[int][]storage.CurrentTrain{}
	for _, t := range trains {
		byPattern[t.PatternID] = append(byPattern[t.PatternID], t)
	}

	now := q.clk.Now()
	var results []Result
	for _, c := range stops {
		s := c.stop
		live := byPattern[s.PatternID]
		if len(live) == 0 {
			continue
		}
		var ahead *storage.CurrentTrain
		for i := range live {
			if live[i].PatternDistanceM > s.PatternDistanceFt {
				continue
			}
			if ahead == nil || live[i].PatternDistanceM > ahead.PatternDistanceM {
				ahead = &live[i]
			}
		}
		if ahead == nil {
			continue
		}

		r := Result{
			StopID:      s.StopID,
			StopName:    s.StopName,
			StopLat:     s.Lat,
			StopLon:     s.Lon,
			RouteID:     s.RouteID,
			Direction:   s.Direction,
			Terminal:    s.LastStopName,
			Destination: ahead.DestName,
			VehicleID:   fmt.Sprintf("%d", ahead.Run),
			AgeS:        int(now.Sub(ahead.LastUpdate).Seconds()),
			StopMeters:  c.meters,
		}
		est, err := q.estimateOne(ctx, TrainMode, s.PatternID, s.PatternDistanceFt, ahead.PatternDistanceM)
		if err != nil {
			q.log.Warn("estimate failed", "pid", s.PatternID, "err", err)
			continue
		}
		if !q.render(&r, est, s.PatternDistanceFt-ahead.PatternDistanceM, TrainMode) {
			continue
		}
		results = append(results, r)
	}
	return q.finish(ctx, lat, lon, results), nil
}

// Combined merges bus and train arrivals near the query point into one
// soonest-first list. Each half already carries the walk-time filter and the
// per-terminal cut.
func (q *Query) Combined(ctx context.Context, lat, lon float64) ([]Result, error) {
	buses, err := q.NearestBuses(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	trains, err := q.NearestTrains(ctx, lat, lon)
	if err != nil {
		return nil, err
	}
	merged := append(buses, trains...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].sortSeconds() < merged[j].sortSeconds() })
	return merged, nil
}

// CurrentPositions reports the live pattern distance of every vehicle on a
// bus pattern, keyed by vehicle id.
func (q *Query) CurrentPositions(ctx context.Context, patternID int) (map[string]float64, error) {
	vehicles, err := q.db.CurrentVehiclesOnPatterns(ctx, []int{patternID})
	if err != nil {
		return nil, fmt.Errorf("current vehicles: %w", err)
	}
	out := make(map[string]float64, len(vehicles))
	for _, v := range vehicles {
		out[v.VehicleID] = v.PatternDistanceFt
	}
	return out, nil
}

// VehicleDetail is one live vehicle ahead of a stop position.
type VehicleDetail struct {
	VehicleID string   `json:"vehicle_id"`
	Distance  float64  `json:"vehicle_position"`
	MilesAway string   `json:"miles_away"`
	AgeS      int      `json:"age_s"`
	Estimate  Estimate `json:"estimate"`
}

// Detail lists every live vehicle ahead of stopPos on a bus pattern,
// closest first, with per-vehicle estimates.
func (q *Query) Detail(ctx context.Context, patternID int, stopPos float64) ([]VehicleDetail, error) {
	vehicles, err := q.db.CurrentVehiclesOnPatterns(ctx, []int{patternID})
	if err != nil {
		return nil, fmt.Errorf("current vehicles: %w", err)
	}
	var ahead []storage.CurrentVehicle
	for _, v := range vehicles {
		if v.PatternDistanceFt <= stopPos {
			ahead = append(ahead, v)
		}
	}
	if len(ahead) == 0 {
		return nil, nil
	}
	sort.Slice(ahead, func(i, j int) bool { return ahead[i].PatternDistanceFt > ahead[j].PatternDistanceFt })

	dists := make([]float64, len(ahead))
	for i, v := range ahead {
		dists[i] = v.PatternDistanceFt
	}
	ests, err := q.engine.Arrivals(ctx, BusMode.Glob(patternID), stopPos, dists, BusMode.Delta)
	if err != nil {
		return nil, err
	}

	now := q.clk.Now()
	out := make([]VehicleDetail, len(ahead))
	for i, v := range ahead {
		out[i] = VehicleDetail{
			VehicleID: v.VehicleID,
			Distance:  v.PatternDistanceFt,
			MilesAway: fmt.Sprintf("%.1f mi", (stopPos-v.PatternDistanceFt)/5280),
			AgeS:      int(now.Sub(v.LastUpdate).Seconds()),
			Estimate:  ests[i],
		}
	}
	return out, nil
}

// closestAhead picks the vehicle nearest the stop without having passed
// it: the greatest pattern distance not exceeding the stop's. Returns nil
// when every vehicle is already past the stop.
func closestAhead(vehicles []storage.CurrentVehicle, stopDist float64) *storage.CurrentVehicle {
	var best *storage.CurrentVehicle
	for i := range vehicles {
		if vehicles[i].PatternDistanceFt > stopDist {
			continue
		}
		if best == nil || vehicles[i].PatternDistanceFt > best.PatternDistanceFt {
			best = &vehicles[i]
		}
	}
	return best
}

type candidate struct {
	stop   storage.NearbyStop
	meters float64
}

// candidateStops returns, per pattern, the single nearest stop within
// SearchRadiusM of the query point.
func (q *Query) candidateStops(ctx context.Context, lat, lon float64) ([]candidate, error) {
	// Bounding-box prefilter in the store, true geodesic refine here.
	dLat := SearchRadiusM / 111320
	dLon := SearchRadiusM / (111320 * math.Cos(lat*math.Pi/180))
	stops, err := q.db.StopsInBox(ctx, lat-dLat, lat+dLat, lon-dLon, lon+dLon)
	if err != nil {
		return nil, fmt.Errorf("stops in box: %w", err)
	}

	here := orb.Point{lon, lat}
	best := map[int]candidate{}
	for _, s := range stops {
		m := geo.Distance(here, orb.Point{s.Lon, s.Lat})
		if m > SearchRadiusM {
			continue
		}
		if cur, ok := best[s.PatternID]; !ok || m < cur.meters {
			best[s.PatternID] = candidate{stop: s, meters: m}
		}
	}
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meters < out[j].meters })
	return out, nil
}

// pendingDeparture emits a synthetic "waiting to depart" entry when the
// pattern's origin stop has a live departure prediction still in the
// future.
func (q *Query) pendingDeparture(ctx context.Context, s storage.NearbyStop, now time.Time) *Result {
	if s.FirstStopID == nil {
		return nil
	}
	dep, err := q.db.LiveDeparture(ctx, *s.FirstStopID, now)
	if err != nil {
		q.log.Warn("departure lookup failed", "stpid", *s.FirstStopID, "err", err)
		return nil
	}
	if dep == nil {
		return nil
	}
	remaining := dep.PredictionTime.Add(time.Duration(dep.PredictedMinutes) * time.Minute).Sub(now)
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 0 {
		return nil
	}
	return &Result{
		StopID:          s.StopID,
		StopName:        s.StopName,
		StopLat:         s.Lat,
		StopLon:         s.Lon,
		RouteID:         s.RouteID,
		Direction:       s.Direction,
		Headsign:        s.Headsign,
		Terminal:        s.LastStopName,
		Destination:     dep.Destination,
		VehicleID:       dep.VehicleID,
		WaitingToDepart: true,
		DepartMinutes:   minutes,
		Display:         fmt.Sprintf("departs in %d min", minutes),
	}
}

func (q *Query) estimateOne(ctx context.Context, mode Mode, patternID int, stopDist, vehicleDist float64) (Estimate, error) {
	ests, err := q.engine.Arrivals(ctx, mode.Glob(patternID), stopDist, []float64{vehicleDist}, mode.Delta)
	if err != nil {
		return Estimate{}, err
	}
	return ests[0], nil
}

// render fills the result's estimate and display text. Returns false when
// the entry should not be shown: no estimate and the vehicle too far away
// for a placeholder.
func (q *Query) render(r *Result, est Estimate, gap float64, mode Mode) bool {
	r.Estimate = est
	switch {
	case est.Known:
		r.Display = fmt.Sprintf("%d-%d min", est.LowS/60, (est.HighS+59)/60)
	case gap < mode.DueWithin:
		r.Display = "Due"
	case gap < mode.NominalWithin:
		r.Estimate = Estimate{LowS: 60, HighS: 300, Known: true, Info: est.Info}
		r.Display = "1-5 min"
	default:
		return false
	}
	return true
}

// finish applies the walk-time filter and keeps the two soonest results per
// (route, terminal).
func (q *Query) finish(ctx context.Context, lat, lon float64, results []Result) []Result {
	here := orb.Point{lon, lat}
	if q.walker != nil {
		filtered := results[:0]
		for _, r := range results {
			secs, err := q.walker.WalkSeconds(ctx, here, orb.Point{r.StopLon, r.StopLat})
			if err != nil {
				// Routing is best-effort; keep the entry unfiltered.
				q.log.Debug("walk time unavailable", "stop", r.StopID, "err", err)
				filtered = append(filtered, r)
				continue
			}
			r.WalkSeconds = int(secs)
			if r.Estimate.Known && r.Estimate.HighS < int(secs) {
				continue
			}
			filtered = append(filtered, r)
		}
		results = filtered
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].sortSeconds() < results[j].sortSeconds() })
	seen := map[string]int{}
	out := results[:0]
	for _, r := range results {
		key := r.RouteID + "|" + r.Terminal
		if seen[key] >= keepPerTerminal {
			continue
		}
		seen[key]++
		out = append(out, r)
	}
	return out
}
