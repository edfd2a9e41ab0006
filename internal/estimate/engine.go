// Package estimate answers "when does the next vehicle reach this stop"
// by replaying recent completed trips of the same pattern from the trip
// time-series.
package estimate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"bustracker/internal/tseries"
)

const (
	// BusDelta is the value-window half-width for bus series, in feet.
	BusDelta = 3000.0
	// TrainDelta is the value-window half-width for train series, in
	// meters.
	TrainDelta = 3000.0

	// maxTrips caps how many recent trips feed one estimate.
	maxTrips = 10
)

// TripSample is one per-trip travel-time estimate, kept for trace output.
type TripSample struct {
	Key     string  `json:"key"`
	Rate    float64 `json:"rate"`
	Seconds float64 `json:"seconds"`
	Kept    bool    `json:"kept"`
}

// Info is the debugging trace attached to every estimate.
type Info struct {
	Considered []TripSample `json:"considered"`
	Mean       float64      `json:"mean"`
	Stdev      float64      `json:"stdev"`
}

// Estimate is one low/high arrival window in seconds. Known is false when
// fewer than two trips survived trimming.
type Estimate struct {
	LowS  int  `json:"low_estimate_s"`
	HighS int  `json:"high_estimate_s"`
	Known bool `json:"known"`
	Info  Info `json:"info"`
}

// Engine computes estimates from the trip time-series.
type Engine struct {
	series tseries.Store
	log    *slog.Logger
}

func NewEngine(series tseries.Store, log *slog.Logger) *Engine {
	return &Engine{series: series, log: log}
}

// Arrivals returns one estimate per vehicle distance: how long until a
// vehicle currently at that distance along the pattern reaches the stop.
// glob selects the pattern's trip keys, delta the value-window half-width
// (BusDelta or TrainDelta, matching the series' distance unit).
func (e *Engine) Arrivals(ctx context.Context, glob string, stopDist float64, vehicleDists []float64, delta float64) ([]Estimate, error) {
	trips, err := e.recentTrips(ctx, glob, stopDist)
	if err != nil {
		return nil, err
	}
	out := make([]Estimate, len(vehicleDists))
	if len(trips) == 0 {
		return out, nil
	}

	// One pipeline round-trip answers every boundary query: per trip two
	// stop-side windows, then two bus-side windows per vehicle.
	perTrip := 2 + 2*len(vehicleDists)
	reqs := make([]tseries.RangeReq, 0, len(trips)*perTrip)
	for _, key := range trips {
		reqs = append(reqs,
			tseries.RangeReq{Key: key, MinDist: stopDist - delta, MaxDist: stopDist, Pick: tseries.PickMax},
			tseries.RangeReq{Key: key, MinDist: stopDist, MaxDist: stopDist + delta, Pick: tseries.PickMin},
		)
		for _, vd := range vehicleDists {
			reqs = append(reqs,
				tseries.RangeReq{Key: key, MinDist: vd - delta, MaxDist: vd, Pick: tseries.PickMax},
				tseries.RangeReq{Key: key, MinDist: vd, MaxDist: vd + delta, Pick: tseries.PickMin},
			)
		}
	}
	samples, err := e.series.BatchRange(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	if len(samples) != len(reqs) {
		return nil, fmt.Errorf("range query returned %d of %d results", len(samples), len(reqs))
	}

	for vi, vd := range vehicleDists {
		var considered []TripSample
		for ti, key := range trips {
			base := ti * perTrip
			stop := closer(stopDist, samples[base], samples[base+1])
			bus := closer(vd, samples[base+2+2*vi], samples[base+3+2*vi])
			if stop == nil || bus == nil {
				continue
			}
			if stop.TS <= bus.TS || stop.Distance <= bus.Distance {
				continue
			}
			v := (stop.Distance - bus.Distance) / float64(stop.TS-bus.TS)
			considered = append(considered, TripSample{
				Key:     key,
				Rate:    v,
				Seconds: (stopDist - vd) / v,
			})
		}
		out[vi] = summarize(considered)
	}
	return out, nil
}

// recentTrips returns up to maxTrips keys whose latest recorded distance
// reached the stop, newest first.
func (e *Engine) recentTrips(ctx context.Context, glob string, stopDist float64) ([]string, error) {
	keys, err := e.series.Keys(ctx, glob)
	if err != nil {
		return nil, fmt.Errorf("list trip keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	latests, err := e.series.BatchLatest(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("latest per trip: %w", err)
	}

	type ranked struct {
		key string
		ts  int64
	}
	var completed []ranked
	for i, s := range latests {
		if s == nil || s.Distance < stopDist {
			continue
		}
		completed = append(completed, ranked{keys[i], s.TS})
	}
	sort.Slice(completed, func(i, j int) bool { return completed[i].ts > completed[j].ts })
	if len(completed) > maxTrips {
		completed = completed[:maxTrips]
	}
	out := make([]string, len(completed))
	for i, r := range completed {
		out[i] = r.key
	}
	return out, nil
}

// closer picks whichever boundary sample has distance nearest the target;
// a missing side defers to the other.
func closer(target float64, below, above *tseries.Sample) *tseries.Sample {
	switch {
	case below == nil:
		return above
	case above == nil:
		return below
	case math.Abs(target-below.Distance) <= math.Abs(above.Distance-target):
		return below
	default:
		return above
	}
}

// summarize trims the per-trip estimates to within two standard deviations
// of the mean and reports the min/max of the survivors.
func summarize(considered []TripSample) Estimate {
	if len(considered) < 2 {
		return Estimate{Info: Info{Considered: considered}}
	}

	var sum float64
	for _, c := range considered {
		sum += c.Seconds
	}
	mean := sum / float64(len(considered))
	var sq float64
	for _, c := range considered {
		sq += (c.Seconds - mean) * (c.Seconds - mean)
	}
	stdev := math.Sqrt(sq / float64(len(considered)))

	low, high := math.Inf(1), math.Inf(-1)
	kept := 0
	for i := range considered {
		if math.Abs(considered[i].Seconds-mean) > 2*stdev {
			continue
		}
		considered[i].Kept = true
		kept++
		low = math.Min(low, considered[i].Seconds)
		high = math.Max(high, considered[i].Seconds)
	}
	info := Info{Considered: considered, Mean: mean, Stdev: stdev}
	if kept < 2 {
		return Estimate{Info: info}
	}
	return Estimate{
		LowS:  int(math.Round(low)),
		HighS: int(math.Round(high)),
		Known: true,
		Info:  info,
	}
}
