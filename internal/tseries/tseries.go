// Package tseries is the per-trip distance/time series: one key per
// (kind, pattern, trip), value at time t is the distance along the pattern.
package tseries

import (
	"context"
	"fmt"
	"time"
)

// Retention is how long trip series are kept before expiring.
const Retention = 24 * time.Hour

// Sample is one (epoch-seconds, distance) point.
type Sample struct {
	TS       int64
	Distance float64
}

// Pick selects which sample of a value-filtered range to return.
type Pick int

const (
	// PickMax returns the sample with the greatest distance in the window,
	// used for the below-boundary side.
	PickMax Pick = iota
	// PickMin returns the sample with the smallest distance, for the
	// above-boundary side.
	PickMin
)

// RangeReq is one value-filtered range query: the sample in
// [MinDist, MaxDist] chosen by Pick, or nil when the window is empty.
type RangeReq struct {
	Key     string
	MinDist float64
	MaxDist float64
	Pick    Pick
}

// Store is the trip time-series interface. Batch operations are issued
// through a single pipeline round-trip.
type Store interface {
	// Append adds one point; duplicate timestamps are last-write-wins.
	Append(ctx context.Context, key string, ts int64, distance float64) error
	// Latest returns the newest point of a key, or nil when empty.
	Latest(ctx context.Context, key string) (*Sample, error)
	// Keys lists keys matching a glob like "bus:954:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	// BatchLatest returns the newest point per key, nil for empty keys.
	BatchLatest(ctx context.Context, keys []string) ([]*Sample, error)
	// BatchRange answers many value-filtered range queries at once.
	BatchRange(ctx context.Context, reqs []RangeReq) ([]*Sample, error)
	// DeleteBefore drops points with timestamp <= ts.
	DeleteBefore(ctx context.Context, key string, ts int64) error
	// Delete removes a key entirely.
	Delete(ctx context.Context, key string) error
}

// BusKey names the series for one bus trip on one pattern.
func BusKey(patternID int, tripKey string) string {
	return fmt.Sprintf("bus:%d:%s", patternID, tripKey)
}

// TrainKey names the series for one train run on one pattern.
func TrainKey(patternID, run int) string {
	return fmt.Sprintf("train:%d:%d", patternID, run)
}

// BusKeyGlob matches every trip series of a bus pattern.
func BusKeyGlob(patternID int) string {
	return fmt.Sprintf("bus:%d:*", patternID)
}

// TrainKeyGlob matches every run series of a train pattern.
func TrainKeyGlob(patternID int) string {
	return fmt.Sprintf("train:%d:*", patternID)
}
