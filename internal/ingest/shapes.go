package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/paulmach/orb"

	"bustracker/internal/shape"
	"bustracker/internal/storage"
)

// PatternSource provides pattern geometry; *storage.DB satisfies it.
type PatternSource interface {
	PatternsForRoute(ctx context.Context, routeID string) ([]storage.PatternDetail, error)
	PatternStops(ctx context.Context, patternID int) ([]storage.PatternStop, error)
}

// StoreShapes resolves train shapes from the relational store's pattern
// geometry, keyed by route and direction. Shapes are immutable once built,
// so they are cached for the process lifetime; a route whose patterns are
// missing is retried on every lookup.
type StoreShapes struct {
	db  PatternSource
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]shapeRef
}

type shapeRef struct {
	patternID int
	s         *shape.Shape
}

func NewStoreShapes(db PatternSource, log *slog.Logger) *StoreShapes {
	return &StoreShapes{db: db, log: log, cache: map[string]shapeRef{}}
}

// Resolve returns the pattern and polyline for a route's direction. Train
// directions arrive as small integers and patterns store them as text.
func (r *StoreShapes) Resolve(ctx context.Context, routeID string, direction int) (int, *shape.Shape, bool) {
	key := routeID + "|" + strconv.Itoa(direction)

	r.mu.Lock()
	ref, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return ref.patternID, ref.s, true
	}

	ref, ok = r.load(ctx, routeID, strconv.Itoa(direction))
	if !ok {
		return 0, nil, false
	}
	r.mu.Lock()
	r.cache[key] = ref
	r.mu.Unlock()
	return ref.patternID, ref.s, true
}

func (r *StoreShapes) load(ctx context.Context, routeID, direction string) (shapeRef, bool) {
	patterns, err := r.db.PatternsForRoute(ctx, routeID)
	if err != nil {
		r.log.Warn("pattern lookup failed", "route", routeID, "err", err)
		return shapeRef{}, false
	}
	for _, p := range patterns {
		if p.Direction != direction {
			continue
		}
		stops, err := r.db.PatternStops(ctx, p.PatternID)
		if err != nil {
			r.log.Warn("pattern stops lookup failed", "pid", p.PatternID, "err", err)
			return shapeRef{}, false
		}
		points := make([]orb.Point, 0, len(stops))
		for _, ps := range stops {
			if ps.Lat == 0 && ps.Lon == 0 {
				continue
			}
			points = append(points, orb.Point{ps.Lon, ps.Lat})
		}
		s := shape.New(points)
		if s == nil {
			continue
		}
		return shapeRef{patternID: p.PatternID, s: s}, true
	}
	return shapeRef{}, false
}
