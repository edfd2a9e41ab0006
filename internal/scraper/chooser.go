package scraper

import (
	"context"
	"fmt"
	"time"

	"bustracker/internal/clock"
	"bustracker/internal/state"
)

const (
	// vehicleBatchSize is the upstream cap on routes per getvehicles call.
	vehicleBatchSize = 10
	// predictionBatchEach caps each of the two stop groups (never-predicted,
	// oldest-predicted) per getpredictions call.
	predictionBatchEach = 5
	// patternTickEvery is the tick cadence of the pattern-refresh rule.
	patternTickEvery = 20
	// maxConsecutivePatterns bounds back-to-back pattern fetches when a
	// large backlog of NEEDS_SCRAPING patterns builds up, so vehicle
	// scraping is never starved.
	maxConsecutivePatterns = 3
)

// Chooser selects the next scrape task from the state store. One chooser
// serves one scrape loop; it is not safe for concurrent use.
type Chooser struct {
	store          state.Store
	clk            clock.Clock
	scrapeInterval time.Duration

	tick        int
	consecutive int // consecutive pattern tasks emitted
}

func NewChooser(store state.Store, clk clock.Clock, scrapeInterval time.Duration) *Chooser {
	return &Chooser{store: store, clk: clk, scrapeInterval: scrapeInterval}
}

// Next advances the tick and picks the first matching rule: unpause stale
// entities, refresh one pattern every 20th tick, batch vehicles, then
// predictions. Returns (nil, nil) when nothing is due.
func (c *Chooser) Next(ctx context.Context) (Task, error) {
	c.tick++
	task, err := c.choose(ctx, c.tick)
	if err != nil {
		return nil, err
	}
	if _, ok := task.(PatternTask); ok {
		c.consecutive++
	} else {
		c.consecutive = 0
	}
	return task, nil
}

// choose is the pure selection; it mutates only the store (unpause) and is
// deterministic for a frozen store, clock, and tick.
func (c *Chooser) choose(ctx context.Context, tick int) (Task, error) {
	now := c.clk.Now()

	if _, err := c.store.Unpause(ctx, now); err != nil {
		return nil, fmt.Errorf("unpause: %w", err)
	}

	if c.patternDue(tick) {
		patterns, err := c.store.StalePatterns(ctx, now, 1)
		if err != nil {
			return nil, fmt.Errorf("stale patterns: %w", err)
		}
		if len(patterns) > 0 {
			return PatternTask{PatternID: patterns[0].PatternID, RouteID: patterns[0].RouteID}, nil
		}
	}

	routes, err := c.store.ActiveRoutes(ctx, vehicleBatchSize)
	if err != nil {
		return nil, fmt.Errorf("active routes: %w", err)
	}
	if len(routes) > 0 && c.oldestDue(routes[0].LastAttempt, now) {
		ids := make([]string, len(routes))
		for i, r := range routes {
			ids[i] = r.RouteID
		}
		return VehicleTask{Routes: ids}, nil
	}

	stops, err := c.store.PredictionStops(ctx, now, predictionBatchEach)
	if err != nil {
		return nil, fmt.Errorf("prediction stops: %w", err)
	}
	var due []int
	for _, s := range stops {
		if c.oldestDue(s.LastAttempt, now) {
			due = append(due, s.StopID)
		}
	}
	if len(due) > 0 {
		return PredictionTask{StopIDs: due}, nil
	}

	return nil, nil
}

// patternDue reports whether this tick may emit a pattern task: the 20-tick
// cadence, or a continuation of a backlog run under the consecutive cap.
func (c *Chooser) patternDue(tick int) bool {
	if tick%patternTickEvery == 0 {
		return true
	}
	return c.consecutive > 0 && c.consecutive < maxConsecutivePatterns
}

func (c *Chooser) oldestDue(lastAttempt *time.Time, now time.Time) bool {
	return lastAttempt == nil || now.Sub(*lastAttempt) >= c.scrapeInterval
}
