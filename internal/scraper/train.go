package scraper

import (
	"context"
	"time"

	"bustracker/internal/clock"
)

// TrainRoutes is the fixed route list of the train tracker API; all eight
// fit a single ttpositions call.
var TrainRoutes = []string{"Red", "Blue", "Brn", "G", "Org", "P", "Pink", "Y"}

// TerminalStations are the end-of-line stations whose arrivals show trains
// waiting to depart, which ttpositions omits.
var TerminalStations = []int{
	// Green
	40290,
	40720,
	40020,
	// Red
	40900,
	40450,
	// Blue
	40890,
	40350,
	40390,
	// Orange
	40930,
	// Brown
	41290,
	// Pink
	40580,
	// Purple
	41050,
	// Yellow
	40140,
}

// nightInterval replaces the configured interval between midnight and
// 05:00 local, when almost nothing moves.
const nightInterval = 5 * time.Minute

// TrainChooser emits one scrape cycle per interval: a positions task for
// every route, then one arrivals task per terminal station on the following
// wake-ups. Not safe for concurrent use.
type TrainChooser struct {
	clk      clock.Clock
	interval time.Duration
	routes   []string
	stations []int

	lastCycle time.Time
	pending   []int // terminal stations left in the current cycle
}

func NewTrainChooser(clk clock.Clock, scrapeInterval time.Duration) *TrainChooser {
	return &TrainChooser{
		clk:      clk,
		interval: scrapeInterval,
		routes:   TrainRoutes,
		stations: TerminalStations,
	}
}

// Next returns the next due task, or (nil, nil) when the cycle is complete
// and the interval has not elapsed.
func (c *TrainChooser) Next(ctx context.Context) (Task, error) {
	now := c.clk.Now()

	if len(c.pending) > 0 {
		station := c.pending[0]
		c.pending = c.pending[1:]
		return TrainArrivalTask{StationID: station}, nil
	}

	if now.Sub(c.lastCycle) < c.effectiveInterval(now) {
		return nil, nil
	}
	c.lastCycle = now
	c.pending = append([]int(nil), c.stations...)
	return TrainPositionTask{Routes: c.routes}, nil
}

func (c *TrainChooser) effectiveInterval(now time.Time) time.Duration {
	if now.In(clock.Local()).Hour() <= 4 && nightInterval > c.interval {
		return nightInterval
	}
	return c.interval
}
