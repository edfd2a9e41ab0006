// Package state tracks per-entity scrape state for routes, patterns, and
// stops, and selects the next scrape task on every loop tick.
package state

import (
	"fmt"
	"time"
)

// ScrapeState is the lifecycle of a scrapable entity. Stored as a small
// integer.
type ScrapeState int

const (
	Active ScrapeState = iota
	Pending
	Attempted
	Paused
	Inactive
	NeedsScraping
)

func (s ScrapeState) String() string {
	switch s {
	case Active:
		return "active"
	case Pending:
		return "pending"
	case Attempted:
		return "attempted"
	case Paused:
		return "paused"
	case Inactive:
		return "inactive"
	case NeedsScraping:
		return "needs-scraping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Unpause thresholds: PAUSED entities rest for 30 minutes, ATTEMPTED
// entities that never heard back are retried after 2 minutes.
const (
	PauseRest     = 30 * time.Minute
	AttemptedRest = 2 * time.Minute
)

// PatternStaleAfter is how long a scraped pattern's detail stays fresh.
const PatternStaleAfter = 72 * time.Hour

// RouteCandidate is one route eligible for a vehicle batch.
type RouteCandidate struct {
	RouteID     string
	LastAttempt *time.Time
}

// StopCandidate is one stop eligible for a prediction request.
type StopCandidate struct {
	StopID          int
	LastAttempt     *time.Time
	NextPredictedAt *time.Time
}

// PatternCandidate is one pattern due for a detail refresh.
type PatternCandidate struct {
	PatternID int
	RouteID   string
	State     ScrapeState
	UpdatedAt *time.Time
}
