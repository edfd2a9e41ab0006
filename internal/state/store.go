package state

import (
	"context"
	"time"
)

// Store is the per-entity scrape-state machine. Production runs on the
// shared Postgres pool; dry runs and tests use the sqlite implementation.
// Mutations are single-writer: each scrape loop owns its entities.
type Store interface {
	// EnsureRoute creates a route row if absent, in ACTIVE state.
	EnsureRoute(ctx context.Context, routeID, name string) error
	// EnsurePattern creates a pattern row if absent, in NEEDS_SCRAPING
	// state, so the chooser schedules a detail fetch.
	EnsurePattern(ctx context.Context, patternID int, routeID string) error
	// EnsureStop creates a stop row if absent, in ACTIVE state.
	EnsureStop(ctx context.Context, stopID int, name string, lat, lon float64) error

	// Unpause promotes PAUSED entities older than PauseRest and ATTEMPTED
	// entities older than AttemptedRest back to ACTIVE. Returns the number
	// of entities promoted.
	Unpause(ctx context.Context, now time.Time) (int, error)

	// StalePatterns lists patterns in NEEDS_SCRAPING state or with detail
	// older than PatternStaleAfter, oldest first.
	StalePatterns(ctx context.Context, now time.Time, limit int) ([]PatternCandidate, error)
	// ActiveRoutes lists ACTIVE routes ordered by oldest last attempt,
	// never-attempted first.
	ActiveRoutes(ctx context.Context, limit int) ([]RouteCandidate, error)
	// PredictionStops lists ACTIVE stops: first those with no recorded
	// prediction, then those with the oldest next_predicted_at. The two
	// groups are capped at limitEach entries apiece.
	PredictionStops(ctx context.Context, now time.Time, limitEach int) ([]StopCandidate, error)

	// MarkRoutesAttempted stamps last_scrape_attempt and moves the routes
	// to ATTEMPTED.
	MarkRoutesAttempted(ctx context.Context, routeIDs []string, now time.Time) error
	MarkPatternAttempted(ctx context.Context, patternID int, now time.Time) error
	MarkStopsAttempted(ctx context.Context, stopIDs []int, now time.Time) error

	// MarkRoutesActive records a successful scrape: state ACTIVE plus
	// last_scrape_success.
	MarkRoutesActive(ctx context.Context, routeIDs []string, now time.Time) error
	MarkStopsActive(ctx context.Context, stopIDs []int, now time.Time) error
	// MarkPatternScraped records a completed detail fetch.
	MarkPatternScraped(ctx context.Context, patternID int, now time.Time) error

	// PauseRoute and PauseStop park a single entity after a per-entity
	// upstream error.
	PauseRoute(ctx context.Context, routeID string) error
	PauseStop(ctx context.Context, stopID int) error

	// SetStopPrediction records the minutes-out prediction most recently
	// seen for a stop, used to order future prediction scrapes.
	SetStopPrediction(ctx context.Context, stopID int, nextPredictedAt time.Time, minutes int) error
}
