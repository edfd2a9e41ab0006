package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore runs the state machine against the shared Postgres pool.
// It operates on the routes/patterns/stops tables owned by the storage
// package.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureRoute(ctx context.Context, routeID, name string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO routes (route_id, display_name, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (route_id) DO NOTHING
	`, routeID, name, int(Active))
	if err != nil {
		return fmt.Errorf("ensure route %s: %w", routeID, err)
	}
	return nil
}

func (s *PostgresStore) EnsurePattern(ctx context.Context, patternID int, routeID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO patterns (pattern_id, route_id, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (pattern_id) DO NOTHING
	`, patternID, routeID, int(NeedsScraping))
	if err != nil {
		return fmt.Errorf("ensure pattern %d: %w", patternID, err)
	}
	return nil
}

func (s *PostgresStore) EnsureStop(ctx context.Context, stopID int, name string, lat, lon float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO stops (stop_id, stop_name, lat, lon, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stop_id) DO NOTHING
	`, stopID, name, lat, lon, int(Active))
	if err != nil {
		return fmt.Errorf("ensure stop %d: %w", stopID, err)
	}
	return nil
}

func (s *PostgresStore) Unpause(ctx context.Context, now time.Time) (int, error) {
	pausedCutoff := now.Add(-PauseRest)
	attemptedCutoff := now.Add(-AttemptedRest)
	total := 0
	for _, table := range []string{"routes", "patterns", "stops"} {
		tag, err := s.db.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET state = $1
			WHERE (state = $2 AND last_scrape_attempt < $3)
			   OR (state = $4 AND last_scrape_attempt < $5)
		`, table), int(Active), int(Paused), pausedCutoff, int(Attempted), attemptedCutoff)
		if err != nil {
			return total, fmt.Errorf("unpause %s: %w", table, err)
		}
		total += int(tag.RowsAffected())
	}
	return total, nil
}

func (s *PostgresStore) StalePatterns(ctx context.Context, now time.Time, limit int) ([]PatternCandidate, error) {
	staleCutoff := now.Add(-PatternStaleAfter)
	rows, err := s.db.Query(ctx, `
		SELECT pattern_id, route_id, state, updated_at
		FROM patterns
		WHERE state = $1 OR updated_at IS NULL OR updated_at < $2
		ORDER BY updated_at NULLS FIRST, pattern_id
		LIMIT $3
	`, int(NeedsScraping), staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale patterns: %w", err)
	}
	defer rows.Close()

	var out []PatternCandidate
	for rows.Next() {
		var c PatternCandidate
		var st int
		if err := rows.Scan(&c.PatternID, &c.RouteID, &st, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern candidate: %w", err)
		}
		c.State = ScrapeState(st)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ActiveRoutes(ctx context.Context, limit int) ([]RouteCandidate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT route_id, last_scrape_attempt
		FROM routes
		WHERE state = $1
		ORDER BY last_scrape_attempt NULLS FIRST, route_id
		LIMIT $2
	`, int(Active), limit)
	if err != nil {
		return nil, fmt.Errorf("active routes: %w", err)
	}
	defer rows.Close()

	var out []RouteCandidate
	for rows.Next() {
		var c RouteCandidate
		if err := rows.Scan(&c.RouteID, &c.LastAttempt); err != nil {
			return nil, fmt.Errorf("scan route candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PredictionStops(ctx context.Context, now time.Time, limitEach int) ([]StopCandidate, error) {
	rows, err := s.db.Query(ctx, `
		(SELECT stop_id, last_scrape_attempt, next_predicted_at
		 FROM stops
		 WHERE state = $1 AND next_predicted_at IS NULL
		 ORDER BY last_scrape_attempt NULLS FIRST, stop_id
		 LIMIT $2)
		UNION ALL
		(SELECT stop_id, last_scrape_attempt, next_predicted_at
		 FROM stops
		 WHERE state = $1 AND next_predicted_at IS NOT NULL
		 ORDER BY next_predicted_at, stop_id
		 LIMIT $2)
	`, int(Active), limitEach)
	if err != nil {
		return nil, fmt.Errorf("prediction stops: %w", err)
	}
	defer rows.Close()

	var out []StopCandidate
	for rows.Next() {
		var c StopCandidate
		if err := rows.Scan(&c.StopID, &c.LastAttempt, &c.NextPredictedAt); err != nil {
			return nil, fmt.Errorf("scan stop candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRoutesAttempted(ctx context.Context, routeIDs []string, now time.Time) error {
	if len(routeIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE routes SET state = $1, last_scrape_attempt = $2
		WHERE route_id = ANY($3)
	`, int(Attempted), now, routeIDs)
	if err != nil {
		return fmt.Errorf("mark routes attempted: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkPatternAttempted(ctx context.Context, patternID int, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE patterns SET state = $1, last_scrape_attempt = $2
		WHERE pattern_id = $3
	`, int(Attempted), now, patternID)
	if err != nil {
		return fmt.Errorf("mark pattern %d attempted: %w", patternID, err)
	}
	return nil
}

func (s *PostgresStore) MarkStopsAttempted(ctx context.Context, stopIDs []int, now time.Time) error {
	if len(stopIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE stops SET state = $1, last_scrape_attempt = $2
		WHERE stop_id = ANY($3)
	`, int(Attempted), now, stopIDs)
	if err != nil {
		return fmt.Errorf("mark stops attempted: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRoutesActive(ctx context.Context, routeIDs []string, now time.Time) error {
	if len(routeIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE routes SET state = $1, last_scrape_success = $2
		WHERE route_id = ANY($3)
	`, int(Active), now, routeIDs)
	if err != nil {
		return fmt.Errorf("mark routes active: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkStopsActive(ctx context.Context, stopIDs []int, now time.Time) error {
	if len(stopIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE stops SET state = $1 WHERE stop_id = ANY($2)
	`, int(Active), stopIDs)
	if err != nil {
		return fmt.Errorf("mark stops active: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkPatternScraped(ctx context.Context, patternID int, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE patterns SET state = $1, updated_at = $2
		WHERE pattern_id = $3
	`, int(Active), now, patternID)
	if err != nil {
		return fmt.Errorf("mark pattern %d scraped: %w", patternID, err)
	}
	return nil
}

func (s *PostgresStore) PauseRoute(ctx context.Context, routeID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE routes SET state = $1 WHERE route_id = $2
	`, int(Paused), routeID)
	if err != nil {
		return fmt.Errorf("pause route %s: %w", routeID, err)
	}
	return nil
}

func (s *PostgresStore) PauseStop(ctx context.Context, stopID int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE stops SET state = $1 WHERE stop_id = $2
	`, int(Paused), stopID)
	if err != nil {
		return fmt.Errorf("pause stop %d: %w", stopID, err)
	}
	return nil
}

func (s *PostgresStore) SetStopPrediction(ctx context.Context, stopID int, nextPredictedAt time.Time, minutes int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE stops SET next_predicted_at = $1, minutes_predicted = $2
		WHERE stop_id = $3
	`, nextPredictedAt, minutes, stopID)
	if err != nil {
		return fmt.Errorf("set stop %d prediction: %w", stopID, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
