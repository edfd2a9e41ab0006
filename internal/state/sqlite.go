package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS routes (
	route_id            TEXT PRIMARY KEY,
	display_name        TEXT NOT NULL DEFAULT '',
	last_scrape_attempt TIMESTAMP,
	last_scrape_success TIMESTAMP,
	state               INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS patterns (
	pattern_id          INTEGER PRIMARY KEY,
	route_id            TEXT NOT NULL,
	updated_at          TIMESTAMP,
	last_scrape_attempt TIMESTAMP,
	state               INTEGER NOT NULL DEFAULT 5
);
CREATE TABLE IF NOT EXISTS stops (
	stop_id             INTEGER PRIMARY KEY,
	stop_name           TEXT NOT NULL DEFAULT '',
	lat                 REAL NOT NULL DEFAULT 0,
	lon                 REAL NOT NULL DEFAULT 0,
	last_scrape_attempt TIMESTAMP,
	next_predicted_at   TIMESTAMP,
	minutes_predicted   INTEGER,
	state               INTEGER NOT NULL DEFAULT 0
);
`

// SQLiteStore is the state machine on an embedded database, used for dry
// runs and tests where no Postgres is reachable. Pass "" or ":memory:" for
// an in-memory store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) EnsureRoute(ctx context.Context, routeID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (route_id, display_name, state)
		VALUES (?, ?, ?)
		ON CONFLICT(route_id) DO NOTHING
	`, routeID, name, int(Active))
	if err != nil {
		return fmt.Errorf("ensure route %s: %w", routeID, err)
	}
	return nil
}

func (s *SQLiteStore) EnsurePattern(ctx context.Context, patternID int, routeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (pattern_id, route_id, state)
		VALUES (?, ?, ?)
		ON CONFLICT(pattern_id) DO NOTHING
	`, patternID, routeID, int(NeedsScraping))
	if err != nil {
		return fmt.Errorf("ensure pattern %d: %w", patternID, err)
	}
	return nil
}

func (s *SQLiteStore) EnsureStop(ctx context.Context, stopID int, name string, lat, lon float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stops (stop_id, stop_name, lat, lon, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(stop_id) DO NOTHING
	`, stopID, name, lat, lon, int(Active))
	if err != nil {
		return fmt.Errorf("ensure stop %d: %w", stopID, err)
	}
	return nil
}

func (s *SQLiteStore) Unpause(ctx context.Context, now time.Time) (int, error) {
	pausedCutoff := now.Add(-PauseRest)
	attemptedCutoff := now.Add(-AttemptedRest)
	total := 0
	for _, table := range []string{"routes", "patterns", "stops"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET state = ?
			WHERE (state = ? AND last_scrape_attempt < ?)
			   OR (state = ? AND last_scrape_attempt < ?)
		`, table), int(Active), int(Paused), pausedCutoff, int(Attempted), attemptedCutoff)
		if err != nil {
			return total, fmt.Errorf("unpause %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (s *SQLiteStore) StalePatterns(ctx context.Context, now time.Time, limit int) ([]PatternCandidate, error) {
	staleCutoff := now.Add(-PatternStaleAfter)
	rows, err := s.db.QueryContext(ctx, `
		SELECT pattern_id, route_id, state, updated_at
		FROM patterns
		WHERE state = ? OR updated_at IS NULL OR updated_at < ?
		ORDER BY updated_at IS NOT NULL, updated_at, pattern_id
		LIMIT ?
	`, int(NeedsScraping), staleCutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PatternCandidate
	for rows.Next() {
		var c PatternCandidate
		var st int
		var updated sql.NullTime
		if err := rows.Scan(&c.PatternID, &c.RouteID, &st, &updated); err != nil {
			return nil, fmt.Errorf("scan pattern candidate: %w", err)
		}
		c.State = ScrapeState(st)
		if updated.Valid {
			t := updated.Time
			c.UpdatedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveRoutes(ctx context.Context, limit int) ([]RouteCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, last_scrape_attempt
		FROM routes
		WHERE state = ?
		ORDER BY last_scrape_attempt IS NOT NULL, last_scrape_attempt, route_id
		LIMIT ?
	`, int(Active), limit)
	if err != nil {
		return nil, fmt.Errorf("active routes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RouteCandidate
	for rows.Next() {
		var c RouteCandidate
		var attempt sql.NullTime
		if err := rows.Scan(&c.RouteID, &attempt); err != nil {
			return nil, fmt.Errorf("scan route candidate: %w", err)
		}
		if attempt.Valid {
			t := attempt.Time
			c.LastAttempt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PredictionStops(ctx context.Context, now time.Time, limitEach int) ([]StopCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stop_id, last_scrape_attempt, next_predicted_at FROM (
			SELECT stop_id, last_scrape_attempt, next_predicted_at
			FROM stops
			WHERE state = ?1 AND next_predicted_at IS NULL
			ORDER BY last_scrape_attempt IS NOT NULL, last_scrape_attempt, stop_id
			LIMIT ?2
		)
		UNION ALL
		SELECT stop_id, last_scrape_attempt, next_predicted_at FROM (
			SELECT stop_id, last_scrape_attempt, next_predicted_at
			FROM stops
			WHERE state = ?1 AND next_predicted_at IS NOT NULL
			ORDER BY next_predicted_at, stop_id
			LIMIT ?2
		)
	`, int(Active), limitEach)
	if err != nil {
		return nil, fmt.Errorf("prediction stops: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StopCandidate
	for rows.Next() {
		var c StopCandidate
		var attempt, predicted sql.NullTime
		if err := rows.Scan(&c.StopID, &attempt, &predicted); err != nil {
			return nil, fmt.Errorf("scan stop candidate: %w", err)
		}
		if attempt.Valid {
			t := attempt.Time
			c.LastAttempt = &t
		}
		if predicted.Valid {
			t := predicted.Time
			c.NextPredictedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *SQLiteStore) MarkRoutesAttempted(ctx context.Context, routeIDs []string, now time.Time) error {
	if len(routeIDs) == 0 {
		return nil
	}
	args := []any{int(Attempted), now}
	for _, id := range routeIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE routes SET state = ?, last_scrape_attempt = ?
		WHERE route_id IN (%s)
	`, placeholders(len(routeIDs))), args...)
	if err != nil {
		return fmt.Errorf("mark routes attempted: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkPatternAttempted(ctx context.Context, patternID int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET state = ?, last_scrape_attempt = ?
		WHERE pattern_id = ?
	`, int(Attempted), now, patternID)
	if err != nil {
		return fmt.Errorf("mark pattern %d attempted: %w", patternID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkStopsAttempted(ctx context.Context, stopIDs []int, now time.Time) error {
	if len(stopIDs) == 0 {
		return nil
	}
	args := []any{int(Attempted), now}
	for _, id := range stopIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE stops SET state = ?, last_scrape_attempt = ?
		WHERE stop_id IN (%s)
	`, placeholders(len(stopIDs))), args...)
	if err != nil {
		return fmt.Errorf("mark stops attempted: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkRoutesActive(ctx context.Context, routeIDs []string, now time.Time) error {
	if len(routeIDs) == 0 {
		return nil
	}
	args := []any{int(Active), now}
	for _, id := range routeIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE routes SET state = ?, last_scrape_success = ?
		WHERE route_id IN (%s)
	`, placeholders(len(routeIDs))), args...)
	if err != nil {
		return fmt.Errorf("mark routes active: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkStopsActive(ctx context.Context, stopIDs []int, now time.Time) error {
	if len(stopIDs) == 0 {
		return nil
	}
	args := []any{int(Active)}
	for _, id := range stopIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE stops SET state = ? WHERE stop_id IN (%s)
	`, placeholders(len(stopIDs))), args...)
	if err != nil {
		return fmt.Errorf("mark stops active: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkPatternScraped(ctx context.Context, patternID int, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE patterns SET state = ?, updated_at = ?
		WHERE pattern_id = ?
	`, int(Active), now, patternID)
	if err != nil {
		return fmt.Errorf("mark pattern %d scraped: %w", patternID, err)
	}
	return nil
}

func (s *SQLiteStore) PauseRoute(ctx context.Context, routeID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE routes SET state = ? WHERE route_id = ?`, int(Paused), routeID)
	if err != nil {
		return fmt.Errorf("pause route %s: %w", routeID, err)
	}
	return nil
}

func (s *SQLiteStore) PauseStop(ctx context.Context, stopID int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE stops SET state = ? WHERE stop_id = ?`, int(Paused), stopID)
	if err != nil {
		return fmt.Errorf("pause stop %d: %w", stopID, err)
	}
	return nil
}

func (s *SQLiteStore) SetStopPrediction(ctx context.Context, stopID int, nextPredictedAt time.Time, minutes int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE stops SET next_predicted_at = ?, minutes_predicted = ?
		WHERE stop_id = ?
	`, nextPredictedAt, minutes, stopID)
	if err != nil {
		return fmt.Errorf("set stop %d prediction: %w", stopID, err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
