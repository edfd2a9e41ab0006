package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection settings.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// DB wraps the shared PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open opens a connection pool to PostgreSQL and verifies it.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Pool exposes the underlying pool for collaborators (the state store)
// that share the database.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close closes the connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// CreateSchema creates all tables, indexes, and views.
func (d *DB) CreateSchema(ctx context.Context) error {
	schema := `
	-- Reference data: routes
	CREATE TABLE IF NOT EXISTS routes (
		route_id            TEXT PRIMARY KEY,
		display_name        TEXT NOT NULL DEFAULT '',
		color               TEXT,
		last_scrape_attempt TIMESTAMPTZ,
		last_scrape_success TIMESTAMPTZ,
		state               INTEGER NOT NULL DEFAULT 0
	);

	-- Reference data: patterns (one polyline per pattern, owned by a route)
	CREATE TABLE IF NOT EXISTS patterns (
		pattern_id          INTEGER PRIMARY KEY,
		route_id            TEXT NOT NULL REFERENCES routes(route_id),
		first_stop_id       INTEGER,
		direction           TEXT,
		length_ft           DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at          TIMESTAMPTZ,
		last_scrape_attempt TIMESTAMPTZ,
		last_predicted_at   TIMESTAMPTZ,
		state               INTEGER NOT NULL DEFAULT 5
	);

	CREATE INDEX IF NOT EXISTS idx_patterns_route ON patterns(route_id);
	CREATE INDEX IF NOT EXISTS idx_patterns_state ON patterns(state);

	-- Reference data: stops
	CREATE TABLE IF NOT EXISTS stops (
		stop_id             INTEGER PRIMARY KEY,
		stop_name           TEXT NOT NULL DEFAULT '',
		lat                 DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon                 DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_scrape_attempt TIMESTAMPTZ,
		next_predicted_at   TIMESTAMPTZ,
		minutes_predicted   INTEGER,
		state               INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_stops_point ON stops(lat, lon);

	-- Ordered pattern elements
	CREATE TABLE IF NOT EXISTS pattern_stops (
		id                  BIGSERIAL PRIMARY KEY,
		pattern_id          INTEGER NOT NULL REFERENCES patterns(pattern_id) ON DELETE CASCADE,
		stop_id             INTEGER REFERENCES stops(stop_id),
		sequence_no         INTEGER NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon                 DOUBLE PRECISION NOT NULL DEFAULT 0,
		pattern_distance_ft DOUBLE PRECISION NOT NULL,
		direction_change    BOOLEAN NOT NULL DEFAULT FALSE,
		headsign            TEXT,
		UNIQUE (pattern_id, sequence_no)
	);

	CREATE INDEX IF NOT EXISTS idx_pattern_stops_stop ON pattern_stops(stop_id);

	-- Trips: one vehicle's service on one pattern within a service day
	CREATE TABLE IF NOT EXISTS trips (
		id                  BIGSERIAL PRIMARY KEY,
		schedule_local_day  TEXT NOT NULL,
		original_trip_id    TEXT NOT NULL,
		route_id            TEXT NOT NULL,
		pattern_id          INTEGER NOT NULL,
		UNIQUE (schedule_local_day, original_trip_id)
	);

	-- Append-only bus observations
	CREATE TABLE IF NOT EXISTS vehicle_observations (
		vehicle_id          TEXT NOT NULL,
		obs_time            TIMESTAMPTZ NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lon                 DOUBLE PRECISION NOT NULL,
		pattern_id          INTEGER NOT NULL,
		route_id            TEXT NOT NULL,
		pattern_distance_ft DOUBLE PRECISION NOT NULL,
		trip_key            TEXT NOT NULL,
		block_id            TEXT,
		destination         TEXT NOT NULL DEFAULT '',
		completed           BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (vehicle_id, obs_time)
	);

	CREATE INDEX IF NOT EXISTS idx_vehicle_obs_trip ON vehicle_observations(trip_key, obs_time);

	-- One row per live bus
	CREATE TABLE IF NOT EXISTS current_vehicle_state (
		vehicle_id          TEXT PRIMARY KEY,
		last_update         TIMESTAMPTZ NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lon                 DOUBLE PRECISION NOT NULL,
		pattern_id          INTEGER NOT NULL,
		route_id            TEXT NOT NULL,
		pattern_distance_ft DOUBLE PRECISION NOT NULL,
		trip_key            TEXT NOT NULL,
		destination         TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_current_vehicle_pattern ON current_vehicle_state(pattern_id);

	-- Append-only train observations, keyed by run number
	CREATE TABLE IF NOT EXISTS train_observations (
		run                 INTEGER NOT NULL,
		obs_time            TIMESTAMPTZ NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lon                 DOUBLE PRECISION NOT NULL,
		route_id            TEXT NOT NULL,
		dest_name           TEXT NOT NULL DEFAULT '',
		next_station        INTEGER NOT NULL DEFAULT 0,
		next_stop           INTEGER NOT NULL DEFAULT 0,
		arrival_eta         TIMESTAMPTZ,
		approaching         BOOLEAN NOT NULL DEFAULT FALSE,
		delayed             BOOLEAN NOT NULL DEFAULT FALSE,
		heading             INTEGER NOT NULL DEFAULT 0,
		pattern_id          INTEGER NOT NULL DEFAULT 0,
		pattern_distance_m  DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (run, obs_time)
	);

	-- One row per live train
	CREATE TABLE IF NOT EXISTS current_train_state (
		run                 INTEGER PRIMARY KEY,
		last_update         TIMESTAMPTZ NOT NULL,
		lat                 DOUBLE PRECISION NOT NULL,
		lon                 DOUBLE PRECISION NOT NULL,
		route_id            TEXT NOT NULL,
		dest_name           TEXT NOT NULL DEFAULT '',
		next_station        INTEGER NOT NULL DEFAULT 0,
		next_stop           INTEGER NOT NULL DEFAULT 0,
		arrival_eta         TIMESTAMPTZ,
		approaching         BOOLEAN NOT NULL DEFAULT FALSE,
		delayed             BOOLEAN NOT NULL DEFAULT FALSE,
		heading             INTEGER NOT NULL DEFAULT 0,
		pattern_id          INTEGER NOT NULL DEFAULT 0,
		pattern_distance_m  DOUBLE PRECISION NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_current_train_route ON current_train_state(route_id);

	-- Stored stop predictions
	CREATE TABLE IF NOT EXISTS bus_predictions (
		id                  BIGSERIAL PRIMARY KEY,
		stop_id             INTEGER NOT NULL,
		route_id            TEXT NOT NULL,
		vehicle_id          TEXT NOT NULL DEFAULT '',
		kind                TEXT NOT NULL,
		predicted_minutes   INTEGER NOT NULL,
		prediction_time     TIMESTAMPTZ NOT NULL,
		destination         TEXT NOT NULL DEFAULT '',
		UNIQUE (stop_id, route_id, vehicle_id, kind, prediction_time)
	);

	CREATE INDEX IF NOT EXISTS idx_bus_predictions_stop ON bus_predictions(stop_id, prediction_time);

	-- Parse ledger
	CREATE TABLE IF NOT EXISTS file_records (
		file_id             TEXT PRIMARY KEY,
		relative_path       TEXT NOT NULL UNIQUE,
		filename            TEXT NOT NULL,
		command             TEXT NOT NULL,
		data_time           TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS parse_attempts (
		id                  BIGSERIAL PRIMARY KEY,
		file_id             TEXT NOT NULL REFERENCES file_records(file_id) ON DELETE CASCADE,
		parse_time          TIMESTAMPTZ NOT NULL,
		stage               TEXT NOT NULL,
		success             BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_parse_attempts_file ON parse_attempts(file_id, stage);

	CREATE TABLE IF NOT EXISTS parse_errors (
		id                  BIGSERIAL PRIMARY KEY,
		attempt_id          BIGINT NOT NULL REFERENCES parse_attempts(id) ON DELETE CASCADE,
		class               TEXT NOT NULL,
		key                 TEXT,
		message             TEXT NOT NULL
	);

	-- Deduplicated upstream error messages
	CREATE TABLE IF NOT EXISTS error_messages (
		text                TEXT PRIMARY KEY,
		count               INTEGER NOT NULL DEFAULT 1,
		last_seen           TIMESTAMPTZ NOT NULL
	);

	-- Per-(day, command) request counters
	CREATE TABLE IF NOT EXISTS counts (
		day                 TEXT NOT NULL,
		command             TEXT NOT NULL,
		requests            INTEGER NOT NULL DEFAULT 0,
		errors              INTEGER NOT NULL DEFAULT 0,
		app_errors          INTEGER NOT NULL DEFAULT 0,
		partial_errors      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (day, command)
	);
	`
	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	views := `
	CREATE OR REPLACE VIEW last_stop AS
	SELECT DISTINCT ON (pattern_id)
		pattern_id, stop_id, sequence_no, pattern_distance_ft, headsign
	FROM pattern_stops
	WHERE stop_id IS NOT NULL
	ORDER BY pattern_id, sequence_no DESC;
	`
	if _, err := d.pool.Exec(ctx, views); err != nil {
		return fmt.Errorf("create views: %w", err)
	}
	return nil
}

// UpsertRoute writes route display data from the route catalog.
func (d *DB) UpsertRoute(ctx context.Context, r Route) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO routes (route_id, display_name, color)
		VALUES ($1, $2, $3)
		ON CONFLICT (route_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			color = EXCLUDED.color
	`, r.RouteID, r.DisplayName, r.Color)
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", r.RouteID, err)
	}
	return nil
}

// UpsertPatternDetail writes a pattern's scraped detail and replaces its
// pattern_stops atomically.
func (d *DB) UpsertPatternDetail(ctx context.Context, p PatternDetail) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin pattern detail tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO patterns (pattern_id, route_id, first_stop_id, direction, length_ft, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (pattern_id) DO UPDATE SET
			route_id = EXCLUDED.route_id,
			first_stop_id = EXCLUDED.first_stop_id,
			direction = EXCLUDED.direction,
			length_ft = EXCLUDED.length_ft,
			updated_at = NOW()
	`, p.PatternID, p.RouteID, p.FirstStopID, p.Direction, p.LengthFt)
	if err != nil {
		return fmt.Errorf("upsert pattern %d: %w", p.PatternID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM pattern_stops WHERE pattern_id = $1`, p.PatternID); err != nil {
		return fmt.Errorf("clear pattern stops %d: %w", p.PatternID, err)
	}

	for _, ps := range p.Stops {
		if ps.StopID != nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO stops (stop_id, stop_name, lat, lon)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (stop_id) DO UPDATE SET
					stop_name = EXCLUDED.stop_name,
					lat = EXCLUDED.lat,
					lon = EXCLUDED.lon
			`, *ps.StopID, ps.StopName, ps.Lat, ps.Lon)
			if err != nil {
				return fmt.Errorf("upsert stop %d: %w", *ps.StopID, err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO pattern_stops (pattern_id, stop_id, sequence_no, lat, lon, pattern_distance_ft, direction_change, headsign)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, p.PatternID, ps.StopID, ps.SequenceNo, ps.Lat, ps.Lon, ps.PatternDistanceFt, ps.DirectionChange, ps.Headsign)
		if err != nil {
			return fmt.Errorf("insert pattern stop %d/%d: %w", p.PatternID, ps.SequenceNo, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit pattern detail %d: %w", p.PatternID, err)
	}
	return nil
}

// PatternStops returns a pattern's ordered elements.
func (d *DB) PatternStops(ctx context.Context, patternID int) ([]PatternStop, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT ps.sequence_no, ps.stop_id, COALESCE(s.stop_name, ''), ps.pattern_distance_ft,
		       ps.lat, ps.lon, ps.direction_change, COALESCE(ps.headsign, '')
		FROM pattern_stops ps
		LEFT JOIN stops s ON s.stop_id = ps.stop_id
		WHERE ps.pattern_id = $1
		ORDER BY ps.sequence_no
	`, patternID)
	if err != nil {
		return nil, fmt.Errorf("pattern stops %d: %w", patternID, err)
	}
	defer rows.Close()

	var out []PatternStop
	for rows.Next() {
		var ps PatternStop
		if err := rows.Scan(&ps.SequenceNo, &ps.StopID, &ps.StopName, &ps.PatternDistanceFt,
			&ps.Lat, &ps.Lon, &ps.DirectionChange, &ps.Headsign); err != nil {
			return nil, fmt.Errorf("scan pattern stop: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// PatternsForRoute lists a route's patterns without their stops.
func (d *DB) PatternsForRoute(ctx context.Context, routeID string) ([]PatternDetail, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT pattern_id, route_id, COALESCE(direction, ''), length_ft, first_stop_id
		FROM patterns
		WHERE route_id = $1
		ORDER BY pattern_id
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("patterns for route %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []PatternDetail
	for rows.Next() {
		var p PatternDetail
		if err := rows.Scan(&p.PatternID, &p.RouteID, &p.Direction, &p.LengthFt, &p.FirstStopID); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
