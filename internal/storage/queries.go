package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// StopsInBox returns every (stop, pattern) pair whose stop lies inside the
// latitude/longitude box, with the terminal-stop name of the pattern
// attached. The caller refines with true geographic distance.
func (d *DB) StopsInBox(ctx context.Context, minLat, maxLat, minLon, maxLon float64) ([]NearbyStop, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT s.stop_id, s.stop_name, s.lat, s.lon,
		       ps.pattern_id, p.route_id, COALESCE(p.direction, ''), ps.sequence_no,
		       ps.pattern_distance_ft, COALESCE(ps.headsign, ''), p.first_stop_id,
		       COALESCE(term.stop_name, '')
		FROM stops s
		JOIN pattern_stops ps ON ps.stop_id = s.stop_id
		JOIN patterns p ON p.pattern_id = ps.pattern_id
		LEFT JOIN last_stop ls ON ls.pattern_id = ps.pattern_id
		LEFT JOIN stops term ON term.stop_id = ls.stop_id
		WHERE s.lat BETWEEN $1 AND $2 AND s.lon BETWEEN $3 AND $4
	`, minLat, maxLat, minLon, maxLon)
	if err != nil {
		return nil, fmt.Errorf("stops in box: %w", err)
	}
	defer rows.Close()

	var out []NearbyStop
	for rows.Next() {
		var n NearbyStop
		if err := rows.Scan(&n.StopID, &n.StopName, &n.Lat, &n.Lon,
			&n.PatternID, &n.RouteID, &n.Direction, &n.SequenceNo,
			&n.PatternDistanceFt, &n.Headsign, &n.FirstStopID, &n.LastStopName); err != nil {
			return nil, fmt.Errorf("scan nearby stop: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CurrentVehiclesOnPatterns returns live buses on the given patterns,
// furthest along each pattern first.
func (d *DB) CurrentVehiclesOnPatterns(ctx context.Context, patternIDs []int) ([]CurrentVehicle, error) {
	if len(patternIDs) == 0 {
		return nil, nil
	}
	rows, err := d.pool.Query(ctx, `
		SELECT vehicle_id, last_update, lat, lon, pattern_id, route_id,
		       pattern_distance_ft, trip_key, destination
		FROM current_vehicle_state
		WHERE pattern_id = ANY($1)
		ORDER BY pattern_id, pattern_distance_ft DESC
	`, patternIDs)
	if err != nil {
		return nil, fmt.Errorf("current vehicles: %w", err)
	}
	defer rows.Close()

	var out []CurrentVehicle
	for rows.Next() {
		var v CurrentVehicle
		if err := rows.Scan(&v.VehicleID, &v.LastUpdate, &v.Lat, &v.Lon, &v.PatternID,
			&v.RouteID, &v.PatternDistanceFt, &v.TripKey, &v.Destination); err != nil {
			return nil, fmt.Errorf("scan current vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CurrentTrains returns every live train, optionally filtered to a route.
func (d *DB) CurrentTrains(ctx context.Context, routeID string) ([]CurrentTrain, error) {
	query := `
		SELECT run, last_update, lat, lon, route_id, dest_name, next_station, next_stop,
		       arrival_eta, approaching, delayed, heading, pattern_id, pattern_distance_m
		FROM current_train_state
	`
	args := []any{}
	if routeID != "" {
		query += ` WHERE route_id = $1`
		args = append(args, routeID)
	}
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("current trains: %w", err)
	}
	defer rows.Close()

	var out []CurrentTrain
	for rows.Next() {
		var t CurrentTrain
		if err := rows.Scan(&t.Run, &t.LastUpdate, &t.Lat, &t.Lon, &t.RouteID, &t.DestName,
			&t.NextStation, &t.NextStop, &t.ArrivalETA, &t.Approaching, &t.Delayed,
			&t.Heading, &t.PatternID, &t.PatternDistanceM); err != nil {
			return nil, fmt.Errorf("scan current train: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// InsertPrediction stores one stop prediction; exact duplicates are
// skipped.
func (d *DB) InsertPrediction(ctx context.Context, p Prediction) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO bus_predictions
			(stop_id, route_id, vehicle_id, kind, predicted_minutes, prediction_time, destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stop_id, route_id, vehicle_id, kind, prediction_time) DO NOTHING
	`, p.StopID, p.RouteID, p.VehicleID, p.Kind, p.PredictedMinutes, p.PredictionTime, p.Destination)
	if err != nil {
		return fmt.Errorf("insert prediction stop %d: %w", p.StopID, err)
	}
	return nil
}

// LiveDeparture returns the freshest departure-kind prediction for a stop
// whose predicted departure is still in the future, or nil when none.
func (d *DB) LiveDeparture(ctx context.Context, stopID int, now time.Time) (*Prediction, error) {
	var p Prediction
	err := d.pool.QueryRow(ctx, `
		SELECT stop_id, route_id, vehicle_id, kind, predicted_minutes, prediction_time, destination
		FROM bus_predictions
		WHERE stop_id = $1 AND kind = 'D'
		  AND prediction_time + make_interval(mins => predicted_minutes) > $2
		ORDER BY prediction_time DESC
		LIMIT 1
	`, stopID, now).Scan(&p.StopID, &p.RouteID, &p.VehicleID, &p.Kind,
		&p.PredictedMinutes, &p.PredictionTime, &p.Destination)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("live departure stop %d: %w", stopID, err)
	}
	return &p, nil
}

// PrunePredictions drops predictions older than maxAge.
func (d *DB) PrunePredictions(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM bus_predictions WHERE prediction_time < $1
	`, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("prune predictions: %w", err)
	}
	return tag.RowsAffected(), nil
}
