package storage

import (
	"context"
	"fmt"
	"time"
)

// EnsureTrip finds or creates the trip row for (schedule day, original trip
// id) and returns its id.
func (d *DB) EnsureTrip(ctx context.Context, t Trip) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO trips (schedule_local_day, original_trip_id, route_id, pattern_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (schedule_local_day, original_trip_id) DO UPDATE SET
			route_id = trips.route_id
		RETURNING id
	`, t.ScheduleDay, t.OriginalTripID, t.RouteID, t.PatternID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure trip %s/%s: %w", t.ScheduleDay, t.OriginalTripID, err)
	}
	return id, nil
}

// InsertObservation appends one bus observation. Duplicate (vehicle_id,
// obs_time) pairs are silently skipped; inserted reports whether a row was
// written.
func (d *DB) InsertObservation(ctx context.Context, o Observation) (inserted bool, err error) {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO vehicle_observations
			(vehicle_id, obs_time, lat, lon, pattern_id, route_id, pattern_distance_ft,
			 trip_key, block_id, destination, completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (vehicle_id, obs_time) DO NOTHING
	`, o.VehicleID, o.Timestamp, o.Lat, o.Lon, o.PatternID, o.RouteID, o.PatternDistanceFt,
		o.TripKey, o.BlockID, o.Destination, o.Completed)
	if err != nil {
		return false, fmt.Errorf("insert observation %s@%s: %w", o.VehicleID, o.Timestamp, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertCurrentVehicle overwrites the live-state row for a bus. A stale
// update (older than the stored last_update) is ignored.
func (d *DB) UpsertCurrentVehicle(ctx context.Context, v CurrentVehicle) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO current_vehicle_state
			(vehicle_id, last_update, lat, lon, pattern_id, route_id, pattern_distance_ft, trip_key, destination)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (vehicle_id) DO UPDATE SET
			last_update = EXCLUDED.last_update,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			pattern_id = EXCLUDED.pattern_id,
			route_id = EXCLUDED.route_id,
			pattern_distance_ft = EXCLUDED.pattern_distance_ft,
			trip_key = EXCLUDED.trip_key,
			destination = EXCLUDED.destination
		WHERE EXCLUDED.last_update >= current_vehicle_state.last_update
	`, v.VehicleID, v.LastUpdate, v.Lat, v.Lon, v.PatternID, v.RouteID,
		v.PatternDistanceFt, v.TripKey, v.Destination)
	if err != nil {
		return fmt.Errorf("upsert current vehicle %s: %w", v.VehicleID, err)
	}
	return nil
}

// InsertTrainObservation appends one train observation; duplicates on
// (run, obs_time) are skipped.
func (d *DB) InsertTrainObservation(ctx context.Context, o TrainObservation) (inserted bool, err error) {
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO train_observations
			(run, obs_time, lat, lon, route_id, dest_name, next_station, next_stop,
			 arrival_eta, approaching, delayed, heading, pattern_id, pattern_distance_m)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run, obs_time) DO NOTHING
	`, o.Run, o.Timestamp, o.Lat, o.Lon, o.RouteID, o.DestName, o.NextStation, o.NextStop,
		o.ArrivalETA, o.Approaching, o.Delayed, o.Heading, o.PatternID, o.PatternDistanceM)
	if err != nil {
		return false, fmt.Errorf("insert train observation %d@%s: %w", o.Run, o.Timestamp, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertCurrentTrain overwrites the live-state row for a run.
func (d *DB) UpsertCurrentTrain(ctx context.Context, t CurrentTrain) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO current_train_state
			(run, last_update, lat, lon, route_id, dest_name, next_station, next_stop,
			 arrival_eta, approaching, delayed, heading, pattern_id, pattern_distance_m)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run) DO UPDATE SET
			last_update = EXCLUDED.last_update,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			route_id = EXCLUDED.route_id,
			dest_name = EXCLUDED.dest_name,
			next_station = EXCLUDED.next_station,
			next_stop = EXCLUDED.next_stop,
			arrival_eta = EXCLUDED.arrival_eta,
			approaching = EXCLUDED.approaching,
			delayed = EXCLUDED.delayed,
			heading = EXCLUDED.heading,
			pattern_id = EXCLUDED.pattern_id,
			pattern_distance_m = EXCLUDED.pattern_distance_m
		WHERE EXCLUDED.last_update >= current_train_state.last_update
	`, t.Run, t.LastUpdate, t.Lat, t.Lon, t.RouteID, t.DestName, t.NextStation, t.NextStop,
		t.ArrivalETA, t.Approaching, t.Delayed, t.Heading, t.PatternID, t.PatternDistanceM)
	if err != nil {
		return fmt.Errorf("upsert current train %d: %w", t.Run, err)
	}
	return nil
}

// CleanupCurrentState deletes live-state rows not updated within maxAge.
// Run periodically so vehicles that left service disappear from queries.
func (d *DB) CleanupCurrentState(ctx context.Context, now time.Time, maxAge time.Duration) (int64, error) {
	cutoff := now.Add(-maxAge)
	var total int64
	for _, table := range []string{"current_vehicle_state", "current_train_state"} {
		tag, err := d.pool.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE last_update < $1`, table), cutoff)
		if err != nil {
			return total, fmt.Errorf("cleanup %s: %w", table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

// LastObservationTime returns the newest bus observation timestamp, or the
// zero time when the table is empty.
func (d *DB) LastObservationTime(ctx context.Context) (time.Time, error) {
	var t *time.Time
	err := d.pool.QueryRow(ctx, `SELECT MAX(obs_time) FROM vehicle_observations`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("last observation time: %w", err)
	}
	if t == nil {
		return time.Time{}, nil
	}
	return *t, nil
}
