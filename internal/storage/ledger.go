package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// RecordErrorMessage dedup-records one upstream error message: first sight
// inserts it, later sightings bump the count and last_seen.
func (d *DB) RecordErrorMessage(ctx context.Context, text string, now time.Time) error {
	if text == "" {
		return nil
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO error_messages (text, count, last_seen)
		VALUES ($1, 1, $2)
		ON CONFLICT (text) DO UPDATE SET
			count = error_messages.count + 1,
			last_seen = EXCLUDED.last_seen
	`, text, now)
	if err != nil {
		return fmt.Errorf("record error message: %w", err)
	}
	return nil
}

// BumpCounts increments the per-(day, command) counters.
func (d *DB) BumpCounts(ctx context.Context, day, command string, requests, errs, appErrs, partialErrs int) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO counts (day, command, requests, errors, app_errors, partial_errors)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (day, command) DO UPDATE SET
			requests = counts.requests + EXCLUDED.requests,
			errors = counts.errors + EXCLUDED.errors,
			app_errors = counts.app_errors + EXCLUDED.app_errors,
			partial_errors = counts.partial_errors + EXCLUDED.partial_errors
	`, day, command, requests, errs, appErrs, partialErrs)
	if err != nil {
		return fmt.Errorf("bump counts %s/%s: %w", day, command, err)
	}
	return nil
}

// EnsureFileRecord registers a raw-response file in the parse ledger,
// returning its id. An already-registered path returns the existing id.
func (d *DB) EnsureFileRecord(ctx context.Context, f FileRecord) (string, error) {
	var id string
	err := d.pool.QueryRow(ctx, `
		INSERT INTO file_records (file_id, relative_path, filename, command, data_time)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (relative_path) DO UPDATE SET filename = file_records.filename
		RETURNING file_id
	`, f.FileID, f.RelativePath, f.Filename, f.Command, f.DataTime).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("ensure file record %s: %w", f.RelativePath, err)
	}
	return id, nil
}

// AlreadyParsed reports whether a file has a successful parse attempt at
// the given stage, so re-runs can skip it.
func (d *DB) AlreadyParsed(ctx context.Context, fileID, stage string) (bool, error) {
	var one int
	err := d.pool.QueryRow(ctx, `
		SELECT 1 FROM parse_attempts
		WHERE file_id = $1 AND stage = $2 AND success
		LIMIT 1
	`, fileID, stage).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check parsed %s/%s: %w", fileID, stage, err)
	}
	return true, nil
}

// StartParseAttempt opens a parse attempt for a file and stage.
func (d *DB) StartParseAttempt(ctx context.Context, fileID, stage string, now time.Time) (int64, error) {
	var id int64
	err := d.pool.QueryRow(ctx, `
		INSERT INTO parse_attempts (file_id, parse_time, stage)
		VALUES ($1, $2, $3)
		RETURNING id
	`, fileID, now, stage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("start parse attempt %s/%s: %w", fileID, stage, err)
	}
	return id, nil
}

// FinishParseAttempt marks an attempt's outcome.
func (d *DB) FinishParseAttempt(ctx context.Context, attemptID int64, success bool) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE parse_attempts SET success = $1 WHERE id = $2
	`, success, attemptID)
	if err != nil {
		return fmt.Errorf("finish parse attempt %d: %w", attemptID, err)
	}
	return nil
}

// RecordParseError attaches one non-fatal parse error to an attempt.
func (d *DB) RecordParseError(ctx context.Context, attemptID int64, class, key, message string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO parse_errors (attempt_id, class, key, message)
		VALUES ($1, $2, $3, $4)
	`, attemptID, class, key, message)
	if err != nil {
		return fmt.Errorf("record parse error: %w", err)
	}
	return nil
}
