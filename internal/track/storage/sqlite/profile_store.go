// Package sqlite implements calibration-profile persistence on SQLite.
// It is an adapter, not a domain layer: the pipeline depends only on the
// track.ProfileStore interface.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/framesense/headtrack/internal/track"
)

// ProfileStore persists calibration profiles keyed by
// (device_key, image_width, image_height).
type ProfileStore struct {
	db *sql.DB
}

// Open opens (or creates) the profile database at path.
func Open(path string) (*ProfileStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open profile db: %w", err)
	}
	store, err := NewProfileStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewProfileStore wraps an existing database handle, creating the schema if
// needed.
func NewProfileStore(db *sql.DB) (*ProfileStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calibration_profiles (
			device_key TEXT NOT NULL,
			image_width INTEGER NOT NULL,
			image_height INTEGER NOT NULL,
			focal_length DOUBLE NOT NULL,
			sample_count INTEGER NOT NULL,
			updated_unix_nanos BIGINT NOT NULL,
			PRIMARY KEY (device_key, image_width, image_height)
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("create profile schema: %w", err)
	}
	return &ProfileStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *ProfileStore) Close() error { return s.db.Close() }

// LoadProfile returns the stored profile for the key. Missing and expired
// profiles both return ok=false; expiry is not an error.
func (s *ProfileStore) LoadProfile(deviceKey string, width, height int, now time.Time) (track.CalibrationProfile, bool, error) {
	row := s.db.QueryRow(`
		SELECT focal_length, sample_count, updated_unix_nanos
		FROM calibration_profiles
		WHERE device_key = ? AND image_width = ? AND image_height = ?
	`, deviceKey, width, height)

	var focal float64
	var samples int
	var updatedNanos int64
	if err := row.Scan(&focal, &samples, &updatedNanos); err != nil {
		if err == sql.ErrNoRows {
			return track.CalibrationProfile{}, false, nil
		}
		return track.CalibrationProfile{}, false, fmt.Errorf("load profile: %w", err)
	}

	profile := track.CalibrationProfile{
		DeviceKey:   deviceKey,
		ImageWidth:  width,
		ImageHeight: height,
		FocalLength: focal,
		SampleCount: samples,
		UpdatedAt:   time.Unix(0, updatedNanos),
	}
	if profile.Expired(now) {
		return track.CalibrationProfile{}, false, nil
	}
	return profile, true, nil
}

// SaveProfile upserts the profile. ON CONFLICT DO UPDATE keeps the row
// identity stable instead of delete-and-reinsert.
func (s *ProfileStore) SaveProfile(profile track.CalibrationProfile) error {
	_, err := s.db.Exec(`
		INSERT INTO calibration_profiles (
			device_key, image_width, image_height,
			focal_length, sample_count, updated_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_key, image_width, image_height) DO UPDATE SET
			focal_length = excluded.focal_length,
			sample_count = excluded.sample_count,
			updated_unix_nanos = excluded.updated_unix_nanos
	`,
		profile.DeviceKey,
		profile.ImageWidth,
		profile.ImageHeight,
		profile.FocalLength,
		profile.SampleCount,
		profile.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

// PruneExpired deletes profiles older than track.ProfileMaxAge.
func (s *ProfileStore) PruneExpired(now time.Time) (int, error) {
	cutoff := now.Add(-track.ProfileMaxAge).UnixNano()
	result, err := s.db.Exec(
		`DELETE FROM calibration_profiles WHERE updated_unix_nanos < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune profiles: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune profiles rows: %w", err)
	}
	return int(n), nil
}

var _ track.ProfileStore = (*ProfileStore)(nil)
