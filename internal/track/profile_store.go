package track

import "time"

// ProfileStore persists calibration profiles keyed by device fingerprint
// and capture resolution. Load is best-effort: a missing or expired profile
// returns ok=false and the pipeline runs a fresh calibration pass.
type ProfileStore interface {
	// LoadProfile returns the stored profile for the key, or ok=false when
	// none exists or it has expired.
	LoadProfile(deviceKey string, width, height int, now time.Time) (CalibrationProfile, bool, error)

	// SaveProfile inserts or replaces the profile for its key.
	SaveProfile(profile CalibrationProfile) error

	// PruneExpired removes profiles older than ProfileMaxAge at now and
	// returns how many were deleted.
	PruneExpired(now time.Time) (int, error)
}
