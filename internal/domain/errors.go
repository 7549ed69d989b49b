package domain

import "errors"

// Error taxonomy. Each sentinel's message is the stable tag used in logs.
var (
	// Input not present: warn and skip the affected unit of work.
	ErrMissingYear  = errors.New("missing_year")
	ErrFieldMissing = errors.New("field_missing")

	// Soft anomalies: log and continue.
	ErrUnitWarning    = errors.New("unit_warning")
	ErrAnomalousCount = errors.New("anomalous_count")

	// Per-point failures: skip the point.
	ErrGeometryDegenerate = errors.New("geometry_degenerate")
	ErrInvalidIndex       = errors.New("invalid")

	// Invariant violations: abort the year.
	ErrTimeDisorder = errors.New("time_disorder")
	ErrTimeMismatch = errors.New("time_mismatch")
	ErrStoreCorrupt = errors.New("store_corrupt")

	// Two candidates with identical (slp, regional mean, k) in one snapshot.
	ErrDuplicateCentre = errors.New("duplicate_centre")

	// Surfaced at startup before any I/O.
	ErrConfigInvalid = errors.New("config_invalid")
)

var taxonomy = []error{
	ErrMissingYear,
	ErrFieldMissing,
	ErrUnitWarning,
	ErrAnomalousCount,
	ErrGeometryDegenerate,
	ErrInvalidIndex,
	ErrTimeDisorder,
	ErrTimeMismatch,
	ErrStoreCorrupt,
	ErrDuplicateCentre,
	ErrConfigInvalid,
}

// Kind returns the taxonomy tag wrapped by err, or "error" when none applies.
func Kind(err error) string {
	for _, t := range taxonomy {
		if errors.Is(err, t) {
			return t.Error()
		}
	}
	return "error"
}

// Fatal reports whether err aborts the current year's pipeline.
func Fatal(err error) bool {
	return errors.Is(err, ErrTimeDisorder) ||
		errors.Is(err, ErrTimeMismatch) ||
		errors.Is(err, ErrStoreCorrupt)
}
