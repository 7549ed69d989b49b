package domain

// Track is an ordered chain of centres sharing one USI, one cadence apart.
type Track struct {
	ID     int64
	Points []Centre
}

// Len returns the number of points.
func (t Track) Len() int { return len(t.Points) }

// First returns the earliest point. The track must not be empty.
func (t Track) First() Centre { return t.Points[0] }

// Last returns the latest point. The track must not be empty.
func (t Track) Last() Centre { return t.Points[len(t.Points)-1] }

// Flags returns the union of the provenance bits of every point.
func (t Track) Flags() Flags {
	var f Flags
	for _, p := range t.Points {
		f |= p.Flags
	}
	return f &^ (FlagTrackStart | FlagTrackEnd)
}

// LifetimeHours returns end - start + cadence.
func (t Track) LifetimeHours(cadence int64) int64 {
	return t.Last().JD.Hours() - t.First().JD.Hours() + cadence
}
