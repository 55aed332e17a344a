package domain

import "time"

// Freshness records when a value was last confirmed by the server.
type Freshness struct {
	AsOf time.Time
}

// IsStale reports whether the value is older than maxAge. A zero AsOf is
// always stale; a non-positive maxAge disables age-based staleness.
func (f Freshness) IsStale(now time.Time, maxAge time.Duration) bool {
	if f.AsOf.IsZero() {
		return true
	}

	if maxAge <= 0 {
		return false
	}

	return now.Sub(f.AsOf) > maxAge
}
