package device

import "time"

// DefaultStaleAfter is how long a device may stay silent and still count
// as online.
const DefaultStaleAfter = 300 * time.Second

// StatusTracker derives online/offline from the time of the last message.
// It starts offline. It is owned by the runner loop and not safe for
// concurrent use.
type StatusTracker struct {
	threshold time.Duration
	lastSeen  time.Time
	online    bool
}

// NewStatusTracker creates a tracker with the given staleness threshold.
func NewStatusTracker(threshold time.Duration) *StatusTracker {
	if threshold <= 0 {
		threshold = DefaultStaleAfter
	}
	return &StatusTracker{threshold: threshold}
}

// Seen records a message at t.
func (s *StatusTracker) Seen(t time.Time) {
	if t.After(s.lastSeen) {
		s.lastSeen = t
	}
}

// Evaluate recomputes the status at now and reports whether it changed.
func (s *StatusTracker) Evaluate(now time.Time) (online, changed bool) {
	online = !s.lastSeen.IsZero() && now.Sub(s.lastSeen) <= s.threshold
	changed = online != s.online
	s.online = online
	return online, changed
}

// LastSeen returns the time of the last message.
func (s *StatusTracker) LastSeen() time.Time { return s.lastSeen }
