package batch

import "time"

// StuckDetector decides whether a processing batch has lost its executor.
// The heartbeat is refreshed by the executor while it is actively working,
// independent of whether user-visible notifications succeed, so liveness
// detection is never fooled by unrelated transport errors.
type StuckDetector struct {
	MaxHeartbeatAge time.Duration
}

// DefaultStuckDetector uses a 30s heartbeat ceiling against a 5s refresh
// interval.
func DefaultStuckDetector() StuckDetector {
	return StuckDetector{MaxHeartbeatAge: 30 * time.Second}
}

// IsStuck reports whether the batch is in processing status with a
// heartbeat older than the configured ceiling. Pure predicate.
func (d StuckDetector) IsStuck(s *State, now time.Time) bool {
	if s == nil || s.Status != StatusProcessing {
		return false
	}
	heartbeat := s.LastHeartbeat
	if heartbeat.IsZero() {
		heartbeat = s.BatchStartedAt
	}
	if heartbeat.IsZero() {
		return true
	}
	return now.Sub(heartbeat) > d.MaxHeartbeatAge
}
