package pipeline

import "time"

// bandwidthSampler turns a monotonically increasing byte counter into a
// Mbit/s figure plus an "alive" flag (bytes observed in the last 2s). The
// Mbit/s figure covers only the interval since the previous sample call
// (one ~100ms tick); no 1-second window is kept.
type bandwidthSampler struct {
	lastBytes uint64
	lastTime  time.Time
	lastMbps  float64
	lastDelta time.Time // last time bytes actually advanced
}

// sample updates the estimate from the latest cumulative byte count and
// returns the Mbit/s rate since the previous call. Call roughly every 100ms
// (the stats/router thread's tick).
func (s *bandwidthSampler) sample(totalBytes uint64, now time.Time) float64 {
	if s.lastTime.IsZero() {
		s.lastBytes = totalBytes
		s.lastTime = now
		return s.lastMbps
	}

	elapsed := now.Sub(s.lastTime)
	if elapsed <= 0 {
		return s.lastMbps
	}

	delta := totalBytes - s.lastBytes
	if delta > 0 {
		s.lastDelta = now
	}
	mbps := float64(delta) * 8 / 1_000_000 / elapsed.Seconds()

	s.lastBytes = totalBytes
	s.lastTime = now
	s.lastMbps = mbps
	return mbps
}

// alive reports whether bytes have been observed within the last 2s.
func (s *bandwidthSampler) alive(now time.Time) bool {
	return !s.lastDelta.IsZero() && now.Sub(s.lastDelta) < 2*time.Second
}
