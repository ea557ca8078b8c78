package profiler

import "time"

// cpuPercent converts a CPU time delta in microseconds over wall time into
// a utilisation percentage. The first reading (zero lastAt) reports 0.
func cpuPercent(lastUsec, usec uint64, lastAt, now time.Time) float64 {
	if lastAt.IsZero() || usec < lastUsec {
		return 0
	}
	elapsed := now.Sub(lastAt).Microseconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(usec-lastUsec) / float64(elapsed) * 100
}
