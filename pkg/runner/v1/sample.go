package v1

import (
	"math"
	"time"
)

// MetricKind names one profiled resource.
type MetricKind string

const (
	MetricCPU    MetricKind = "cpu"
	MetricMemory MetricKind = "memory"
	MetricPIDs   MetricKind = "pids"
)

// MetricKinds lists every kind in a stable order.
var MetricKinds = []MetricKind{MetricCPU, MetricMemory, MetricPIDs}

// Units returns the unit label recorded with samples of this kind.
func (k MetricKind) Units() string {
	switch k {
	case MetricCPU:
		return "%"
	case MetricMemory:
		return "MB"
	default:
		return "count"
	}
}

// Sample is one periodic measurement of a confinement group.
type Sample struct {
	// Timestamp is seconds since the Unix epoch with sub-second precision.
	Timestamp float64    `json:"timestamp"`
	Kind      MetricKind `json:"kind"`
	Value     float64    `json:"value"`
	Units     string     `json:"units"`
	Group     string     `json:"group,omitempty"`
}

// EpochSeconds converts t into the Sample timestamp representation.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts the sample timestamp back into a time.Time.
func (s Sample) Time() time.Time {
	sec, frac := math.Modf(s.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// AsMap renders the sample as a JSON-native mapping for embedding in an Event.
func (s Sample) AsMap() map[string]interface{} {
	m := map[string]interface{}{
		"timestamp": s.Timestamp,
		"value":     s.Value,
		"units":     s.Units,
	}
	if s.Group != "" {
		m["group"] = s.Group
	}
	return m
}
