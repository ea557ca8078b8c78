package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCPUPercent(t *testing.T) {
	t0 := time.Unix(1000, 0)
	assert.Zero(t, cpuPercent(0, 500, time.Time{}, t0), "first reading")
	assert.InDelta(t, 50.0, cpuPercent(1_000_000, 1_500_000, t0, t0.Add(time.Second)), 1e-9)
	assert.InDelta(t, 200.0, cpuPercent(0, 500_000, t0, t0.Add(250*time.Millisecond)), 1e-9)
	assert.Zero(t, cpuPercent(10, 5, t0, t0.Add(time.Second)), "counter reset")
	assert.Zero(t, cpuPercent(0, 5, t0, t0), "no elapsed time")
}

func TestSplitRecords(t *testing.T) {
	data := []byte("\x1e{\"a\":1}\n\x1e{\"a\":2}\n")
	recs := splitRecords(data)
	assert.Len(t, recs, 2)
	assert.Equal(t, "{\"a\":2}\n", string(recs[1]))
	assert.Empty(t, splitRecords(nil))
}
