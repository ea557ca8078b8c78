package profiler

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
)

const recordSeparator = 0x1E

// Series is the time-ordered sample list of one metric kind. Samples are
// mirrored to a JSON text sequence file (RFC 7464) as they arrive.
type Series struct {
	kind runner.MetricKind

	mu      sync.RWMutex
	samples []runner.Sample
	file    *os.File
	err     error
}

// newSeries creates (or truncates) path. An empty path keeps the series in
// memory only.
func newSeries(kind runner.MetricKind, path string) (*Series, error) {
	s := &Series{kind: kind}
	if path == "" {
		return s, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating %s series file: %w", kind, err)
	}
	s.file = f
	return s, nil
}

// Append adds a sample. Samples must arrive in time order; the sampling
// loop of the kind is the only writer.
func (s *Series) Append(sample runner.Sample) error {
	line, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	if s.file == nil || s.err != nil {
		return s.err
	}
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, recordSeparator)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := s.file.Write(buf); err != nil {
		s.err = fmt.Errorf("writing %s series file: %w", s.kind, err)
	}
	return s.err
}

// Samples returns a copy of the series.
func (s *Series) Samples() []runner.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]runner.Sample(nil), s.samples...)
}

// Window returns the samples taken in [from, to], preceded by the last
// sample taken before from (the value in effect when the window opened).
func (s *Series) Window(from, to time.Time) []runner.Sample {
	lo, hi := runner.EpochSeconds(from), runner.EpochSeconds(to)
	if hi < lo {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.samples), func(i int) bool { return s.samples[i].Timestamp >= lo })
	end := sort.Search(len(s.samples), func(i int) bool { return s.samples[i].Timestamp > hi })
	if start > 0 {
		start--
	}
	if start >= end {
		return nil
	}
	return append([]runner.Sample(nil), s.samples[start:end]...)
}

func (s *Series) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return s.err
	}
	err := s.file.Close()
	s.file = nil
	if s.err != nil {
		return s.err
	}
	return err
}

// ReadSeriesFile decodes a series file written by the profiler.
func ReadSeriesFile(path string) ([]runner.Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []runner.Sample
	for _, rec := range splitRecords(data) {
		var s runner.Sample
		if err := json.Unmarshal(rec, &s); err != nil {
			return out, fmt.Errorf("decoding %s: %w", path, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func splitRecords(data []byte) [][]byte {
	var out [][]byte
	start := -1
	for i, b := range data {
		if b != recordSeparator {
			continue
		}
		if start >= 0 {
			out = append(out, data[start:i])
		}
		start = i + 1
	}
	if start >= 0 && start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
