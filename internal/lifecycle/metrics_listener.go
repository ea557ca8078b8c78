package lifecycle

import (
	"context"
	"time"

	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsListener turns lifecycle signals into Prometheus metrics.
type MetricsListener struct {
	bus *ChannelBus
	log runlog.Logger

	eventsTotal         *prometheus.CounterVec
	decodeFailuresTotal prometheus.Counter
	warningsTotal       prometheus.Counter
	samplesTotal        *prometheus.CounterVec
	runsTotal           *prometheus.CounterVec
	runDuration         prometheus.Histogram
	profilerUnavailable prometheus.Counter
}

// NewMetricsListener creates the listener and registers its collectors with reg.
func NewMetricsListener(bus *ChannelBus, reg prometheus.Registerer, log runlog.Logger) (*MetricsListener, error) {
	if bus == nil || reg == nil || log == nil {
		panic("MetricsListener requires a non-nil ChannelBus, Registerer and Logger")
	}
	l := &MetricsListener{
		bus: bus,
		log: log.With("component", "MetricsListener"),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gxo_runner_events_total",
			Help: "Automation events stored, by event type.",
		}, []string{"event"}),
		decodeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gxo_runner_decode_failures_total",
			Help: "Output lines that could not be decoded into events.",
		}),
		warningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gxo_runner_event_warnings_total",
			Help: "Stored events that failed a compatibility check.",
		}),
		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gxo_runner_profile_samples_total",
			Help: "Resource profiling samples recorded, by metric kind.",
		}, []string{"kind"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gxo_runner_runs_total",
			Help: "Completed runs, by terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gxo_runner_run_duration_seconds",
			Help:    "Wall-clock duration of runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		profilerUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gxo_runner_profiler_unavailable_total",
			Help: "Runs that requested profiling on a host without the required tooling.",
		}),
	}
	for _, c := range []prometheus.Collector{
		l.eventsTotal, l.decodeFailuresTotal, l.warningsTotal, l.samplesTotal,
		l.runsTotal, l.runDuration, l.profilerUnavailable,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Start consumes signals until the bus is closed or ctx is done. It blocks;
// run it in its own goroutine.
func (l *MetricsListener) Start(ctx context.Context) {
	for {
		select {
		case sig, ok := <-l.bus.Signals():
			if !ok {
				return
			}
			l.Handle(sig)
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies a single signal to the metrics.
func (l *MetricsListener) Handle(sig lifecycle.Signal) {
	switch sig.Type {
	case lifecycle.EventStored:
		ev, _ := sig.Payload["event"].(string)
		l.eventsTotal.WithLabelValues(ev).Inc()
	case lifecycle.RecordDecodeFailed:
		l.decodeFailuresTotal.Inc()
	case lifecycle.EventWarning:
		l.warningsTotal.Inc()
	case lifecycle.SampleRecorded:
		kind, _ := sig.Payload["kind"].(string)
		l.samplesTotal.WithLabelValues(kind).Inc()
	case lifecycle.ProfilerUnavailable:
		l.profilerUnavailable.Inc()
	case lifecycle.RunFinished, lifecycle.LaunchFailed:
		status, _ := sig.Payload["status"].(string)
		l.runsTotal.WithLabelValues(status).Inc()
		if d, ok := sig.Payload["duration"].(time.Duration); ok {
			l.runDuration.Observe(d.Seconds())
		}
	default:
		l.log.Debugf("Ignoring lifecycle signal '%s'", sig.Type)
	}
}
