// Package metrics holds the Prometheus registry the runner's collectors
// register with.
package metrics

import (
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PrometheusRegistryProvider implements metrics.RegistryProvider on a
// dedicated registry.
type PrometheusRegistryProvider struct {
	registry *prometheus.Registry
}

// NewPrometheusRegistryProvider returns a provider with an empty registry.
func NewPrometheusRegistryProvider() *PrometheusRegistryProvider {
	return &PrometheusRegistryProvider{registry: prometheus.NewRegistry()}
}

// NewProcessRegistryProvider also registers the Go runtime and process
// collectors, for a standalone runner binary.
func NewProcessRegistryProvider() *PrometheusRegistryProvider {
	p := NewPrometheusRegistryProvider()
	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *PrometheusRegistryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// WriteTextfile writes the registry in the text exposition format to path,
// for node_exporter's textfile collector.
func (p *PrometheusRegistryProvider) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}

var _ metrics.RegistryProvider = (*PrometheusRegistryProvider)(nil)
