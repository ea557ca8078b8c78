package metrics

import "github.com/prometheus/client_golang/prometheus"

// RegistryProvider exposes the registry holding the runner's metrics so the
// embedding program can serve or scrape it.
type RegistryProvider interface {
	Registry() *prometheus.Registry
}
