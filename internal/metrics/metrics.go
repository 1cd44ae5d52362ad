// Package metrics wires a prometheus.Registry to an HTTP handler for the
// tswrite CLI's optional -metrics-addr listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh registry for one TsWriter instance to register
// its metrics against.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns the /metrics http.Handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
