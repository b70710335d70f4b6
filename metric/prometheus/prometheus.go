// Package prometheus is the concrete metric.Collector backend for the
// storage core: promauto-registered counters/gauges plus a tiny
// operational mux exposing /metrics and /healthz.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oxicloud/storage-core/metric"
)

// NewCollector returns a prometheus backed collector.
func NewCollector() metric.Collector {
	return &collector{}
}

// WrapEndpoints attaches the operational HTTP surface (metrics + health)
// to mux. Request routing belongs to the HTTP/WebDAV collaborator, so
// this only serves the two fixed endpoints.
func WrapEndpoints(mux *http.ServeMux, health http.HandlerFunc) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health)
}

type collector struct{}

func (c *collector) NewCounter(name string) metric.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Name: name,
		Help: "storage core counter: " + name,
	})
}

func (c *collector) NewGuage(name string) metric.Gauge {
	return promauto.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "storage core gauge: " + name,
	})
}

// counterVec backs metric.CounterVec, labeling a single counter family by
// method/status.
type counterVec struct {
	vec *prometheus.CounterVec
}

// NewCounterVec returns a method/status-labeled counter family registered
// under name.
func NewCounterVec(name, help string) metric.CounterVec {
	return &counterVec{
		vec: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, []string{"method", "status"}),
	}
}

func (v *counterVec) WithLabels(method, status string) metric.Counter {
	return v.vec.WithLabelValues(method, status)
}
