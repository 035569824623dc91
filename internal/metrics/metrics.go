// Package metrics defines the proxy's Prometheus instrumentation: gauges
// and counters under a single namespace, initialized once and registered
// globally with the supplied registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "coap_forward_proxy"

// Collector implements proxy.Metrics, reporting slot occupancy and
// cache/upstream outcomes as Prometheus series.
type Collector struct {
	slotsInUse         prometheus.Gauge
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheRevalidations prometheus.Counter
	upstreamSendErrors prometheus.Counter
	rejected           *prometheus.CounterVec
}

// NewCollector registers and returns a Collector. reg is typically
// prometheus.DefaultRegisterer; tests may pass a fresh
// prometheus.NewRegistry() to avoid collisions across cases.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	const sub = "forward_proxy"
	return &Collector{
		slotsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "slots_in_use",
			Help:      "Number of Client Endpoint Table slots currently holding an outstanding request.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "cache_hits_total",
			Help:      "Requests answered directly from the response cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "cache_misses_total",
			Help:      "Cache lookups that found no fresh, method-matching entry.",
		}),
		cacheRevalidations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "cache_revalidations_total",
			Help:      "Proxy-driven revalidations completed via a 2.03 Valid origin response.",
		}),
		upstreamSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "upstream_send_errors_total",
			Help:      "Outbound sends to an origin server that failed synchronously.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: sub,
			Name:      "rejected_requests_total",
			Help:      "Requests that did not reach an upstream send, labeled by reason.",
		}, []string{"reason"}),
	}
}

func (c *Collector) SetSlotsInUse(n int)     { c.slotsInUse.Set(float64(n)) }
func (c *Collector) IncCacheHit()            { c.cacheHits.Inc() }
func (c *Collector) IncCacheMiss()           { c.cacheMisses.Inc() }
func (c *Collector) IncCacheRevalidate()     { c.cacheRevalidations.Inc() }
func (c *Collector) IncUpstreamSendError()   { c.upstreamSendErrors.Inc() }
func (c *Collector) IncRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}
