package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	SearchSeconds  *prometheus.HistogramVec
	SearchResults  *prometheus.HistogramVec
	IndexedPoints  prometheus.Gauge
	Writes         *prometheus.CounterVec
	IndexRebuilds  prometheus.Counter
	RequestSeconds *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		SearchSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geopoints_search_duration_seconds",
			Help:    "Duration of proximity searches, index lookup and record fetch included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		SearchResults: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geopoints_search_results",
			Help:    "Number of matches found by a proximity search before pagination.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind"}),
		IndexedPoints: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "geopoints_indexed_points",
			Help: "Current number of points held by the spatial index.",
		}),
		Writes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "geopoints_writes_total",
			Help: "Total number of point and message writes.",
		}, []string{"entity", "op", "status"}),
		IndexRebuilds: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "geopoints_index_rebuilds_total",
			Help: "Total number of full spatial index rebuilds after a failed index update.",
		}),
		RequestSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geopoints_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// NewRegistry returns a private registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
