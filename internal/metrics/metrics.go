package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	serviceQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envirodata",
		Name:      "service_queries_total",
		Help:      "Service queries by outcome.",
	}, []string{"service", "outcome"})

	serviceQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "envirodata",
		Name:      "service_query_duration_seconds",
		Help:      "Time spent computing statistics per service.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service"})

	serviceLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envirodata",
		Name:      "service_loads_total",
		Help:      "Cache loads by outcome.",
	}, []string{"service", "outcome"})

	geocodeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envirodata",
		Name:      "geocode_requests_total",
		Help:      "Geocoding requests by outcome.",
	}, []string{"outcome"})
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveQuery records one service query.
func ObserveQuery(service string, started time.Time, err error) {
	serviceQueries.WithLabelValues(service, outcome(err)).Inc()
	serviceQueryDuration.WithLabelValues(service).Observe(time.Since(started).Seconds())
}

// ObserveLoad records one service load.
func ObserveLoad(service string, err error) {
	serviceLoads.WithLabelValues(service, outcome(err)).Inc()
}

// ObserveGeocode records one geocoder lookup.
func ObserveGeocode(err error) {
	geocodeRequests.WithLabelValues(outcome(err)).Inc()
}
