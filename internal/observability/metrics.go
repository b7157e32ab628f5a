package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "orders_created_total", Help: "Total orders created"})
	AcceptsWon      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "accepts_won_total", Help: "Total successful order acceptances"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "accept_conflicts_total", Help: "Total accept attempts lost to another driver"})
	OrdersCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "orders_completed_total", Help: "Total orders completed"})
	PingsIngested   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "location_pings_total", Help: "Total location pings ingested"})
	PingsInvalid    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "location_pings_invalid_total", Help: "Total rejected location pings"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "taxi_dispatch", Name: "drivers_online", Help: "Number of drivers currently in the geo index"})
	SweepsMarked    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "sweep_drivers_offlined_total", Help: "Drivers marked offline by the stale sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "taxi_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taxi_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
