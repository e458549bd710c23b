// Package metrics defines the Prometheus collectors exported at /metrics.
// Collectors are registered at package load via promauto; components
// import this package and increment directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestRows counts rows written to the store per metric family.
	IngestRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_ingest_rows_total",
		Help: "Rows upserted into the time-series store.",
	}, []string{"family"})

	// IngestErrors counts pipeline iterations that failed.
	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_ingest_errors_total",
		Help: "Failed ingestion iterations.",
	}, []string{"pipeline"})

	// ExchangeRequests counts outbound REST calls per endpoint.
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_exchange_requests_total",
		Help: "REST requests issued to the exchange.",
	}, []string{"endpoint"})

	// Composites tracks the number of live composite alerts.
	Composites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screener_engine_composites",
		Help: "Composite alerts currently registered.",
	})

	// EngineTicks counts composite evaluations.
	EngineTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "screener_engine_ticks_total",
		Help: "Composite evaluation ticks executed.",
	})

	// Notifications counts messages handed to each sink.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "screener_notifications_total",
		Help: "Notifications dispatched per sink.",
	}, []string{"sink"})

	// DensityRecords tracks the size of the in-memory density map.
	DensityRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screener_density_records",
		Help: "Order-density records currently tracked.",
	})

	// DensityConsumers tracks connected density feed subscribers.
	DensityConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "screener_density_consumers",
		Help: "WebSocket consumers on the density live feed.",
	})
)
