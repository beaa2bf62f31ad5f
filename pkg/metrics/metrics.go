package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wms",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wms",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	prometheus.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// InventoryMetrics counts reservation lifecycle outcomes on the inventory
// service.
type InventoryMetrics struct {
	ReservationsCreated prometheus.Counter
	StockConflicts      prometheus.Counter
	ReservationsExpired prometheus.Counter
	EventsPublished     prometheus.Counter
	PublishFailures     prometheus.Counter
}

func NewInventoryMetrics() *InventoryMetrics {
	m := &InventoryMetrics{
		ReservationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "inventory",
			Name: "reservations_created_total",
			Help: "Reservations successfully created.",
		}),
		StockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "inventory",
			Name: "stock_conflicts_total",
			Help: "Reservation attempts rejected for insufficient stock.",
		}),
		ReservationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "inventory",
			Name: "reservations_expired_total",
			Help: "Reservations expired by the sweeper.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "inventory",
			Name: "events_published_total",
			Help: "Reservation events handed to the transport.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "inventory",
			Name: "event_publish_failures_total",
			Help: "Reservation event publish attempts that failed.",
		}),
	}
	prometheus.MustRegister(m.ReservationsCreated, m.StockConflicts,
		m.ReservationsExpired, m.EventsPublished, m.PublishFailures)
	return m
}

// ConsumerMetrics counts event application outcomes on the fulfillment
// service.
type ConsumerMetrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	HandlerFailures prometheus.Counter
}

func NewConsumerMetrics() *ConsumerMetrics {
	m := &ConsumerMetrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "fulfillment",
			Name: "events_applied_total",
			Help: "Reservation events applied to orders.",
		}, []string{"type"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "fulfillment",
			Name: "events_skipped_total",
			Help: "Reservation events skipped (unknown order, duplicate, unmapped status).",
		}, []string{"reason"}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wms", Subsystem: "fulfillment",
			Name: "handler_failures_total",
			Help: "Event handler failures that trigger redelivery.",
		}),
	}
	prometheus.MustRegister(m.EventsApplied, m.EventsSkipped, m.HandlerFailures)
	return m
}

func Handler() http.Handler {
	return promhttp.Handler()
}
