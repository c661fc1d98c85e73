package app

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "parkguide"

type metrics struct {
	registry *prometheus.Registry

	batches         prometheus.Counter
	readings        prometheus.Counter
	rangingDropped  prometheus.Counter
	arrivals        *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	ingestionErrors *prometheus.CounterVec
}

func newMetrics(a *App) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ranging_batches_total",
			Help:      "Non-empty ranging batches handled by proximity sessions.",
		}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "beacon_readings_total",
			Help:      "Beacon readings handled by proximity sessions.",
		}),
		rangingDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ranging_dropped_total",
			Help:      "Ranging batches received for devices that were not scanning.",
		}),
		arrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "arrivals_total",
			Help:      "Detections inside a place's trigger distance.",
		}, []string{"place", "notified"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Notification attempts by sink and outcome.",
		}, []string{"sink", "status"}),
		ingestionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ingestion_errors_total",
			Help:      "Device payloads rejected during validation.",
		}, []string{"kind"}),
	}

	activeSessions := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "active_sessions",
		Help:      "Proximity sessions currently scanning.",
	}, func() float64 { return float64(a.activeSessions()) })

	mqttClients := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "mqtt_clients",
		Help:      "Connected MQTT clients.",
	}, func() float64 {
		if a.broker == nil {
			return 0
		}
		return float64(a.broker.Clients())
	})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.batches,
		m.readings,
		m.rangingDropped,
		m.arrivals,
		m.notifications,
		m.ingestionErrors,
		activeSessions,
		mqttClients,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return mux
}

func (m *metrics) observeBatch(_ string, readings int) {
	m.batches.Inc()
	m.readings.Add(float64(readings))
}

func (m *metrics) observeArrival(_ string, placeID string, notified bool) {
	m.arrivals.WithLabelValues(placeID, strconv.FormatBool(notified)).Inc()
}

func (m *metrics) observeNotification(sink, status string) {
	if sink == "" {
		sink = "none"
	}
	m.notifications.WithLabelValues(sink, status).Inc()
}
