package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prom owns the Prometheus registry and every metric family the server
// exports. It is constructed once at startup and shared; a dedicated registry
// (instead of the package default) lets tests build as many instances as they
// need without duplicate-registration panics.
type Prom struct {
	registry *prometheus.Registry

	// Connection metrics
	connectionsTotal     prometheus.Counter
	connectionsActive    prometheus.Gauge
	connectionsPeak      prometheus.Gauge
	connectionsFailed    *prometheus.CounterVec
	connectionsDuplicate prometheus.Counter
	connectionsByRole    *prometheus.GaugeVec

	// Disconnect tracking with categorization
	disconnectsTotal   *prometheus.CounterVec
	connectionDuration *prometheus.HistogramVec

	// Authentication metrics
	authTotal *prometheus.CounterVec

	// Subscription metrics
	subscriptionsActive prometheus.Gauge
	subscriptionsTotal  prometheus.Counter

	// Broadcast metrics
	broadcastsTotal prometheus.Counter
	eventsDelivered prometheus.Counter
	eventsDropped   *prometheus.CounterVec

	// HTTP surface metrics
	httpRequestsTotal prometheus.Counter
	httpErrorsTotal   prometheus.Counter
	httpSlowTotal     prometheus.Counter
	httpDuration      prometheus.Histogram

	// Ingest metrics (NATS / Kafka bridges)
	ingestMessages *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec

	// System metrics
	memoryBytes      prometheus.Gauge
	heapFraction     prometheus.Gauge
	cpuUsagePercent  prometheus.Gauge
	goroutinesActive prometheus.Gauge

	// Health metrics
	healthStatus prometheus.Gauge
	alertsActive prometheus.Gauge
}

// NewProm builds the registry and registers every family.
func NewProm() *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Total number of WebSocket connections established",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Current number of active WebSocket connections",
		}),
		connectionsPeak: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections_peak",
			Help: "Highest number of simultaneously active connections seen",
		}),
		connectionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_connections_failed_total",
			Help: "Total number of failed connection attempts by reason",
		}, []string{"reason"}),
		connectionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_duplicate_total",
			Help: "Total number of connection attempts rejected because the user already holds a connection",
		}),
		connectionsByRole: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ws_connections_by_role",
			Help: "Current number of active connections by user role",
		}, []string{"role"}),

		disconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_disconnects_total",
			Help: "Total disconnections by reason and who initiated",
		}, []string{"reason", "initiated_by"}),
		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ws_connection_duration_seconds",
			Help:    "Connection duration before disconnect",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		}, []string{"reason"}),

		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_auth_total",
			Help: "Total credential verifications by method and result",
		}, []string{"method", "result"}),

		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_subscriptions_active",
			Help: "Current number of channel subscriptions",
		}),
		subscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_subscriptions_total",
			Help: "Total number of channel subscriptions made",
		}),

		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_broadcasts_total",
			Help: "Total number of broadcast requests dispatched",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_events_delivered_total",
			Help: "Total number of events enqueued to subscriber sockets",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_events_dropped_total",
			Help: "Total number of events dropped before delivery by reason",
		}, []string{"reason"}),

		httpRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_http_requests_total",
			Help: "Total number of HTTP API requests served",
		}),
		httpErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_http_errors_total",
			Help: "Total number of HTTP API requests that ended in a server error",
		}),
		httpSlowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_http_slow_requests_total",
			Help: "Total number of HTTP API requests slower than the slow threshold",
		}),
		httpDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_http_request_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_ingest_messages_total",
			Help: "Total number of broadcast messages received from ingest sources",
		}, []string{"source"}),
		ingestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_ingest_errors_total",
			Help: "Total number of ingest messages rejected or failed by source",
		}, []string{"source"}),

		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_memory_bytes",
			Help: "Current process memory usage in bytes (RSS)",
		}),
		heapFraction: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_heap_fraction",
			Help: "Heap in use as a fraction of heap obtained from the OS",
		}),
		cpuUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_cpu_usage_percent",
			Help: "Current CPU usage percentage",
		}),
		goroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_goroutines_active",
			Help: "Current number of active goroutines",
		}),

		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_health_status",
			Help: "Aggregate health status (0=healthy, 1=warning, 2=critical)",
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ws_alerts_active",
			Help: "Number of currently unresolved alerts",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),

		p.connectionsTotal,
		p.connectionsActive,
		p.connectionsPeak,
		p.connectionsFailed,
		p.connectionsDuplicate,
		p.connectionsByRole,
		p.disconnectsTotal,
		p.connectionDuration,

		p.authTotal,

		p.subscriptionsActive,
		p.subscriptionsTotal,

		p.broadcastsTotal,
		p.eventsDelivered,
		p.eventsDropped,

		p.httpRequestsTotal,
		p.httpErrorsTotal,
		p.httpSlowTotal,
		p.httpDuration,

		p.ingestMessages,
		p.ingestErrors,

		p.memoryBytes,
		p.heapFraction,
		p.cpuUsagePercent,
		p.goroutinesActive,

		p.healthStatus,
		p.alertsActive,
	)

	return p
}

// Handler serves the textual exposition format for this registry.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
