package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the session sync core. A nil
// *Metrics is valid; every recording method is a no-op on nil.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoreOperationsTotal *prometheus.CounterVec
	StoreErrorsTotal     *prometheus.CounterVec

	BroadcastPublishedTotal *prometheus.CounterVec
	BroadcastReceivedTotal  *prometheus.CounterVec
	BroadcastDroppedTotal   *prometheus.CounterVec
	RelayConnections        prometheus.Gauge

	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram

	PhaseTransitionsTotal *prometheus.CounterVec

	SSOGrantsTotal     *prometheus.CounterVec
	SSORejectionsTotal *prometheus.CounterVec
	SSOExchangesTotal  *prometheus.CounterVec

	ActivitySweptTotal prometheus.Counter
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_store_operations_total",
				Help: "Shared session store operations by outcome",
			},
			[]string{"operation", "result"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_store_errors_total",
				Help: "Shared session store errors",
			},
			[]string{"operation", "error_type"},
		),
		BroadcastPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_broadcast_published_total",
				Help: "Broadcast messages published",
			},
			[]string{"type"},
		),
		BroadcastReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_broadcast_received_total",
				Help: "Broadcast messages delivered to subscribers",
			},
			[]string{"type"},
		),
		BroadcastDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_broadcast_dropped_total",
				Help: "Broadcast messages dropped",
			},
			[]string{"reason"},
		),
		RelayConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "authsync_relay_connections",
				Help: "Open WebSocket relay connections",
			},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_refresh_total",
				Help: "Scheduled session refreshes by outcome",
			},
			[]string{"result"},
		),
		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authsync_refresh_duration_seconds",
				Help:    "Scheduled session refresh duration",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		PhaseTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_phase_transitions_total",
				Help: "Auth state machine phase transitions",
			},
			[]string{"from", "to"},
		),
		SSOGrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_sso_grants_total",
				Help: "SSO tokens minted per target app",
			},
			[]string{"app"},
		),
		SSORejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_sso_rejections_total",
				Help: "SSO requests rejected by reason",
			},
			[]string{"reason"},
		),
		SSOExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authsync_sso_exchanges_total",
				Help: "SSO token exchanges by outcome",
			},
			[]string{"result"},
		),
		ActivitySweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authsync_activity_swept_total",
				Help: "Session activity rows marked inactive by the sweeper",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.StoreOperationsTotal,
		m.StoreErrorsTotal,
		m.BroadcastPublishedTotal,
		m.BroadcastReceivedTotal,
		m.BroadcastDroppedTotal,
		m.RelayConnections,
		m.RefreshTotal,
		m.RefreshDuration,
		m.PhaseTransitionsTotal,
		m.SSOGrantsTotal,
		m.SSORejectionsTotal,
		m.SSOExchangesTotal,
		m.ActivitySweptTotal,
	)

	return m
}

// StoreOp records a shared store operation result.
func (m *Metrics) StoreOp(operation, result string) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(operation, result).Inc()
}

// StoreError records a shared store failure.
func (m *Metrics) StoreError(operation, errorType string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

func (m *Metrics) Published(msgType string) {
	if m == nil {
		return
	}
	m.BroadcastPublishedTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Received(msgType string) {
	if m == nil {
		return
	}
	m.BroadcastReceivedTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) Dropped(reason string) {
	if m == nil {
		return
	}
	m.BroadcastDroppedTotal.WithLabelValues(reason).Inc()
}

// RelayConnected adjusts the open relay connection gauge by delta.
func (m *Metrics) RelayConnected(delta float64) {
	if m == nil {
		return
	}
	m.RelayConnections.Add(delta)
}

// Refresh records one scheduled refresh.
func (m *Metrics) Refresh(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
	m.RefreshDuration.Observe(d.Seconds())
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SSOGrant(app string) {
	if m == nil {
		return
	}
	m.SSOGrantsTotal.WithLabelValues(app).Inc()
}

func (m *Metrics) SSOReject(reason string) {
	if m == nil {
		return
	}
	m.SSORejectionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SSOExchange(result string) {
	if m == nil {
		return
	}
	m.SSOExchangesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) Swept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ActivitySweptTotal.Add(float64(n))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Routes are labelled by routeName so path parameters do not explode
// cardinality.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if routeName != nil {
				path = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
