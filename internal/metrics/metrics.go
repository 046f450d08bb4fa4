// Package metrics provides Prometheus instrumentation for the Atelier marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "atelier",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Escrow lifecycle metrics ---

	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "escrows_total",
			Help:      "Total escrow lifecycle transitions by resulting status.",
		},
		[]string{"status"},
	)

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atelier",
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal status in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 259200, 604800, 1209600, 2592000},
	})

	// --- Offer negotiation metrics ---

	OffersCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "offers_created_total",
		Help:      "Total offers submitted by buyers.",
	})

	OffersAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "offers_accepted_total",
		Help:      "Total offers accepted (by vendor or via counter acceptance).",
	})

	OffersAutoRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "offers_auto_rejected_total",
		Help:      "Total offers force-rejected by the accept sweep.",
	})

	OffersExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "offers_expired_total",
		Help:      "Total offers expired past their deadline.",
	})

	CounterRoundsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "counter_rounds_total",
		Help:      "Total counter-offer entries appended.",
	})

	// --- Shipment metrics ---

	ShipmentsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "shipments_submitted_total",
		Help:      "Total shipment proofs submitted by vendors.",
	})

	ShipmentsVerifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "shipments_verified_total",
			Help:      "Total admin shipment verifications by outcome.",
		},
		[]string{"outcome"},
	)

	// --- Settlement metrics ---

	SettlementProposalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "settlement_proposals_total",
		Help:      "Total fund-release proposals submitted to the settlement authority.",
	})

	SettlementReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atelier",
		Name:      "settlement_released_total",
		Help:      "Total escrows advanced to released after confirmed execution.",
	})

	// NotificationsTotal counts notification delivery attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "atelier",
			Name:      "notifications_total",
			Help:      "Total notification deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "atelier",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atelier", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atelier", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atelier", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "atelier", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsTotal,
		EscrowDuration,
		OffersCreatedTotal,
		OffersAcceptedTotal,
		OffersAutoRejectedTotal,
		OffersExpiredTotal,
		CounterRoundsTotal,
		ShipmentsSubmittedTotal,
		ShipmentsVerifiedTotal,
		SettlementProposalsTotal,
		SettlementReleasedTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
