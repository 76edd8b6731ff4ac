// Package metrics defines the Prometheus collectors for ingestion and HTTP.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedcache"

// Ingest collects ingestion worker metrics.
type Ingest struct {
	Frames     prometheus.Counter
	Malformed  prometheus.Counter
	Commits    prometheus.Counter
	Identities prometheus.Counter
	Reconnects prometheus.Counter
	Upserts    *prometheus.CounterVec
	Cursor     prometheus.Gauge
	State      prometheus.Gauge
}

// NewIngest creates the ingestion collectors and registers them with reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_frames_total",
			Help:      "Total number of frames received from the upstream stream",
		}),
		Malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_malformed_frames_total",
			Help:      "Total number of frames dropped because they could not be parsed",
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_commits_total",
			Help:      "Total number of commit events received",
		}),
		Identities: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_identity_events_total",
			Help:      "Total number of identity events received",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_reconnects_total",
			Help:      "Total number of reconnect attempts after a closed or failed connection",
		}),
		Upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_upserts_total",
			Help:      "Total number of cache upserts issued by the ingestion worker",
		}, []string{"result"}),
		Cursor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_cursor_microseconds",
			Help:      "Last upstream position marker seen",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_state",
			Help:      "Connection state (0=disconnected 1=connecting 2=connected 3=closed 4=errored)",
		}),
	}

	reg.MustRegister(m.Frames, m.Malformed, m.Commits, m.Identities, m.Reconnects, m.Upserts, m.Cursor, m.State)
	return m
}

// HTTP collects API request metrics.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTP creates the HTTP collectors and registers them with reg.
func NewHTTP(reg prometheus.Registerer) *HTTP {
	m := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(m.requests, m.duration)
	return m
}

// Middleware records request counts and latency per route.
func (m *HTTP) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		m.requests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
