package observ

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterhours_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "afterhours_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	realtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "afterhours_realtime_connections",
			Help: "Number of open realtime websocket connections.",
		},
	)
	realtimeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "afterhours_realtime_events_total",
			Help: "Realtime frames handled, by frame type and event.",
		},
		[]string{"type", "event"},
	)
	messagesSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afterhours_messages_sent_total",
			Help: "Messages persisted through the REST API.",
		},
	)
	eventPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "afterhours_event_publish_errors_total",
			Help: "Domain events that failed to publish.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		realtimeConnections,
		realtimeEventsTotal,
		messagesSentTotal,
		eventPublishErrorsTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncRealtimeConnections() {
	realtimeConnections.Inc()
}

func DecRealtimeConnections() {
	realtimeConnections.Dec()
}

func IncRealtimeEvent(frameType, event string) {
	realtimeEventsTotal.WithLabelValues(frameType, event).Inc()
}

func IncMessagesSent() {
	messagesSentTotal.Inc()
}

func IncEventPublishError() {
	eventPublishErrorsTotal.Inc()
}
