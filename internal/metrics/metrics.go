// Package metrics exports gateway and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/founditure/realtime/internal/fanout"
	"github.com/founditure/realtime/internal/protocol"
)

const namespace = "realtime"

// Collector implements gateway.MetricsCollector.
type Collector struct {
	connectionsActive   prometheus.Gauge
	connectionsTotal    prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionDuration  prometheus.Histogram

	framesReceived *prometheus.CounterVec
	frameBytesIn   prometheus.Counter
	framesSent     prometheus.Counter
	frameBytesOut  prometheus.Counter
	framesDropped  *prometheus.CounterVec

	broadcastRecipients *prometheus.HistogramVec
	handlerDuration     *prometheus.HistogramVec
	errors              *prometheus.CounterVec

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers every metric with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Websocket connections currently registered",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections accepted",
		}),
		connectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Handshakes refused",
		}, []string{"reason"}),
		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of closed connections",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 14400},
		}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from devices",
		}, []string{"type"}),
		frameBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_received_total",
			Help:      "Bytes received in frames",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to devices",
		}),
		frameBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_sent_total",
			Help:      "Bytes written in frames",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames discarded from full send buffers",
		}, []string{"reason"}),
		broadcastRecipients: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_local_recipients",
			Help:      "Local connections reached per fan-out event",
			Buckets:   []float64{0, 1, 2, 5, 10, 50, 100, 500},
		}, []string{"scope", "type"}),
		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent handling one inbound frame",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"type"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors by component and kind",
		}, []string{"component", "kind"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
	}
}

func (c *Collector) ConnectionOpened(_ string, _ string) {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

func (c *Collector) ConnectionClosed(_ string, duration time.Duration) {
	c.connectionsActive.Dec()
	c.connectionDuration.Observe(duration.Seconds())
}

func (c *Collector) ConnectionRejected(reason string) {
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) FrameReceived(frameType string, size int) {
	c.framesReceived.WithLabelValues(frameType).Inc()
	c.frameBytesIn.Add(float64(size))
}

func (c *Collector) FrameSent(size int) {
	c.framesSent.Inc()
	c.frameBytesOut.Add(float64(size))
}

func (c *Collector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) MessageBroadcast(scope string, frameType string, recipients int) {
	c.broadcastRecipients.WithLabelValues(scope, frameType).Observe(float64(recipients))
}

func (c *Collector) HandlerDuration(frameType string, duration time.Duration) {
	c.handlerDuration.WithLabelValues(frameType).Observe(duration.Seconds())
}

func (c *Collector) Error(component string, err error) {
	if err == nil {
		return
	}
	c.errors.WithLabelValues(component, string(protocol.KindOf(err))).Inc()
}

// Observer adapts the collector to fanout.AdapterOptions.Observer. Scope ids
// are left out to keep label cardinality bounded.
func (c *Collector) Observer() fanout.DeliveryObserver {
	return func(scope fanout.Scope, frameType protocol.FrameType, recipients int) {
		c.MessageBroadcast(string(scope.Kind), string(frameType), recipients)
	}
}

// Middleware records request counts and latency per chi route pattern.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		c.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		c.httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
