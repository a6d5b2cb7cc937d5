// Package metrics provides Prometheus instrumentation for the flagbridge
// process.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flagbridge metrics appear on the /metrics endpoint.
package metrics

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Call outcomes used as the "outcome" label of CallsTotal.
const (
	OutcomeOK             = "ok"
	OutcomeNoClient       = "no_client"
	OutcomeTypeMismatch   = "type_mismatch"
	OutcomeNotImplemented = "not_implemented"
	OutcomeError          = "error"
)

// Metrics holds all Prometheus collectors used by flagbridge.
type Metrics struct {
	Registry *prometheus.Registry

	CallsTotal           *prometheus.CounterVec
	CallDuration         *prometheus.HistogramVec
	NotificationsTotal   *prometheus.CounterVec
	NotificationsDropped *prometheus.CounterVec
	ActiveListeners      prometheus.Gauge
	ClientStarted        prometheus.Gauge
	ConnectedHosts       *prometheus.GaugeVec
	AuthFailuresTotal    prometheus.Counter
	GRPCStreamsTotal     *prometheus.CounterVec
	GRPCStreamDuration   *prometheus.HistogramVec
}

// New creates and registers all flagbridge metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbridge_calls_total",
			Help: "Total number of host calls dispatched.",
		}, []string{"method", "outcome"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagbridge_call_duration_seconds",
			Help:    "Host call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbridge_notifications_total",
			Help: "Total number of notifications queued for hosts.",
		}, []string{"method"}),

		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbridge_notifications_dropped_total",
			Help: "Total number of notifications dropped because a host queue was full.",
		}, []string{"method"}),

		ActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagbridge_active_flag_listeners",
			Help: "Number of flag keys currently watched for changes.",
		}),

		ClientStarted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flagbridge_client_started",
			Help: "1 if a flag client is currently started, 0 otherwise.",
		}),

		ConnectedHosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "flagbridge_connected_hosts",
			Help: "Number of hosts connected to the call channel.",
		}, []string{"transport"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flagbridge_auth_failures_total",
			Help: "Total number of failed channel authentication attempts.",
		}),

		GRPCStreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flagbridge_grpc_streams_total",
			Help: "Total number of completed gRPC channel streams.",
		}, []string{"method", "status"}),

		GRPCStreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flagbridge_grpc_stream_duration_seconds",
			Help:    "gRPC channel stream lifetime in seconds.",
			Buckets: []float64{.1, 1, 10, 60, 300, 1800, 3600},
		}, []string{"method", "status"}),
	}

	reg.MustRegister(
		m.CallsTotal,
		m.CallDuration,
		m.NotificationsTotal,
		m.NotificationsDropped,
		m.ActiveListeners,
		m.ClientStarted,
		m.ConnectedHosts,
		m.AuthFailuresTotal,
		m.GRPCStreamsTotal,
		m.GRPCStreamDuration,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveCall records one dispatched call.
func (m *Metrics) ObserveCall(method, outcome string, elapsed time.Duration) {
	m.CallsTotal.WithLabelValues(method, outcome).Inc()
	m.CallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordNotification counts a notification as queued, or dropped when
// delivered is false.
func (m *Metrics) RecordNotification(method string, delivered bool) {
	if delivered {
		m.NotificationsTotal.WithLabelValues(method).Inc()
		return
	}
	m.NotificationsDropped.WithLabelValues(method).Inc()
}

// SetActiveListeners updates the watched flag key gauge.
func (m *Metrics) SetActiveListeners(n int) {
	m.ActiveListeners.Set(float64(n))
}

// SetClientStarted updates the client started gauge.
func (m *Metrics) SetClientStarted(started bool) {
	if started {
		m.ClientStarted.Set(1)
		return
	}
	m.ClientStarted.Set(0)
}

// HostConnected increments the connected host gauge for transport and returns
// a function that decrements it.
func (m *Metrics) HostConnected(transport string) (disconnected func()) {
	gauge := m.ConnectedHosts.WithLabelValues(transport)
	gauge.Inc()
	return gauge.Dec
}

// IncAuthFailures increments the authentication failure counter.
func (m *Metrics) IncAuthFailures() {
	m.AuthFailuresTotal.Inc()
}

// StreamServerInterceptor returns a gRPC stream interceptor that records
// stream count, lifetime and the connected host gauge.
func (m *Metrics) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		defer m.HostConnected("grpc")()
		start := time.Now()
		err := handler(srv, ss)
		method := path.Base(info.FullMethod)
		code := status.Code(err).String()
		m.GRPCStreamsTotal.WithLabelValues(method, code).Inc()
		m.GRPCStreamDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return err
	}
}

// UnaryServerInterceptor returns a gRPC unary interceptor recording the same
// series as [Metrics.StreamServerInterceptor] for unary methods, such as the
// health service.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := path.Base(info.FullMethod)
		code := status.Code(err).String()
		m.GRPCStreamsTotal.WithLabelValues(method, code).Inc()
		m.GRPCStreamDuration.WithLabelValues(method, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}
