// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the demux proxy.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metrics for the demux proxy.
type Metrics struct {
	// Traffic metrics
	DatagramsTotal  *prometheus.CounterVec
	DatagramBytes   *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	ReceiveErrors   prometheus.Counter

	// Classification metrics
	ClassificationsTotal *prometheus.CounterVec

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsOpened  *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Backend metrics
	BackendDialErrors *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedTotal prometheus.Counter

	// Resource metrics
	GoroutinesActive prometheus.Gauge
	MemoryAllocated  *prometheus.GaugeVec
}

// New returns the process-wide Metrics instance, registering all
// collectors with the default registry on first call. Subsequent calls
// return the same instance regardless of namespace.
func New(namespace string) *Metrics {
	once.Do(func() {
		instance = newMetrics(namespace)
	})
	return instance
}

func newMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "udpdemux"
	}

	return &Metrics{
		DatagramsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagrams_total",
				Help:      "Total number of datagrams relayed",
			},
			[]string{"protocol", "direction"},
		),
		DatagramBytes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "datagram_bytes_total",
				Help:      "Total bytes relayed",
			},
			[]string{"protocol", "direction"},
		),
		DroppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_datagrams_total",
				Help:      "Total number of datagrams dropped",
			},
			[]string{"reason"},
		),
		ReceiveErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "receive_errors_total",
				Help:      "Total number of client socket receive errors",
			},
		),
		ClassificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Total number of datagrams classified, by protocol tag",
			},
			[]string{"protocol"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active forwarding sessions",
			},
		),
		SessionsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_opened_total",
				Help:      "Total number of forwarding sessions created",
			},
			[]string{"protocol"},
		),
		SessionsClosed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of forwarding sessions terminated",
			},
			[]string{"protocol", "reason"},
		),
		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Forwarding session lifetime in seconds",
				Buckets:   []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600, 1800},
			},
			[]string{"protocol"},
		),
		BackendDialErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dial_errors_total",
				Help:      "Total number of backend dial failures",
			},
			[]string{"target"},
		),
		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_datagrams_total",
				Help:      "Total number of datagrams dropped by rate limiting",
			},
		),
		GoroutinesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines",
			},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveDatagram records one relayed datagram.
func (m *Metrics) ObserveDatagram(protocol, direction string, size int) {
	m.DatagramsTotal.WithLabelValues(protocol, direction).Inc()
	m.DatagramBytes.WithLabelValues(protocol, direction).Add(float64(size))
}

// ObserveSessionOpen records a session creation.
func (m *Metrics) ObserveSessionOpen(protocol string) {
	m.ActiveSessions.Inc()
	m.SessionsOpened.WithLabelValues(protocol).Inc()
}

// ObserveSessionClose records a session termination and its lifetime.
func (m *Metrics) ObserveSessionClose(protocol, reason string, lifetime time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionsClosed.WithLabelValues(protocol, reason).Inc()
	m.SessionDuration.WithLabelValues(protocol).Observe(lifetime.Seconds())
}
