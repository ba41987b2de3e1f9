// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mitmqtt.
package metrics

import (
	"errors"

	"github.com/absmach/mitmqtt/pkg/breaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mitmqtt.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	RejectedConns   *prometheus.CounterVec

	// Traffic metrics
	Packets     *prometheus.CounterVec
	PacketBytes *prometheus.CounterVec
	Replies     *prometheus.CounterVec

	// Operator metrics
	Operations *prometheus.CounterVec

	// Broker metrics
	BrokerDials         *prometheus.CounterVec
	CircuitBreakerState prometheus.Gauge

	// Capture metrics
	StoredPackets  prometheus.Gauge
	EvictedPackets prometheus.Counter
}

// New creates the instruments and registers them with reg. A nil reg
// creates unregistered instruments.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mitmqtt"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently open proxy sessions",
			},
			[]string{"protocol"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of accepted proxy sessions",
			},
			[]string{"protocol"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		RejectedConns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_connections_total",
				Help:      "Total number of client connections closed before a session started",
			},
			[]string{"listener", "reason"},
		),
		Packets: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mqtt_packets_total",
				Help:      "Total number of inspected MQTT packets",
			},
			[]string{"packet_type", "direction"},
		),
		PacketBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mqtt_packet_bytes_total",
				Help:      "Total size of inspected MQTT packets in bytes",
			},
			[]string{"direction"},
		),
		Replies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replies_total",
				Help:      "Total number of packets written to clients by the proxy itself",
			},
			[]string{"packet_type"},
		),
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of operator actions",
			},
			[]string{"operation", "status"},
		),
		BrokerDials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broker_dials_total",
				Help:      "Total number of broker dial attempts",
			},
			[]string{"status"},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Broker dial circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		StoredPackets: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_packets",
				Help:      "Number of packets held in the capture store",
			},
		),
		EvictedPackets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evicted_packets_total",
				Help:      "Total number of packets evicted from the capture store",
			},
		),
	}
}

// ObserveOperation runs an operator action and counts its outcome.
func (m *Metrics) ObserveOperation(operation string, f func() error) error {
	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Operations.WithLabelValues(operation, status).Inc()
	return err
}

// ObserveDial records a broker dial outcome.
func (m *Metrics) ObserveDial(err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, breaker.ErrCircuitOpen):
		status = "rejected"
	default:
		status = "error"
	}
	m.BrokerDials.WithLabelValues(status).Inc()
}

// SetBreakerState mirrors the breaker state into the gauge.
func (m *Metrics) SetBreakerState(s breaker.State) {
	m.CircuitBreakerState.Set(float64(s))
}
