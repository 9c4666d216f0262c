// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the evaluator.
//
// # Description
//
// Metrics cover evaluation rounds, producer runs, the evidence channel,
// stream transports, re-evaluations and session lifecycle. They are exposed
// on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics, so components can run
// without instrumentation.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "glassscore"

const evaluatorSubsystem = "evaluator"

// Metrics holds all Prometheus metrics for the evaluator.
//
// # Fields
//
//   - EvaluationsTotal: Start requests by outcome (started, rejected, not_found).
//   - ProducerDurationSeconds: Producer run time by kind and status.
//   - ProducerFailuresTotal: Contained producer failures by kind and reason.
//   - EventsPushedTotal: Items pushed onto evidence channels by event type.
//   - ActiveStreams: Open stream connections by transport.
//   - KeepAlivesTotal: Keepalive frames sent by transport.
//   - ClientDisconnectsTotal: Streams ended by the client, by transport.
//   - ReevaluationsTotal: Re-evaluations by status.
//   - SessionsActive: Live sessions.
//   - SessionsExpiredTotal: Sessions torn down by the TTL sweeper.
type Metrics struct {
	EvaluationsTotal        *prometheus.CounterVec
	ProducerDurationSeconds *prometheus.HistogramVec
	ProducerFailuresTotal   *prometheus.CounterVec
	EventsPushedTotal       *prometheus.CounterVec
	ActiveStreams           *prometheus.GaugeVec
	KeepAlivesTotal         *prometheus.CounterVec
	ClientDisconnectsTotal  *prometheus.CounterVec
	ReevaluationsTotal      *prometheus.CounterVec
	SessionsActive          prometheus.Gauge
	SessionsExpiredTotal    prometheus.Counter
}

// DefaultMetrics is registered on the default Prometheus registry by
// InitMetrics.
var DefaultMetrics *Metrics

var initOnce sync.Once

// InitMetrics registers the metrics on the default registry once and
// returns them. Later calls return the same instance.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates metrics registered on reg. Tests pass a fresh
// prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "evaluations_total",
				Help:      "Evaluation start requests by outcome",
			},
			[]string{"outcome"},
		),

		ProducerDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "producer_duration_seconds",
				Help:      "Producer run time in seconds by kind and status",
				Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"kind", "status"},
		),

		ProducerFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "producer_failures_total",
				Help:      "Contained producer failures by kind and reason",
			},
			[]string{"kind", "reason"},
		),

		EventsPushedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "events_pushed_total",
				Help:      "Items pushed onto evidence channels by event type",
			},
			[]string{"event_type"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open evidence streams",
			},
			[]string{"transport"},
		),

		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "keepalives_total",
				Help:      "Total keepalive frames sent",
			},
			[]string{"transport"},
		),

		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during streaming",
			},
			[]string{"transport"},
		),

		ReevaluationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "reevaluations_total",
				Help:      "Re-evaluations of invalidated evidence by status",
			},
			[]string{"status"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "sessions_active",
				Help:      "Number of live sessions",
			},
		),

		SessionsExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: evaluatorSubsystem,
				Name:      "sessions_expired_total",
				Help:      "Sessions torn down after exceeding their idle TTL",
			},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Transport labels a stream transport.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// Start outcomes.
const (
	OutcomeStarted  = "started"
	OutcomeRejected = "rejected"
	OutcomeNotFound = "not_found"
)

// Failure reasons.
const (
	ReasonError   = "error"
	ReasonTimeout = "timeout"
	ReasonPanic   = "panic"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordEvaluation counts a start request.
func (m *Metrics) RecordEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
}

// RecordProducer records one producer run. reason is empty on success.
func (m *Metrics) RecordProducer(kind string, d time.Duration, reason string) {
	if m == nil {
		return
	}
	status := "success"
	if reason != "" {
		status = "failure"
		m.ProducerFailuresTotal.WithLabelValues(kind, reason).Inc()
	}
	m.ProducerDurationSeconds.WithLabelValues(kind, status).Observe(d.Seconds())
}

// RecordPush counts an item pushed onto a channel.
func (m *Metrics) RecordPush(eventType string) {
	if m == nil {
		return
	}
	m.EventsPushedTotal.WithLabelValues(eventType).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(t Transport) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(t)).Inc()
}

// StreamEnded decrements the active streams gauge.
func (m *Metrics) StreamEnded(t Transport) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(string(t)).Dec()
}

// RecordKeepAlive counts a keepalive frame.
func (m *Metrics) RecordKeepAlive(t Transport) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(t)).Inc()
}

// RecordClientDisconnect counts a stream ended by the client.
func (m *Metrics) RecordClientDisconnect(t Transport) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(t)).Inc()
}

// RecordReevaluation counts a finished re-evaluation.
func (m *Metrics) RecordReevaluation(success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	m.ReevaluationsTotal.WithLabelValues(status).Inc()
}

// SetSessionsActive sets the live session gauge.
func (m *Metrics) SetSessionsActive(n int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(n))
}

// RecordSessionExpired counts a session removed by the TTL sweeper.
func (m *Metrics) RecordSessionExpired() {
	if m == nil {
		return
	}
	m.SessionsExpiredTotal.Inc()
}
