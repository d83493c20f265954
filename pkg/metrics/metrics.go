// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mBridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mBridge.
type Metrics struct {
	// Transport metrics
	ActivePeers      *prometheus.GaugeVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	SendErrors       *prometheus.CounterVec
	MessageSize      *prometheus.HistogramVec
	Reconnects       *prometheus.CounterVec

	// Bridge metrics
	MessagesForwarded *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	ForwardDuration   *prometheus.HistogramVec

	// Ingest protection
	RateLimitedRequests *prometheus.CounterVec
}

// New creates a new Metrics instance with all counters, gauges, and
// histograms registered against the default registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mbridge"
	}

	return &Metrics{
		ActivePeers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_peers",
				Help:      "Number of currently connected peers per transport",
			},
			[]string{"transport"},
		),
		MessagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_received_total",
				Help:      "Total number of messages received from the medium",
			},
			[]string{"transport"},
		),
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_sent_total",
				Help:      "Total number of messages delivered to the medium",
			},
			[]string{"transport"},
		),
		SendErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "send_errors_total",
				Help:      "Total number of failed send operations",
			},
			[]string{"transport", "error_type"},
		),
		MessageSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Message payload size in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"transport", "direction"},
		),
		Reconnects: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of stream reconnect attempts",
			},
			[]string{"transport"},
		),
		MessagesForwarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_forwarded_total",
				Help:      "Total number of messages forwarded by the bridge",
			},
			[]string{"direction"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped after a failed forward",
			},
			[]string{"direction"},
		),
		ForwardDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Time spent delivering one forwarded message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"direction"},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of rate limited ingest requests",
			},
			[]string{"transport"},
		),
	}
}

// ObserveForward tracks one forward operation in the given direction.
func (m *Metrics) ObserveForward(direction string, f func() error) error {
	start := time.Now()
	err := f()
	m.ForwardDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())

	if err != nil {
		m.MessagesDropped.WithLabelValues(direction).Inc()
		return err
	}
	m.MessagesForwarded.WithLabelValues(direction).Inc()
	return nil
}
