// Copyright 2025 The msucoord Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package telemetry holds the prometheus registry and the metrics exported
// by the coordination service.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// MessagesTotal counts peer protocol messages by type and direction
	// ("sent", "received", "dropped").
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msucoord",
			Name:      "peer_messages_total",
			Help:      "Total peer protocol messages by type and direction.",
		},
		[]string{"type", "direction"},
	)

	// PeersConnected tracks live peer connections.
	PeersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "msucoord",
			Name:      "peers_connected",
			Help:      "Current number of live peer connections.",
		},
	)

	// PeersAvailable tracks roster peers currently considered reachable.
	PeersAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "msucoord",
			Name:      "peers_available",
			Help:      "Current number of peers considered available.",
		},
	)

	// StalePruned counts connections removed by the staleness sweep.
	StalePruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "msucoord",
			Name:      "stale_connections_pruned_total",
			Help:      "Connections pruned after exceeding the contact timeout.",
		},
	)

	// CombinationSize reports the local unit's current group size (1-3).
	CombinationSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "msucoord",
			Name:      "combination_size",
			Help:      "Size of the combination group this unit belongs to.",
		},
	)

	// CoordinationRequestsTotal counts combine/uncombine handshake steps by
	// request type and direction.
	CoordinationRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "msucoord",
			Name:      "coordination_requests_total",
			Help:      "Combination coordination messages by request type and direction.",
		},
		[]string{"request", "direction"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "msucoord",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesTotal,
		PeersConnected,
		PeersAvailable,
		StalePruned,
		CombinationSize,
		CoordinationRequestsTotal,
		uptime,
	)
	CombinationSize.Set(1)
}

// MetricsHandler exposes the registry, for mounting at /metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
