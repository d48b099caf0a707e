// SPDX-FileCopyrightText: Copyright (C) 2025 The kvconnect authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "kvconnect"

var (
	requestsVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Routed requests by method and outcome code",
		},
		[]string{"method", "code"},
	)
	replaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "replays_total",
			Help:      "Requests served from the idempotency cache",
		},
	)
	envelopeDropsVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelope_drops_total",
			Help:      "Inbound events dropped before routing, by reason",
		},
		[]string{"reason"},
	)
	publishVec = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_total",
			Help:      "Response publish attempts by outcome",
		},
		[]string{"outcome"},
	)
	requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_latency_seconds",
			Help:      "Request routing latency",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(requestsVec, replaysTotal, envelopeDropsVec, publishVec, requestLatency)
}

// newMetricsServer exposes the default prometheus registry on addr.  The
// caller owns shutdown.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
