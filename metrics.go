/*
Copyright © 2026 The matchroom authors
*/

package main

import (
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	roomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchroom_rooms_active",
		Help: "Number of currently live rooms.",
	})

	roomsDestroyed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchroom_rooms_destroyed_total",
		Help: "Rooms destroyed, whether emptied or reaped.",
	})

	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "matchroom_connections_active",
		Help: "Number of open websocket sessions.",
	})

	votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "matchroom_votes_total",
		Help: "Votes processed, by outcome.",
	}, []string{"vote"})

	matchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchroom_matches_total",
		Help: "Items that reached mutual agreement.",
	})
)

func registerMetricsHandler(cfg *Config, mux *httprouter.Router) {
	mux.Handler("GET", cfg.prefix+"/metrics", promhttp.Handler())
}
