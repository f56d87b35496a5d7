// Package metrics holds the Prometheus collectors shared by cmd/arena
// and cmd/scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GamesPlayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_games_played_total",
		Help: "Total number of games that reached a terminal state",
	}, []string{"status"})

	GameDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_game_duration_seconds",
		Help:    "Wall-clock duration of a single match from claim to terminal state",
		Buckets: prometheus.DefBuckets,
	})

	SubmissionBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_submission_builds_total",
		Help: "Total number of submission container builds attempted",
	}, []string{"status"})

	QueueClaimMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_queue_claim_misses_total",
		Help: "Total number of runner iterations that claimed no queued game (nothing queued, or the claim was skipped on a claim hint)",
	})

	AnalyticsInsertFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_analytics_insert_failures_total",
		Help: "Total number of ClickHouse insert failures, always swallowed",
	})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_cache_misses_total",
		Help: "Total number of cache-layer lookups that missed or errored",
	}, []string{"key_kind"})

	BracketTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_bracket_ticks_total",
		Help: "Total number of scheduler advancement ticks",
	})

	BracketNodesFinished = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_bracket_nodes_finished",
		Help: "Current count of bracket nodes with a decided winner",
	})
)
