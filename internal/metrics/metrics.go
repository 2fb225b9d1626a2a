package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ObjectsStored = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icarus_objects_stored",
		Help: "Number of CTI objects currently stored, by object type.",
	}, []string{"type"})
	RiskMean = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icarus_risk_mean",
		Help: "Mean risk across objects with positive risk, by object type.",
	}, []string{"type"})
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icarus_alerts_total",
		Help: "Total number of alerts raised, by kind.",
	}, []string{"kind"})
	AgentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icarus_agent_sessions",
		Help: "Number of currently connected agent sessions.",
	})
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icarus_messages_total",
		Help: "Total number of channel messages handled, by message type.",
	}, []string{"type"})
	RulesEnabled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "icarus_rules_enabled",
		Help: "Number of query rules currently enabled.",
	})
	FeedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "icarus_feed_fetches_total",
		Help: "Total number of feed fetch attempts, by feed and outcome.",
	}, []string{"feed", "outcome"})
	FeedLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "icarus_feed_last_success_timestamp_seconds",
		Help: "UNIX timestamp of the last successful fetch, by feed.",
	}, []string{"feed"})
	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "icarus_alert_scan_duration_seconds",
		Help:    "Duration of alert engine graph scans.",
		Buckets: prometheus.DefBuckets,
	})
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "icarus_alert_scans_total",
		Help: "Total number of alert scans performed.",
	})
)
