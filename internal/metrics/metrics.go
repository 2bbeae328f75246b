// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "imbus"

var (
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polls_total",
		Help:      "Long-poll calls completed, by result (ok or failure kind)",
	}, []string{"result"})

	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Time a long-poll call was held open",
		Buckets:   []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120},
	})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_delivered_total",
		Help:      "Notifications handed to listeners",
	})

	NotificationsStale = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_stale_dropped_total",
		Help:      "Notifications dropped because their id was not above the cursor",
	})

	ListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "listener_panics_total",
		Help:      "Listener panics recovered during dispatch",
	})

	Cursor = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cursor",
		Help:      "Highest notification id processed",
	})

	Active = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active",
		Help:      "1 while polling, 0 while waiting out a backoff",
	})

	Channels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels",
		Help:      "Number of subscribed channels",
	})

	EventDropsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_drops_total",
		Help:      "In-process events dropped because a subscriber was slow",
	}, []string{"type"})
)

// ObservePoll records one finished poll. result is "ok" or a failure kind.
func ObservePoll(result string, took time.Duration) {
	if result == "" {
		result = "unknown"
	}
	PollsTotal.WithLabelValues(result).Inc()
	PollDuration.Observe(took.Seconds())
}

func SetActive(active bool) {
	if active {
		Active.Set(1)
		return
	}
	Active.Set(0)
}

func IncEventDrop(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	EventDropsTotal.WithLabelValues(eventType).Inc()
}
