package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Alert outcome labels.
const (
	AlertForwarded   = "forwarded"
	AlertSuppressed  = "suppressed"
	AlertRateLimited = "rate_limited"
)

// Backfill outcome labels.
const (
	BackfillTriggered = "triggered"
	BackfillSkipped   = "skipped"
	BackfillFailed    = "failed"
)

var (
	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "checks_total",
			Help:      "Detector runs, partitioned by detector and overall status.",
		},
		[]string{"detector", "status"},
	)

	checkDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "check_seconds",
			Help:      "Detector run latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45},
		},
		[]string{"detector"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alerts_total",
			Help:      "Alert decisions, partitioned by category and outcome.",
		},
		[]string{"category", "outcome"},
	)

	backfillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "backfills_total",
			Help:      "Backfill trigger decisions, partitioned by gap type and outcome.",
		},
		[]string{"gap_type", "outcome"},
	)

	dlqMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sentinel",
			Name:      "dlq_messages",
			Help:      "Last observed dead-letter message count per queue.",
		},
		[]string{"queue"},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		checksTotal,
		checkDurationSeconds,
		alertsTotal,
		backfillsTotal,
		dlqMessages,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCheck records one detector run.
func ObserveCheck(detector, status string, duration time.Duration) {
	checksTotal.WithLabelValues(detector, status).Inc()
	if duration < 0 {
		duration = 0
	}
	checkDurationSeconds.WithLabelValues(detector).Observe(duration.Seconds())
}

// CountAlert records an alert decision.
func CountAlert(category, outcome string) {
	alertsTotal.WithLabelValues(category, outcome).Inc()
}

// CountBackfill records a backfill trigger decision.
func CountBackfill(gapType, outcome string) {
	backfillsTotal.WithLabelValues(gapType, outcome).Inc()
}

// SetDLQDepth records the observed dead-letter depth for a queue.
func SetDLQDepth(queue string, count float64) {
	dlqMessages.WithLabelValues(queue).Set(count)
}
