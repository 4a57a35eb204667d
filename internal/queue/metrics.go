package queue

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of waiting tasks per kind",
		},
		[]string{"kind"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Task deliveries grouped by outcome (ok, retry, dead)",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Number of tasks parked in the dead-letter store",
		},
		[]string{"kind"},
	)

	registerOnce sync.Once
)

// MustRegisterMetrics registers the queue collectors with reg once.
func MustRegisterMetrics(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
	})
}

func countProcessed(kind, status string) {
	QueueProcessedTotal.WithLabelValues(queueLabel(kind), status).Inc()
}

func observeDepth(ctx context.Context, r *redis.Client, k keys, kind string) {
	depth, err := r.ZCard(ctx, k.queue(kind)).Result()
	if err != nil {
		return
	}
	QueueDepth.WithLabelValues(queueLabel(kind)).Set(float64(depth))
}

func queueLabel(kind string) string {
	if kind == "" {
		return "unknown"
	}
	return kind
}
