package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gemchat"

type Metrics struct {
	EnqueuedJobs  prometheus.Counter
	ProcessedJobs prometheus.Counter
	FailedJobs    prometheus.Counter
	UpdatesTotal  prometheus.Counter

	// Exchanges counts finished request/stream cycles by outcome:
	// completed, rate_limited, failed, partial, cancelled.
	Exchanges *prometheus.CounterVec
	Fragments prometheus.Counter
	// Summaries counts condensed-history lookups by result: cached, generated, failed.
	Summaries      *prometheus.CounterVec
	DecodeSkipped  prometheus.Counter
	QuotaExhausted prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_enqueued_total",
				Help:      "Total exchange jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_processed_total",
				Help:      "Total exchange jobs processed",
			}),
			FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_failed_total",
				Help:      "Total exchange jobs that ended in an error",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
			Exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exchanges_total",
				Help:      "Finished exchanges by outcome",
			}, []string{"outcome"}),
			Fragments: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_fragments_total",
				Help:      "Text fragments folded into responses",
			}),
			Summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "history_summaries_total",
				Help:      "Condensed history lookups by result",
			}, []string{"result"}),
			DecodeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stream_events_skipped_total",
				Help:      "Malformed stream events skipped by the decoder",
			}),
			QuotaExhausted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_exhausted_total",
				Help:      "Turns refused by the local hourly quota",
			}),
		}
		prometheus.MustRegister(
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UpdatesTotal,
			global.Exchanges,
			global.Fragments,
			global.Summaries,
			global.DecodeSkipped,
			global.QuotaExhausted,
		)
	})
	return global
}
