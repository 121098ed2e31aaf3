// services/feeder/internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "jobs", Name: "enqueued_total",
		Help: "Enqueue attempts by queue and result (ok|duplicate|error)",
	}, []string{"queue", "result"})
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "jobs", Name: "processed_total",
		Help: "Finished jobs by queue and status (ok|error|panic)",
	}, []string{"queue", "status"})
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "feeder", Subsystem: "jobs", Name: "duration_seconds",
		Help:    "Job handler duration",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
	}, []string{"queue"})

	FetchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "fetcher", Name: "results_total",
		Help: "Fetch outcomes by state (discard|backfill|done)",
	}, []string{"state"})
	CandlesStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "fetcher", Name: "candles_stored_total",
		Help: "Candles written to the hot store",
	}, []string{"exchange", "timeframe"})
	BadSymbolMarks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "fetcher", Name: "bad_symbol_marks_total",
		Help: "Failures recorded against a series",
	}, []string{"exchange", "stage"})

	IndicatorValues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "indicator", Name: "values_written_total",
		Help: "Indicator values upserted",
	}, []string{"timeframe"})

	GCMigrated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "gc", Name: "migrated_total",
		Help: "Entries copied to the cold store",
	}, []string{"series"})
	GCDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "gc", Name: "deleted_total",
		Help: "Entries removed from the hot store",
	}, []string{"series"})
	Delisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "gc", Name: "delisted_symbols_total",
		Help: "Symbols removed after delisting",
	}, []string{"exchange"})

	Leader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "feeder", Subsystem: "scheduler", Name: "leader",
		Help: "1 while this instance holds the named leader lease",
	}, []string{"lease"})
	TickJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "scheduler", Name: "tick_jobs_total",
		Help: "Jobs produced by scheduler ticks",
	}, []string{"schedule"})
	TickSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "scheduler", Name: "tick_skipped_total",
		Help: "Ticks skipped by reason (cpu|flag|busy)",
	}, []string{"reason"})

	TickerUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "ticker", Name: "updates_total",
		Help: "Ticker rows decoded from exchange streams",
	}, []string{"exchange"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "feeder", Subsystem: "events", Name: "published_total",
		Help: "Records published downstream by kind and result",
	}, []string{"kind", "result"})
)

// Register registers all metrics exactly once.
// If r == nil, uses prometheus.DefaultRegisterer; duplicate registrations are ignored.
func Register(r prometheus.Registerer) {
	once.Do(func() {
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		collectors := []prometheus.Collector{
			JobsEnqueued, JobsProcessed, JobDuration,
			FetchResults, CandlesStored, BadSymbolMarks,
			IndicatorValues,
			GCMigrated, GCDeleted, Delisted,
			Leader, TickJobs, TickSkipped,
			TickerUpdates, EventsPublished,
		}
		for _, c := range collectors {
			if err := r.Register(c); err != nil {
				if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
					panic(err)
				}
			}
		}
	})
}
