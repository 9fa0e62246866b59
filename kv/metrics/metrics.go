package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "txn",
			Name:      "finished_total",
			Help:      "Counter of finished transactions by result.",
		}, []string{"result"})

	TxnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "txnprobe",
			Subsystem: "txn",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of transaction lifetime.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"result"})

	LockWaitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "txn",
			Name:      "lock_wait_total",
			Help:      "Counter of waits for locks held by other transactions.",
		}, []string{"result"})

	IndexApplyCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "index",
			Name:      "applied_rows_total",
			Help:      "Counter of row mutations applied to SQL tables.",
		}, []string{"table"})

	IndexDroppedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "index",
			Name:      "dropped_rows_total",
			Help:      "Counter of committed row mutations which could not be applied to SQL tables.",
		}, []string{"table"})

	IndexPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "txnprobe",
			Subsystem: "index",
			Name:      "pending_batches",
			Help:      "Number of committed batches not yet applied to SQL tables.",
		})

	QueryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "query",
			Name:      "executed_total",
			Help:      "Counter of executed SQL queries by access path.",
		}, []string{"plan"})

	TsoCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "txnprobe",
			Subsystem: "tso",
			Name:      "allocated_total",
			Help:      "Counter of allocated timestamps.",
		})
)

// Result label values.
const (
	ResultCommitted  = "committed"
	ResultRolledBack = "rolled_back"
	ResultConflict   = "conflict"
	ResultTimeout    = "timeout"
	ResultAcquired   = "acquired"
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(TxnDuration)
	prometheus.MustRegister(LockWaitCounter)
	prometheus.MustRegister(IndexApplyCounter)
	prometheus.MustRegister(IndexDroppedCounter)
	prometheus.MustRegister(IndexPendingGauge)
	prometheus.MustRegister(QueryCounter)
	prometheus.MustRegister(TsoCounter)
}
