package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Failure reasons for the failed statements counter.
const (
	reasonStatement      = "statement"
	reasonEarlierFailure = "earlier_failure"
)

// Metrics holds the pipeline's collectors.
type Metrics struct {
	batchesIssued      prometheus.Counter
	statementsIssued   prometheus.Counter
	batchSize          prometheus.Histogram
	resultsReceived    prometheus.Counter
	replays            prometheus.Counter
	failedStatements   *prometheus.CounterVec
	cancelledStatement prometheus.Counter
}

// NewMetrics creates the pipeline collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		batchesIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlpipeline_batches_issued_total",
			Help: "Number of combined statements sent to the server.",
		}),
		statementsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlpipeline_statements_issued_total",
			Help: "Number of caller statements sent to the server as part of a batch.",
		}),
		batchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sqlpipeline_batch_size",
			Help:    "Caller statements per dispatched batch.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		resultsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlpipeline_results_received_total",
			Help: "Number of statement results demultiplexed from the reply stream.",
		}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlpipeline_replays_total",
			Help: "Number of failed batches replayed one statement at a time.",
		}),
		failedStatements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sqlpipeline_failed_statements_total",
			Help: "Number of statements retrieved as failed, by reason.",
		}, []string{"reason"}),
		cancelledStatement: f.NewCounter(prometheus.CounterOpts{
			Name: "sqlpipeline_cancelled_statements_total",
			Help: "Number of in-flight statements cancelled.",
		}),
	}
}
