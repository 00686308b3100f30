package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce           sync.Once
	httpDurationHistogram  *prometheus.HistogramVec
	sagaStepCounter        *prometheus.CounterVec
	rollbackCounter        *prometheus.CounterVec
	confirmationPollCounter *prometheus.CounterVec
	ledgerImbalanceCounter *prometheus.CounterVec
	idempotencyCounter     *prometheus.CounterVec
	manualReviewQueueGauge prometheus.Gauge
	workerRunCounter       *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		sagaStepCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_saga_steps_total",
			Help: "Saga step outcomes recorded to transfer timelines",
		}, []string{"step", "status"})

		rollbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_rollbacks_total",
			Help: "Saga compensation outcomes",
		}, []string{"result"})

		confirmationPollCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_confirmation_polls_total",
			Help: "Blockchain confirmation poll outcomes",
		}, []string{"network", "outcome"})

		ledgerImbalanceCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wallet_ledger_imbalance_total",
			Help: "Number of wallets whose movement log diverged from the balance",
		}, []string{"check"})

		idempotencyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idempotency_events_total",
			Help: "Idempotency middleware outcomes",
		}, []string{"outcome"})

		manualReviewQueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_manual_review_queue_size",
			Help: "Transfers stuck after a failed compensation, awaiting an operator",
		})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		prometheus.MustRegister(
			httpDurationHistogram,
			sagaStepCounter,
			rollbackCounter,
			confirmationPollCounter,
			ledgerImbalanceCounter,
			idempotencyCounter,
			manualReviewQueueGauge,
			workerRunCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementSagaStep(step, status string) {
	if sagaStepCounter == nil {
		return
	}
	sagaStepCounter.WithLabelValues(step, status).Inc()
}

func IncrementRollback(result string) {
	if rollbackCounter == nil {
		return
	}
	rollbackCounter.WithLabelValues(result).Inc()
}

func IncrementConfirmationPoll(network, outcome string) {
	if confirmationPollCounter == nil {
		return
	}
	confirmationPollCounter.WithLabelValues(network, outcome).Inc()
}

func IncrementLedgerImbalance(check string) {
	if ledgerImbalanceCounter == nil {
		return
	}
	ledgerImbalanceCounter.WithLabelValues(check).Inc()
}

func IncrementIdempotencyEvent(outcome string) {
	if idempotencyCounter == nil {
		return
	}
	idempotencyCounter.WithLabelValues(outcome).Inc()
}

func SetManualReviewQueueSize(size int64) {
	if manualReviewQueueGauge == nil {
		return
	}
	manualReviewQueueGauge.Set(float64(size))
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}
