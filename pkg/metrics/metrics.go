package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "otlp_ingest"

// Metrics holds the pipeline's collectors. A nil *Metrics is valid and
// records nothing, which keeps component tests free of registry setup.
type Metrics struct {
	BundlesConsumed  prometheus.Counter
	PollFailures     prometheus.Counter
	AuthFailures     *prometheus.CounterVec
	OffsetsCommitted prometheus.Counter
	RowsProduced     prometheus.Counter
	PointsDropped    prometheus.Counter
	DeadLetterWrites *prometheus.CounterVec
	DeadLetterErrors prometheus.Counter
	FlushAttempts    *prometheus.CounterVec
	RowsDelivered    prometheus.Counter
	RowsBackedUp     *prometheus.CounterVec
	BackupFailures   prometheus.Counter
	FlushLatency     prometheus.Histogram
	BatchRows        prometheus.Histogram
	BufferedBytes    prometheus.Gauge
	CredentialExpiry *prometheus.GaugeVec
	registerer       prometheus.Registerer
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BundlesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bundles_consumed_total",
			Help: "OTLP bundles read from the source topic.",
		}),
		PollFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "poll_failures_total",
			Help: "Consecutive-failure-eligible poll errors from the source.",
		}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Authentication failures by component.",
		}, []string{"component"}),
		OffsetsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "offset_commits_total",
			Help: "Successful source offset commits.",
		}),
		RowsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_produced_total",
			Help: "Row events emitted by the fan-out.",
		}),
		PointsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "points_dropped_total",
			Help: "Data points dropped by the fan-out as unparseable.",
		}),
		DeadLetterWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letter_records_total",
			Help: "Bundles written to the dead-letter queue since start, by reason.",
		}, []string{"reason"}),
		DeadLetterErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letter_errors_total",
			Help: "Failed dead-letter writes.",
		}),
		FlushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flush_attempts_total",
			Help: "Sink write attempts by outcome.",
		}, []string{"outcome"}),
		RowsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_delivered_total",
			Help: "Rows acknowledged by the sink.",
		}),
		RowsBackedUp: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_backed_up_total",
			Help: "Rows redirected to the backup store, by error type.",
		}, []string{"error_type"}),
		BackupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "backup_failures_total",
			Help: "Batches that could be neither delivered nor backed up.",
		}),
		FlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_latency_seconds",
			Help:    "Time from a batch being sealed to it being delivered or backed up.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		BatchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_rows",
			Help:    "Rows per sealed delivery batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		BufferedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffered_bytes",
			Help: "Bytes held by the delivery buffer and not yet settled.",
		}),
		CredentialExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "credential_expiry_timestamp_seconds",
			Help: "NotAfter of the loaded certificate, by credential.",
		}, []string{"credential"}),
		registerer: reg,
	}
	reg.MustRegister(
		m.BundlesConsumed, m.PollFailures, m.AuthFailures, m.OffsetsCommitted,
		m.RowsProduced, m.PointsDropped, m.DeadLetterWrites, m.DeadLetterErrors,
		m.FlushAttempts, m.RowsDelivered, m.RowsBackedUp, m.BackupFailures,
		m.FlushLatency, m.BatchRows, m.BufferedBytes, m.CredentialExpiry,
	)
	return m
}

// RegisterFreshness exposes the age of the oldest unflushed row.
func (m *Metrics) RegisterFreshness(age func() time.Duration) {
	if m == nil {
		return
	}
	m.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "oldest_pending_row_age_seconds",
		Help: "Age of the oldest row not yet delivered or backed up.",
	}, func() float64 { return age().Seconds() }))
}

// RegisterDeadLetterDepth exposes the number of records written to the
// dead-letter queue since start.
func (m *Metrics) RegisterDeadLetterDepth(depth func() int64) {
	if m == nil {
		return
	}
	m.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "dead_letter_depth",
		Help: "Dead-letter records written during this process lifetime.",
	}, func() float64 { return float64(depth()) }))
}

func (m *Metrics) BundleConsumed(n int) {
	if m != nil {
		m.BundlesConsumed.Add(float64(n))
	}
}

func (m *Metrics) PollFailed() {
	if m != nil {
		m.PollFailures.Inc()
	}
}

func (m *Metrics) AuthFailed(component string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(component).Inc()
	}
}

func (m *Metrics) Committed() {
	if m != nil {
		m.OffsetsCommitted.Inc()
	}
}

func (m *Metrics) Expanded(rows, dropped int) {
	if m != nil {
		m.RowsProduced.Add(float64(rows))
		m.PointsDropped.Add(float64(dropped))
	}
}

func (m *Metrics) DeadLettered(reason string, n int) {
	if m != nil {
		m.DeadLetterWrites.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) DeadLetterFailed() {
	if m != nil {
		m.DeadLetterErrors.Inc()
	}
}

func (m *Metrics) FlushAttempt(outcome string) {
	if m != nil {
		m.FlushAttempts.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Delivered(rows int, sealedAt time.Time) {
	if m != nil {
		m.RowsDelivered.Add(float64(rows))
		m.FlushLatency.Observe(time.Since(sealedAt).Seconds())
	}
}

func (m *Metrics) BackedUp(errorType string, rows int, sealedAt time.Time) {
	if m != nil {
		m.RowsBackedUp.WithLabelValues(errorType).Add(float64(rows))
		m.FlushLatency.Observe(time.Since(sealedAt).Seconds())
	}
}

func (m *Metrics) BackupFailed() {
	if m != nil {
		m.BackupFailures.Inc()
	}
}

func (m *Metrics) BatchSealed(rows int) {
	if m != nil {
		m.BatchRows.Observe(float64(rows))
	}
}

func (m *Metrics) SetBufferedBytes(n int) {
	if m != nil {
		m.BufferedBytes.Set(float64(n))
	}
}

func (m *Metrics) SetCredentialExpiry(name string, notAfter time.Time) {
	if m != nil {
		m.CredentialExpiry.WithLabelValues(name).Set(float64(notAfter.Unix()))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
