// Package metrics holds the Prometheus collectors for scanning and
// classification.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IMAP command round trip, labelled by verb and tagged status or error kind.
	IMAPCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refundscout_imap_command_duration_seconds",
			Help:    "IMAP command round trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"command", "status"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refundscout_scan_duration_seconds",
			Help:    "Full mailbox scan duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~100s
		},
		[]string{"outcome"},
	)

	// outcome: connected, error, credentials_expired, in_progress
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refundscout_scans_total",
			Help: "Total number of scan requests by outcome",
		},
		[]string{"outcome"},
	)

	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refundscout_messages_persisted_total",
			Help: "Total number of newly stored scanned messages",
		},
	)

	ClassifierCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refundscout_classifier_call_duration_seconds",
			Help:    "Classifier call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"status"},
	)

	// verdict: candidate, rejected
	ClassificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refundscout_classifications_total",
			Help: "Total number of recorded classifications by verdict",
		},
		[]string{"verdict"},
	)
)

// RecordIMAPCommand records one IMAP command round trip.
func RecordIMAPCommand(command, status string, d time.Duration) {
	if status == "" {
		status = "error"
	}
	IMAPCommandDuration.WithLabelValues(command, status).Observe(d.Seconds())
}

// RecordScan records a finished scan and its outcome.
func RecordScan(outcome string, d time.Duration) {
	ScansTotal.WithLabelValues(outcome).Inc()
	ScanDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncrementScanRejected counts a scan request refused because one was
// already running.
func IncrementScanRejected() {
	ScansTotal.WithLabelValues("in_progress").Inc()
}

// AddMessagesPersisted counts newly stored messages.
func AddMessagesPersisted(n int) {
	if n > 0 {
		MessagesPersisted.Add(float64(n))
	}
}

// RecordClassifierCall records a classifier round trip.
func RecordClassifierCall(status string, d time.Duration) {
	ClassifierCallDuration.WithLabelValues(status).Observe(d.Seconds())
}

// IncrementClassification counts one recorded verdict.
func IncrementClassification(candidate bool) {
	verdict := "rejected"
	if candidate {
		verdict = "candidate"
	}
	ClassificationsTotal.WithLabelValues(verdict).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
