// metrics.go - Prometheus metrics for the ceremony coordinator
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trustedsetup"

// Metrics holds the coordinator's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Submission metrics
	Submissions        *prometheus.CounterVec
	ContributionsTotal prometheus.Counter
	VerificationTime   prometheus.Histogram
	CurrentRound       prometheus.Gauge

	// Participant metrics
	Registered  prometheus.Gauge
	QueueLength prometheus.Gauge
	Dropouts    *prometheus.CounterVec

	// Lifecycle metrics
	Phase           prometheus.Gauge
	BeaconFailures  prometheus.Counter
	PersistFailures prometheus.Counter
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "submissions_total",
				Help:      "Contribution submissions by outcome code",
			},
			[]string{"code"},
		),
		ContributionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "contributions_accepted_total",
			Help:      "Accepted contributions, beacon included",
		}),
		VerificationTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "verification_seconds",
			Help:      "Time spent verifying one contribution",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		CurrentRound: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "round",
			Help:      "Last accepted round",
		}),
		Registered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "registered",
			Help:      "Registered participants",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "participants",
			Name:      "queue_length",
			Help:      "Participants waiting for a turn",
		}),
		Dropouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "participants",
				Name:      "dropouts_total",
				Help:      "Lock holders that missed their deadline, by resulting action",
			},
			[]string{"action"},
		),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "phase",
			Help:      "Ceremony phase (0 open, 1 in progress, 2 finalizing, 3 closed)",
		}),
		BeaconFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "beacon_failures_total",
			Help:      "Finalization attempts that could not obtain the beacon",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "persist_failures_total",
			Help:      "Failed writes of the ceremony record",
		}),
	}
}

// RecordSubmission counts one submission outcome
func (m *Metrics) RecordSubmission(code string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(code).Inc()
}

// RecordAccepted notes an accepted contribution for round
func (m *Metrics) RecordAccepted(round uint64) {
	if m == nil {
		return
	}
	m.ContributionsTotal.Inc()
	m.CurrentRound.Set(float64(round))
}

// RecordVerification observes one verification duration
func (m *Metrics) RecordVerification(d time.Duration) {
	if m == nil {
		return
	}
	m.VerificationTime.Observe(d.Seconds())
}

// RecordDropout counts a missed deadline
func (m *Metrics) RecordDropout(action string) {
	if m == nil {
		return
	}
	m.Dropouts.WithLabelValues(action).Inc()
}

// RecordBeaconFailure counts a failed beacon fetch
func (m *Metrics) RecordBeaconFailure() {
	if m == nil {
		return
	}
	m.BeaconFailures.Inc()
}

// RecordPersistFailure counts a failed record write
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// SetParticipants updates the registry gauges
func (m *Metrics) SetParticipants(registered, queued int) {
	if m == nil {
		return
	}
	m.Registered.Set(float64(registered))
	m.QueueLength.Set(float64(queued))
}

// SetPhase updates the phase gauge
func (m *Metrics) SetPhase(phase int) {
	if m == nil {
		return
	}
	m.Phase.Set(float64(phase))
}
