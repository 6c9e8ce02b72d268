package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordSubmission("accepted")
	m.RecordSubmission("accepted")
	m.RecordSubmission("stale_round")
	m.RecordAccepted(2)
	m.RecordVerification(15 * time.Millisecond)
	m.RecordDropout("requeue")
	m.SetParticipants(5, 3)
	m.SetPhase(1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Submissions.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("stale_round")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CurrentRound))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContributionsTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueLength))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropouts.WithLabelValues("requeue")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSubmission("accepted")
		m.RecordAccepted(1)
		m.RecordBeaconFailure()
		m.SetPhase(3)
	})
}
