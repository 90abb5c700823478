package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()

	r.EventsTotal.Inc()
	r.EventsTotal.Inc()
	r.AlertsSuppressed.Inc()
	r.ValidationFailures.WithLabelValues("hipaa_session_required").Inc()
	r.QueueDepth.WithLabelValues("audit-events").Set(7)
	r.ProcessingLatencyMs.Observe(12.5)
	r.ProcessingLatencyMs.Observe(7.5)

	snap, err := r.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, 2.0, snap["audit_events_total"])
	assert.Equal(t, 1.0, snap["audit_alerts_suppressed"])
	assert.Equal(t, 1.0, snap["audit_validation_failures{reason=hipaa_session_required}"])
	assert.Equal(t, 7.0, snap["audit_queue_depth{queue=audit-events}"])
	assert.Equal(t, 2.0, snap["audit_processing_latency_ms_count"])
	assert.Equal(t, 20.0, snap["audit_processing_latency_ms_sum"])
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.EventsTotal.Inc()

	snapB, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0.0, snapB["audit_events_total"])
}
