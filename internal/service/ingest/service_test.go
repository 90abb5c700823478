package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
	"github.com/caretrail/auditcore/internal/metrics"
)

type fakeEnqueuer struct {
	jobs        []*audit.QueueJob
	duplicateOf string
	err         error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *audit.QueueJob) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if f.duplicateOf != "" {
		return f.duplicateOf, false, nil
	}
	f.jobs = append(f.jobs, job)
	return job.JobID, true, nil
}

type fakeWriter struct {
	events []*audit.Event
	err    error
}

func (f *fakeWriter) WriteEvent(_ context.Context, e *audit.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func newTestService(t *testing.T, enq Enqueuer, fallback DirectWriter, resolver *Resolver) (*Service, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	svc, err := NewService(
		ServiceConfig{Queue: "audit-events"},
		NewValidator(), NewSealer(nil), resolver, enq, fallback, reg, zap.NewNop())
	require.NoError(t, err)
	return svc, reg
}

func TestLogSealsAndEnqueues(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc, reg := newTestService(t, enq, nil, nil)

	e := validEvent(t)
	jobID, err := svc.Log(context.Background(), e, LogOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	require.Len(t, enq.jobs, 1)
	job := enq.jobs[0]
	assert.Equal(t, "audit-events", job.Queue)
	assert.True(t, job.Payload.IsSealed())
	assert.Equal(t, job.Payload.Hash, job.DedupKey)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["audit_events_total"])
}

func TestLogRejectsInvalidEventAndCountsReasons(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc, reg := newTestService(t, enq, nil, nil)

	e := validEvent(t)
	e.Action = "Bad Action"

	_, err := svc.Log(context.Background(), e, LogOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassValidation))
	assert.Empty(t, enq.jobs)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap["audit_validation_failures{reason=invalid_action_format}"])
}

func TestLogDeduplicatedEventReturnsOriginalJobID(t *testing.T) {
	svc, reg := newTestService(t, &fakeEnqueuer{duplicateOf: "job-original"}, nil, nil)

	jobID, err := svc.Log(context.Background(), validEvent(t), LogOptions{})
	require.NoError(t, err)
	assert.Equal(t, "job-original", jobID, "duplicate submissions observe the in-flight job")

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0.0, snap["audit_events_total"])
}

func TestLogGuaranteedFallsBackToDirectWrite(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.NewNetworkError("redis unreachable")}
	writer := &fakeWriter{}
	svc, _ := newTestService(t, enq, writer, nil)

	jobID, err := svc.Log(context.Background(), validEvent(t), LogOptions{Guaranteed: true})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	require.Len(t, writer.events, 1)
	assert.True(t, writer.events[0].IsSealed())
}

func TestLogWithoutGuaranteeSurfacesQueueError(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.NewNetworkError("redis unreachable")}
	writer := &fakeWriter{}
	svc, _ := newTestService(t, enq, writer, nil)

	_, err := svc.Log(context.Background(), validEvent(t), LogOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassNetwork))
	assert.Empty(t, writer.events)
}

func TestLogGuaranteedDoesNotMaskPermanentErrors(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.NewValidationError("bad_job", "rejected")}
	writer := &fakeWriter{}
	svc, _ := newTestService(t, enq, writer, nil)

	_, err := svc.Log(context.Background(), validEvent(t), LogOptions{Guaranteed: true})
	require.Error(t, err)
	assert.Empty(t, writer.events)
}

func TestLogAppliesPreset(t *testing.T) {
	resolver := NewResolver(NewStaticPresetSource(
		&audit.Preset{
			Name:               "phi-access",
			Action:             "patient.record.view",
			DataClassification: values.ClassificationPHI,
			RetentionPolicy:    "7y",
			Defaults:           map[string]any{"channel": "web"},
		},
	), 16, time.Minute, zap.NewNop())

	enq := &fakeEnqueuer{}
	svc, _ := newTestService(t, enq, nil, resolver)

	e := validEvent(t)
	e.DataClassification = ""
	jobID, err := svc.Log(context.Background(), e, LogOptions{Preset: "phi-access"})
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)

	got := enq.jobs[0].Payload
	assert.Equal(t, values.ClassificationPHI, got.DataClassification)
	assert.Equal(t, "7y", got.RetentionPolicy)
	assert.Equal(t, "web", got.Details["channel"])
}

func TestLogUnknownPresetFails(t *testing.T) {
	resolver := NewResolver(NewStaticPresetSource(), 16, time.Minute, zap.NewNop())
	svc, _ := newTestService(t, &fakeEnqueuer{}, nil, resolver)

	_, err := svc.Log(context.Background(), validEvent(t), LogOptions{Preset: "missing"})
	require.Error(t, err)
}

func TestResolverOrgOverridesDefault(t *testing.T) {
	resolver := NewResolver(NewStaticPresetSource(
		&audit.Preset{Name: "login", RetentionPolicy: "1y", Action: "auth.login"},
		&audit.Preset{Name: "login", OrganizationID: "org-1", RetentionPolicy: "5y"},
	), 16, time.Minute, zap.NewNop())

	p, err := resolver.Resolve(context.Background(), "login", "org-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "5y", p.RetentionPolicy, "org preset wins")
	assert.Equal(t, "auth.login", p.Action, "default fills gaps")

	p, err = resolver.Resolve(context.Background(), "login", "org-2")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "1y", p.RetentionPolicy)
}

func TestVerifyRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, &fakeEnqueuer{}, nil, nil)

	e := validEvent(t)
	_, err := svc.Log(context.Background(), e, LogOptions{})
	require.NoError(t, err)

	require.NoError(t, svc.Verify(context.Background(), e))

	e.Action = "tampered.action"
	err = svc.Verify(context.Background(), e)
	require.Error(t, err)
	assert.True(t, errors.IsClass(err, errors.ClassIntegrity))
}
