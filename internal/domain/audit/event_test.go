package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrail/auditcore/internal/domain/values"
)

func TestNewEvent(t *testing.T) {
	ts := mustParseTime(t, "2024-06-01T10:00:00Z")

	t.Run("valid", func(t *testing.T) {
		e, err := NewEvent(ts, "auth.login.success", StatusSuccess)
		require.NoError(t, err)
		assert.NotEqual(t, "", e.ID.String())
		assert.False(t, e.IsSealed())
	})

	t.Run("missing timestamp", func(t *testing.T) {
		_, err := NewEvent(time.Time{}, "auth.login.success", StatusSuccess)
		assert.Error(t, err)
	})

	t.Run("missing action", func(t *testing.T) {
		_, err := NewEvent(ts, "", StatusSuccess)
		assert.Error(t, err)
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := NewEvent(ts, "auth.login.success", Status("pending"))
		assert.Error(t, err)
	})
}

func TestEventSealOnce(t *testing.T) {
	e, err := NewEvent(mustParseTime(t, "2024-06-01T10:00:00Z"), "auth.login.success", StatusSuccess)
	require.NoError(t, err)

	hash, err := values.ComputeHashValue(CanonicalBytes(e))
	require.NoError(t, err)

	sig, err := values.NewSignatureFromBytes(make([]byte, 32))
	require.NoError(t, err)

	require.NoError(t, e.Seal(hash, sig, values.AlgHMACSHA256))
	assert.True(t, e.IsSealed())
	assert.Len(t, e.Hash, 64)
	assert.Equal(t, HashAlgorithmSHA256, e.HashAlgorithm)
	assert.Equal(t, values.AlgHMACSHA256, e.Algorithm)
	assert.Equal(t, CurrentEventVersion, e.EventVersion)

	// Second seal must fail.
	err = e.Seal(hash, sig, values.AlgHMACSHA256)
	assert.Error(t, err)
}

func TestEventClone(t *testing.T) {
	e, err := NewEvent(mustParseTime(t, "2024-06-01T10:00:00Z"), "record.read", StatusSuccess)
	require.NoError(t, err)
	e.SessionContext = &SessionContext{SessionID: "s-1", IPAddress: "10.0.0.1"}
	e.Details["resource"] = "rec-1"

	clone := e.Clone()
	clone.SessionContext.SessionID = "s-2"
	clone.Details["resource"] = "rec-2"

	assert.Equal(t, "s-1", e.SessionContext.SessionID)
	assert.Equal(t, "rec-1", e.Details["resource"])
}

func TestEventInternalSource(t *testing.T) {
	e, err := NewEvent(mustParseTime(t, "2024-06-01T10:00:00Z"), "alert.raised", StatusSuccess)
	require.NoError(t, err)
	e.Source = SourceInternal
	assert.True(t, e.IsInternal())
}

func TestNewQueueJob(t *testing.T) {
	e, err := NewEvent(mustParseTime(t, "2024-06-01T10:00:00Z"), "auth.login.success", StatusSuccess)
	require.NoError(t, err)
	e.Hash = "aa" // stand-in: dedup key defaults to the event hash

	t.Run("dedup key defaults to hash", func(t *testing.T) {
		job, err := NewQueueJob("audit-events", e, 5, 0, "")
		require.NoError(t, err)
		assert.Equal(t, "aa", job.DedupKey)
		assert.Equal(t, 0, job.Attempts)
	})

	t.Run("explicit dedup key wins", func(t *testing.T) {
		job, err := NewQueueJob("audit-events", e, 5, 0, "custom")
		require.NoError(t, err)
		assert.Equal(t, "custom", job.DedupKey)
	})

	t.Run("delay shifts availability", func(t *testing.T) {
		job, err := NewQueueJob("audit-events", e, 5, 2*time.Second, "")
		require.NoError(t, err)
		assert.True(t, job.AvailableAt.After(job.CreatedAt))
	})

	t.Run("unsealed event without dedup key rejected", func(t *testing.T) {
		bare, err := NewEvent(mustParseTime(t, "2024-06-01T10:00:00Z"), "x.y", StatusAttempt)
		require.NoError(t, err)
		_, err = NewQueueJob("audit-events", bare, 5, 0, "")
		assert.Error(t, err)
	})
}
