package database

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/metrics"
	"github.com/caretrail/auditcore/internal/testutil/containers"
)

// parentTableSQL is the minimal schema the integration tests need; the
// full schema ships with the migrate command.
const parentTableSQL = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id UUID NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		action TEXT NOT NULL,
		status TEXT NOT NULL,
		principal_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		session_context JSONB,
		target_resource_type TEXT NOT NULL DEFAULT '',
		target_resource_id TEXT NOT NULL DEFAULT '',
		outcome_description TEXT NOT NULL DEFAULT '',
		data_classification TEXT NOT NULL DEFAULT '',
		retention_policy TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		legal_basis TEXT NOT NULL DEFAULT '',
		data_subject_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL DEFAULT '',
		hash_algorithm TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL DEFAULT '',
		algorithm TEXT NOT NULL DEFAULT '',
		event_version TEXT NOT NULL DEFAULT '',
		processing_latency BIGINT NOT NULL DEFAULT 0,
		archived_at TIMESTAMPTZ,
		details JSONB
	) PARTITION BY RANGE (timestamp)`

// parentIndexSQL mirrors the migration's partitioned dedup index; the
// writer's ON CONFLICT clause resolves against it.
const parentIndexSQL = `
	CREATE UNIQUE INDEX IF NOT EXISTS audit_log_timestamp_hash_key
	ON audit_log (timestamp, hash)`

func setupIntegration(t *testing.T) (*Client, *PartitionManager) {
	t.Helper()
	ctx := context.Background()

	pg, err := containers.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { pg.Terminate(context.Background()) })

	client, err := NewClient(ctx, Config{URL: pg.ConnectionString, ConnectRetries: 3},
		metrics.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	_, err = client.Pool().Exec(ctx, parentTableSQL)
	require.NoError(t, err)
	_, err = client.Pool().Exec(ctx, parentIndexSQL)
	require.NoError(t, err)

	pm := NewPartitionManager(client, PartitionConfig{EnsureAheadMonths: 2}, zap.NewNop())
	return client, pm
}

func sealedTestEvent(t *testing.T, ts time.Time, hashSeed string) *audit.Event {
	t.Helper()
	e, err := audit.NewEvent(ts, "auth.login.success", audit.StatusSuccess)
	require.NoError(t, err)
	e.OrganizationID = "org-1"
	e.PrincipalID = "user-1"
	// Integration tests stamp a fake hash; sealing is covered elsewhere.
	e.Hash = hashSeed
	return e
}

func TestIntegrationPartitionLifecycle(t *testing.T) {
	client, pm := setupIntegration(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, pm.EnsureAhead(ctx))

	partitions, err := pm.List(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(partitions), 3)
	assert.Equal(t, audit.PartitionNameFor(now), partitions[0].PartitionName)
	assert.True(t, partitions[0].Covers(now))

	require.NoError(t, pm.Analyze(ctx))

	// Idempotent: a second ensure pass is a no-op.
	require.NoError(t, pm.EnsureAhead(ctx))
	again, err := pm.List(ctx)
	require.NoError(t, err)
	assert.Len(t, again, len(partitions))

	_ = client
}

func TestIntegrationWriteAndRead(t *testing.T) {
	client, pm := setupIntegration(t)
	ctx := context.Background()

	require.NoError(t, pm.EnsureFor(ctx, time.Now()))
	writer := NewWriter(client, pm, zap.NewNop())
	reader := NewReader(client, nil)

	e := sealedTestEvent(t, time.Now().UTC(), "hash-read-1")
	require.NoError(t, writer.WriteEvent(ctx, e))

	got, err := reader.GetByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Action, got.Action)
	assert.Equal(t, e.Hash, got.Hash)
	assert.Equal(t, e.OrganizationID, got.OrganizationID)

	listed, err := reader.List(ctx, EventFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, e.ID, listed[0].ID)
}

func TestIntegrationDuplicateHashIsDropped(t *testing.T) {
	client, pm := setupIntegration(t)
	ctx := context.Background()

	require.NoError(t, pm.EnsureFor(ctx, time.Now()))
	writer := NewWriter(client, pm, zap.NewNop())

	ts := time.Now().UTC().Truncate(time.Microsecond)
	first := sealedTestEvent(t, ts, "hash-dup")
	second := sealedTestEvent(t, ts, "hash-dup")

	require.NoError(t, writer.WriteEvent(ctx, first))
	require.NoError(t, writer.WriteEvent(ctx, second))

	var count int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT count(*) FROM audit_log WHERE hash = 'hash-dup'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestIntegrationWriteCreatesMissingPartition(t *testing.T) {
	client, pm := setupIntegration(t)
	ctx := context.Background()

	// No partitions exist yet: the first write must create one on miss.
	writer := NewWriter(client, pm, zap.NewNop())
	e := sealedTestEvent(t, time.Now().UTC(), "hash-miss")
	require.NoError(t, writer.WriteEvent(ctx, e))

	partitions, err := pm.List(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	assert.Equal(t, audit.PartitionNameFor(time.Now()), partitions[0].PartitionName)
}

func TestIntegrationPostCommitHook(t *testing.T) {
	client, pm := setupIntegration(t)
	ctx := context.Background()

	require.NoError(t, pm.EnsureFor(ctx, time.Now()))
	writer := NewWriter(client, pm, zap.NewNop())

	var hooked []*audit.Event
	writer.AddPostCommitHook(func(_ context.Context, events []*audit.Event) {
		hooked = append(hooked, events...)
	})

	batch := []*audit.Event{
		sealedTestEvent(t, time.Now().UTC(), "hash-hook-1"),
		sealedTestEvent(t, time.Now().UTC(), "hash-hook-2"),
	}
	require.NoError(t, writer.WriteBatch(ctx, batch))
	assert.Len(t, hooked, 2)
}

func TestIntegrationMigrateFromLegacy(t *testing.T) {
	ctx := context.Background()

	pg, err := containers.NewPostgresContainer(ctx)
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { pg.Terminate(context.Background()) })

	client, err := NewClient(ctx, Config{URL: pg.ConnectionString, ConnectRetries: 3},
		metrics.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	// Start from a plain, non-partitioned audit_log with data in two
	// different months.
	plainSQL := strings.TrimSuffix(parentTableSQL, " PARTITION BY RANGE (timestamp)")
	_, err = client.Pool().Exec(ctx, plainSQL)
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, ts := range []time.Time{now.AddDate(0, -1, 0), now} {
		_, err = client.Pool().Exec(ctx,
			`INSERT INTO audit_log (id, timestamp, action, status, hash)
			 VALUES ($1, $2, 'auth.login.success', 'success', $3)`,
			uuid.New(), ts, fmt.Sprintf("hash-migrate-%d", i))
		require.NoError(t, err)
	}

	pm := NewPartitionManager(client, PartitionConfig{}, zap.NewNop())
	require.NoError(t, pm.MigrateFromLegacy(ctx))

	partitions, err := pm.List(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(partitions), 2)

	var count int
	require.NoError(t, client.Pool().QueryRow(ctx,
		`SELECT count(*) FROM audit_log`).Scan(&count))
	assert.Equal(t, 2, count)

	// The legacy table is gone and re-running is a no-op.
	kind, err := pm.relKind(ctx, "audit_log_legacy")
	require.NoError(t, err)
	assert.Empty(t, kind)
	require.NoError(t, pm.MigrateFromLegacy(ctx))
}
