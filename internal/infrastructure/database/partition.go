package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// PartitionConfig tunes the monthly partition lifecycle.
type PartitionConfig struct {
	// EnsureAheadMonths is how many future months are pre-created.
	EnsureAheadMonths int `koanf:"ensure_ahead_months"`
	// RetentionMonths drops partitions older than this; zero disables.
	RetentionMonths int `koanf:"retention_months"`
	// MaintenanceInterval schedules the background lifecycle pass.
	MaintenanceInterval time.Duration `koanf:"maintenance_interval"`
}

// PartitionManager creates, drops, and maintains the monthly partitions
// of the audit_log table.
type PartitionManager struct {
	client *Client
	cfg    PartitionConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	ensured map[string]bool
}

// NewPartitionManager wraps a database client.
func NewPartitionManager(client *Client, cfg PartitionConfig, logger *zap.Logger) *PartitionManager {
	if cfg.EnsureAheadMonths <= 0 {
		cfg.EnsureAheadMonths = 6
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 24 * time.Hour
	}
	return &PartitionManager{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		ensured: make(map[string]bool),
	}
}

// EnsureFor creates the partition covering t if it does not exist,
// including its per-partition indexes. Safe to call concurrently.
func (m *PartitionManager) EnsureFor(ctx context.Context, t time.Time) error {
	name := audit.PartitionNameFor(t)

	m.mu.Lock()
	if m.ensured[name] {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	start, end := audit.PartitionRangeFor(t)
	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF audit_log
		 FOR VALUES FROM ('%s') TO ('%s')`,
		name,
		start.Format("2006-01-02 15:04:05+00"),
		end.Format("2006-01-02 15:04:05+00"))

	err := m.client.Monitor().Track(ctx, "partition.create", func(ctx context.Context) error {
		if _, err := m.client.Pool().Exec(ctx, createSQL); err != nil {
			return err
		}
		return m.createIndexes(ctx, name)
	})
	if err != nil {
		return errors.NewPartitionError(name, "partition creation failed").WithCause(err)
	}

	m.mu.Lock()
	m.ensured[name] = true
	m.mu.Unlock()

	m.logger.Info("partition ensured",
		zap.String("partition", name),
		zap.Time("range_start", start),
		zap.Time("range_end", end))
	return nil
}

// Per-partition index columns. Every filterable event field gets a
// single-column index; the composites cover the hot query paths. The
// unique dedup index on (timestamp, hash) is NOT created here: it is a
// partitioned index on the parent, inherited by every leaf, so the
// writer's ON CONFLICT clause can resolve against the parent table.
var (
	singleIndexColumns = []string{
		"timestamp", "principal_id", "organization_id", "action", "status",
		"target_resource_type", "target_resource_id", "correlation_id",
		"data_classification", "retention_policy", "archived_at", "hash",
	}
	compositeIndexes = []struct {
		name    string
		columns string
	}{
		{"org_ts", "organization_id, timestamp DESC"},
		{"principal_action", "principal_id, action"},
		{"class_retention", "data_classification, retention_policy"},
		{"target", "target_resource_type, target_resource_id"},
	}
)

func (m *PartitionManager) createIndexes(ctx context.Context, partition string) error {
	var stmts []string
	for _, col := range singleIndexColumns {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s)`, partition, col, partition, col))
	}
	for _, ci := range compositeIndexes {
		stmts = append(stmts, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s)`, partition, ci.name, partition, ci.columns))
	}
	stmts = append(stmts,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_details_idx ON %s USING GIN (details)`,
			partition, partition))

	for _, stmt := range stmts {
		if _, err := m.client.Pool().Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// relKind returns the pg_class relkind for a table in the current
// search path, or "" when the table does not exist.
func (m *PartitionManager) relKind(ctx context.Context, table string) (string, error) {
	const query = `
		SELECT c.relkind
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relname = $1 AND n.nspname = current_schema()`

	var kind string
	err := m.client.Pool().QueryRow(ctx, query, table).Scan(&kind)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", errors.NewTransientStorageError("relkind query failed").WithCause(err)
	}
	return kind, nil
}

// MigrateFromLegacy converts a plain (non-partitioned) audit_log table
// into the monthly-partitioned layout. This is an offline operation:
// the old table is renamed aside, a partitioned parent takes its place,
// partitions are created spanning the legacy data's timestamp range,
// rows are copied, and the legacy table is dropped. Every step is
// idempotent, so a failed run resumes from the last completed step by
// re-executing.
func (m *PartitionManager) MigrateFromLegacy(ctx context.Context) error {
	const legacy = "audit_log_legacy"

	kind, err := m.relKind(ctx, "audit_log")
	if err != nil {
		return err
	}

	// Step 1: park the old table.
	if kind == "r" {
		err := m.client.Monitor().Track(ctx, "partition.migrate.rename", func(ctx context.Context) error {
			_, err := m.client.Pool().Exec(ctx,
				fmt.Sprintf(`ALTER TABLE audit_log RENAME TO %s`, legacy))
			return err
		})
		if err != nil {
			return errors.NewPartitionError("audit_log", "legacy table rename failed").WithCause(err)
		}
		kind = ""
		m.logger.Info("legacy table renamed", zap.String("table", legacy))
	}

	legacyKind, err := m.relKind(ctx, legacy)
	if err != nil {
		return err
	}
	if legacyKind == "" {
		if kind == "p" {
			// Already migrated, nothing left to copy.
			return nil
		}
		return errors.NewPartitionError("audit_log", "no table to migrate")
	}

	// Step 2: create the partitioned parent with the legacy schema and
	// the dedup arbiter index every leaf inherits.
	if kind == "" {
		err := m.client.Monitor().Track(ctx, "partition.migrate.parent", func(ctx context.Context) error {
			if _, err := m.client.Pool().Exec(ctx, fmt.Sprintf(
				`CREATE TABLE IF NOT EXISTS audit_log (LIKE %s INCLUDING DEFAULTS)
				 PARTITION BY RANGE (timestamp)`, legacy)); err != nil {
				return err
			}
			_, err := m.client.Pool().Exec(ctx,
				`CREATE UNIQUE INDEX IF NOT EXISTS audit_log_timestamp_hash_key
				 ON audit_log (timestamp, hash)`)
			return err
		})
		if err != nil {
			return errors.NewPartitionError("audit_log", "partitioned parent creation failed").WithCause(err)
		}
	}

	// Step 3: partitions covering the legacy data's full range.
	var minTS, maxTS *time.Time
	err = m.client.Pool().QueryRow(ctx,
		fmt.Sprintf(`SELECT min(timestamp), max(timestamp) FROM %s`, legacy)).Scan(&minTS, &maxTS)
	if err != nil {
		return errors.NewTransientStorageError("legacy range query failed").WithCause(err)
	}

	if minTS != nil {
		// Walk month boundaries so no month between min and max is
		// skipped by day-of-month arithmetic.
		cur := time.Date(minTS.Year(), minTS.Month(), 1, 0, 0, 0, 0, time.UTC)
		for !cur.After(*maxTS) {
			if err := m.EnsureFor(ctx, cur); err != nil {
				return err
			}
			cur = cur.AddDate(0, 1, 0)
		}

		// Step 4: copy. The per-partition unique index on
		// (timestamp, hash) makes re-copying a no-op on resume.
		var copied int64
		err := m.client.Monitor().Track(ctx, "partition.migrate.copy", func(ctx context.Context) error {
			tag, err := m.client.Pool().Exec(ctx, fmt.Sprintf(
				`INSERT INTO audit_log SELECT * FROM %s ON CONFLICT DO NOTHING`, legacy))
			if err != nil {
				return err
			}
			copied = tag.RowsAffected()
			return nil
		})
		if err != nil {
			return errors.NewPartitionError("audit_log", "legacy data copy failed").WithCause(err)
		}
		m.logger.Info("legacy rows copied",
			zap.Int64("rows", copied),
			zap.Timep("range_start", minTS),
			zap.Timep("range_end", maxTS))
	}

	// Step 5: drop the legacy table.
	err = m.client.Monitor().Track(ctx, "partition.migrate.drop", func(ctx context.Context) error {
		_, err := m.client.Pool().Exec(ctx, fmt.Sprintf(`DROP TABLE %s`, legacy))
		return err
	})
	if err != nil {
		return errors.NewPartitionError(legacy, "legacy table drop failed").WithCause(err)
	}

	m.logger.Info("legacy table migrated to partitions")
	return nil
}

// EnsureAhead pre-creates partitions for the current month and the
// configured number of months beyond it.
func (m *PartitionManager) EnsureAhead(ctx context.Context) error {
	now := time.Now().UTC()
	for i := 0; i <= m.cfg.EnsureAheadMonths; i++ {
		if err := m.EnsureFor(ctx, now.AddDate(0, i, 0)); err != nil {
			return err
		}
	}
	return nil
}

// List returns metadata for every existing audit_log partition.
func (m *PartitionManager) List(ctx context.Context) ([]audit.PartitionMetadata, error) {
	const query = `
		SELECT c.relname,
		       pg_total_relation_size(c.oid),
		       c.reltuples::bigint
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'audit_log'
		ORDER BY c.relname`

	rows, err := m.client.Pool().Query(ctx, query)
	if err != nil {
		return nil, errors.NewTransientStorageError("partition list query failed").WithCause(err)
	}
	defer rows.Close()

	var out []audit.PartitionMetadata
	for rows.Next() {
		var (
			name   string
			bytes  int64
			tuples int64
		)
		if err := rows.Scan(&name, &bytes, &tuples); err != nil {
			return nil, errors.NewTransientStorageError("partition scan failed").WithCause(err)
		}

		meta, err := audit.ParsePartitionName(name)
		if err != nil {
			// Not a monthly partition (e.g. a default partition); skip.
			continue
		}
		meta.Bytes = bytes
		meta.RowCount = tuples
		out = append(out, meta)
	}
	return out, rows.Err()
}

// DropExpired detaches and drops partitions entirely past the retention
// horizon. Returns the names of the dropped partitions.
func (m *PartitionManager) DropExpired(ctx context.Context) ([]string, error) {
	if m.cfg.RetentionMonths <= 0 {
		return nil, nil
	}

	horizon := time.Now().UTC().AddDate(0, -m.cfg.RetentionMonths, 0)
	partitions, err := m.List(ctx)
	if err != nil {
		return nil, err
	}

	var dropped []string
	for _, p := range partitions {
		if !p.RangeEnd.Before(horizon) {
			continue
		}

		err := m.client.Monitor().Track(ctx, "partition.drop", func(ctx context.Context) error {
			if _, err := m.client.Pool().Exec(ctx,
				fmt.Sprintf(`ALTER TABLE audit_log DETACH PARTITION %s`, p.PartitionName)); err != nil {
				return err
			}
			_, err := m.client.Pool().Exec(ctx,
				fmt.Sprintf(`DROP TABLE %s`, p.PartitionName))
			return err
		})
		if err != nil {
			return dropped, errors.NewPartitionError(p.PartitionName, "partition drop failed").WithCause(err)
		}

		m.mu.Lock()
		delete(m.ensured, p.PartitionName)
		m.mu.Unlock()

		dropped = append(dropped, p.PartitionName)
		m.logger.Info("expired partition dropped",
			zap.String("partition", p.PartitionName),
			zap.Time("range_end", p.RangeEnd))
	}
	return dropped, nil
}

// Analyze refreshes planner statistics on every partition.
func (m *PartitionManager) Analyze(ctx context.Context) error {
	partitions, err := m.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range partitions {
		err := m.client.Monitor().Track(ctx, "partition.analyze", func(ctx context.Context) error {
			_, err := m.client.Pool().Exec(ctx, fmt.Sprintf(`ANALYZE %s`, p.PartitionName))
			return err
		})
		if err != nil {
			return errors.NewPartitionError(p.PartitionName, "partition analyze failed").WithCause(err)
		}
	}
	return nil
}

// Start runs the maintenance loop: ensure-ahead, retention, analyze.
func (m *PartitionManager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.maintain(ctx)
		ticker := time.NewTicker(m.cfg.MaintenanceInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.maintain(ctx)
			}
		}
	}()
}

// Stop halts the maintenance loop.
func (m *PartitionManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *PartitionManager) maintain(ctx context.Context) {
	if err := m.EnsureAhead(ctx); err != nil {
		m.logger.Error("partition ensure-ahead failed", zap.Error(err))
	}
	if _, err := m.DropExpired(ctx); err != nil {
		m.logger.Error("partition retention sweep failed", zap.Error(err))
	}
	if err := m.Analyze(ctx); err != nil {
		m.logger.Warn("partition analyze failed", zap.Error(err))
	}
}
