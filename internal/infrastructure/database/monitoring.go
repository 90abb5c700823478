package database

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// slowQueryThreshold marks queries worth an operator's attention.
const slowQueryThreshold = time.Second

// queryMonitor times database operations, records them on both the
// prometheus histogram and the otel instruments, and logs slow queries.
type queryMonitor struct {
	metrics *metrics.Registry
	logger  *zap.Logger

	queryDuration metric.Float64Histogram
	slowQueries   metric.Int64Counter
}

func newQueryMonitor(reg *metrics.Registry, logger *zap.Logger) *queryMonitor {
	meter := otel.Meter("auditcore/database")

	queryDuration, _ := meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("ms"))
	slowQueries, _ := meter.Int64Counter("db.query.slow",
		metric.WithDescription("Queries slower than the slow-query threshold"))

	return &queryMonitor{
		metrics:       reg,
		logger:        logger,
		queryDuration: queryDuration,
		slowQueries:   slowQueries,
	}
}

// Track runs op, timing it under the given operation label.
func (m *queryMonitor) Track(ctx context.Context, operation string, op func(context.Context) error) error {
	start := time.Now()
	err := op(ctx)
	elapsed := time.Since(start)

	ms := float64(elapsed) / float64(time.Millisecond)
	m.metrics.DBQueryMs.Observe(ms)
	m.queryDuration.Record(ctx, ms, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("error", err != nil)))

	if elapsed >= slowQueryThreshold {
		m.slowQueries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation)))
		m.logger.Warn("slow query",
			zap.String("operation", operation),
			zap.Duration("elapsed", elapsed))
	}

	return err
}

// SlowQueryStats is one pg_stat_statements row above the threshold.
type SlowQueryStats struct {
	Query      string
	Calls      int64
	MeanTimeMs float64
	MaxTimeMs  float64
	Rows       int64
}

// ConnectionStats summarizes server-side connection usage.
type ConnectionStats struct {
	Total             int
	Active            int
	Idle              int
	IdleInTransaction int
	Waiting           int
}

// SlowQueries lists statements whose mean time exceeds the threshold.
// Requires the pg_stat_statements extension; absence is surfaced as a
// configuration error so the ops CLI can explain itself.
func (c *Client) SlowQueries(ctx context.Context, limit int) ([]SlowQueryStats, error) {
	const query = `
		SELECT query, calls, mean_exec_time, max_exec_time, rows
		FROM pg_stat_statements
		WHERE mean_exec_time >= $1
		ORDER BY mean_exec_time DESC
		LIMIT $2`

	rows, err := c.pool.Query(ctx, query,
		float64(slowQueryThreshold)/float64(time.Millisecond), limit)
	if err != nil {
		return nil, errors.NewConfigurationError(
			"slow query stats unavailable (is pg_stat_statements installed?)").WithCause(err)
	}
	defer rows.Close()

	var stats []SlowQueryStats
	for rows.Next() {
		var s SlowQueryStats
		if err := rows.Scan(&s.Query, &s.Calls, &s.MeanTimeMs, &s.MaxTimeMs, &s.Rows); err != nil {
			return nil, errors.NewTransientStorageError("slow query scan failed").WithCause(err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Connections reports pg_stat_activity usage for the current database.
func (c *Client) Connections(ctx context.Context) (*ConnectionStats, error) {
	const query = `
		SELECT
			count(*),
			count(*) FILTER (WHERE state = 'active'),
			count(*) FILTER (WHERE state = 'idle'),
			count(*) FILTER (WHERE state = 'idle in transaction'),
			count(*) FILTER (WHERE wait_event IS NOT NULL)
		FROM pg_stat_activity
		WHERE datname = current_database()`

	var s ConnectionStats
	err := c.pool.QueryRow(ctx, query).Scan(
		&s.Total, &s.Active, &s.Idle, &s.IdleInTransaction, &s.Waiting)
	if err != nil {
		return nil, errors.NewTransientStorageError("connection stats query failed").WithCause(err)
	}
	return &s, nil
}
