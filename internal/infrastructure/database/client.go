package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// Config tunes the connection pool.
type Config struct {
	URL             string        `koanf:"url"`
	MaxConns        int32         `koanf:"max_conns"`
	MinConns        int32         `koanf:"min_conns"`
	MaxConnIdleTime time.Duration `koanf:"max_conn_idle_time"`
	AcquireTimeout  time.Duration `koanf:"acquire_timeout"`
	ConnectRetries  int           `koanf:"connect_retries"`
	SSLMode         string        `koanf:"ssl_mode"`
}

// Client owns the pgx pool and the query instrumentation around it.
type Client struct {
	pool    *pgxpool.Pool
	monitor *queryMonitor
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewClient connects with bounded retries; the database may still be
// starting when the pipeline comes up.
func NewClient(ctx context.Context, cfg Config, reg *metrics.Registry, logger *zap.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigurationError("database url is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 25
	}
	if cfg.MinConns < 0 {
		cfg.MinConns = 0
	}
	if cfg.MaxConnIdleTime <= 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 5
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.NewConfigurationError("database url is malformed").WithCause(err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	if cfg.SSLMode != "" {
		poolCfg.ConnConfig.RuntimeParams["sslmode"] = cfg.SSLMode
	}

	var pool *pgxpool.Pool
	backoff := time.Second
	for attempt := 1; ; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
		}

		if attempt >= cfg.ConnectRetries {
			return nil, errors.NewTransientStorageError("database unreachable").WithCause(err)
		}
		logger.Warn("database connect failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, errors.NewTimeoutError("database connect cancelled").WithCause(ctx.Err())
		}
		backoff *= 2
	}

	return &Client{
		pool:    pool,
		monitor: newQueryMonitor(reg, logger),
		metrics: reg,
		logger:  logger,
	}, nil
}

// Pool exposes the underlying pool for collaborators that manage their
// own statements.
func (c *Client) Pool() *pgxpool.Pool { return c.pool }

// Monitor exposes the query instrumentation wrapper.
func (c *Client) Monitor() *queryMonitor { return c.monitor }

// Health pings the database and refreshes the pool gauge.
func (c *Client) Health(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return errors.NewTransientStorageError("database ping failed").WithCause(err)
	}
	stat := c.pool.Stat()
	c.metrics.PoolActiveConnections.Set(float64(stat.AcquiredConns()))
	return nil
}

// Close drains the pool.
func (c *Client) Close() { c.pool.Close() }
