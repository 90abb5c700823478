package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// BreakerConfig tunes the per-queue circuit breaker.
type BreakerConfig struct {
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `koanf:"open_timeout"`
	// Interval is the closed-state window over which failures are
	// counted; counts reset when it elapses.
	Interval time.Duration `koanf:"interval"`
	// MinRequests is the sample floor before the failure ratio counts.
	MinRequests uint32 `koanf:"min_requests"`
	// FailureRatio opens the circuit once reached over MinRequests.
	FailureRatio float64 `koanf:"failure_ratio"`
}

// Breaker guards job execution for one queue. The in-process breaker is
// authoritative; its state is mirrored to redis so dashboards and other
// instances can observe it.
type Breaker struct {
	queue    string
	cooldown time.Duration
	cb       *gobreaker.CircuitBreaker
	rdb      redis.UniversalClient
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewBreaker builds the breaker and starts mirroring state changes.
func NewBreaker(queue string, cfg BreakerConfig, rdb redis.UniversalClient, reg *metrics.Registry, logger *zap.Logger) *Breaker {
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 10
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}

	b := &Breaker{queue: queue, cooldown: cfg.OpenTimeout, rdb: rdb, metrics: reg, logger: logger}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        queue,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state change",
				zap.String("queue", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			b.mirror(to)
		},
		IsSuccessful: func(err error) bool {
			// Permanent failures are the job's problem, not the sink's;
			// they must not open the circuit.
			return err == nil || !errors.IsRetryable(err)
		},
	})

	return b
}

// Execute runs fn under the breaker. An open circuit yields a
// circuit_open error without invoking fn.
func (b *Breaker) Execute(ctx context.Context, job *audit.QueueJob, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		b.metrics.BreakerRejections.Inc()
		return errors.NewCircuitOpenError(b.queue)
	}
	return err
}

// State returns the current circuit state name.
func (b *Breaker) State() string { return b.cb.State().String() }

// Cooldown is how long rejected jobs should wait before re-entering
// the queue while the circuit is open.
func (b *Breaker) Cooldown() time.Duration { return b.cooldown }

// mirror publishes the new state to redis on a best-effort basis.
func (b *Breaker) mirror(state gobreaker.State) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := b.rdb.Set(ctx, keyBreaker(b.queue), state.String(), 0).Err(); err != nil {
		b.logger.Warn("breaker state mirror failed",
			zap.String("queue", b.queue),
			zap.Error(err))
	}
}
