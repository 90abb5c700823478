package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// ProducerConfig tunes enqueue behavior.
type ProducerConfig struct {
	// DedupTTL bounds how long a dedup marker suppresses duplicates.
	DedupTTL time.Duration `koanf:"dedup_ttl"`
}

// Producer pushes jobs into the redis-backed delivery queue.
type Producer struct {
	rdb     redis.UniversalClient
	cfg     ProducerConfig
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewProducer wraps a redis client.
func NewProducer(rdb redis.UniversalClient, cfg ProducerConfig, reg *metrics.Registry, logger *zap.Logger) *Producer {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 24 * time.Hour
	}
	return &Producer{rdb: rdb, cfg: cfg, metrics: reg, logger: logger}
}

// Enqueue places a job on its queue. A dedup-key collision returns the
// id of the job already in flight with enqueued=false.
func (p *Producer) Enqueue(ctx context.Context, job *audit.QueueJob) (string, bool, error) {
	set, err := p.rdb.SetNX(ctx, keyDedup(job.Queue, job.DedupKey), job.JobID, p.cfg.DedupTTL).Result()
	if err != nil {
		return "", false, errors.NewQueueError("dedup check failed").WithCause(err)
	}
	if !set {
		// The marker value is the original job's id.
		existing, err := p.rdb.Get(ctx, keyDedup(job.Queue, job.DedupKey)).Result()
		if err != nil && err != redis.Nil {
			return "", false, errors.NewQueueError("dedup lookup failed").WithCause(err)
		}
		return existing, false, nil
	}

	payload, err := (&envelope{Job: job}).marshal()
	if err != nil {
		return "", false, err
	}

	now := time.Now()
	switch {
	case job.AvailableAt.After(now):
		err = p.rdb.ZAdd(ctx, keyDelayed(job.Queue), redis.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: payload,
		}).Err()
	case job.Priority < 0:
		// Lower priority runs sooner; below-default jobs jump to the
		// consumer end of the list.
		err = p.rdb.RPush(ctx, keyPending(job.Queue), payload).Err()
	default:
		err = p.rdb.LPush(ctx, keyPending(job.Queue), payload).Err()
	}
	if err != nil {
		// Roll the marker back so a retry of this enqueue is not treated
		// as a duplicate of a job that never made it in.
		p.rdb.Del(ctx, keyDedup(job.Queue, job.DedupKey))
		return "", false, errors.NewQueueError("enqueue failed").WithCause(err)
	}

	if depth, err := p.rdb.LLen(ctx, keyPending(job.Queue)).Result(); err == nil {
		p.metrics.QueueDepth.WithLabelValues(job.Queue).Set(float64(depth))
	}

	p.logger.Debug("job enqueued",
		zap.String("queue", job.Queue),
		zap.String("job_id", job.JobID),
		zap.Int("priority", job.Priority),
		zap.Time("available_at", job.AvailableAt))
	return job.JobID, true, nil
}

// Depth reports the pending backlog of a queue.
func (p *Producer) Depth(ctx context.Context, queue string) (int64, error) {
	depth, err := p.rdb.LLen(ctx, keyPending(queue)).Result()
	if err != nil {
		return 0, errors.NewQueueError("depth query failed").WithCause(err)
	}
	return depth, nil
}
