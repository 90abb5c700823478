package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// DeadLetter stores permanently failed jobs with their failure chains
// and supports operator-driven reprocessing.
type DeadLetter struct {
	rdb     redis.UniversalClient
	metrics *metrics.Registry
	logger  *zap.Logger

	// OnDead, when set, is invoked after a job lands in the DLQ. The
	// monitor wires its alerting here.
	OnDead func(ctx context.Context, dead *audit.DeadJob)

	// OnSpike fires once per interval when arrivals exceed
	// AlertThreshold within AlertInterval.
	OnSpike        func(ctx context.Context, queue string, arrivals int)
	AlertThreshold int
	AlertInterval  time.Duration

	mu          sync.Mutex
	windowStart time.Time
	arrivals    int
	spiked      bool
}

// NewDeadLetter wraps a redis client.
func NewDeadLetter(rdb redis.UniversalClient, reg *metrics.Registry, logger *zap.Logger) *DeadLetter {
	return &DeadLetter{
		rdb:            rdb,
		metrics:        reg,
		logger:         logger,
		AlertThreshold: 10,
		AlertInterval:  time.Minute,
	}
}

// recordArrival tracks the per-interval arrival count and fires OnSpike
// at most once per interval when it crosses the threshold.
func (d *DeadLetter) recordArrival(ctx context.Context, queue string) {
	if d.OnSpike == nil || d.AlertThreshold <= 0 {
		return
	}

	d.mu.Lock()
	now := time.Now()
	if d.windowStart.IsZero() || now.Sub(d.windowStart) >= d.AlertInterval {
		d.windowStart = now
		d.arrivals = 0
		d.spiked = false
	}
	d.arrivals++
	fire := d.arrivals > d.AlertThreshold && !d.spiked
	if fire {
		d.spiked = true
	}
	arrivals := d.arrivals
	d.mu.Unlock()

	if fire {
		d.OnSpike(ctx, queue, arrivals)
	}
}

// Push dead-letters a job after its final failed attempt.
func (d *DeadLetter) Push(ctx context.Context, env *envelope, cause error) {
	job := env.Job
	dead := &audit.DeadJob{
		Job:          job,
		Queue:        job.Queue,
		FailureChain: env.Failures,
		FirstAttempt: job.CreatedAt,
		LastAttempt:  time.Now().UTC(),
	}

	raw, err := json.Marshal(dead)
	if err != nil {
		d.logger.Error("dead job marshal failed, job lost",
			zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	if err := d.rdb.LPush(ctx, keyDLQ(job.Queue), raw).Err(); err != nil {
		d.logger.Error("dead-letter push failed, job lost",
			zap.String("job_id", job.JobID), zap.Error(err))
		return
	}

	d.metrics.JobsDeadLettered.Inc()
	d.updateDepth(ctx, job.Queue)
	d.logger.Error("job dead-lettered",
		zap.String("job_id", job.JobID),
		zap.Int("attempts", job.Attempts),
		zap.Error(cause))

	if d.OnDead != nil {
		d.OnDead(ctx, dead)
	}
	d.recordArrival(ctx, job.Queue)
}

// PushRaw dead-letters an undecodable queue element so it is preserved
// for inspection instead of silently dropped.
func (d *DeadLetter) PushRaw(ctx context.Context, queue string, raw []byte, cause error) {
	dead := map[string]any{
		"queue":       queue,
		"rawPayload":  string(raw),
		"error":       cause.Error(),
		"lastAttempt": time.Now().UTC(),
	}
	payload, err := json.Marshal(dead)
	if err != nil {
		return
	}
	if err := d.rdb.LPush(ctx, keyDLQ(queue), payload).Err(); err != nil {
		d.logger.Error("raw dead-letter push failed", zap.Error(err))
		return
	}
	d.metrics.JobsDeadLettered.Inc()
	d.updateDepth(ctx, queue)
	d.recordArrival(ctx, queue)
}

// List pages through dead jobs, newest first.
func (d *DeadLetter) List(ctx context.Context, queue string, offset, limit int64) ([]*audit.DeadJob, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := d.rdb.LRange(ctx, keyDLQ(queue), offset, offset+limit-1).Result()
	if err != nil {
		return nil, errors.NewDeadLetterError("DLQ range failed").WithCause(err)
	}

	out := make([]*audit.DeadJob, 0, len(raws))
	for _, raw := range raws {
		var dead audit.DeadJob
		if err := json.Unmarshal([]byte(raw), &dead); err != nil || dead.Job == nil {
			// Raw payloads pushed via PushRaw are not reprocessable jobs.
			continue
		}
		out = append(out, &dead)
	}
	return out, nil
}

// Depth reports how many dead jobs a queue holds.
func (d *DeadLetter) Depth(ctx context.Context, queue string) (int64, error) {
	depth, err := d.rdb.LLen(ctx, keyDLQ(queue)).Result()
	if err != nil {
		return 0, errors.NewDeadLetterError("DLQ depth failed").WithCause(err)
	}
	return depth, nil
}

// Reprocess moves a dead job back to the head of its queue with the
// attempt counter reset, so it gets a full fresh retry budget.
func (d *DeadLetter) Reprocess(ctx context.Context, queue, jobID string) error {
	raws, err := d.rdb.LRange(ctx, keyDLQ(queue), 0, -1).Result()
	if err != nil {
		return errors.NewDeadLetterError("DLQ scan failed").WithCause(err)
	}

	for _, raw := range raws {
		var dead audit.DeadJob
		if err := json.Unmarshal([]byte(raw), &dead); err != nil || dead.Job == nil {
			continue
		}
		if dead.Job.JobID != jobID {
			continue
		}

		dead.Job.Attempts = 0
		dead.Job.AvailableAt = time.Now().UTC()
		payload, err := (&envelope{Job: dead.Job}).marshal()
		if err != nil {
			return err
		}

		pipe := d.rdb.Pipeline()
		pipe.LRem(ctx, keyDLQ(queue), 1, raw)
		pipe.RPush(ctx, keyPending(queue), payload)
		if _, err := pipe.Exec(ctx); err != nil {
			return errors.NewDeadLetterError("DLQ reprocess failed").WithCause(err)
		}

		d.updateDepth(ctx, queue)
		d.logger.Info("dead job requeued",
			zap.String("queue", queue),
			zap.String("job_id", jobID))
		return nil
	}

	return errors.NewNotFoundError("dead job " + jobID + " not found")
}

// Purge discards dead jobs whose last attempt predates olderThan. A
// zero olderThan discards everything.
func (d *DeadLetter) Purge(ctx context.Context, queue string, olderThan time.Time) (int64, error) {
	if olderThan.IsZero() {
		depth, err := d.rdb.LLen(ctx, keyDLQ(queue)).Result()
		if err != nil {
			return 0, errors.NewDeadLetterError("DLQ depth failed").WithCause(err)
		}
		if err := d.rdb.Del(ctx, keyDLQ(queue)).Err(); err != nil {
			return 0, errors.NewDeadLetterError("DLQ purge failed").WithCause(err)
		}
		d.metrics.DLQDepth.WithLabelValues(queue).Set(0)
		return depth, nil
	}

	raws, err := d.rdb.LRange(ctx, keyDLQ(queue), 0, -1).Result()
	if err != nil {
		return 0, errors.NewDeadLetterError("DLQ scan failed").WithCause(err)
	}

	var purged int64
	for _, raw := range raws {
		// Both DeadJob rows and raw-payload rows carry lastAttempt.
		var row struct {
			LastAttempt time.Time `json:"lastAttempt"`
		}
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			continue
		}
		if row.LastAttempt.IsZero() || !row.LastAttempt.Before(olderThan) {
			continue
		}
		removed, err := d.rdb.LRem(ctx, keyDLQ(queue), 1, raw).Result()
		if err != nil {
			return purged, errors.NewDeadLetterError("DLQ purge failed").WithCause(err)
		}
		purged += removed
	}

	d.updateDepth(ctx, queue)
	return purged, nil
}

func (d *DeadLetter) updateDepth(ctx context.Context, queue string) {
	if depth, err := d.rdb.LLen(ctx, keyDLQ(queue)).Result(); err == nil {
		d.metrics.DLQDepth.WithLabelValues(queue).Set(float64(depth))
	}
}
