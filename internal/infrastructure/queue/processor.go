package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/infrastructure/telemetry"
	"github.com/caretrail/auditcore/internal/metrics"
)

// Handler processes one delivery attempt of a job.
type Handler func(ctx context.Context, job *audit.QueueJob) error

// ProcessorConfig tunes the consumer side of a queue.
type ProcessorConfig struct {
	Queue         string        `koanf:"queue"`
	Workers       int           `koanf:"workers"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	LeaseTTL      time.Duration `koanf:"lease_ttl"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace"`
}

// Processor runs a worker pool consuming one queue: it promotes delayed
// jobs, leases pending ones to workers, retries with backoff, and
// routes exhausted jobs to the dead-letter queue.
type Processor struct {
	cfg     ProcessorConfig
	rdb     redis.UniversalClient
	policy  RetryPolicy
	breaker *Breaker
	handler Handler
	dlq     *DeadLetter
	tracer  *telemetry.Tracer
	metrics *metrics.Registry
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor wires a consumer. tracer may be nil.
func NewProcessor(
	cfg ProcessorConfig,
	rdb redis.UniversalClient,
	policy RetryPolicy,
	breaker *Breaker,
	handler Handler,
	dlq *DeadLetter,
	tracer *telemetry.Tracer,
	reg *metrics.Registry,
	logger *zap.Logger,
) (*Processor, error) {
	if cfg.Queue == "" {
		return nil, errors.NewConfigurationError("processor queue name is required")
	}
	if handler == nil {
		return nil, errors.NewConfigurationError("processor handler is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}

	return &Processor{
		cfg:     cfg,
		rdb:     rdb,
		policy:  policy,
		breaker: breaker,
		handler: handler,
		dlq:     dlq,
		tracer:  tracer,
		metrics: reg,
		logger:  logger.With(zap.String("queue", cfg.Queue)),
	}, nil
}

// Start launches the workers and the maintenance loops.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}

	p.wg.Add(2)
	go p.promoteLoop(ctx)
	go p.reapLoop(ctx)

	p.logger.Info("processor started", zap.Int("workers", p.cfg.Workers))
}

// Stop drains the pool. In-flight jobs get the shutdown grace to finish;
// anything still leased after that is recovered by the lease reaper on
// the next start.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("processor stopped")
	case <-time.After(p.cfg.ShutdownGrace):
		p.logger.Warn("processor shutdown grace elapsed with jobs in flight")
	}
}

func (p *Processor) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, err := p.rdb.RPop(ctx, keyPending(p.cfg.Queue)).Bytes()
		if err == redis.Nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("pending pop failed", zap.Error(err))
			time.Sleep(p.cfg.PollInterval)
			continue
		}

		p.processOne(ctx, raw)
	}
}

func (p *Processor) processOne(ctx context.Context, raw []byte) {
	env, err := unmarshalEnvelope(raw)
	if err != nil {
		// An undecodable element can never succeed; it goes straight to
		// the dead-letter queue as an opaque payload.
		p.logger.Error("dropping undecodable job to DLQ", zap.Error(err))
		p.dlq.PushRaw(ctx, p.cfg.Queue, raw, err)
		return
	}
	job := env.Job

	p.acquireLease(ctx, raw, job)
	p.metrics.ActiveWorkers.WithLabelValues(p.cfg.Queue).Inc()
	defer p.metrics.ActiveWorkers.WithLabelValues(p.cfg.Queue).Dec()

	var span *audit.TraceSpan
	if p.tracer != nil {
		span, ctx = p.tracer.StartSpan(ctx, "queue.process")
		span.SetTag("queue", p.cfg.Queue)
		span.SetTag("job_id", job.JobID)
		span.SetTag("attempt", strconv.Itoa(job.Attempts+1))
	}

	start := time.Now()
	// Each attempt gets at most the lease to finish; a stuck sink cannot
	// hold a worker past the point where the reaper would requeue the job.
	execCtx, cancel := context.WithTimeout(ctx, p.cfg.LeaseTTL)
	err = p.breaker.Execute(execCtx, job, func() error {
		return p.handler(execCtx, job)
	})
	cancel()

	switch {
	case err == nil:
		p.metrics.ProcessingLatencyMs.Observe(float64(time.Since(start).Milliseconds()))
		p.releaseLease(ctx, job)
		p.finishSpan(span, audit.SpanOK)

	case errors.IsClass(err, errors.ClassCircuitOpen):
		// Not an attempt: the job parks in the delayed set for the
		// breaker's cooldown instead of churning the pending list.
		p.releaseLease(ctx, job)
		p.parkForCooldown(ctx, env, raw)
		p.finishSpan(span, audit.SpanCancelled)

	default:
		p.releaseLease(ctx, job)
		p.handleFailure(ctx, env, err)
		p.finishSpan(span, audit.SpanError)
	}
}

// parkForCooldown schedules a circuit-rejected job for after the
// breaker's open timeout. Attempts are not incremented.
func (p *Processor) parkForCooldown(ctx context.Context, env *envelope, raw []byte) {
	env.Job.AvailableAt = time.Now().Add(p.breaker.Cooldown())

	payload, err := env.marshal()
	if err != nil {
		// Keep the original bytes rather than lose the job.
		p.rdb.RPush(ctx, keyPending(p.cfg.Queue), raw)
		return
	}
	if err := p.rdb.ZAdd(ctx, keyDelayed(p.cfg.Queue), redis.Z{
		Score:  float64(env.Job.AvailableAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		p.rdb.RPush(ctx, keyPending(p.cfg.Queue), raw)
		return
	}

	p.logger.Warn("circuit open, job parked",
		zap.String("job_id", env.Job.JobID),
		zap.Time("available_at", env.Job.AvailableAt))
}

func (p *Processor) handleFailure(ctx context.Context, env *envelope, cause error) {
	job := env.Job
	job.Attempts++
	env.Failures = append(env.Failures, audit.AttemptFailure{
		Class:     string(errors.Classify(cause)),
		Message:   cause.Error(),
		Timestamp: time.Now().UTC(),
	})

	if p.policy.ShouldRetry(cause, job.Attempts) {
		delay := p.policy.Delay(job.Attempts)
		job.AvailableAt = time.Now().Add(delay)

		raw, err := env.marshal()
		if err != nil {
			p.dlq.Push(ctx, env, err)
			return
		}
		if err := p.rdb.ZAdd(ctx, keyDelayed(p.cfg.Queue), redis.Z{
			Score:  float64(job.AvailableAt.UnixMilli()),
			Member: raw,
		}).Err(); err != nil {
			p.logger.Error("retry scheduling failed, dead-lettering",
				zap.String("job_id", job.JobID), zap.Error(err))
			p.dlq.Push(ctx, env, cause)
			return
		}

		p.metrics.JobsRetried.Inc()
		p.logger.Warn("job retry scheduled",
			zap.String("job_id", job.JobID),
			zap.Int("attempts", job.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return
	}

	p.dlq.Push(ctx, env, cause)
}

func (p *Processor) acquireLease(ctx context.Context, raw []byte, job *audit.QueueJob) {
	expiry := time.Now().Add(p.cfg.LeaseTTL)
	pipe := p.rdb.Pipeline()
	pipe.HSet(ctx, keyActive(p.cfg.Queue, job.JobID), "data", raw, "leased_until", expiry.UnixMilli())
	pipe.ZAdd(ctx, keyLeases(p.cfg.Queue), redis.Z{
		Score:  float64(expiry.UnixMilli()),
		Member: job.JobID,
	})
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("lease acquisition failed",
			zap.String("job_id", job.JobID), zap.Error(err))
	}
}

func (p *Processor) releaseLease(ctx context.Context, job *audit.QueueJob) {
	pipe := p.rdb.Pipeline()
	pipe.Del(ctx, keyActive(p.cfg.Queue, job.JobID))
	pipe.ZRem(ctx, keyLeases(p.cfg.Queue), job.JobID)
	pipe.Exec(ctx)
}

// promoteLoop moves due delayed jobs onto the pending list.
func (p *Processor) promoteLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PromoteDue(ctx)
		}
	}
}

// PromoteDue makes every due delayed job visible to workers.
func (p *Processor) PromoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := p.rdb.ZRangeByScore(ctx, keyDelayed(p.cfg.Queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return
	}

	pipe := p.rdb.Pipeline()
	for _, member := range due {
		pipe.LPush(ctx, keyPending(p.cfg.Queue), member)
		pipe.ZRem(ctx, keyDelayed(p.cfg.Queue), member)
	}
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("delayed promotion failed", zap.Error(err))
	}
}

// reapLoop requeues jobs whose worker died mid-flight.
func (p *Processor) reapLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.LeaseTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReapExpiredLeases(ctx)
		}
	}
}

// ReapExpiredLeases returns expired-lease jobs to the head of the
// pending list so they run before fresh arrivals.
func (p *Processor) ReapExpiredLeases(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := p.rdb.ZRangeByScore(ctx, keyLeases(p.cfg.Queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil || len(expired) == 0 {
		return
	}

	for _, jobID := range expired {
		raw, err := p.rdb.HGet(ctx, keyActive(p.cfg.Queue, jobID), "data").Bytes()
		if err != nil {
			p.rdb.ZRem(ctx, keyLeases(p.cfg.Queue), jobID)
			continue
		}

		pipe := p.rdb.Pipeline()
		pipe.RPush(ctx, keyPending(p.cfg.Queue), raw)
		pipe.Del(ctx, keyActive(p.cfg.Queue, jobID))
		pipe.ZRem(ctx, keyLeases(p.cfg.Queue), jobID)
		if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("lease reap failed",
				zap.String("job_id", jobID), zap.Error(err))
			continue
		}

		p.logger.Warn("expired lease requeued", zap.String("job_id", jobID))
	}
}

func (p *Processor) finishSpan(span *audit.TraceSpan, status audit.SpanStatus) {
	if p.tracer != nil && span != nil {
		p.tracer.FinishSpan(span, status)
	}
}
