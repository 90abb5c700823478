package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/metrics"
)

// Enqueuer hands a sealed job to the delivery queue. When the job
// collapsed onto an already-queued duplicate the returned id is the
// original job's and the boolean is false.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *audit.QueueJob) (string, bool, error)
}

// DirectWriter persists an event synchronously, bypassing the queue.
// Used as the guaranteed-delivery fallback when enqueueing fails.
type DirectWriter interface {
	WriteEvent(ctx context.Context, e *audit.Event) error
}

// LogOptions tune a single Log call. Zero value means: hash, sign,
// normal priority, no delay, default profile only.
type LogOptions struct {
	// Priority orders delivery: lower runs sooner, and values below the
	// default 0 jump the pending queue.
	Priority int
	// Delay holds the job back before it becomes available.
	Delay time.Duration
	// SkipHash leaves the event unsealed; DedupKey is then mandatory.
	SkipHash bool
	// SkipSignature seals with a hash only.
	SkipSignature bool
	// Preset names an event template applied before validation.
	Preset string
	// Profiles are the compliance profiles to validate under.
	Profiles []Profile
	// DedupKey overrides the default event-hash deduplication key.
	DedupKey string
	// Guaranteed falls back to a synchronous write when the queue is
	// unavailable, instead of surfacing the enqueue error.
	Guaranteed bool
}

// ServiceConfig wires the producer side of the pipeline.
type ServiceConfig struct {
	Queue string `koanf:"queue"`
}

// Service is the producer API: it resolves presets, validates, seals,
// and enqueues audit events.
type Service struct {
	cfg       ServiceConfig
	validator *Validator
	sealer    *Sealer
	resolver  *Resolver
	enqueuer  Enqueuer
	fallback  DirectWriter
	metrics   *metrics.Registry
	logger    *zap.Logger
}

// NewService builds the producer. resolver and fallback may be nil;
// presets and guaranteed delivery are then unavailable.
func NewService(
	cfg ServiceConfig,
	validator *Validator,
	sealer *Sealer,
	resolver *Resolver,
	enqueuer Enqueuer,
	fallback DirectWriter,
	reg *metrics.Registry,
	logger *zap.Logger,
) (*Service, error) {
	if cfg.Queue == "" {
		return nil, errors.NewConfigurationError("producer queue name is required")
	}
	if validator == nil || sealer == nil || enqueuer == nil {
		return nil, errors.NewConfigurationError("validator, sealer, and enqueuer are required")
	}

	return &Service{
		cfg:       cfg,
		validator: validator,
		sealer:    sealer,
		resolver:  resolver,
		enqueuer:  enqueuer,
		fallback:  fallback,
		metrics:   reg,
		logger:    logger,
	}, nil
}

// Log accepts one event into the pipeline and returns the job id under
// which it was queued. A deduplicated event returns the id of the job
// already in flight with no error.
func (s *Service) Log(ctx context.Context, e *audit.Event, opts LogOptions) (string, error) {
	if e == nil {
		return "", errors.NewValidationError("missing_event", "event is required")
	}

	if opts.Preset != "" {
		if s.resolver == nil {
			return "", errors.NewConfigurationError("no preset source configured")
		}
		preset, err := s.resolver.Resolve(ctx, opts.Preset, e.OrganizationID)
		if err != nil {
			return "", err
		}
		if preset == nil {
			return "", errors.NewNotFoundError("preset " + opts.Preset + " does not exist")
		}
		if err := preset.Apply(e); err != nil {
			return "", err
		}
	}

	result := s.validator.Validate(e, opts.Profiles...)
	if !result.Valid() {
		for _, reason := range result.Reasons() {
			s.metrics.ValidationFailures.WithLabelValues(reason).Inc()
		}
		return "", result.First()
	}

	if !opts.SkipHash {
		if err := s.sealer.Seal(ctx, e, !opts.SkipSignature); err != nil {
			return "", err
		}
	}

	job, err := audit.NewQueueJob(s.cfg.Queue, e, opts.Priority, opts.Delay, opts.DedupKey)
	if err != nil {
		return "", err
	}

	jobID, enqueued, err := s.enqueuer.Enqueue(ctx, job)
	if err != nil {
		if opts.Guaranteed && s.fallback != nil && errors.IsRetryable(err) {
			s.logger.Warn("queue unavailable, writing event synchronously",
				zap.String("event_id", e.ID.String()),
				zap.Error(err))
			if werr := s.fallback.WriteEvent(ctx, e); werr != nil {
				return "", werr
			}
			s.metrics.EventsTotal.Inc()
			return job.JobID, nil
		}
		return "", err
	}

	if !enqueued {
		s.logger.Debug("event deduplicated",
			zap.String("event_id", e.ID.String()),
			zap.String("dedup_key", job.DedupKey),
			zap.String("job_id", jobID))
		return jobID, nil
	}

	s.metrics.EventsTotal.Inc()
	return jobID, nil
}

// Verify re-checks a sealed event's hash and, when present, signature.
func (s *Service) Verify(ctx context.Context, e *audit.Event) error {
	if err := s.sealer.VerifyHash(e); err != nil {
		return err
	}
	if e.Signature != "" {
		return s.sealer.VerifySignature(ctx, e)
	}
	return nil
}
