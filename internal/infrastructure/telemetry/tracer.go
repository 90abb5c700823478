package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
)

// Exporter ships a batch of finished spans to a backend.
type Exporter interface {
	Name() string
	Export(ctx context.Context, spans []*audit.TraceSpan) error
}

// TracerConfig tunes span batching and export.
type TracerConfig struct {
	ServiceName  string        `koanf:"service_name"`
	BatchSize    int           `koanf:"batch_size"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	QueueSize    int           `koanf:"queue_size"`
}

// Tracer creates spans around pipeline stages and exports them in
// batches triggered by size or timer, whichever fires first.
type Tracer struct {
	cfg      TracerConfig
	exporter Exporter
	logger   *zap.Logger

	spanCh chan *audit.TraceSpan
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

type spanContextKey struct{}

// NewTracer builds a tracer; Start must be called before spans flow.
func NewTracer(cfg TracerConfig, exporter Exporter, logger *zap.Logger) *Tracer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2048
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "auditcore"
	}

	return &Tracer{
		cfg:      cfg,
		exporter: exporter,
		logger:   logger,
		spanCh:   make(chan *audit.TraceSpan, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the batcher goroutine.
func (t *Tracer) Start() {
	go t.batchLoop()
}

// Stop drains queued spans, flushes the final batch, and returns.
func (t *Tracer) Stop() {
	t.once.Do(func() { close(t.stopCh) })
	<-t.doneCh
}

// StartSpan opens a span as a child of the span in ctx, if any, and
// returns a context carrying the new span.
func (t *Tracer) StartSpan(ctx context.Context, operation string) (*audit.TraceSpan, context.Context) {
	span := &audit.TraceSpan{
		SpanID:        audit.NewSpanID(),
		OperationName: operation,
		StartUnixNs:   time.Now().UnixNano(),
		Status:        audit.SpanOK,
		Tags:          map[string]string{"service.name": t.cfg.ServiceName},
	}

	if parent, ok := ctx.Value(spanContextKey{}).(*audit.TraceSpan); ok && parent != nil {
		span.TraceID = parent.TraceID
		span.ParentSpanID = parent.SpanID
	} else {
		span.TraceID = audit.NewTraceID()
	}

	return span, context.WithValue(ctx, spanContextKey{}, span)
}

// SpanFromContext returns the active span in ctx, or nil.
func SpanFromContext(ctx context.Context) *audit.TraceSpan {
	span, _ := ctx.Value(spanContextKey{}).(*audit.TraceSpan)
	return span
}

// FinishSpan stamps the end time and status and hands the span to the
// batcher. Spans are dropped, counted, and logged when the queue is
// full rather than blocking the pipeline.
func (t *Tracer) FinishSpan(span *audit.TraceSpan, status audit.SpanStatus) {
	if span == nil {
		return
	}
	span.EndUnixNs = time.Now().UnixNano()
	span.Status = status

	select {
	case t.spanCh <- span:
	default:
		t.logger.Warn("span queue full, dropping span",
			zap.String("operation", span.OperationName))
	}
}

func (t *Tracer) batchLoop() {
	defer close(t.doneCh)

	batch := make([]*audit.TraceSpan, 0, t.cfg.BatchSize)
	timer := time.NewTimer(t.cfg.BatchTimeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := t.exporter.Export(ctx, batch); err != nil {
			t.logger.Error("span export failed",
				zap.String("exporter", t.exporter.Name()),
				zap.Int("spans", len(batch)),
				zap.Error(err))
		}
		cancel()
		batch = make([]*audit.TraceSpan, 0, t.cfg.BatchSize)
	}

	for {
		select {
		case span := <-t.spanCh:
			batch = append(batch, span)
			if len(batch) >= t.cfg.BatchSize {
				flush()
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(t.cfg.BatchTimeout)
			}
		case <-timer.C:
			flush()
			timer.Reset(t.cfg.BatchTimeout)
		case <-t.stopCh:
			// Drain whatever is already queued, then flush once.
			for {
				select {
				case span := <-t.spanCh:
					batch = append(batch, span)
				default:
					flush()
					return
				}
			}
		}
	}
}
