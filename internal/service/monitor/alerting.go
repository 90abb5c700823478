package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/infrastructure/cache"
	"github.com/caretrail/auditcore/internal/metrics"
)

// AlertStore persists alerts and their lifecycle transitions.
type AlertStore interface {
	Insert(ctx context.Context, a *audit.Alert) error
	Update(ctx context.Context, a *audit.Alert) error
	Get(ctx context.Context, id uuid.UUID) (*audit.Alert, error)
	List(ctx context.Context, filter AlertFilter) ([]*audit.Alert, error)
	CountByStatus(ctx context.Context) (map[audit.AlertStatus]int64, error)
}

// AlertFilter narrows an alert listing. Zero values are ignored.
type AlertFilter struct {
	Status         audit.AlertStatus
	Severity       audit.Severity
	Source         string
	OrganizationID string
	Limit          int
	Offset         int
}

// AlertManagerConfig tunes dedupe.
type AlertManagerConfig struct {
	DedupeWindow time.Duration `koanf:"dedupe_window"`
}

// AlertManager owns the alert lifecycle: dedupe, persistence, handler
// fan-out, and the query surface.
type AlertManager struct {
	cfg      AlertManagerConfig
	store    AlertStore
	cache    cache.Cache
	handlers []Handler
	stream   *Stream
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewAlertManager wires the manager. stream may be nil.
func NewAlertManager(
	cfg AlertManagerConfig,
	store AlertStore,
	c cache.Cache,
	stream *Stream,
	reg *metrics.Registry,
	logger *zap.Logger,
	handlers ...Handler,
) *AlertManager {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return &AlertManager{
		cfg:      cfg,
		store:    store,
		cache:    c,
		handlers: handlers,
		stream:   stream,
		metrics:  reg,
		logger:   logger,
	}
}

// Raise persists and fans out an alert unless an identical one fired
// within the dedupe window. Returns false when suppressed.
func (m *AlertManager) Raise(ctx context.Context, alert *audit.Alert) (bool, error) {
	fresh, err := m.cache.SetNX(ctx, "alert:dedupe:"+alert.DedupeHash,
		alert.ID.String(), m.cfg.DedupeWindow)
	if err != nil {
		// Dedupe degraded: raising twice beats dropping a real alert.
		m.logger.Warn("alert dedupe check failed, raising anyway", zap.Error(err))
		fresh = true
	}
	if !fresh {
		m.metrics.AlertsSuppressed.Inc()
		return false, nil
	}

	if err := m.store.Insert(ctx, alert); err != nil {
		return false, err
	}
	m.metrics.AlertsTotal.WithLabelValues(string(alert.Severity)).Inc()

	for _, h := range m.handlers {
		if !h.Accepts(alert) {
			continue
		}
		if err := h.Send(ctx, alert); err != nil {
			m.logger.Error("alert handler failed",
				zap.String("handler", h.Name()),
				zap.String("alert_id", alert.ID.String()),
				zap.Error(err))
		}
	}

	if m.stream != nil {
		m.stream.Broadcast(alert)
	}

	m.logger.Info("alert raised",
		zap.String("alert_id", alert.ID.String()),
		zap.String("severity", string(alert.Severity)),
		zap.String("source", alert.Source),
		zap.String("title", alert.Title))
	return true, nil
}

// Acknowledge transitions an active alert to acknowledged.
func (m *AlertManager) Acknowledge(ctx context.Context, id uuid.UUID, by string) error {
	return m.transition(ctx, id, func(a *audit.Alert) error {
		return a.Acknowledge(by)
	})
}

// Resolve closes an active or acknowledged alert.
func (m *AlertManager) Resolve(ctx context.Context, id uuid.UUID, by string, data map[string]any) error {
	return m.transition(ctx, id, func(a *audit.Alert) error {
		return a.Resolve(by, data)
	})
}

// Dismiss discards an active alert.
func (m *AlertManager) Dismiss(ctx context.Context, id uuid.UUID, by string) error {
	return m.transition(ctx, id, func(a *audit.Alert) error {
		return a.Dismiss(by)
	})
}

func (m *AlertManager) transition(ctx context.Context, id uuid.UUID, apply func(*audit.Alert) error) error {
	alert, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if alert == nil {
		return errors.NewNotFoundError("alert " + id.String() + " not found")
	}
	if err := apply(alert); err != nil {
		return err
	}
	return m.store.Update(ctx, alert)
}

// List pages through alerts matching the filter.
func (m *AlertManager) List(ctx context.Context, filter AlertFilter) ([]*audit.Alert, error) {
	return m.store.List(ctx, filter)
}

// ListActive returns currently active alerts.
func (m *AlertManager) ListActive(ctx context.Context, limit int) ([]*audit.Alert, error) {
	return m.store.List(ctx, AlertFilter{Status: audit.AlertActive, Limit: limit})
}

// CountActive returns the number of active alerts.
func (m *AlertManager) CountActive(ctx context.Context) (int64, error) {
	counts, err := m.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	return counts[audit.AlertActive], nil
}

// Stats summarizes the alert population by status.
func (m *AlertManager) Stats(ctx context.Context) (map[audit.AlertStatus]int64, error) {
	return m.store.CountByStatus(ctx)
}
