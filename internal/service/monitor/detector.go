package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/infrastructure/cache"
)

// Detector inspects each stored event for a suspicious pattern and
// returns an alert when one fires.
type Detector interface {
	Name() string
	Inspect(ctx context.Context, e *audit.Event) (*audit.Alert, error)
}

// Sliding windows are approximated with an expiring counter per
// (detector, principal): good enough for alerting, cheap at volume.
func windowCount(ctx context.Context, c cache.Cache, key string, window time.Duration) (int64, error) {
	return windowAdd(ctx, c, key, 1, window)
}

// windowAdd accumulates an arbitrary weight into the window counter.
func windowAdd(ctx context.Context, c cache.Cache, key string, delta int64, window time.Duration) (int64, error) {
	count, err := c.IncrementBy(ctx, key, delta)
	if err != nil {
		return 0, err
	}
	if count == delta {
		if err := c.Expire(ctx, key, window); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FailedAuthConfig tunes the repeated-authentication-failure detector.
type FailedAuthConfig struct {
	Threshold int           `koanf:"threshold"`
	Window    time.Duration `koanf:"window"`
}

// FailedAuthDetector fires when one principal accumulates repeated
// authentication failures inside the window.
type FailedAuthDetector struct {
	cfg   FailedAuthConfig
	cache cache.Cache
}

func NewFailedAuthDetector(c cache.Cache, cfg FailedAuthConfig) *FailedAuthDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	return &FailedAuthDetector{cfg: cfg, cache: c}
}

func (d *FailedAuthDetector) Name() string { return "FAILED_AUTH" }

func (d *FailedAuthDetector) Inspect(ctx context.Context, e *audit.Event) (*audit.Alert, error) {
	if e.IsInternal() || e.Status != audit.StatusFailure || !strings.HasPrefix(e.Action, "auth.") {
		return nil, nil
	}

	principal := e.PrincipalID
	if principal == "" {
		principal = sessionKey(e)
	}

	count, err := windowCount(ctx, d.cache,
		"det:failed_auth:"+principal, d.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count < int64(d.cfg.Threshold) {
		return nil, nil
	}

	// Threshold, not the running count: the description feeds the dedupe
	// hash, so it must be identical across consecutive firings.
	alert, err := audit.NewAlert(audit.SeverityHigh,
		"Repeated authentication failures",
		fmt.Sprintf("%d failed authentication attempts for %s within %s",
			d.cfg.Threshold, principal, d.cfg.Window),
		d.Name())
	if err != nil {
		return nil, err
	}
	alert.OrganizationID = e.OrganizationID
	alert.Metadata = map[string]any{"principalId": principal, "count": count}
	return alert, nil
}

// UnauthorizedAccessConfig tunes the PHI access-failure detector.
type UnauthorizedAccessConfig struct {
	Threshold int           `koanf:"threshold"`
	Window    time.Duration `koanf:"window"`
}

// UnauthorizedAccessDetector fires on repeated failed PHI access.
type UnauthorizedAccessDetector struct {
	cfg   UnauthorizedAccessConfig
	cache cache.Cache
}

func NewUnauthorizedAccessDetector(c cache.Cache, cfg UnauthorizedAccessConfig) *UnauthorizedAccessDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	return &UnauthorizedAccessDetector{cfg: cfg, cache: c}
}

func (d *UnauthorizedAccessDetector) Name() string { return "UNAUTHORIZED_ACCESS" }

func (d *UnauthorizedAccessDetector) Inspect(ctx context.Context, e *audit.Event) (*audit.Alert, error) {
	if e.IsInternal() || e.Status != audit.StatusFailure || !e.IsPHI() {
		return nil, nil
	}

	count, err := windowCount(ctx, d.cache,
		"det:unauthorized:"+e.PrincipalID, d.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count < int64(d.cfg.Threshold) {
		return nil, nil
	}

	alert, err := audit.NewAlert(audit.SeverityCritical,
		"Repeated unauthorized PHI access attempts",
		fmt.Sprintf("%d failed PHI accesses by %s within %s",
			d.cfg.Threshold, e.PrincipalID, d.cfg.Window),
		d.Name())
	if err != nil {
		return nil, err
	}
	alert.OrganizationID = e.OrganizationID
	alert.Metadata = map[string]any{
		"principalId":  e.PrincipalID,
		"resourceType": e.TargetResourceType,
		"count":        count,
	}
	return alert, nil
}

// BulkExportConfig tunes the export-volume detector.
type BulkExportConfig struct {
	Threshold int           `koanf:"threshold"`
	Window    time.Duration `koanf:"window"`
}

// BulkExportDetector fires when a principal exports enough records
// inside the window to suggest exfiltration. The weight of each export
// event is how many resources it touched, not one.
type BulkExportDetector struct {
	cfg   BulkExportConfig
	cache cache.Cache
}

func NewBulkExportDetector(c cache.Cache, cfg BulkExportConfig) *BulkExportDetector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &BulkExportDetector{cfg: cfg, cache: c}
}

func (d *BulkExportDetector) Name() string { return "BULK_EXPORT" }

func (d *BulkExportDetector) Inspect(ctx context.Context, e *audit.Event) (*audit.Alert, error) {
	if e.IsInternal() || e.Action != "data.export" || e.Status != audit.StatusSuccess {
		return nil, nil
	}

	count, err := windowAdd(ctx, d.cache,
		"det:bulk_export:"+e.PrincipalID, exportedResources(e), d.cfg.Window)
	if err != nil {
		return nil, err
	}
	if count < int64(d.cfg.Threshold) {
		return nil, nil
	}

	alert, err := audit.NewAlert(audit.SeverityHigh,
		"Bulk data export",
		fmt.Sprintf("%d or more resources exported by %s within %s",
			d.cfg.Threshold, e.PrincipalID, d.cfg.Window),
		d.Name())
	if err != nil {
		return nil, err
	}
	alert.OrganizationID = e.OrganizationID
	alert.Metadata = map[string]any{"principalId": e.PrincipalID, "count": count}
	return alert, nil
}

// exportedResources reads how many resources one export event covered.
// Events that don't declare a count weigh one.
func exportedResources(e *audit.Event) int64 {
	for _, key := range []string{"recordCount", "resourceCount"} {
		switch v := e.Details[key].(type) {
		case int:
			if v > 0 {
				return int64(v)
			}
		case int64:
			if v > 0 {
				return v
			}
		case float64:
			if v > 0 {
				return int64(v)
			}
		}
	}
	return 1
}

// OffHoursConfig defines the business-hours window in UTC.
type OffHoursConfig struct {
	StartHour int `koanf:"start_hour"`
	EndHour   int `koanf:"end_hour"`
}

// OffHoursDetector flags PHI access outside business hours. It fires
// per event; the alert dedupe window keeps the noise down.
type OffHoursDetector struct {
	cfg OffHoursConfig
	now func() time.Time
}

func NewOffHoursDetector(cfg OffHoursConfig) *OffHoursDetector {
	if cfg.StartHour == 0 && cfg.EndHour == 0 {
		cfg.StartHour = 6
		cfg.EndHour = 22
	}
	return &OffHoursDetector{cfg: cfg, now: time.Now}
}

func (d *OffHoursDetector) Name() string { return "OFF_HOURS" }

func (d *OffHoursDetector) Inspect(ctx context.Context, e *audit.Event) (*audit.Alert, error) {
	if e.IsInternal() || !e.IsPHI() || e.Status != audit.StatusSuccess {
		return nil, nil
	}

	hour := e.Timestamp.UTC().Hour()
	if hour >= d.cfg.StartHour && hour < d.cfg.EndHour {
		return nil, nil
	}

	alert, err := audit.NewAlert(audit.SeverityMedium,
		"Off-hours PHI access",
		fmt.Sprintf("%s accessed %s at %02d:00 UTC",
			e.PrincipalID, e.TargetResourceType, hour),
		d.Name())
	if err != nil {
		return nil, err
	}
	alert.OrganizationID = e.OrganizationID
	alert.Metadata = map[string]any{
		"principalId": e.PrincipalID,
		"hour":        hour,
	}
	return alert, nil
}

func sessionKey(e *audit.Event) string {
	if e.SessionContext != nil && e.SessionContext.IPAddress != "" {
		return "ip:" + e.SessionContext.IPAddress
	}
	return "anonymous"
}

// Pipeline runs every detector over a stored event and hands resulting
// alerts to the manager. Wired as a writer post-commit hook.
type Pipeline struct {
	detectors []Detector
	manager   *AlertManager
	logger    *zap.Logger
}

// NewPipeline assembles the detector chain.
func NewPipeline(manager *AlertManager, logger *zap.Logger, detectors ...Detector) *Pipeline {
	return &Pipeline{detectors: detectors, manager: manager, logger: logger}
}

// InspectBatch runs detection over a committed batch. Detector errors
// are logged, never propagated; detection must not fail the write path.
func (p *Pipeline) InspectBatch(ctx context.Context, events []*audit.Event) {
	for _, e := range events {
		for _, d := range p.detectors {
			alert, err := d.Inspect(ctx, e)
			if err != nil {
				p.logger.Warn("detector failed",
					zap.String("detector", d.Name()),
					zap.Error(err))
				continue
			}
			if alert == nil {
				continue
			}
			if _, err := p.manager.Raise(ctx, alert); err != nil {
				p.logger.Error("alert raise failed",
					zap.String("detector", d.Name()),
					zap.Error(err))
			}
		}
	}
}
