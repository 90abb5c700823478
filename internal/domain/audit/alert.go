package audit

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/auditcore/internal/domain/errors"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid reports whether the severity is a known level.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the lifecycle state of an alert. Re-opening is
// forbidden; a recurrence produces a new alert instead.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertDismissed    AlertStatus = "dismissed"
)

// Alert is a produced alert record.
type Alert struct {
	ID             uuid.UUID      `json:"id"`
	Severity       Severity       `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Source         string         `json:"source"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         AlertStatus    `json:"status"`
	OrganizationID string         `json:"organizationId,omitempty"`
	DedupeHash     string         `json:"dedupeHash"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedBy     string     `json:"resolvedBy,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	Resolution     map[string]any `json:"resolution,omitempty"`
}

// NewAlert constructs an active alert with its dedupe hash computed.
func NewAlert(severity Severity, title, description, source string) (*Alert, error) {
	if !severity.IsValid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY",
			"severity must be LOW, MEDIUM, HIGH, or CRITICAL")
	}
	if title == "" {
		return nil, errors.NewValidationError("MISSING_TITLE", "alert title is required")
	}
	if source == "" {
		return nil, errors.NewValidationError("MISSING_SOURCE", "alert source is required")
	}

	return &Alert{
		ID:          uuid.New(),
		Severity:    severity,
		Title:       title,
		Description: description,
		Source:      source,
		CreatedAt:   time.Now().UTC(),
		Status:      AlertActive,
		DedupeHash:  DedupeHash(source, title, severity, description),
	}, nil
}

// DedupeHash is the deterministic fingerprint used to suppress duplicate
// alerts within the dedup window.
func DedupeHash(source, title string, severity Severity, description string) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", source, title, severity, description)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// Acknowledge moves an active alert to acknowledged.
func (a *Alert) Acknowledge(by string) error {
	if a.Status != AlertActive {
		return errors.NewValidationError("INVALID_TRANSITION",
			fmt.Sprintf("cannot acknowledge alert in status %s", a.Status))
	}
	now := time.Now().UTC()
	a.Status = AlertAcknowledged
	a.AcknowledgedBy = by
	a.AcknowledgedAt = &now
	return nil
}

// Resolve closes an active or acknowledged alert.
func (a *Alert) Resolve(by string, data map[string]any) error {
	if a.Status != AlertActive && a.Status != AlertAcknowledged {
		return errors.NewValidationError("INVALID_TRANSITION",
			fmt.Sprintf("cannot resolve alert in status %s", a.Status))
	}
	now := time.Now().UTC()
	a.Status = AlertResolved
	a.ResolvedBy = by
	a.ResolvedAt = &now
	a.Resolution = data
	return nil
}

// Dismiss discards an active alert.
func (a *Alert) Dismiss(by string) error {
	if a.Status != AlertActive {
		return errors.NewValidationError("INVALID_TRANSITION",
			fmt.Sprintf("cannot dismiss alert in status %s", a.Status))
	}
	now := time.Now().UTC()
	a.Status = AlertDismissed
	a.ResolvedBy = by
	a.ResolvedAt = &now
	return nil
}

// IsCritical reports whether the alert wakes the high-priority notifier.
func (a *Alert) IsCritical() bool { return a.Severity == SeverityCritical }
