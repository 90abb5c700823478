package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
)

// Status is the outcome of the audited action.
type Status string

const (
	StatusAttempt Status = "attempt"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsValid reports whether the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusAttempt, StatusSuccess, StatusFailure:
		return true
	}
	return false
}

// SessionContext carries the caller's session identity. Required for
// PHI events when the HIPAA profile is active.
type SessionContext struct {
	SessionID string `json:"sessionId"`
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// SourceInternal marks audit events generated by the pipeline itself.
// Pattern detectors skip these to break the alerting feedback cycle.
const SourceInternal = "audit-system"

// Event is an immutable audit record. Once sealed, the critical fields
// protected by the hash must never change.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Status    Status    `json:"status"`

	PrincipalID    string          `json:"principalId,omitempty"`
	OrganizationID string          `json:"organizationId,omitempty"`
	SessionContext *SessionContext `json:"sessionContext,omitempty"`

	TargetResourceType string `json:"targetResourceType,omitempty"`
	TargetResourceID   string `json:"targetResourceId,omitempty"`
	OutcomeDescription string `json:"outcomeDescription,omitempty"`

	DataClassification values.DataClassification `json:"dataClassification,omitempty"`
	RetentionPolicy    string                    `json:"retentionPolicy,omitempty"`
	CorrelationID      string                    `json:"correlationId,omitempty"`
	LegalBasis         string                    `json:"legalBasis,omitempty"`
	DataSubjectID      string                    `json:"dataSubjectId,omitempty"`
	Source             string                    `json:"source,omitempty"`

	Hash          string                  `json:"hash,omitempty"`
	HashAlgorithm string                  `json:"hashAlgorithm,omitempty"`
	Signature     string                  `json:"signature,omitempty"`
	Algorithm     values.SigningAlgorithm `json:"algorithm,omitempty"`
	EventVersion  string                  `json:"eventVersion,omitempty"`

	ProcessingLatency int64      `json:"processingLatency,omitempty"`
	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`

	Details map[string]any `json:"details,omitempty"`

	sealed bool
}

const (
	// HashAlgorithmSHA256 is the only supported hash algorithm.
	HashAlgorithmSHA256 = "SHA-256"

	// CurrentEventVersion is stamped onto newly sealed events.
	CurrentEventVersion = "1.0"

	maxActionLength = 255
)

// NewEvent constructs an event with the required fields validated.
func NewEvent(timestamp time.Time, action string, status Status) (*Event, error) {
	if timestamp.IsZero() {
		return nil, errors.NewValidationError("MISSING_TIMESTAMP",
			"timestamp is required")
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION",
			"action is required")
	}
	if len(action) > maxActionLength {
		return nil, errors.NewValidationError("ACTION_TOO_LONG",
			"action must be at most 255 characters")
	}
	if !status.IsValid() {
		return nil, errors.NewValidationError("INVALID_STATUS",
			"status must be attempt, success, or failure")
	}

	return &Event{
		ID:        uuid.New(),
		Timestamp: timestamp,
		Action:    action,
		Status:    status,
		Details:   make(map[string]any),
	}, nil
}

// Seal stamps the integrity fields onto the event exactly once. After
// sealing the critical fields are frozen.
func (e *Event) Seal(hash values.HashValue, sig values.Signature, alg values.SigningAlgorithm) error {
	if e.sealed {
		return errors.NewIntegrityError("event is already sealed")
	}
	if hash.IsEmpty() {
		return errors.NewValidationError("MISSING_HASH", "seal requires a hash")
	}

	e.Hash = hash.Hex()
	e.HashAlgorithm = HashAlgorithmSHA256
	if !sig.IsEmpty() {
		if !alg.IsValid() {
			return errors.NewValidationError("INVALID_ALGORITHM",
				"signature requires a valid signing algorithm")
		}
		e.Signature = sig.Base64()
		e.Algorithm = alg
	}
	e.EventVersion = CurrentEventVersion
	e.sealed = true
	return nil
}

// IsSealed reports whether the integrity fields have been stamped.
func (e *Event) IsSealed() bool { return e.sealed }

// IsPHI reports whether the event touches protected health information.
func (e *Event) IsPHI() bool { return e.DataClassification.IsPHI() }

// IsInternal reports whether the pipeline itself produced the event.
func (e *Event) IsInternal() bool { return e.Source == SourceInternal }

// Clone returns a deep, unsealed copy of the event.
func (e *Event) Clone() *Event {
	clone := *e
	clone.sealed = false

	if e.SessionContext != nil {
		sc := *e.SessionContext
		clone.SessionContext = &sc
	}
	if e.ArchivedAt != nil {
		at := *e.ArchivedAt
		clone.ArchivedAt = &at
	}
	if e.Details != nil {
		clone.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			clone.Details[k] = v
		}
	}
	return &clone
}
