package ingest

import (
	"fmt"
	"reflect"
	"regexp"

	playgroundvalidator "github.com/go-playground/validator/v10"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// Profile is a named compliance profile adding validation rules.
type Profile string

const (
	ProfileDefault Profile = "default"
	ProfileHIPAA   Profile = "HIPAA"
	ProfileGDPR    Profile = "GDPR"
)

const (
	defaultMaxStringLen = 10_000
	maxDetailsDepth     = 3
)

var actionRegex = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)

// Actions that exercise GDPR data-subject rights and therefore require
// a dataSubjectId.
var dataSubjectRightsActions = map[string]bool{
	"data.export":         true,
	"data.delete":         true,
	"data.pseudonymize":   true,
	"data.access_request": true,
}

// Validator checks events against schema rules and the active
// compliance profiles. It returns every violation, not just the first.
type Validator struct {
	maxStringLen int
	structCheck  *playgroundvalidator.Validate
}

// ValidatorOption adjusts validator construction.
type ValidatorOption func(*Validator)

// WithMaxStringLen overrides the default string length cap.
func WithMaxStringLen(n int) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxStringLen = n
		}
	}
}

// NewValidator creates a validator with the default caps.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		maxStringLen: defaultMaxStringLen,
		structCheck:  playgroundvalidator.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidationResult aggregates typed violations for one event.
type ValidationResult struct {
	Errors []*errors.AppError
}

// Valid reports whether no violations were found.
func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// First returns the first violation, or nil.
func (r *ValidationResult) First() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

func (r *ValidationResult) add(err *errors.AppError) {
	r.Errors = append(r.Errors, err)
}

// Reasons lists violation codes, used for the failure counter labels.
func (r *ValidationResult) Reasons() []string {
	reasons := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		reasons[i] = e.Code
	}
	return reasons
}

// sessionContextCheck mirrors the wire shape for structural validation.
type sessionContextCheck struct {
	SessionID string `validate:"required"`
	IPAddress string `validate:"omitempty,max=255"`
	UserAgent string `validate:"omitempty,max=1024"`
}

// Validate checks an event under the given profiles. The event is not
// mutated; sanitization (unknown-field folding) happens in Normalize.
func (v *Validator) Validate(e *audit.Event, profiles ...Profile) *ValidationResult {
	result := &ValidationResult{}

	if e.Timestamp.IsZero() {
		result.add(errors.NewValidationError("missing_timestamp", "timestamp is required"))
	}

	if e.Action == "" {
		result.add(errors.NewValidationError("missing_action", "action is required"))
	} else {
		if len(e.Action) > 255 {
			result.add(errors.NewValidationError("action_too_long",
				"action must be at most 255 characters"))
		}
		if !actionRegex.MatchString(e.Action) {
			result.add(errors.NewValidationError("invalid_action_format",
				fmt.Sprintf("action %q must match ^[a-z][a-z0-9._-]*$", e.Action)))
		}
	}

	if !e.Status.IsValid() {
		result.add(errors.NewValidationError("invalid_status",
			"status must be attempt, success, or failure"))
	}

	if e.DataClassification != "" && !e.DataClassification.IsValid() {
		result.add(errors.NewValidationError("invalid_data_classification",
			fmt.Sprintf("unknown data classification %q", e.DataClassification)))
	}

	v.checkStringLengths(e, result)

	if e.SessionContext != nil {
		check := sessionContextCheck{
			SessionID: e.SessionContext.SessionID,
			IPAddress: e.SessionContext.IPAddress,
			UserAgent: e.SessionContext.UserAgent,
		}
		if err := v.structCheck.Struct(check); err != nil {
			result.add(errors.NewValidationError("invalid_session_context",
				"sessionContext requires a sessionId").WithCause(err))
		}
	}

	if e.Details != nil {
		if err := checkDetailsDepth(e.Details, 1, make(map[uintptr]bool)); err != nil {
			result.add(err)
		}
	}

	for _, p := range profiles {
		switch p {
		case ProfileHIPAA:
			v.validateHIPAA(e, result)
		case ProfileGDPR:
			v.validateGDPR(e, result)
		}
	}

	return result
}

// validateHIPAA enforces the PHI invariants: principal, target type,
// and session context must identify who touched what.
func (v *Validator) validateHIPAA(e *audit.Event, result *ValidationResult) {
	if !e.IsPHI() {
		return
	}

	if e.PrincipalID == "" {
		result.add(errors.NewValidationError("hipaa_principal_required",
			"PHI events require principalId"))
	}
	if e.TargetResourceType == "" {
		result.add(errors.NewValidationError("hipaa_target_type_required",
			"PHI events require targetResourceType"))
	}
	if e.SessionContext == nil {
		result.add(errors.NewValidationError("hipaa_session_required",
			"PHI events require sessionContext"))
	}
}

func (v *Validator) validateGDPR(e *audit.Event, result *ValidationResult) {
	if e.LegalBasis == "" {
		result.add(errors.NewValidationError("gdpr_legal_basis_required",
			"GDPR profile requires legalBasis"))
	}
	if dataSubjectRightsActions[e.Action] && e.DataSubjectID == "" {
		result.add(errors.NewValidationError("gdpr_data_subject_required",
			fmt.Sprintf("action %s requires dataSubjectId", e.Action)))
	}
}

func (v *Validator) checkStringLengths(e *audit.Event, result *ValidationResult) {
	fields := map[string]string{
		"principalId":        e.PrincipalID,
		"organizationId":     e.OrganizationID,
		"targetResourceType": e.TargetResourceType,
		"targetResourceId":   e.TargetResourceID,
		"outcomeDescription": e.OutcomeDescription,
		"retentionPolicy":    e.RetentionPolicy,
		"correlationId":      e.CorrelationID,
		"legalBasis":         e.LegalBasis,
		"dataSubjectId":      e.DataSubjectID,
	}
	for name, val := range fields {
		if len(val) > v.maxStringLen {
			result.add(errors.NewValidationError("string_too_long",
				fmt.Sprintf("%s exceeds the %d character cap", name, v.maxStringLen)))
		}
	}
}

// checkDetailsDepth walks the details map rejecting depth beyond the cap
// and reference cycles that would otherwise recurse forever.
func checkDetailsDepth(value any, depth int, seen map[uintptr]bool) *errors.AppError {
	switch typed := value.(type) {
	case map[string]any:
		if depth > maxDetailsDepth {
			return errors.NewValidationError("details_too_deep",
				fmt.Sprintf("details nesting exceeds depth %d", maxDetailsDepth))
		}
		ptr := reflect.ValueOf(typed).Pointer()
		if seen[ptr] {
			return errors.NewValidationError("details_cycle", "details contains a reference cycle")
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		for _, v := range typed {
			if err := checkDetailsDepth(v, depth+1, seen); err != nil {
				return err
			}
		}
	case []any:
		if depth > maxDetailsDepth {
			return errors.NewValidationError("details_too_deep",
				fmt.Sprintf("details nesting exceeds depth %d", maxDetailsDepth))
		}
		ptr := reflect.ValueOf(typed).Pointer()
		if seen[ptr] {
			return errors.NewValidationError("details_cycle", "details contains a reference cycle")
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		for _, v := range typed {
			if err := checkDetailsDepth(v, depth+1, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize folds unknown top-level fields into details so forward
// compatibility never rejects a producer. Known keys are left alone.
func Normalize(e *audit.Event, extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if e.Details == nil {
		e.Details = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		if _, exists := e.Details[k]; !exists {
			e.Details[k] = v
		}
	}
}
