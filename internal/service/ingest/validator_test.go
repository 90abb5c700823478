package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/values"
)

func validEvent(t *testing.T) *audit.Event {
	t.Helper()
	e, err := audit.NewEvent(
		time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		"patient.record.view", audit.StatusSuccess)
	require.NoError(t, err)
	return e
}

func TestValidateAcceptsMinimalEvent(t *testing.T) {
	v := NewValidator()
	result := v.Validate(validEvent(t))
	assert.True(t, result.Valid())
}

func TestValidateActionFormat(t *testing.T) {
	v := NewValidator()

	for _, action := range []string{"Auth.Login", "9starts-with-digit", "has space"} {
		e := validEvent(t)
		e.Action = action
		result := v.Validate(e)
		assert.Contains(t, result.Reasons(), "invalid_action_format", "action %q", action)
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	v := NewValidator()
	e := validEvent(t)
	e.Action = "UPPER"
	e.Status = "maybe"
	e.DataClassification = "SECRET"

	result := v.Validate(e)
	require.False(t, result.Valid())
	reasons := result.Reasons()
	assert.Contains(t, reasons, "invalid_action_format")
	assert.Contains(t, reasons, "invalid_status")
	assert.Contains(t, reasons, "invalid_data_classification")
}

func TestValidateStringLengthCap(t *testing.T) {
	v := NewValidator(WithMaxStringLen(10))
	e := validEvent(t)
	e.OutcomeDescription = "this string is longer than ten characters"

	result := v.Validate(e)
	assert.Contains(t, result.Reasons(), "string_too_long")
}

func TestValidateDetailsDepth(t *testing.T) {
	v := NewValidator()

	e := validEvent(t)
	e.Details = map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}
	assert.True(t, v.Validate(e).Valid(), "scalar at depth 3 is allowed")

	e = validEvent(t)
	e.Details = map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": 1}}}}
	assert.Contains(t, v.Validate(e).Reasons(), "details_too_deep")
}

func TestValidateDetailsCycle(t *testing.T) {
	v := NewValidator()
	e := validEvent(t)

	inner := map[string]any{}
	inner["self"] = inner
	e.Details = map[string]any{"loop": inner}

	assert.Contains(t, v.Validate(e).Reasons(), "details_cycle")
}

func TestHIPAAProfileRequiresPHIContext(t *testing.T) {
	v := NewValidator()
	e := validEvent(t)
	e.DataClassification = values.ClassificationPHI

	result := v.Validate(e, ProfileHIPAA)
	reasons := result.Reasons()
	assert.Contains(t, reasons, "hipaa_principal_required")
	assert.Contains(t, reasons, "hipaa_target_type_required")
	assert.Contains(t, reasons, "hipaa_session_required")

	e.PrincipalID = "clinician-7"
	e.TargetResourceType = "patient_record"
	e.SessionContext = &audit.SessionContext{SessionID: "sess-1"}
	assert.True(t, v.Validate(e, ProfileHIPAA).Valid())
}

func TestHIPAAProfileIgnoresNonPHI(t *testing.T) {
	v := NewValidator()
	e := validEvent(t)
	e.DataClassification = values.ClassificationInternal

	assert.True(t, v.Validate(e, ProfileHIPAA).Valid())
}

func TestGDPRProfileRequirements(t *testing.T) {
	v := NewValidator()

	e := validEvent(t)
	assert.Contains(t, v.Validate(e, ProfileGDPR).Reasons(), "gdpr_legal_basis_required")

	e = validEvent(t)
	e.Action = "data.export"
	e.LegalBasis = "consent"
	assert.Contains(t, v.Validate(e, ProfileGDPR).Reasons(), "gdpr_data_subject_required")

	e.DataSubjectID = "subject-1"
	assert.True(t, v.Validate(e, ProfileGDPR).Valid())
}

func TestSessionContextRequiresSessionID(t *testing.T) {
	v := NewValidator()
	e := validEvent(t)
	e.SessionContext = &audit.SessionContext{IPAddress: "10.0.0.1"}

	assert.Contains(t, v.Validate(e).Reasons(), "invalid_session_context")
}

func TestNormalizeFoldsUnknownFields(t *testing.T) {
	e := validEvent(t)
	e.Details["existing"] = "kept"

	Normalize(e, map[string]any{"existing": "ignored", "unknown": 42})

	assert.Equal(t, "kept", e.Details["existing"])
	assert.Equal(t, 42, e.Details["unknown"])
}
