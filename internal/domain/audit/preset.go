package audit

import (
	"github.com/caretrail/auditcore/internal/domain/errors"
	"github.com/caretrail/auditcore/internal/domain/values"
)

// Preset is a reusable event template, keyed by (organizationId, name).
// An empty organizationId marks an installation-wide default. When an
// org-specific preset and a default share a name, the org-specific one
// wins field by field.
type Preset struct {
	Name           string `json:"name"`
	OrganizationID string `json:"organizationId,omitempty"`

	Action             string                    `json:"action,omitempty"`
	DataClassification values.DataClassification `json:"dataClassification,omitempty"`
	RetentionPolicy    string                    `json:"retentionPolicy,omitempty"`
	Defaults           map[string]any            `json:"defaults,omitempty"`

	RequiredFields []string `json:"requiredFields,omitempty"`
	MaxStringLen   int      `json:"maxStringLen,omitempty"`
}

// IsDefault reports whether the preset is an installation-wide default.
func (p *Preset) IsDefault() bool { return p.OrganizationID == "" }

// MergePresets overlays an org-specific preset onto a default one.
// Either side may be nil.
func MergePresets(org, def *Preset) *Preset {
	if org == nil {
		return def
	}
	if def == nil {
		return org
	}

	merged := *org
	if merged.Action == "" {
		merged.Action = def.Action
	}
	if merged.DataClassification == "" {
		merged.DataClassification = def.DataClassification
	}
	if merged.RetentionPolicy == "" {
		merged.RetentionPolicy = def.RetentionPolicy
	}
	if merged.MaxStringLen == 0 {
		merged.MaxStringLen = def.MaxStringLen
	}
	if len(merged.RequiredFields) == 0 {
		merged.RequiredFields = def.RequiredFields
	}

	if len(def.Defaults) > 0 {
		defaults := make(map[string]any, len(def.Defaults)+len(org.Defaults))
		for k, v := range def.Defaults {
			defaults[k] = v
		}
		for k, v := range org.Defaults {
			defaults[k] = v
		}
		merged.Defaults = defaults
	}

	return &merged
}

// Apply fills unset event fields from the preset. Explicit producer
// values always win over template values.
func (p *Preset) Apply(e *Event) error {
	if e.IsSealed() {
		return errors.NewIntegrityError("cannot apply preset to sealed event")
	}

	if e.Action == "" {
		e.Action = p.Action
	}
	if e.DataClassification == "" {
		e.DataClassification = p.DataClassification
	}
	if e.RetentionPolicy == "" {
		e.RetentionPolicy = p.RetentionPolicy
	}

	if len(p.Defaults) > 0 {
		if e.Details == nil {
			e.Details = make(map[string]any, len(p.Defaults))
		}
		for k, v := range p.Defaults {
			if _, ok := e.Details[k]; !ok {
				e.Details[k] = v
			}
		}
	}

	return nil
}
