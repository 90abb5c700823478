package values

// DataClassification marks the sensitivity level of the data an audit
// event touches. PHI triggers the HIPAA-profile invariants.
type DataClassification string

const (
	ClassificationPublic       DataClassification = "PUBLIC"
	ClassificationInternal     DataClassification = "INTERNAL"
	ClassificationConfidential DataClassification = "CONFIDENTIAL"
	ClassificationPHI          DataClassification = "PHI"
)

// IsValid reports whether the classification is a known level.
func (d DataClassification) IsValid() bool {
	switch d {
	case ClassificationPublic, ClassificationInternal, ClassificationConfidential, ClassificationPHI:
		return true
	}
	return false
}

// IsPHI reports whether the event touches protected health information.
func (d DataClassification) IsPHI() bool { return d == ClassificationPHI }
