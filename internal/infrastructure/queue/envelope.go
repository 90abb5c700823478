package queue

import (
	"encoding/json"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// envelope is the wire shape stored in redis. It carries the failure
// chain alongside the job so retries accumulate history without a
// separate lookup.
type envelope struct {
	Job      *audit.QueueJob        `json:"job"`
	Failures []audit.AttemptFailure `json:"failures,omitempty"`
}

func (e *envelope) marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.NewSerializationError("job envelope marshal failed").WithCause(err)
	}
	return raw, nil
}

func unmarshalEnvelope(raw []byte) (*envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.NewSerializationError("job envelope is not valid JSON").WithCause(err)
	}
	if e.Job == nil {
		return nil, errors.NewSerializationError("job envelope has no job")
	}
	return &e, nil
}
