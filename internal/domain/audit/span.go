package audit

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SpanStatus is the terminal status of a trace span.
type SpanStatus string

const (
	SpanOK        SpanStatus = "OK"
	SpanError     SpanStatus = "ERROR"
	SpanTimeout   SpanStatus = "TIMEOUT"
	SpanCancelled SpanStatus = "CANCELLED"
)

// SpanLog is a timestamped event attached to a span.
type SpanLog struct {
	TimestampUnixNs int64             `json:"timestampUnixNs"`
	Fields          map[string]string `json:"fields"`
}

// TraceSpan is one operation span in the pipeline trace model.
// TraceID is 16 bytes hex (32 chars), SpanID 8 bytes hex (16 chars).
type TraceSpan struct {
	TraceID       string            `json:"traceId"`
	SpanID        string            `json:"spanId"`
	ParentSpanID  string            `json:"parentSpanId,omitempty"`
	OperationName string            `json:"operationName"`
	StartUnixNs   int64             `json:"startUnixNs"`
	EndUnixNs     int64             `json:"endUnixNs"`
	Tags          map[string]string `json:"tags,omitempty"`
	Logs          []SpanLog         `json:"logs,omitempty"`
	Status        SpanStatus        `json:"status"`
}

// NewTraceID generates a random 16-byte trace id.
func NewTraceID() string { return randomHex(16) }

// NewSpanID generates a random 8-byte span id.
func NewSpanID() string { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Duration returns the elapsed time of a finished span.
func (s *TraceSpan) Duration() time.Duration {
	if s.EndUnixNs <= s.StartUnixNs {
		return 0
	}
	return time.Duration(s.EndUnixNs - s.StartUnixNs)
}

// SetTag attaches a tag to the span.
func (s *TraceSpan) SetTag(key, value string) {
	if s.Tags == nil {
		s.Tags = make(map[string]string)
	}
	s.Tags[key] = value
}

// LogEvent appends a structured log record to the span.
func (s *TraceSpan) LogEvent(fields map[string]string) {
	s.Logs = append(s.Logs, SpanLog{
		TimestampUnixNs: time.Now().UnixNano(),
		Fields:          fields,
	})
}
