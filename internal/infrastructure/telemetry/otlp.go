package telemetry

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// OTLP/HTTP JSON wire model. Trace and span ids are base64 of the raw
// id bytes; timestamps are nanosecond strings.

type otlpKeyValue struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue"`
}

type otlpEvent struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	Name         string         `json:"name"`
	Attributes   []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpStatus struct {
	Code int `json:"code"`
}

type otlpSpan struct {
	TraceID           string         `json:"traceId"`
	SpanID            string         `json:"spanId"`
	ParentSpanID      string         `json:"parentSpanId,omitempty"`
	Name              string         `json:"name"`
	Kind              int            `json:"kind"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	EndTimeUnixNano   string         `json:"endTimeUnixNano"`
	Attributes        []otlpKeyValue `json:"attributes,omitempty"`
	Events            []otlpEvent    `json:"events,omitempty"`
	Status            otlpStatus     `json:"status"`
}

type otlpScope struct {
	Name string `json:"name"`
}

type otlpScopeSpans struct {
	Scope otlpScope  `json:"scope"`
	Spans []otlpSpan `json:"spans"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes,omitempty"`
}

type otlpResourceSpans struct {
	Resource   otlpResource     `json:"resource"`
	ScopeSpans []otlpScopeSpans `json:"scopeSpans"`
}

type otlpPayload struct {
	ResourceSpans []otlpResourceSpans `json:"resourceSpans"`
}

// Span kinds per OTLP; every pipeline span is internal.
const otlpKindInternal = 1

const (
	otlpStatusUnset = 0
	otlpStatusOK    = 1
	otlpStatusError = 2
)

// statusTagKey preserves the pipeline's four-state status across the
// OTLP status code's three values.
const statusTagKey = "audit.span_status"

func hexToBase64(hexID string) (string, error) {
	raw, err := hex.DecodeString(hexID)
	if err != nil {
		return "", fmt.Errorf("invalid hex id %q: %w", hexID, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func base64ToHex(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 id %q: %w", b64, err)
	}
	return hex.EncodeToString(raw), nil
}

// SerializeOTLPSpan converts a pipeline span to the OTLP wire shape.
func SerializeOTLPSpan(s *audit.TraceSpan) (otlpSpan, error) {
	traceID, err := hexToBase64(s.TraceID)
	if err != nil {
		return otlpSpan{}, err
	}
	spanID, err := hexToBase64(s.SpanID)
	if err != nil {
		return otlpSpan{}, err
	}

	out := otlpSpan{
		TraceID:           traceID,
		SpanID:            spanID,
		Name:              s.OperationName,
		Kind:              otlpKindInternal,
		StartTimeUnixNano: strconv.FormatInt(s.StartUnixNs, 10),
		EndTimeUnixNano:   strconv.FormatInt(s.EndUnixNs, 10),
		Status:            otlpStatus{Code: otlpStatusCode(s.Status)},
	}

	if s.ParentSpanID != "" {
		out.ParentSpanID, err = hexToBase64(s.ParentSpanID)
		if err != nil {
			return otlpSpan{}, err
		}
	}

	for k, v := range s.Tags {
		out.Attributes = append(out.Attributes, otlpKeyValue{Key: k, Value: otlpValue{StringValue: v}})
	}
	out.Attributes = append(out.Attributes, otlpKeyValue{
		Key:   statusTagKey,
		Value: otlpValue{StringValue: string(s.Status)},
	})

	for _, log := range s.Logs {
		ev := otlpEvent{
			TimeUnixNano: strconv.FormatInt(log.TimestampUnixNs, 10),
			Name:         "log",
		}
		for k, v := range log.Fields {
			ev.Attributes = append(ev.Attributes, otlpKeyValue{Key: k, Value: otlpValue{StringValue: v}})
		}
		out.Events = append(out.Events, ev)
	}

	return out, nil
}

// ParseOTLPSpan reverses SerializeOTLPSpan.
func ParseOTLPSpan(in otlpSpan) (*audit.TraceSpan, error) {
	traceID, err := base64ToHex(in.TraceID)
	if err != nil {
		return nil, err
	}
	spanID, err := base64ToHex(in.SpanID)
	if err != nil {
		return nil, err
	}

	start, err := strconv.ParseInt(in.StartTimeUnixNano, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid start time: %w", err)
	}
	end, err := strconv.ParseInt(in.EndTimeUnixNano, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid end time: %w", err)
	}

	span := &audit.TraceSpan{
		TraceID:       traceID,
		SpanID:        spanID,
		OperationName: in.Name,
		StartUnixNs:   start,
		EndUnixNs:     end,
	}

	if in.ParentSpanID != "" {
		span.ParentSpanID, err = base64ToHex(in.ParentSpanID)
		if err != nil {
			return nil, err
		}
	}

	for _, attr := range in.Attributes {
		if attr.Key == statusTagKey {
			span.Status = audit.SpanStatus(attr.Value.StringValue)
			continue
		}
		span.SetTag(attr.Key, attr.Value.StringValue)
	}
	if span.Status == "" {
		if in.Status.Code == otlpStatusError {
			span.Status = audit.SpanError
		} else {
			span.Status = audit.SpanOK
		}
	}

	for _, ev := range in.Events {
		ts, err := strconv.ParseInt(ev.TimeUnixNano, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid event time: %w", err)
		}
		fields := make(map[string]string, len(ev.Attributes))
		for _, attr := range ev.Attributes {
			fields[attr.Key] = attr.Value.StringValue
		}
		span.Logs = append(span.Logs, audit.SpanLog{TimestampUnixNs: ts, Fields: fields})
	}

	return span, nil
}

func otlpStatusCode(s audit.SpanStatus) int {
	switch s {
	case audit.SpanOK:
		return otlpStatusOK
	case audit.SpanError, audit.SpanTimeout, audit.SpanCancelled:
		return otlpStatusError
	default:
		return otlpStatusUnset
	}
}

// OTLPConfig configures the OTLP/HTTP exporter.
type OTLPConfig struct {
	Endpoint string `koanf:"endpoint"`

	// Exactly one auth mode; both unset disables auth.
	BearerToken string        `koanf:"bearer_token"`
	AuthHeader  string        `koanf:"auth_header"`
	AuthValue   string        `koanf:"auth_value"`
	ServiceName string        `koanf:"service_name"`
	MaxRetries  int           `koanf:"max_retries"`
	CompressMin int           `koanf:"compress_min"`
	Timeout     time.Duration `koanf:"timeout"`
}

// OTLPExporter posts span batches as OTLP/HTTP JSON with gzip above the
// compression threshold and bounded retries.
type OTLPExporter struct {
	cfg    OTLPConfig
	client *http.Client
	logger *zap.Logger
}

// NewOTLPExporter validates the endpoint and builds the exporter.
func NewOTLPExporter(cfg OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.NewConfigurationError("OTLP endpoint is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CompressMin <= 0 {
		cfg.CompressMin = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "auditcore"
	}

	return &OTLPExporter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (e *OTLPExporter) Name() string { return "otlp" }

// Export serializes and ships one batch. Retries transient failures up
// to MaxRetries with exponential backoff; honours Retry-After on 429;
// any other 4xx is permanent.
func (e *OTLPExporter) Export(ctx context.Context, spans []*audit.TraceSpan) error {
	body, err := e.encode(spans)
	if err != nil {
		return err
	}

	compressed := false
	if len(body) > e.cfg.CompressMin {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(body); err == nil && gz.Close() == nil {
			body = buf.Bytes()
			compressed = true
		}
	}

	backoff := 500 * time.Millisecond
	var lastErr error

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		retryAfter, err := e.post(ctx, body, compressed)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt == e.cfg.MaxRetries {
			break
		}

		delay := backoff + time.Duration(rand.Int63n(int64(backoff/2)))
		if retryAfter > 0 {
			delay = retryAfter
		}
		backoff *= 2

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errors.NewTimeoutError("OTLP export cancelled").WithCause(ctx.Err())
		}
	}

	return lastErr
}

func (e *OTLPExporter) encode(spans []*audit.TraceSpan) ([]byte, error) {
	wireSpans := make([]otlpSpan, 0, len(spans))
	for _, s := range spans {
		ws, err := SerializeOTLPSpan(s)
		if err != nil {
			return nil, errors.NewSerializationError("span serialization failed").WithCause(err)
		}
		wireSpans = append(wireSpans, ws)
	}

	payload := otlpPayload{
		ResourceSpans: []otlpResourceSpans{{
			Resource: otlpResource{
				Attributes: []otlpKeyValue{{
					Key:   "service.name",
					Value: otlpValue{StringValue: e.cfg.ServiceName},
				}},
			},
			ScopeSpans: []otlpScopeSpans{{
				Scope: otlpScope{Name: "auditcore"},
				Spans: wireSpans,
			}},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.NewSerializationError("OTLP payload marshal failed").WithCause(err)
	}
	return body, nil
}

// post sends one request; the returned duration is the parsed
// Retry-After on a 429 response.
func (e *OTLPExporter) post(ctx context.Context, body []byte, compressed bool) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, errors.NewConfigurationError("building OTLP request failed").WithCause(err)
	}

	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	if e.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.BearerToken)
	} else if e.cfg.AuthHeader != "" {
		req.Header.Set(e.cfg.AuthHeader, e.cfg.AuthValue)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, errors.NewNetworkError("OTLP request failed").WithCause(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return 0, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return retryAfter, errors.NewRateLimitError("OTLP endpoint throttled the export")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return 0, errors.NewSerializationError(
			fmt.Sprintf("OTLP endpoint rejected the batch with status %d", resp.StatusCode))
	default:
		return 0, errors.NewNetworkError(
			fmt.Sprintf("OTLP endpoint returned status %d", resp.StatusCode))
	}
}
