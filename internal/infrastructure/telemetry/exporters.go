package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// ConsoleExporter logs finished spans through the structured logger.
// Intended for development and tests.
type ConsoleExporter struct {
	logger *zap.Logger
}

func NewConsoleExporter(logger *zap.Logger) *ConsoleExporter {
	return &ConsoleExporter{logger: logger}
}

func (e *ConsoleExporter) Name() string { return "console" }

func (e *ConsoleExporter) Export(_ context.Context, spans []*audit.TraceSpan) error {
	for _, s := range spans {
		e.logger.Info("span",
			zap.String("trace_id", s.TraceID),
			zap.String("span_id", s.SpanID),
			zap.String("operation", s.OperationName),
			zap.Duration("duration", s.Duration()),
			zap.String("status", string(s.Status)),
			zap.Any("tags", s.Tags))
	}
	return nil
}

// jaegerSpan is the Jaeger JSON collector shape; ids stay hex and
// timestamps are microseconds.
type jaegerSpan struct {
	TraceID       string        `json:"traceID"`
	SpanID        string        `json:"spanID"`
	ParentSpanID  string        `json:"parentSpanID,omitempty"`
	OperationName string        `json:"operationName"`
	StartTime     int64         `json:"startTime"`
	Duration      int64         `json:"duration"`
	Tags          []jaegerTag   `json:"tags,omitempty"`
	Process       jaegerProcess `json:"process"`
}

type jaegerTag struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type jaegerProcess struct {
	ServiceName string `json:"serviceName"`
}

type jaegerBatch struct {
	Data []jaegerTrace `json:"data"`
}

type jaegerTrace struct {
	TraceID string       `json:"traceID"`
	Spans   []jaegerSpan `json:"spans"`
}

// JaegerExporter posts span batches to a Jaeger collector HTTP endpoint.
type JaegerExporter struct {
	endpoint    string
	serviceName string
	client      *http.Client
}

func NewJaegerExporter(endpoint, serviceName string) (*JaegerExporter, error) {
	if endpoint == "" {
		return nil, errors.NewConfigurationError("jaeger endpoint is required")
	}
	if serviceName == "" {
		serviceName = "auditcore"
	}
	return &JaegerExporter{
		endpoint:    endpoint,
		serviceName: serviceName,
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (e *JaegerExporter) Name() string { return "jaeger" }

func (e *JaegerExporter) Export(ctx context.Context, spans []*audit.TraceSpan) error {
	byTrace := make(map[string][]jaegerSpan)
	for _, s := range spans {
		js := jaegerSpan{
			TraceID:       s.TraceID,
			SpanID:        s.SpanID,
			ParentSpanID:  s.ParentSpanID,
			OperationName: s.OperationName,
			StartTime:     s.StartUnixNs / 1000,
			Duration:      int64(s.Duration() / time.Microsecond),
			Process:       jaegerProcess{ServiceName: e.serviceName},
		}
		for k, v := range s.Tags {
			js.Tags = append(js.Tags, jaegerTag{Key: k, Type: "string", Value: v})
		}
		js.Tags = append(js.Tags, jaegerTag{Key: "span.status", Type: "string", Value: string(s.Status)})
		byTrace[s.TraceID] = append(byTrace[s.TraceID], js)
	}

	batch := jaegerBatch{}
	for traceID, traceSpans := range byTrace {
		batch.Data = append(batch.Data, jaegerTrace{TraceID: traceID, Spans: traceSpans})
	}

	return postJSON(ctx, e.client, e.endpoint, batch)
}

// zipkinSpan is the Zipkin v2 JSON shape; timestamps are microseconds.
type zipkinSpan struct {
	TraceID       string            `json:"traceId"`
	ID            string            `json:"id"`
	ParentID      string            `json:"parentId,omitempty"`
	Name          string            `json:"name"`
	Timestamp     int64             `json:"timestamp"`
	Duration      int64             `json:"duration"`
	LocalEndpoint zipkinEndpoint    `json:"localEndpoint"`
	Tags          map[string]string `json:"tags,omitempty"`
}

type zipkinEndpoint struct {
	ServiceName string `json:"serviceName"`
}

// ZipkinExporter posts span batches in Zipkin v2 JSON.
type ZipkinExporter struct {
	endpoint    string
	serviceName string
	client      *http.Client
}

func NewZipkinExporter(endpoint, serviceName string) (*ZipkinExporter, error) {
	if endpoint == "" {
		return nil, errors.NewConfigurationError("zipkin endpoint is required")
	}
	if serviceName == "" {
		serviceName = "auditcore"
	}
	return &ZipkinExporter{
		endpoint:    endpoint,
		serviceName: serviceName,
		client:      &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (e *ZipkinExporter) Name() string { return "zipkin" }

func (e *ZipkinExporter) Export(ctx context.Context, spans []*audit.TraceSpan) error {
	out := make([]zipkinSpan, 0, len(spans))
	for _, s := range spans {
		zs := zipkinSpan{
			TraceID:       s.TraceID,
			ID:            s.SpanID,
			ParentID:      s.ParentSpanID,
			Name:          s.OperationName,
			Timestamp:     s.StartUnixNs / 1000,
			Duration:      int64(s.Duration() / time.Microsecond),
			LocalEndpoint: zipkinEndpoint{ServiceName: e.serviceName},
			Tags:          map[string]string{"span.status": string(s.Status)},
		}
		for k, v := range s.Tags {
			zs.Tags[k] = v
		}
		out = append(out, zs)
	}

	return postJSON(ctx, e.client, e.endpoint, out)
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.NewSerializationError("span batch marshal failed").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.NewConfigurationError("building export request failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.NewNetworkError("span export request failed").WithCause(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewNetworkError(
			fmt.Sprintf("span export endpoint returned status %d", resp.StatusCode))
	}
	return nil
}
