package telemetry

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

func sampleSpan() *audit.TraceSpan {
	return &audit.TraceSpan{
		TraceID:       "0102030405060708090a0b0c0d0e0f10",
		SpanID:        "1112131415161718",
		ParentSpanID:  "2122232425262728",
		OperationName: "queue.process",
		StartUnixNs:   1717236000000000000,
		EndUnixNs:     1717236000125000000,
		Tags:          map[string]string{"queue": "audit-events"},
		Logs: []audit.SpanLog{{
			TimestampUnixNs: 1717236000050000000,
			Fields:          map[string]string{"attempt": "1"},
		}},
		Status: audit.SpanTimeout,
	}
}

func TestOTLPSpanRoundTrip(t *testing.T) {
	original := sampleSpan()

	wire, err := SerializeOTLPSpan(original)
	require.NoError(t, err)

	// Ids travel as base64 of the raw bytes, not hex.
	assert.Equal(t, "AQIDBAUGBwgJCgsMDQ4PEA==", wire.TraceID)
	assert.Equal(t, "ERITFBUWFxg=", wire.SpanID)
	assert.Equal(t, "1717236000000000000", wire.StartTimeUnixNano)
	assert.Equal(t, otlpStatusError, wire.Status.Code)

	parsed, err := ParseOTLPSpan(wire)
	require.NoError(t, err)

	assert.Equal(t, original.TraceID, parsed.TraceID)
	assert.Equal(t, original.SpanID, parsed.SpanID)
	assert.Equal(t, original.ParentSpanID, parsed.ParentSpanID)
	assert.Equal(t, original.OperationName, parsed.OperationName)
	assert.Equal(t, original.StartUnixNs, parsed.StartUnixNs)
	assert.Equal(t, original.EndUnixNs, parsed.EndUnixNs)
	assert.Equal(t, original.Tags, parsed.Tags)
	assert.Equal(t, original.Logs, parsed.Logs)
	assert.Equal(t, audit.SpanTimeout, parsed.Status)
}

func TestParseOTLPSpanRejectsBadIDs(t *testing.T) {
	wire, err := SerializeOTLPSpan(sampleSpan())
	require.NoError(t, err)

	wire.TraceID = "not-base64!!"
	_, err = ParseOTLPSpan(wire)
	assert.Error(t, err)
}

func TestOTLPExportSmallBodyUncompressed(t *testing.T) {
	var gotEncoding string
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gotAuth = r.Header.Get("Authorization")

		var payload otlpPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.ResourceSpans, 1)
		assert.Equal(t, "audit-pipeline",
			payload.ResourceSpans[0].Resource.Attributes[0].Value.StringValue)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewOTLPExporter(OTLPConfig{
		Endpoint:    srv.URL,
		ServiceName: "audit-pipeline",
		BearerToken: "secret-token",
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, exp.Export(context.Background(), []*audit.TraceSpan{sampleSpan()}))
	assert.Empty(t, gotEncoding)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestOTLPExportCompressesLargeBody(t *testing.T) {
	var gotEncoding string
	var decodedOK bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Content-Encoding")
		gz, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		decodedOK = json.Valid(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewOTLPExporter(OTLPConfig{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	span := sampleSpan()
	span.SetTag("padding", strings.Repeat("x", 4096))
	require.NoError(t, exp.Export(context.Background(), []*audit.TraceSpan{span}))

	assert.Equal(t, "gzip", gotEncoding)
	assert.True(t, decodedOK)
}

func TestOTLPExportRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exp, err := NewOTLPExporter(OTLPConfig{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, exp.Export(context.Background(), []*audit.TraceSpan{sampleSpan()}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestOTLPExportClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	exp, err := NewOTLPExporter(OTLPConfig{Endpoint: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	err = exp.Export(context.Background(), []*audit.TraceSpan{sampleSpan()})
	require.Error(t, err)
	assert.False(t, errors.IsRetryable(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOTLPExportGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	exp, err := NewOTLPExporter(OTLPConfig{Endpoint: srv.URL, MaxRetries: 2}, zap.NewNop())
	require.NoError(t, err)

	err = exp.Export(context.Background(), []*audit.TraceSpan{sampleSpan()})
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// collectExporter records every exported batch.
type collectExporter struct {
	mu      sync.Mutex
	batches [][]*audit.TraceSpan
}

func (c *collectExporter) Name() string { return "collect" }

func (c *collectExporter) Export(_ context.Context, spans []*audit.TraceSpan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := make([]*audit.TraceSpan, len(spans))
	copy(batch, spans)
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collectExporter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestTracerFlushesOnBatchSize(t *testing.T) {
	sink := &collectExporter{}
	tr := NewTracer(TracerConfig{BatchSize: 3, BatchTimeout: time.Hour}, sink, zap.NewNop())
	tr.Start()

	for i := 0; i < 3; i++ {
		span, _ := tr.StartSpan(context.Background(), "op")
		tr.FinishSpan(span, audit.SpanOK)
	}

	require.Eventually(t, func() bool { return sink.total() == 3 },
		2*time.Second, 10*time.Millisecond)
	tr.Stop()
}

func TestTracerStopDrainsQueuedSpans(t *testing.T) {
	sink := &collectExporter{}
	tr := NewTracer(TracerConfig{BatchSize: 100, BatchTimeout: time.Hour}, sink, zap.NewNop())
	tr.Start()

	for i := 0; i < 7; i++ {
		span, _ := tr.StartSpan(context.Background(), "op")
		tr.FinishSpan(span, audit.SpanOK)
	}
	tr.Stop()

	assert.Equal(t, 7, sink.total())
}

func TestStartSpanPropagatesTrace(t *testing.T) {
	tr := NewTracer(TracerConfig{}, &collectExporter{}, zap.NewNop())

	parent, ctx := tr.StartSpan(context.Background(), "parent")
	child, childCtx := tr.StartSpan(ctx, "child")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
	assert.Len(t, child.TraceID, 32)
	assert.Len(t, child.SpanID, 16)
	assert.Same(t, parent, SpanFromContext(ctx))
	assert.Same(t, child, SpanFromContext(childCtx))
}
