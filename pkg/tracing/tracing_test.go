package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return &Provider{tp: tp, tracer: tp.Tracer("test")}, sr
}

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(Config{ServiceName: "renderflow", Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, span := p.StartSpan(context.Background(), "noop")
	span.End()
	if ctx == nil {
		t.Fatal("expected a usable context from the no-op provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestHTTPMiddlewareRecordsSpan(t *testing.T) {
	p, sr := recordingProvider()

	router := mux.NewRouter()
	router.Use(HTTPMiddleware(p))
	router.HandleFunc("/render/status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/render/status/abc-123", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name() != "GET /render/status/{jobId}" {
		t.Errorf("unexpected span name %q", span.Name())
	}
	if got := span.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("caller trace context not honoured, trace id %s", got)
	}
	if !hasIntAttr(span.Attributes(), "http.status_code", 200) {
		t.Error("expected http.status_code 200 attribute")
	}
}

func TestHTTPMiddlewareMarksErrors(t *testing.T) {
	p, sr := recordingProvider()

	router := mux.NewRouter()
	router.Use(HTTPMiddleware(p))
	router.HandleFunc("/render/status/{jobId}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Job not found", http.StatusNotFound)
	}).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/render/status/missing", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if !hasIntAttr(spans[0].Attributes(), "http.status_code", 404) {
		t.Error("expected http.status_code 404 attribute")
	}
	if !hasBoolAttr(spans[0].Attributes(), "error", true) {
		t.Error("expected error attribute on 4xx response")
	}
}

func TestSetErrorMarksSpan(t *testing.T) {
	p, sr := recordingProvider()

	ctx, span := p.StartSpan(context.Background(), "render.attempt")
	SetError(ctx, errors.New("ffmpeg exited with code 1"))
	span.End()

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status().Code)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("expected a recorded exception event")
	}
}

func hasIntAttr(attrs []attribute.KeyValue, key string, want int64) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsInt64() == want {
			return true
		}
	}
	return false
}

func hasBoolAttr(attrs []attribute.KeyValue, key string, want bool) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsBool() == want {
			return true
		}
	}
	return false
}
