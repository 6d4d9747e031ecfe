package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewMetricsCreatesAllInstruments(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.DecisionDuration == nil || m.HTTPRequestDuration == nil {
		t.Error("histograms not initialised")
	}
	if m.DecisionsHandled == nil || m.DuplicateDecisions == nil || m.FramesGated == nil ||
		m.AudioChunksDropped == nil || m.WatchdogRecoveries == nil || m.UpstreamReconnects == nil {
		t.Error("counters not initialised")
	}
	if m.SinkErrors == nil || m.ActuatorErrors == nil || m.ActiveClients == nil {
		t.Error("error counters or gauges not initialised")
	}
}

func TestDefaultMetricsIsSingleton(t *testing.T) {
	t.Parallel()
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned distinct instances")
	}
}

func TestHTTPMiddlewarePassesThrough(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var handlerRan bool
	h := HTTPMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if !handlerRan {
		t.Fatal("wrapped handler did not run")
	}
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestHTTPMiddlewarePreservesHijack(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// WebSocket upgrades hijack the connection; the wrapped writer must not
	// hide that capability from handlers behind the middleware.
	hijacked := make(chan error, 1)
	h := HTTPMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := http.NewResponseController(w).Hijack()
		hijacked <- err
		if err == nil {
			conn.Close()
		}
	}))

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
	}
	if err := <-hijacked; err != nil {
		t.Fatalf("hijack through middleware: %v", err)
	}
}

func TestLoggerEnrichment(t *testing.T) {
	t.Parallel()

	if Logger(context.Background()) != slog.Default() {
		t.Error("logger without a span gained attributes")
	}

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if Logger(ctx) == slog.Default() {
		t.Error("logger with an active span was not enriched with trace ids")
	}
}
