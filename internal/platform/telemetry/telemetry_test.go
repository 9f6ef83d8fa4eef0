package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

func newTestProvider(t *testing.T, cfg TelemetryConfig) (*TelemetryProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp, err := NewTelemetryProvider(context.Background(), cfg,
		WithSpanExporter(exp),
		WithRegistry(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("NewTelemetryProvider: %v", err)
	}
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func newTestEcho(tp *TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.NoContent(apperr.StatusCode(err))
	}
	e.Use(tp.TracingMiddleware(), tp.MetricsMiddleware())
	e.GET("/api/patient/appointments", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.PATCH("/api/patient/:id/cancel", func(c echo.Context) error {
		return apperr.NotFound("Appointment not found")
	})
	e.GET("/boom", func(c echo.Context) error {
		return io.ErrUnexpectedEOF
	})
	return e
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTelemetryConfig_Defaults(t *testing.T) {
	cfg := TelemetryConfig{}
	cfg.applyDefaults()

	if cfg.ServiceName != "clinicflow-server" {
		t.Fatalf("expected default ServiceName, got %q", cfg.ServiceName)
	}
	if cfg.ServiceVersion != "0.0.0" {
		t.Fatalf("expected default ServiceVersion='0.0.0', got %q", cfg.ServiceVersion)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default Environment='development', got %q", cfg.Environment)
	}
	if cfg.SampleRate != 1.0 {
		t.Fatalf("expected default SampleRate=1.0, got %f", cfg.SampleRate)
	}
	if !cfg.metricsOn() || !cfg.tracingOn() {
		t.Fatal("expected metrics and tracing on by default")
	}
}

func TestNewTelemetryProvider_NoEndpointIsNoop(t *testing.T) {
	tp, err := NewTelemetryProvider(context.Background(), TelemetryConfig{}, WithRegistry(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp.tp != nil {
		t.Error("expected no SDK tracer provider without endpoint or exporter")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTracingMiddleware_CreatesServerSpan(t *testing.T) {
	tp, exp := newTestProvider(t, TelemetryConfig{})
	e := newTestEcho(tp)

	req := httptest.NewRequest(http.MethodGet, "/api/patient/appointments", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name != "HTTP GET /api/patient/appointments" {
		t.Errorf("unexpected span name %q", s.Name)
	}
	if s.SpanKind != trace.SpanKindServer {
		t.Errorf("expected server span, got %v", s.SpanKind)
	}
	if v, ok := attrValue(s.Attributes, "http.response.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("expected status 200 attribute, got %v", v)
	}
	if s.Status.Code == codes.Error {
		t.Error("expected non-error status for 200")
	}
}

func TestTracingMiddleware_UsesRoutePatternAndErrorStatus(t *testing.T) {
	tp, exp := newTestProvider(t, TelemetryConfig{})
	e := newTestEcho(tp)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/api/patient/abc/cancel", nil))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if v, _ := attrValue(spans[0].Attributes, "http.route"); v.AsString() != "/api/patient/:id/cancel" {
		t.Errorf("expected route pattern, got %q", v.AsString())
	}
	if v, _ := attrValue(spans[0].Attributes, "http.response.status_code"); v.AsInt64() != 404 {
		t.Errorf("expected 404, got %d", v.AsInt64())
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("404 should not mark the span failed")
	}
	if spans[1].Status.Code != codes.Error {
		t.Error("expected 500 to mark the span failed")
	}
}

func TestTracingMiddleware_ContinuesInboundTrace(t *testing.T) {
	tp, exp := newTestProvider(t, TelemetryConfig{})
	e := newTestEcho(tp)

	req := httptest.NewRequest(http.MethodGet, "/api/patient/appointments", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	e.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected inbound trace id, got %s", got)
	}
}

func TestNoop_WhenDisabled(t *testing.T) {
	tp, exp := newTestProvider(t, TelemetryConfig{
		MetricsEnabled: BoolPtr(false),
		TracingEnabled: BoolPtr(false),
	})
	e := newTestEcho(tp)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/patient/appointments", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Fatalf("expected 0 spans when tracing disabled, got %d", n)
	}
	if n := testutil.CollectAndCount(tp.requests); n != 0 {
		t.Fatalf("expected no request series when metrics disabled, got %d", n)
	}
}

func TestMetricsMiddleware_CountsByRouteAndStatus(t *testing.T) {
	tp, _ := newTestProvider(t, TelemetryConfig{})
	e := newTestEcho(tp)

	for i := 0; i < 3; i++ {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/patient/appointments", nil))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPatch, "/api/patient/x/cancel", nil))

	if got := testutil.ToFloat64(tp.requests.WithLabelValues("GET", "/api/patient/appointments", "200")); got != 3 {
		t.Errorf("expected 3 GET requests, got %v", got)
	}
	if got := testutil.ToFloat64(tp.requests.WithLabelValues("PATCH", "/api/patient/:id/cancel", "404")); got != 1 {
		t.Errorf("expected 1 PATCH 404, got %v", got)
	}
	if got := testutil.ToFloat64(tp.active); got != 0 {
		t.Errorf("expected no active requests after completion, got %v", got)
	}
}

func TestPrometheusHandler_ExposesMetrics(t *testing.T) {
	tp, _ := newTestProvider(t, TelemetryConfig{})
	e := newTestEcho(tp)
	e.GET("/metrics", tp.PrometheusHandler())
	tp.SetDBPool(3, 7)

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/patient/appointments", nil))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"http_requests_total",
		"http_request_duration_seconds_bucket",
		"db_pool_acquired_conns 3",
		"db_pool_idle_conns 7",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics output to contain %q", want)
		}
	}
}

func TestSpanError_IgnoresDomainRejections(t *testing.T) {
	tp, exp := newTestProvider(t, TelemetryConfig{})
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "conflict")
	SpanError(span, apperr.Conflict("This time slot is already booked"))
	span.End()

	_, span = tracer.Start(context.Background(), "internal")
	SpanError(span, io.ErrUnexpectedEOF)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("conflict should not mark the span failed")
	}
	if spans[1].Status.Code != codes.Error {
		t.Error("internal failure should mark the span failed")
	}
}
