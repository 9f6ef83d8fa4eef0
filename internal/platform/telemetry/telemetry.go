// Package telemetry wires OpenTelemetry tracing and Prometheus HTTP metrics
// into the Echo server.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/clinicflow/clinicflow/internal/platform/apperr"
)

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is the collector's gRPC host:port. Tracing without an
	// endpoint or an explicit exporter records nothing.
	OTLPEndpoint   string
	MetricsEnabled *bool // nil = use default (true)
	TracingEnabled *bool // nil = use default (true)
	SampleRate     float64
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "clinicflow-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

// Option customises a TelemetryProvider.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
	registry *prometheus.Registry
}

// WithSpanExporter sends spans to exp synchronously instead of dialing the
// OTLP collector.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// WithRegistry registers HTTP metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// TelemetryProvider owns the tracer provider and the Prometheus registry.
type TelemetryProvider struct {
	cfg        TelemetryConfig
	tp         *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	registry   *prometheus.Registry

	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	responseSize *prometheus.HistogramVec
	active       prometheus.Gauge
	poolAcquired prometheus.Gauge
	poolIdle     prometheus.Gauge
}

// NewTelemetryProvider creates the tracer provider and metric collectors.
// It also installs the tracer provider and W3C propagators globally.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig, opts ...Option) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := &TelemetryProvider{
		cfg: cfg,
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		registry: o.registry,
	}
	otel.SetTextMapPropagator(p.propagator)

	if err := p.setupTracing(ctx, o.exporter); err != nil {
		return nil, err
	}
	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	p.setupMetrics()
	return p, nil
}

func (p *TelemetryProvider) setupTracing(ctx context.Context, exp sdktrace.SpanExporter) error {
	if !p.cfg.tracingOn() || (exp == nil && p.cfg.OTLPEndpoint == "") {
		p.tracer = noop.NewTracerProvider().Tracer(p.cfg.ServiceName)
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(p.cfg.ServiceName),
			semconv.ServiceVersion(p.cfg.ServiceVersion),
			attribute.String("deployment.environment", p.cfg.Environment),
		),
	)
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(p.cfg.SampleRate))),
		sdktrace.WithResource(res),
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exp))
	} else {
		otlp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(p.cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(3*time.Second),
		)
		if err != nil {
			return err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(otlp))
	}

	p.tp = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(p.tp)
	p.tracer = p.tp.Tracer(p.cfg.ServiceName)
	return nil
}

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

func (p *TelemetryProvider) setupMetrics() {
	labels := []string{"method", "route", "status"}
	p.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, labels)
	p.duration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: durationBuckets,
	}, labels)
	p.responseSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "HTTP response body size.",
		Buckets: prometheus.ExponentialBuckets(100, 10, 6),
	}, []string{"route"})
	p.active = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_active_requests",
		Help: "In-flight HTTP requests.",
	})
	p.poolAcquired = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_acquired_conns",
		Help: "Database connections currently in use.",
	})
	p.poolIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_idle_conns",
		Help: "Idle database connections.",
	})
	p.registry.MustRegister(p.requests, p.duration, p.responseSize, p.active, p.poolAcquired, p.poolIdle)
}

// Registry exposes the registry so domain metrics share the /metrics endpoint.
func (p *TelemetryProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Tracer returns a named tracer from the provider.
func (p *TelemetryProvider) Tracer(name string) trace.Tracer {
	if p.tp == nil {
		return p.tracer
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

// SetDBPool records pool occupancy, typically from db.GetPoolStats.
func (p *TelemetryProvider) SetDBPool(acquired, idle int32) {
	p.poolAcquired.Set(float64(acquired))
	p.poolIdle.Set(float64(idle))
}

// responseStatus returns the status the client will see. The error handler
// runs after the middleware chain unwinds, so an uncommitted response with
// an error still reports 200 here.
func responseStatus(c echo.Context, err error) int {
	if err != nil && !c.Response().Committed {
		return apperr.StatusCode(err)
	}
	return c.Response().Status
}

func routeOf(c echo.Context) string {
	if route := c.Path(); route != "" {
		return route
	}
	return "unmatched"
}

// TracingMiddleware starts a server span per request, continuing any trace
// carried in the inbound headers.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}

			req := c.Request()
			route := routeOf(c)
			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("url.path", req.URL.Path),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := responseStatus(c, err)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if uid, ok := c.Get("user_id").(string); ok && uid != "" {
				span.SetAttributes(attribute.String("enduser.id", uid))
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}

// MetricsMiddleware records request count, latency and response size.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.metricsOn() {
				return next(c)
			}

			p.active.Inc()
			defer p.active.Dec()
			start := time.Now()

			err := next(c)

			route := routeOf(c)
			status := strconv.Itoa(responseStatus(c, err))
			method := c.Request().Method
			p.requests.WithLabelValues(method, route, status).Inc()
			p.duration.WithLabelValues(method, route, status).Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				p.responseSize.WithLabelValues(route).Observe(float64(size))
			}
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

// SpanError marks span failed when err is an unexpected failure. Domain
// rejections (validation, conflict) leave the span status unset.
func SpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	if apperr.StatusCode(err) >= http.StatusInternalServerError && !errors.Is(err, context.Canceled) {
		span.SetStatus(codes.Error, err.Error())
	}
}
