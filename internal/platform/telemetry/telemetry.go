// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the messaging server. All Provider methods are safe on a nil receiver so
// components can run without telemetry in tests.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "messaging"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "messaging-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

type Provider struct {
	cfg      Config
	registry *prometheus.Registry
	tracer   trace.Tracer

	httpDuration *prometheus.HistogramVec
	httpActive   prometheus.Gauge

	messagesSent         prometheus.Counter
	messagesDeleted      prometheus.Counter
	messagesRead         prometheus.Counter
	conversationsCreated prometheus.Counter
	notificationsCreated prometheus.Counter
	fanoutFailures       *prometheus.CounterVec
	deliveryPulses       *prometheus.CounterVec
	activeSubscriptions  prometheus.Gauge
	wsConnections        prometheus.Gauge
	searchQueries        prometheus.Counter
	dbPoolConns          *prometheus.GaugeVec
}

// NewProvider builds a private registry with Go runtime collectors and the
// messaging metrics. Tracing uses the global otel provider, which is a no-op
// until an SDK is installed.
func NewProvider(cfg Config) *Provider {
	cfg.applyDefaults()
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName, "env": cfg.Environment}

	p := &Provider{
		cfg:      cfg,
		registry: reg,
		tracer:   otel.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion)),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "HTTP request latency by route.", ConstLabels: constLabels,
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_requests",
			Help: "In-flight HTTP requests.", ConstLabels: constLabels,
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Messages persisted.", ConstLabels: constLabels,
		}),
		messagesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_deleted_total",
			Help: "Messages soft-deleted.", ConstLabels: constLabels,
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_read_total",
			Help: "Messages flipped to read.", ConstLabels: constLabels,
		}),
		conversationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "conversations_created_total",
			Help: "Conversations created.", ConstLabels: constLabels,
		}),
		notificationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_created_total",
			Help: "Notification rows written by fan-out.", ConstLabels: constLabels,
		}),
		fanoutFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "fanout_failures_total",
			Help: "Notification fan-outs that failed.", ConstLabels: constLabels,
		}, []string{"stage"}),
		deliveryPulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "pulses_total",
			Help: "Live delivery snapshots by outcome.", ConstLabels: constLabels,
		}, []string{"outcome"}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "active_subscriptions",
			Help: "Open live subscriptions.", ConstLabels: constLabels,
		}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open websocket connections.", ConstLabels: constLabels,
		}),
		searchQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "search_queries_total",
			Help: "Message searches executed.", ConstLabels: constLabels,
		}),
		dbPoolConns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "db", Name: "pool_connections",
			Help: "Database pool connections by state.", ConstLabels: constLabels,
		}, []string{"state"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.httpDuration, p.httpActive,
		p.messagesSent, p.messagesDeleted, p.messagesRead, p.conversationsCreated,
		p.notificationsCreated, p.fanoutFailures, p.deliveryPulses,
		p.activeSubscriptions, p.wsConnections, p.searchQueries, p.dbPoolConns,
	)
	return p
}

func (p *Provider) Registry() *prometheus.Registry {
	if p == nil {
		return nil
	}
	return p.registry
}

func (p *Provider) Resource() map[string]string {
	if p == nil {
		return nil
	}
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// StartSpan opens a span on the configured tracer. The returned span is never
// nil.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if p == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (p *Provider) MessageSent() {
	if p != nil {
		p.messagesSent.Inc()
	}
}

func (p *Provider) MessageDeleted() {
	if p != nil {
		p.messagesDeleted.Inc()
	}
}

func (p *Provider) MessagesRead(n int) {
	if p != nil && n > 0 {
		p.messagesRead.Add(float64(n))
	}
}

func (p *Provider) ConversationCreated() {
	if p != nil {
		p.conversationsCreated.Inc()
	}
}

func (p *Provider) NotificationsCreated(n int) {
	if p != nil && n > 0 {
		p.notificationsCreated.Add(float64(n))
	}
}

// FanoutFailed counts a failed fan-out; stage is "dispatch" or "write".
func (p *Provider) FanoutFailed(stage string) {
	if p != nil {
		p.fanoutFailures.WithLabelValues(stage).Inc()
	}
}

func (p *Provider) DeliveryPulse(ok bool) {
	if p == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	p.deliveryPulses.WithLabelValues(outcome).Inc()
}

func (p *Provider) SubscriptionOpened() {
	if p != nil {
		p.activeSubscriptions.Inc()
	}
}

func (p *Provider) SubscriptionClosed() {
	if p != nil {
		p.activeSubscriptions.Dec()
	}
}

func (p *Provider) WSConnected() {
	if p != nil {
		p.wsConnections.Inc()
	}
}

func (p *Provider) WSDisconnected() {
	if p != nil {
		p.wsConnections.Dec()
	}
}

func (p *Provider) SearchExecuted() {
	if p != nil {
		p.searchQueries.Inc()
	}
}

// SetDBPool publishes pool connection counts.
func (p *Provider) SetDBPool(total, idle, acquired int32) {
	if p == nil {
		return
	}
	p.dbPoolConns.WithLabelValues("total").Set(float64(total))
	p.dbPoolConns.WithLabelValues("idle").Set(float64(idle))
	p.dbPoolConns.WithLabelValues("acquired").Set(float64(acquired))
}

// Middleware records request latency and wraps each request in a server span
// named after the route pattern.
func (p *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p == nil {
				return next(c)
			}
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx, span := p.tracer.Start(req.Context(), "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				))
			c.SetRequest(req.WithContext(ctx))

			p.httpActive.Inc()
			start := time.Now()
			err := next(c)
			p.httpActive.Dec()

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			p.httpDuration.WithLabelValues(req.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())

			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= 500 {
				span.SetStatus(codes.Error, "server error")
			}
			span.End()
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() echo.HandlerFunc {
	if p == nil {
		return func(c echo.Context) error { return echo.ErrNotFound }
	}
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
