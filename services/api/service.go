// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api assembles the Aleutian Tasks HTTP service.
//
// New wires every component explicitly; there are no package-level
// singletons:
//
//	config ─► session.Factory ─► store.Migrate
//	       ─► modules.Catalog ─► routegroup.Registry ─► router.Compose
//	       ─► router.VerifyMinimums ─► gin engine + router.Mount
//	       ─► observability.Metrics (own prometheus registry, /metrics)
//	       ─► beacon (optional) so the watchdog can supervise this process
//
// # Usage
//
//	svc, err := api.New(ctx, cfg, api.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianTasks/pkg/beacon"
	"github.com/AleutianAI/AleutianTasks/services/api/config"
	"github.com/AleutianAI/AleutianTasks/services/api/middleware"
	"github.com/AleutianAI/AleutianTasks/services/api/modules"
	"github.com/AleutianAI/AleutianTasks/services/api/observability"
	"github.com/AleutianAI/AleutianTasks/services/api/routegroup"
	"github.com/AleutianAI/AleutianTasks/services/api/router"
	"github.com/AleutianAI/AleutianTasks/services/api/session"
	"github.com/AleutianAI/AleutianTasks/services/api/store"
	"github.com/AleutianAI/AleutianTasks/services/watchdog"
)

// ServiceName identifies this service in traces and logs.
const ServiceName = "aleutian-tasks-api"

// MetricsPath serves Prometheus metrics outside every route group.
const MetricsPath = "/metrics"

// =============================================================================
// Service Interface
// =============================================================================

// Service is the assembled HTTP service.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down gracefully and releases every resource.
	Run(ctx context.Context) error

	// Router returns the gin engine. Do not add routes after New.
	Router() *gin.Engine

	// Table returns the composed route table.
	Table() *router.Table

	// Sessions returns the session factory.
	Sessions() *session.Factory

	// Close releases resources without serving. Safe to call twice.
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// Option customises New.
type Option func(*options)

type options struct {
	factory  *session.Factory
	logger   *slog.Logger
	registry *prometheus.Registry
	version  string
	extra    []routegroup.RouteGroup
}

// WithSessionFactory injects an already open factory. The service does
// not close an injected factory.
func WithSessionFactory(f *session.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the Prometheus registry metrics are registered on.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithVersion sets the version reported by /admin/version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithGroups registers additional route groups after the built-in nine.
func WithGroups(groups ...routegroup.RouteGroup) Option {
	return func(o *options) { o.extra = append(o.extra, groups...) }
}

// =============================================================================
// Constructor
// =============================================================================

type service struct {
	config   config.Config
	logger   *slog.Logger
	engine   *gin.Engine
	table    *router.Table
	factory  *session.Factory
	ownsPool bool
	registry *prometheus.Registry
	metrics  *observability.Metrics
	beacon   *beacon.Beacon

	tracerCleanup func(context.Context)
	closeOnce     sync.Once
	closeErr      error
}

// New assembles the service.
//
// # Description
//
// New performs, in order:
//  1. Tracing (only when cfg.OTelEndpoint is set)
//  2. Session factory (opened from cfg.Database unless injected)
//  3. Schema migration (when cfg.Database.Migrate)
//  4. Route group registration and composition
//  5. Minimum route count verification
//  6. Metrics, gin engine and route mounting
//
// Any configuration error (duplicate prefix or tag, duplicate route,
// route count below minimum) fails New before anything listens.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Wrapped cause; resources opened so far are released.
func New(ctx context.Context, cfg config.Config, opts ...Option) (Service, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &service{
		config:   cfg,
		logger:   o.logger,
		registry: o.registry,
		factory:  o.factory,
	}

	if cfg.OTelEndpoint != "" {
		cleanup, err := s.initTracer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	if s.factory == nil {
		f, err := session.Open(ctx, session.Config{
			URL:             cfg.Database.URL,
			MaxSessions:     cfg.Database.MaxSessions,
			WaitTimeout:     cfg.Database.WaitTimeout,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, s.logger)
		if err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		s.factory = f
		s.ownsPool = true
	}

	docs := store.New()
	if cfg.Database.Migrate {
		if err := s.factory.WithSession(ctx, func(ctx context.Context, sess *session.Session) error {
			return docs.Migrate(ctx, sess)
		}); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	if err := s.initRoutes(docs, o); err != nil {
		s.cleanup()
		return nil, err
	}

	s.metrics = observability.NewMetrics(s.registry)
	s.metrics.SetRouteCounts(s.table.Introspect())
	s.metrics.RegisterSessionPool(s.factory)

	if err := s.initRouter(); err != nil {
		s.cleanup()
		return nil, err
	}

	if cfg.Beacon.Enabled {
		s.beacon = beacon.New(beacon.Config{
			PIDFile:       cfg.Beacon.PIDFile,
			HeartbeatFile: cfg.Beacon.HeartbeatFile,
			Interval:      cfg.Beacon.Interval,
		}, s.logger)
	}

	s.logger.Info("API service assembled",
		"groups", len(s.table.Groups()),
		"routes", s.table.Len(),
		"driver", s.factory.DriverName(),
		"max_sessions", cfg.Database.MaxSessions,
	)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run serves until ctx ends, then shuts down within cfg.ShutdownTimeout.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	if s.beacon != nil {
		if err := s.beacon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start liveness beacon: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down API server", "timeout", s.config.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine { return s.engine }

func (s *service) Table() *router.Table { return s.table }

func (s *service) Sessions() *session.Factory { return s.factory }

func (s *service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initRoutes registers the built-in groups plus any extras, composes the
// table and checks the per-tag minimums.
func (s *service) initRoutes(docs *store.Store, o options) error {
	ref := &modules.TableRef{}
	wd := watchdog.New(s.config.Watchdog, watchdog.WithLogger(s.logger))
	redacted := s.config.Redacted()

	deps := modules.Deps{
		Store:      docs,
		Pool:       s.factory,
		Table:      ref,
		Liveness:   wd.CheckHealth,
		Config:     func() any { return redacted },
		Version:    o.version,
		AdminToken: s.config.AdminToken,
		TokenTTL:   s.config.Auth.TokenTTL,
		BcryptCost: s.config.Auth.BcryptCost,
		Logger:     s.logger,
	}

	reg := routegroup.NewRegistry()
	if err := reg.RegisterAll(modules.Catalog(deps)...); err != nil {
		return fmt.Errorf("failed to register route groups: %w", err)
	}
	if err := reg.RegisterAll(o.extra...); err != nil {
		return fmt.Errorf("failed to register route groups: %w", err)
	}

	table, err := router.Compose(reg)
	if err != nil {
		return fmt.Errorf("failed to compose routes: %w", err)
	}
	if err := router.VerifyMinimums(table, modules.Minimums()); err != nil {
		return fmt.Errorf("route table rejected: %w", err)
	}

	ref.Set(table)
	s.table = table
	return nil
}

// initRouter creates the gin engine, applies the global middleware and
// mounts the composed table.
func (s *service) initRouter() error {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}
	s.engine = gin.New()
	s.engine.Use(middleware.RequestID())
	if s.tracerCleanup != nil {
		s.engine.Use(otelgin.Middleware(ServiceName))
	}
	s.engine.Use(middleware.Logger(s.logger))
	s.engine.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.logger.Error("Handler panic recovered",
			"path", c.Request.URL.Path,
			"panic", fmt.Sprint(recovered))
		middleware.Abort(c, http.StatusInternalServerError, observability.ErrorCodeInternal, "internal server error")
	}))
	if s.config.RateLimit.RPS > 0 {
		s.engine.Use(middleware.NewRateLimiter(s.config.RateLimit.RPS, s.config.RateLimit.Burst).Middleware())
	}

	s.engine.GET(MetricsPath, gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	if err := router.Mount(s.engine, s.table, router.MountOptions{
		Sessions: s.factory,
		Metrics:  s.metrics,
		Logger:   s.logger,
	}); err != nil {
		return fmt.Errorf("failed to mount routes: %w", err)
	}
	return nil
}

// initTracer sets up trace export. OTelEndpoint "stdout" pretty-prints
// spans to stdout; anything else is an OTLP collector address.
//
// # Limitations
//
//   - Uses an insecure gRPC connection (internal collector networks).
func (s *service) initTracer(ctx context.Context) (func(context.Context), error) {
	traceExporter, closeConn, err := newSpanExporter(ctx, s.config.OTelEndpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = closeConn()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown tracer provider", "error", err)
		}
		if err := closeConn(); err != nil {
			s.logger.Error("failed to close trace exporter connection", "error", err)
		}
	}, nil
}

// newSpanExporter returns the exporter and a function closing the
// connection it was given. The OTLP exporter does not own that connection,
// so the caller closes it after the provider has flushed.
func newSpanExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, func() error, error) {
	if endpoint == config.OTelStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, func() error { return nil }, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exporter, conn.Close, nil
}

// cleanup releases what New opened, in reverse order.
func (s *service) cleanup() error {
	var errs []error
	if s.beacon != nil {
		s.beacon.Stop()
	}
	if s.factory != nil && s.ownsPool {
		if err := s.factory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session factory: %w", err))
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
	return errors.Join(errs...)
}

var _ Service = (*service)(nil)
