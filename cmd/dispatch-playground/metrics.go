package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	dispatch "github.com/Swind/go-dispatch"
	"github.com/Swind/go-dispatch/core"
	"github.com/Swind/go-dispatch/internal/config"
	"github.com/Swind/go-dispatch/internal/logger"
	promexp "github.com/Swind/go-dispatch/observability/prometheus"
	"github.com/Swind/go-dispatch/observability/otelmetrics"
)

const serviceName = "dispatch-playground"

type shutdownFn func(ctx context.Context) error

// metricsStack is the metrics backend selected by configuration. With
// exporter "none" it records nothing and serves nothing.
type metricsStack struct {
	metrics  core.Metrics
	registry *prom.Registry
	poller   *promexp.SnapshotPoller
	address  string
	shutdown shutdownFn
}

func setupMetrics(ctx context.Context, c config.MetricsConfig) (*metricsStack, error) {
	stack := &metricsStack{
		metrics:  &core.NilMetrics{},
		shutdown: func(context.Context) error { return nil },
	}

	switch c.Exporter {
	case "", "none":
		return stack, nil
	case "prometheus", "otel":
	default:
		return nil, fmt.Errorf("%w: unknown metrics exporter %q", core.ErrInvalidConfig, c.Exporter)
	}

	reg := prom.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	stack.registry = reg
	stack.address = c.Address

	poller, err := promexp.NewSnapshotPoller(reg, c.PollInterval)
	if err != nil {
		return nil, err
	}
	stack.poller = poller

	if c.Exporter == "prometheus" {
		exp, err := promexp.NewMetricsExporter("dispatch", reg, promexp.ExporterOptions{})
		if err != nil {
			return nil, err
		}
		stack.metrics = exp
		return stack, nil
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(reg),
		otelprom.WithoutScopeInfo(),
		otelprom.WithoutTargetInfo())
	if err != nil {
		return nil, fmt.Errorf("error while creating otel prometheus exporter: %w", err)
	}
	options := []sdkmetric.Option{sdkmetric.WithReader(exporter)}
	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err == nil {
		options = append(options, sdkmetric.WithResource(res))
	}
	provider := sdkmetric.NewMeterProvider(options...)

	m, err := otelmetrics.New(provider.Meter(serviceName))
	if err != nil {
		return nil, errors.Join(err, provider.Shutdown(ctx))
	}
	stack.metrics = m
	stack.shutdown = provider.Shutdown
	return stack, nil
}

// serve starts the snapshot poller and the /metrics endpoint on g. Both stop
// when ctx ends.
func (s *metricsStack) serve(ctx context.Context, g *errgroup.Group, d *dispatch.Dispatcher, log *logger.Logger) {
	if s.registry == nil {
		return
	}

	s.poller.AddQueueSet(d)
	s.poller.AddPool(d.Pool().ID(), d.Pool())
	s.poller.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:           s.address,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g.Go(func() error {
		log.Info("serving metrics", "address", s.address, "path", "/metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.poller.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
