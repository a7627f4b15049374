// Copyright (c) Bas van Beek 2022.
// Copyright (c) Tetrate, Inc 2021.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package observability owns the process wide OpenTelemetry providers and
// selects the exporters they flush to.
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/pkg"
)

// flags
const (
	ServiceName     = "service-name"
	TraceExporter   = "trace-exporter"
	MetricsExporter = "metrics-exporter"
	TraceSampleRate = "trace-sample-rate"
)

// exporter names handled by the Service itself
const (
	ExporterNone       = "none"
	ExporterPrometheus = "prometheus"
)

const (
	defaultServiceName = "otel-playground"
	defaultSampleRate  = 1.0
	shutdownTimeout    = 5 * time.Second
)

// SpanExporterService is implemented by configurable trace exporters.
type SpanExporterService interface {
	run.Config
	SpanExporter(ctx context.Context) (sdktrace.SpanExporter, error)
}

// MetricExporterService is an extension interface trace exporters can
// implement when their backend also accepts metrics.
type MetricExporterService interface {
	MetricExporter(ctx context.Context) (sdkmetric.Exporter, error)
}

// Service implements a run.Group compatible OpenTelemetry bootstrap. The
// providers it creates are handed out explicitly; nothing is registered
// globally.
type Service struct {
	ServiceName     string
	ServiceVersion  string
	InstanceID      string
	TraceExporter   string
	MetricsExporter string
	SampleRate      float64
	Exporters       []SpanExporterService

	// SpanProcessors and MetricReaders are attached next to the selected
	// exporters.
	SpanProcessors []sdktrace.SpanProcessor
	MetricReaders  []sdkmetric.Reader

	tp         *sdktrace.TracerProvider
	mp         *sdkmetric.MeterProvider
	propagator propagation.TextMapPropagator
	registry   *prometheus.Registry
	closer     chan error
}

// static compile time run interfaces validation
var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return fmt.Sprintf("observability[%s,%s]", s.TraceExporter, s.MetricsExporter)
}

// GroupName implements run.Namer so the service name defaults to the name of
// the run.Group.
func (s *Service) GroupName(name string) {
	if s.ServiceName == "" {
		s.ServiceName = name
	}
}

func (s *Service) traceExporters() []string {
	names := []string{ExporterNone}
	for _, e := range s.Exporters {
		names = append(names, e.Name())
	}
	return names
}

func (s *Service) metricExporters() []string {
	names := []string{ExporterNone, ExporterPrometheus}
	for _, e := range s.Exporters {
		if _, ok := e.(MetricExporterService); ok {
			names = append(names, e.Name())
		}
	}
	return names
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.ServiceName == "" {
		s.ServiceName = defaultServiceName
	}
	if s.ServiceVersion == "" {
		s.ServiceVersion = version.Parse()
	}
	if s.TraceExporter == "" {
		s.TraceExporter = ExporterNone
	}
	if s.MetricsExporter == "" {
		s.MetricsExporter = ExporterPrometheus
	}
	if s.SampleRate < 0 {
		s.SampleRate = 0.0
	} else if s.SampleRate == 0.0 {
		s.SampleRate = defaultSampleRate
	}

	flags := run.NewFlagSet("Observability config")

	flags.StringVar(
		&s.ServiceName,
		ServiceName,
		s.ServiceName,
		`Service name reported on all telemetry`)
	flags.StringVar(
		&s.TraceExporter,
		TraceExporter,
		s.TraceExporter,
		fmt.Sprintf(`Trace exporter to use, one of %v`, s.traceExporters()))
	flags.StringVar(
		&s.MetricsExporter,
		MetricsExporter,
		s.MetricsExporter,
		fmt.Sprintf(`Metrics exporter to use, one of %v`, s.metricExporters()))
	flags.Float64Var(
		&s.SampleRate,
		TraceSampleRate,
		s.SampleRate,
		`Ratio of root traces to sample, between never (0.0) and always (1.0)`)

	for _, e := range s.Exporters {
		flags.AddFlagSet(e.FlagSet().FlagSet)
	}
	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.ServiceName == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, ServiceName, pkg.ErrRequired))
	}
	if !contains(s.traceExporters(), s.TraceExporter) {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, TraceExporter,
				fmt.Errorf("exporter must be one of %v", s.traceExporters())))
	}
	if !contains(s.metricExporters(), s.MetricsExporter) {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, MetricsExporter,
				fmt.Errorf("exporter must be one of %v", s.metricExporters())))
	}
	if s.SampleRate < 0 || s.SampleRate > 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, TraceSampleRate, errors.New("expected value between 0.0 and 1.0")))
	}

	// only the selected exporters need a valid configuration
	for _, e := range s.Exporters {
		if e.Name() == s.TraceExporter || e.Name() == s.MetricsExporter {
			if err := e.Validate(); err != nil {
				mErr = multierror.Append(mErr, err)
			}
		}
	}
	return mErr
}

func (s *Service) exporter(name string) SpanExporterService {
	for _, e := range s.Exporters {
		if e.Name() == name {
			return e
		}
	}
	return nil
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		semconv.ServiceName(s.ServiceName),
		semconv.ServiceVersion(s.ServiceVersion),
	}
	if s.InstanceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(s.InstanceID))
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return err
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRate))),
	}
	if e := s.exporter(s.TraceExporter); e != nil {
		exp, err := e.SpanExporter(ctx)
		if err != nil {
			return fmt.Errorf("trace exporter %s: %w", e.Name(), err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exp))
	}
	for _, sp := range s.SpanProcessors {
		traceOpts = append(traceOpts, sdktrace.WithSpanProcessor(sp))
	}

	metricOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	switch s.MetricsExporter {
	case ExporterNone:
	case ExporterPrometheus:
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reader, err := otelprom.New(otelprom.WithRegisterer(s.registry))
		if err != nil {
			return fmt.Errorf("metrics exporter %s: %w", ExporterPrometheus, err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(reader))
	default:
		me, _ := s.exporter(s.MetricsExporter).(MetricExporterService)
		exp, err := me.MetricExporter(ctx)
		if err != nil {
			return fmt.Errorf("metrics exporter %s: %w", s.MetricsExporter, err)
		}
		metricOpts = append(metricOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
	}
	for _, r := range s.MetricReaders {
		metricOpts = append(metricOpts, sdkmetric.WithReader(r))
	}

	s.tp = sdktrace.NewTracerProvider(traceOpts...)
	s.mp = sdkmetric.NewMeterProvider(metricOpts...)
	s.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	s.closer = make(chan error)

	return nil
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.Service. Buffered telemetry is flushed before
// the providers shut down.
func (s *Service) GracefulStop() {
	close(s.closer)
	_ = s.Shutdown(context.Background()) // nolint: errcheck
}

// Shutdown flushes and stops both providers.
func (s *Service) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var mErr error
	if s.tp != nil {
		if err := s.tp.Shutdown(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if s.mp != nil {
		if err := s.mp.Shutdown(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return mErr
}

// TracerProvider returns the process wide tracer provider, or nil before
// PreRun.
func (s *Service) TracerProvider() trace.TracerProvider {
	if s.tp == nil {
		return nil
	}
	return s.tp
}

// MeterProvider returns the process wide meter provider.
func (s *Service) MeterProvider() metric.MeterProvider {
	if s.mp == nil {
		return nil
	}
	return s.mp
}

// Propagator returns the W3C trace context and baggage propagator.
func (s *Service) Propagator() propagation.TextMapPropagator {
	return s.propagator
}

// MetricsHandler serves the Prometheus registry when the prometheus metrics
// exporter is selected.
func (s *Service) MetricsHandler() http.Handler {
	if s.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
