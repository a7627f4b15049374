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

package observability_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/pkg/observability"
	"github.com/basvanbeek/trace-playground/pkg/observability/otlp"
	"github.com/basvanbeek/trace-playground/pkg/observability/stdout"
	"github.com/basvanbeek/trace-playground/pkg/observability/zipkin"
)

func newService(traces, metrics string) *observability.Service {
	s := &observability.Service{
		Exporters: []observability.SpanExporterService{
			&otlp.Service{},
			&stdout.Service{Writer: io.Discard},
			&zipkin.Service{},
		},
	}
	_ = s.FlagSet()
	s.TraceExporter = traces
	s.MetricsExporter = metrics
	return s
}

func TestServiceValidate(t *testing.T) {
	tests := []struct {
		name    string
		traces  string
		metrics string
		rate    float64
		fails   bool
	}{
		{"defaults", observability.ExporterNone, observability.ExporterPrometheus, 1, false},
		{"otlp", "otlp", "otlp", 0.5, false},
		{"stdout", "stdout", "stdout", 1, false},
		{"zipkin-traces", "zipkin", observability.ExporterNone, 1, false},
		{"zipkin-metrics", "zipkin", "zipkin", 1, true},
		{"unknown-traces", "jaeger", observability.ExporterNone, 1, true},
		{"unknown-metrics", observability.ExporterNone, "statsd", 1, true},
		{"rate-too-high", observability.ExporterNone, observability.ExporterNone, 1.5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(tt.traces, tt.metrics)
			s.SampleRate = tt.rate
			err := s.Validate()
			if tt.fails {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestProvidersAreExplicit(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()

	s := newService(observability.ExporterNone, observability.ExporterNone)
	s.ServiceName = "unit-test"
	s.SpanProcessors = append(s.SpanProcessors, rec)
	s.MetricReaders = append(s.MetricReaders, reader)
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	ctx, span := s.TracerProvider().Tracer("test").Start(context.Background(), "op")
	assert.NotEmpty(t, observability.TraceID(ctx))
	assert.NotEmpty(t, observability.SpanID(ctx))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	name, ok := ended[0].Resource().Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "unit-test", name.AsString())
	assert.Equal(t, semconv.SchemaURL, ended[0].Resource().SchemaURL())

	counter, err := s.MeterProvider().Meter("test").Int64Counter("playground.test")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "playground.test", rm.ScopeMetrics[0].Metrics[0].Name)

	assert.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, s.Propagator().Fields())

	res := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestPrometheusHandler(t *testing.T) {
	s := newService(observability.ExporterNone, observability.ExporterPrometheus)
	require.NoError(t, s.PreRun())
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	counter, err := s.MeterProvider().Meter("test").Int64Counter("playground.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	res := httptest.NewRecorder()
	s.MetricsHandler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "playground_test")
	assert.Contains(t, res.Body.String(), "go_goroutines")
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	s := &observability.Service{
		Exporters: []observability.SpanExporterService{&stdout.Service{Writer: &buf}},
	}
	_ = s.FlagSet()
	s.TraceExporter = "stdout"
	s.MetricsExporter = observability.ExporterNone
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())

	_, span := s.TracerProvider().Tracer("test").Start(context.Background(), "flushed-on-shutdown")
	span.End()
	require.NoError(t, s.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "flushed-on-shutdown")
}

func TestCorrelation(t *testing.T) {
	c := observability.Correlation(context.Background(), "req-1")
	assert.Equal(t, "req-1", c.RequestID)
	assert.Empty(t, c.TraceID)
	assert.Empty(t, observability.TraceID(context.Background()))

	tid, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	sid, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    tid,
		SpanID:     sid,
		TraceFlags: trace.FlagsSampled,
	}))
	c = observability.Correlation(ctx, "req-2")
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", c.TraceID)
	assert.Equal(t, "00f067aa0ba902b7", c.SpanID)
	assert.Equal(t, "01", c.TraceFlags)
}
