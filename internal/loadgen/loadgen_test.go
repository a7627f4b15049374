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

package loadgen_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/internal/loadgen"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
)

type telemetry struct {
	tp *sdktrace.TracerProvider
}

func (t telemetry) TracerProvider() trace.TracerProvider { return t.tp }
func (t telemetry) Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// firstPick always picks the first name and draws f for the feature flag.
type firstPick float64

func (f firstPick) Float64() float64  { return float64(f) }
func (firstPick) Int64N(int64) int64 { return 0 }

type seen struct {
	mtx     sync.Mutex
	parents []string
	flags   []string
	paths   []string
}

func target(t *testing.T, status int) (*httptest.Server, *seen) {
	t.Helper()
	s := &seen{}
	prop := propagation.TraceContext{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := trace.SpanContextFromContext(prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header)))
		s.mtx.Lock()
		s.parents = append(s.parents, sc.TraceID().String())
		s.flags = append(s.flags, r.Header.Get(featureflag.HeaderName))
		s.paths = append(s.paths, r.URL.Path)
		s.mtx.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"traceID":  sc.TraceID().String(),
			"degraded": true,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, s
}

func newService(t *testing.T, url string) (*loadgen.Service, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	s := &loadgen.Service{
		Telemetry: telemetry{tp: tp},
		Target:    url,
		Source:    firstPick(0),
		Sleeper:   func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	}
	_ = s.FlagSet()
	return s, rec
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(s *loadgen.Service)
		fails  bool
	}{
		{"defaults", func(*loadgen.Service) {}, false},
		{"bad-target", func(s *loadgen.Service) { s.Target = "localhost:8080" }, true},
		{"no-names", func(s *loadgen.Service) { s.Names = []string{" "} }, true},
		{"no-workers", func(s *loadgen.Service) { s.Workers = -1 }, true},
		{"inverted-delay", func(s *loadgen.Service) { s.MinDelay, s.MaxDelay = time.Second, time.Millisecond }, true},
		{"ratio", func(s *loadgen.Service) { s.HighLatencyRatio = 2 }, true},
		{"requests", func(s *loadgen.Service) { s.Requests = -3 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &loadgen.Service{}
			_ = s.FlagSet()
			tt.modify(s)
			if tt.fails {
				require.Error(t, s.Validate())
				return
			}
			require.NoError(t, s.Validate())
		})
	}
}

func TestServeStopsAfterRequests(t *testing.T) {
	srv, seen := target(t, http.StatusOK)
	s, rec := newService(t, srv.URL)
	s.Requests = 4
	s.Workers = 2
	s.HighLatencyRatio = 0.5

	var (
		mtx     sync.Mutex
		results []loadgen.Result
	)
	s.OnResult = func(r loadgen.Result) {
		mtx.Lock()
		results = append(results, r)
		mtx.Unlock()
	}
	require.NoError(t, s.Validate())
	require.NoError(t, s.PreRun())
	require.NoError(t, s.Serve())

	require.Len(t, results, 4)
	require.Len(t, seen.paths, 4)
	for i := range seen.paths {
		assert.Equal(t, "/v1/hello/alpha", seen.paths[i])
		assert.Equal(t, string(featureflag.ModeHighLatency), seen.flags[i])
	}

	spans := rec.Ended()
	require.Len(t, spans, 4)
	traces := map[string]bool{}
	for _, sp := range spans {
		assert.Equal(t, loadgen.SpanName, sp.Name())
		assert.Equal(t, trace.SpanKindClient, sp.SpanKind())
		traces[sp.SpanContext().TraceID().String()] = true
	}
	for _, parent := range seen.parents {
		assert.True(t, traces[parent], "request carried an unknown trace id %s", parent)
	}
	for _, r := range results {
		assert.Equal(t, http.StatusOK, r.StatusCode)
		assert.True(t, r.Degraded)
		assert.True(t, traces[r.TraceID])
	}
}

func TestServerErrorMarksSpan(t *testing.T) {
	srv, _ := target(t, http.StatusInternalServerError)
	s, rec := newService(t, srv.URL)
	require.NoError(t, s.PreRun())

	res, err := s.Do(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.False(t, res.HighLatency)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestGracefulStop(t *testing.T) {
	srv, _ := target(t, http.StatusOK)
	s, _ := newService(t, srv.URL)
	s.Sleeper = nil
	s.MinDelay, s.MaxDelay = time.Hour, time.Hour

	first := make(chan struct{})
	var once sync.Once
	s.OnResult = func(loadgen.Result) { once.Do(func() { close(first) }) }
	require.NoError(t, s.PreRun())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	<-first
	s.GracefulStop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("load generator did not stop")
	}
}
