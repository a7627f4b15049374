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

package propagator_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/internal/propagator"
)

const (
	upstreamTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	upstreamSpanID  = "00f067aa0ba902b7"
	traceparent     = "00-" + upstreamTraceID + "-" + upstreamSpanID + "-01"
)

func newPropagator(t *testing.T) (*propagator.Propagator, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tmp := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	return propagator.New(tp, tmp, propagator.WithIDGenerator(func() string { return "req-1" })), sr
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestExtractContinuesUpstreamTrace(t *testing.T) {
	p, sr := newPropagator(t)

	h := http.Header{}
	h.Set("traceparent", traceparent)
	h.Set("baggage", "tenant=acme")

	ctx := p.Extract(context.Background(), h)
	span := p.StartServerSpan(ctx, http.MethodGet, "/v1/hello/:name")
	scope := p.Activate(ctx, span)

	assert.Equal(t, upstreamTraceID, span.SpanContext().TraceID().String())
	bag := baggage.FromContext(scope.Context())
	assert.Equal(t, "acme", bag.Member("tenant").Value())
	assert.Equal(t, "req-1", bag.Member(propagator.BaggageRequestID).Value())
	assert.Equal(t, "req-1", scope.RequestID())

	scope.Close()
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	s := ended[0]
	assert.Equal(t, "GET /v1/hello/:name", s.Name())
	assert.Equal(t, trace.SpanKindServer, s.SpanKind())
	assert.Equal(t, upstreamSpanID, s.Parent().SpanID().String())
	assert.True(t, s.Parent().IsRemote())

	route, ok := attrValue(s.Attributes(), "http.route")
	require.True(t, ok)
	assert.Equal(t, "/v1/hello/:name", route.AsString())
	method, ok := attrValue(s.Attributes(), "http.request.method")
	require.True(t, ok)
	assert.Equal(t, "GET", method.AsString())
	reqID, ok := attrValue(s.Attributes(), "request.id")
	require.True(t, ok)
	assert.Equal(t, "req-1", reqID.AsString())
}

func TestMalformedHeadersStartNewRoot(t *testing.T) {
	p, sr := newPropagator(t)

	h := http.Header{}
	h.Set("traceparent", "00-zzzz-nothex-01")
	h.Set("baggage", "=;;==")

	ctx := p.Extract(context.Background(), h)
	span := p.StartServerSpan(ctx, http.MethodGet, "/v1/hello/:name")
	scope := p.Activate(ctx, span)
	assert.Equal(t, "req-1", propagator.RequestID(scope.Context()))
	scope.Close()
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.False(t, ended[0].Parent().IsValid())
	assert.True(t, ended[0].SpanContext().IsValid())
}

func TestClientSpanNestsAndRestores(t *testing.T) {
	p, sr := newPropagator(t)

	ctx := p.Extract(context.Background(), http.Header{})
	server := p.StartServerSpan(ctx, http.MethodGet, "/v1/hello/:name")
	scope := p.Activate(ctx, server)

	child, span := p.StartClientSpan(scope.Context(), "DB SELECT users")
	assert.Equal(t, "req-1", propagator.RequestID(child.Context()))
	assert.Equal(t, server.SpanContext().TraceID(), span.SpanContext().TraceID())

	restored := child.Close()
	span.End()
	assert.True(t, child.Closed())
	assert.Error(t, child.Context().Err())
	assert.NoError(t, restored.Err())
	assert.Equal(t, server.SpanContext(), trace.SpanContextFromContext(restored))

	// closing twice is tolerated
	assert.NotPanics(t, func() { child.Close() })

	parent := scope.Close()
	server.End()
	assert.Empty(t, propagator.RequestID(parent))
	assert.False(t, trace.SpanContextFromContext(parent).IsValid())

	ended := sr.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "DB SELECT users", ended[0].Name())
	assert.Equal(t, trace.SpanKindClient, ended[0].SpanKind())
	assert.Equal(t, server.SpanContext().SpanID(), ended[0].Parent().SpanID())
	assert.Equal(t, "GET /v1/hello/:name", ended[1].Name())
}

func TestInjectRoundTrip(t *testing.T) {
	p, _ := newPropagator(t)

	ctx := p.Extract(context.Background(), http.Header{})
	server := p.StartServerSpan(ctx, http.MethodGet, "/v1/hello/:name")
	scope := p.Activate(ctx, server)
	defer func() {
		scope.Close()
		server.End()
	}()

	out := http.Header{}
	p.Inject(scope.Context(), out)
	assert.Contains(t, out.Get("traceparent"), server.SpanContext().TraceID().String())
	assert.Contains(t, out.Get("baggage"), propagator.BaggageRequestID+"=req-1")

	downstream := p.Extract(context.Background(), out)
	assert.Equal(t, "req-1", propagator.RequestID(downstream))
	assert.Equal(t, server.SpanContext().SpanID(), trace.SpanContextFromContext(downstream).SpanID())
}
