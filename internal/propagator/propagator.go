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

// Package propagator bridges wire level trace headers to request scoped
// contexts and hands out the tracer used by nested operations.
package propagator

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/internal/semattr"
)

// BaggageRequestID is the baggage member carrying the request correlation id.
const BaggageRequestID = "request.id"

// Propagator extracts inbound context, starts and activates spans and
// injects outbound context.
type Propagator struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	newID      func() string
}

// Option configures a Propagator.
type Option func(*Propagator)

// WithIDGenerator overrides the request correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(p *Propagator) {
		p.newID = fn
	}
}

// New returns a Propagator creating spans from tp and moving context across
// process boundaries with tmp.
func New(tp trace.TracerProvider, tmp propagation.TextMapPropagator, opts ...Option) *Propagator {
	p := &Propagator{
		tracer: tp.Tracer(semattr.InstrumentationName,
			trace.WithSchemaURL(semattr.SchemaURL)),
		propagator: tmp,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tracer returns the tracer nested operations use for their child spans.
func (p *Propagator) Tracer() trace.Tracer {
	return p.tracer
}

// Extract returns ctx extended with the remote span context and baggage found
// in h. Missing or malformed headers leave ctx untouched so the next span
// becomes a new root.
func (p *Propagator) Extract(ctx context.Context, h http.Header) context.Context {
	return p.propagator.Extract(ctx, propagation.HeaderCarrier(h))
}

// Inject writes the span context and baggage of ctx into h.
func (p *Propagator) Inject(ctx context.Context, h http.Header) {
	p.propagator.Inject(ctx, propagation.HeaderCarrier(h))
}

// StartServerSpan starts a SERVER span named "<method> <route>" parented to
// the span context found in ctx. route must be the templated route.
func (p *Propagator) StartServerSpan(ctx context.Context, method, route string) trace.Span {
	_, span := p.tracer.Start(ctx, method+" "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(semattr.Server(method, route)...),
	)
	return span
}

// Activate makes span and the baggage of parent, extended with a fresh
// request correlation id, the ambient context. The returned Scope must be
// closed by its owner.
func (p *Propagator) Activate(parent context.Context, span trace.Span) *Scope {
	requestID := p.newID()

	bag := baggage.FromContext(parent)
	if m, err := baggage.NewMemberRaw(BaggageRequestID, requestID); err == nil {
		if b, err := bag.SetMember(m); err == nil {
			bag = b
		}
	}
	span.SetAttributes(semattr.KeyRequestID.String(requestID))

	ctx := trace.ContextWithSpan(parent, span)
	ctx = baggage.ContextWithBaggage(ctx, bag)

	return newScope(parent, ctx, span, requestID)
}

// StartClientSpan starts a CLIENT span as child of the span active in parent
// and activates it in a nested Scope.
func (p *Propagator) StartClientSpan(parent context.Context, name string, attrs ...attribute.KeyValue) (*Scope, trace.Span) {
	ctx, span := p.tracer.Start(parent, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return newScope(parent, ctx, span, RequestID(parent)), span
}

// RequestID returns the correlation id carried in the baggage of ctx.
func RequestID(ctx context.Context) string {
	return baggage.FromContext(ctx).Member(BaggageRequestID).Value()
}
