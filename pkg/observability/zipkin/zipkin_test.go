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

package zipkin_test

import (
	"context"
	"errors"
	"testing"

	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/pkg/observability/zipkin"
)

func TestValidate(t *testing.T) {
	s := &zipkin.Service{}
	_ = s.FlagSet()
	require.NoError(t, s.Validate())

	s.Address = "not a url"
	require.Error(t, s.Validate())

	s = &zipkin.Service{Reporter: recorder.NewReporter(), LocalHostport: "no-port"}
	require.Error(t, s.Validate())
}

func TestExportSpans(t *testing.T) {
	rec := recorder.NewReporter()
	exp := zipkin.NewExporter(rec)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithResource(resource.NewSchemaless(semconv.ServiceName("otel-playground"))),
	)

	ctx, server := tp.Tracer("test").Start(context.Background(), "GET /v1/hello/:name",
		trace.WithSpanKind(trace.SpanKindServer))
	_, client := tp.Tracer("test").Start(ctx, "DB SELECT users",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.NetworkPeerAddress("10.0.0.7"),
			semconv.NetworkPeerPort(9999),
		))
	client.RecordError(errors.New("database not reachable"))
	client.SetStatus(codes.Error, "database not reachable")
	client.End()
	server.SetStatus(codes.Ok, "")
	server.End()

	spans := rec.Flush()
	require.Len(t, spans, 2)
	db, root := spans[0], spans[1]

	assert.Equal(t, model.Server, root.Kind)
	assert.Nil(t, root.ParentID)
	assert.Nil(t, root.RemoteEndpoint)
	assert.Equal(t, "OK", root.Tags[zipkin.TagStatusCode])
	require.NotNil(t, root.LocalEndpoint)
	assert.Equal(t, "otel-playground", root.LocalEndpoint.ServiceName)
	assert.Equal(t, server.SpanContext().TraceID().String(), root.TraceID.String())
	assert.Equal(t, server.SpanContext().SpanID().String(), root.ID.String())

	assert.Equal(t, model.Client, db.Kind)
	assert.Equal(t, root.TraceID, db.TraceID)
	require.NotNil(t, db.ParentID)
	assert.Equal(t, root.ID, *db.ParentID)
	assert.Equal(t, "ERROR", db.Tags[zipkin.TagStatusCode])
	assert.Equal(t, "database not reachable", db.Tags[zipkin.TagError])
	require.NotNil(t, db.RemoteEndpoint)
	assert.Equal(t, "10.0.0.7", db.RemoteEndpoint.IPv4.String())
	assert.Equal(t, uint16(9999), db.RemoteEndpoint.Port)
	require.Len(t, db.Annotations, 1)
	assert.Equal(t, "exception", db.Annotations[0].Value)

	require.NoError(t, tp.Shutdown(context.Background()))
	require.NoError(t, exp.ExportSpans(context.Background(), nil))
}

func TestServiceOwnsReporter(t *testing.T) {
	rec := recorder.NewReporter()
	s := &zipkin.Service{Reporter: rec}
	_ = s.FlagSet()

	exp, err := s.SpanExporter(context.Background())
	require.NoError(t, err)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	spans := rec.Flush()
	require.Len(t, spans, 1)
	assert.Equal(t, "op", spans[0].Name)
}
