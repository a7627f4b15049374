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

package zipkin

import (
	"encoding/binary"
	"net"

	"github.com/openzipkin/zipkin-go/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// zipkin tag keys
const (
	TagStatusCode = "otel.status_code"
	TagError      = "error"
	TagScopeName  = "otel.scope.name"
)

func toModel(span sdktrace.ReadOnlySpan, local *model.Endpoint) model.SpanModel {
	sc := span.SpanContext()
	m := model.SpanModel{
		SpanContext: model.SpanContext{
			TraceID: traceID(sc.TraceID()),
			ID:      spanID(sc.SpanID()),
		},
		Name:           span.Name(),
		Kind:           kind(span.SpanKind()),
		Timestamp:      span.StartTime(),
		Duration:       span.EndTime().Sub(span.StartTime()),
		LocalEndpoint:  localEndpoint(span, local),
		RemoteEndpoint: remoteEndpoint(span),
		Tags:           tags(span),
	}
	if parent := span.Parent(); parent.SpanID().IsValid() {
		id := spanID(parent.SpanID())
		m.ParentID = &id
	}
	if sc.IsSampled() {
		sampled := true
		m.Sampled = &sampled
	}
	for _, ev := range span.Events() {
		m.Annotations = append(m.Annotations, model.Annotation{
			Timestamp: ev.Time,
			Value:     ev.Name,
		})
	}
	return m
}

func traceID(id trace.TraceID) model.TraceID {
	return model.TraceID{
		High: binary.BigEndian.Uint64(id[:8]),
		Low:  binary.BigEndian.Uint64(id[8:]),
	}
}

func spanID(id trace.SpanID) model.ID {
	return model.ID(binary.BigEndian.Uint64(id[:]))
}

func kind(k trace.SpanKind) model.Kind {
	switch k {
	case trace.SpanKindServer:
		return model.Server
	case trace.SpanKindClient:
		return model.Client
	case trace.SpanKindProducer:
		return model.Producer
	case trace.SpanKindConsumer:
		return model.Consumer
	default:
		return model.Undetermined
	}
}

func localEndpoint(span sdktrace.ReadOnlySpan, local *model.Endpoint) *model.Endpoint {
	ep := &model.Endpoint{}
	if local != nil {
		*ep = *local
	}
	if res := span.Resource(); res != nil {
		if v, ok := res.Set().Value(semconv.ServiceNameKey); ok {
			ep.ServiceName = v.AsString()
		}
	}
	if ep.Empty() {
		return nil
	}
	return ep
}

// remoteEndpoint prefers the logical server address over the network peer.
func remoteEndpoint(span sdktrace.ReadOnlySpan) *model.Endpoint {
	if span.SpanKind() != trace.SpanKindClient && span.SpanKind() != trace.SpanKindProducer {
		return nil
	}
	set := attribute.NewSet(span.Attributes()...)

	ep := &model.Endpoint{}
	host, hasHost := set.Value(semconv.ServerAddressKey)
	port, hasPort := set.Value(semconv.ServerPortKey)
	if !hasHost {
		host, hasHost = set.Value(semconv.NetworkPeerAddressKey)
		port, hasPort = set.Value(semconv.NetworkPeerPortKey)
	}
	if !hasHost {
		return nil
	}
	if ip := net.ParseIP(host.AsString()); ip == nil {
		ep.ServiceName = host.AsString()
	} else if ip4 := ip.To4(); ip4 != nil {
		ep.IPv4 = ip4
	} else {
		ep.IPv6 = ip
	}
	if hasPort && port.AsInt64() > 0 && port.AsInt64() <= 65535 {
		ep.Port = uint16(port.AsInt64())
	}
	return ep
}

func tags(span sdktrace.ReadOnlySpan) map[string]string {
	attrs := span.Attributes()
	m := make(map[string]string, len(attrs)+3)
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.Emit()
	}
	if name := span.InstrumentationScope().Name; name != "" {
		m[TagScopeName] = name
	}
	switch st := span.Status(); st.Code {
	case codes.Ok:
		m[TagStatusCode] = "OK"
	case codes.Error:
		m[TagStatusCode] = "ERROR"
		m[TagError] = st.Description
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
