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

// Package semattr derives the low cardinality attribute sets shared by spans
// and metric recordings, so both signals stay correlated.
package semattr

import (
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/basvanbeek/trace-playground/pkg"
)

// InstrumentationName identifies the tracer and meter of this module.
const InstrumentationName = "github.com/basvanbeek/trace-playground"

// SchemaURL of the semantic conventions used across this module.
const SchemaURL = semconv.SchemaURL

// custom attribute keys
const (
	KeyComponent = attribute.Key("component")
	KeyOutcome   = attribute.Key("outcome")
	KeyRequestID = attribute.Key("request.id")
	KeyParam     = attribute.Key("param")
)

// outcome values
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// component values
const (
	ComponentDB         = "db"
	ComponentHTTPClient = "http.client"
)

// MethodOther replaces unknown HTTP methods.
const MethodOther = "_OTHER"

var knownMethods = map[string]struct{}{
	http.MethodConnect: {}, http.MethodDelete: {}, http.MethodGet: {},
	http.MethodHead: {}, http.MethodOptions: {}, http.MethodPatch: {},
	http.MethodPost: {}, http.MethodPut: {}, http.MethodTrace: {},
}

// Method returns the http.request.method attribute, folding unknown methods
// into _OTHER.
func Method(method string) attribute.KeyValue {
	if _, ok := knownMethods[method]; !ok {
		method = MethodOther
	}
	return semconv.HTTPRequestMethodKey.String(method)
}

// Route converts a router path template such as "/v1/hello/{name}" into the
// "/v1/hello/:name" notation. Variable patterns are dropped.
func Route(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	var b strings.Builder
	for {
		start := strings.IndexByte(template, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			break
		}
		name := template[start+1 : start+end]
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
		b.WriteString(template[:start])
		b.WriteByte(':')
		b.WriteString(name)
		template = template[start+end+1:]
	}
	b.WriteString(template)
	return b.String()
}

// Server returns the request attributes known when a request starts.
func Server(method, route string) []attribute.KeyValue {
	return []attribute.KeyValue{
		Method(method),
		semconv.HTTPRoute(route),
	}
}

// ServerStatus returns the request attributes known when a request ends.
func ServerStatus(method, route string, status int) []attribute.KeyValue {
	return append(Server(method, route), semconv.HTTPResponseStatusCode(status))
}

// Outcome maps a failure flag onto an outcome value.
func Outcome(failed bool) string {
	if failed {
		return OutcomeError
	}
	return OutcomeSuccess
}

// Downstream returns the attributes of a downstream call recording.
func Downstream(component, outcome string, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		KeyComponent.String(component),
		KeyOutcome.String(outcome),
	}, extra...)
}

// ErrorType returns the error.type attribute for err. Sentinel errors report
// their message, other errors their Go type.
func ErrorType(err error) attribute.KeyValue {
	var sentinel pkg.Error
	if errors.As(err, &sentinel) {
		return semconv.ErrorTypeKey.String(string(sentinel))
	}
	return semconv.ErrorType(err)
}
