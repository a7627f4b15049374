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

package observability

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/basvanbeek/trace-playground/pkg/logging"
)

// TraceID returns the hex trace identifier of the span in ctx, or an empty
// string if ctx carries no valid span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// SpanID returns the hex span identifier of the span in ctx, or an empty
// string if ctx carries no valid span.
func SpanID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return sc.SpanID().String()
}

// Correlation returns the log correlation fields of the span in ctx.
func Correlation(ctx context.Context, requestID string) logging.Correlation {
	sc := trace.SpanContextFromContext(ctx)
	c := logging.Correlation{RequestID: requestID}
	if sc.IsValid() {
		c.TraceID = sc.TraceID().String()
		c.SpanID = sc.SpanID().String()
		c.TraceFlags = sc.TraceFlags().String()
	}
	return c
}
