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

package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// correlation field keys
const (
	KeyTraceID    = "trace_id"
	KeySpanID     = "span_id"
	KeyTraceFlags = "trace_flags"
	KeyRequestID  = "request_id"
)

// Correlation identifies the request a log line belongs to.
type Correlation struct {
	TraceID    string
	SpanID     string
	TraceFlags string
	RequestID  string
}

// Fields returns the zap fields for c.
func (c Correlation) Fields() []zap.Field {
	return []zap.Field{
		zap.String(KeyTraceID, c.TraceID),
		zap.String(KeySpanID, c.SpanID),
		zap.String(KeyTraceFlags, c.TraceFlags),
		zap.String(KeyRequestID, c.RequestID),
	}
}

type fieldsKey struct{}

// Fields holds the correlated logger of a single request.
type Fields struct {
	base    *zap.Logger
	current atomic.Pointer[zap.Logger]
}

// WithCorrelation binds a logger derived from base and carrying c to the
// returned context. Clear the returned Fields when the request ends.
func WithCorrelation(ctx context.Context, base *zap.Logger, c Correlation) (context.Context, *Fields) {
	if base == nil {
		base = zap.NewNop()
	}
	f := &Fields{base: base}
	f.current.Store(base.With(c.Fields()...))
	return context.WithValue(ctx, fieldsKey{}, f), f
}

// Logger returns the correlated logger, or the base logger once cleared.
func (f *Fields) Logger() *zap.Logger {
	if f == nil {
		return zap.NewNop()
	}
	if l := f.current.Load(); l != nil {
		return l
	}
	return f.base
}

// Clear drops the correlation fields. Safe to call more than once.
func (f *Fields) Clear() {
	if f == nil {
		return
	}
	f.current.Store(nil)
}

// FromContext returns the request logger bound to ctx, or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	f, _ := ctx.Value(fieldsKey{}).(*Fields)
	return f.Logger()
}
