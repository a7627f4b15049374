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

package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basvanbeek/trace-playground/internal/semattr"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
	"github.com/basvanbeek/trace-playground/pkg/observability"
)

// handlerFunc is an endpoint returning the error that fails the request.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle turns a failing endpoint into an internal server error response.
func (ep *Endpoints) handle(fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			ep.fail(r.Context(), w, err)
		}
	})
}

// fail marks the server span as failed and replies with a 500.
func (ep *Endpoints) fail(ctx context.Context, w http.ResponseWriter, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	logging.FromContext(ctx).Error("request failed", zap.Error(err))

	ep.writeResponse(ctx, w, response{
		Code:  http.StatusInternalServerError,
		Error: err.Error(),
	})
}

// instrument wraps every routed request. It attaches the fault injection
// policy, starts and activates the server span, binds the correlated logger
// and counts the request. Deferred calls run in reverse: panic recovery,
// then the request metrics, then cleanup of the request scoped state.
func (ep *Endpoints) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.Method
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = semattr.Route(tpl)
			}
		}

		ctx, policy := ep.FeatureFlags.Attach(r.Context(), r.Header.Get(featureflag.HeaderName))
		ctx = ep.propagator.Extract(ctx, r.Header)
		span := ep.propagator.StartServerSpan(ctx, method, route)
		scope := ep.propagator.Activate(ctx, span)
		ctx = scope.Context()
		ctx, fields := logging.WithCorrelation(ctx, ep.log,
			observability.Correlation(ctx, scope.RequestID()))
		req := ep.metrics.RequestStarted(ctx, method, route)

		defer func() {
			scope.Close()
			span.End()
			policy.Clear()
			fields.Clear()
		}()

		var status int
		defer func() {
			if status == 0 {
				// the handler aborted without a response
				status = http.StatusInternalServerError
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			req.Finish(ctx, status)
		}()

		m := httpsnoop.CaptureMetricsFn(w, func(ww http.ResponseWriter) {
			defer ep.recoverPanic(ctx, ww)
			next.ServeHTTP(ww, r.WithContext(ctx))
		})
		status = m.Code
	})
}

// recoverPanic turns a handler panic into a failed request.
// http.ErrAbortHandler is re-raised so net/http can abort the connection.
func (ep *Endpoints) recoverPanic(ctx context.Context, w http.ResponseWriter) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}
	err, ok := rec.(error)
	if !ok {
		err = fmt.Errorf("%v", rec)
	}
	ep.fail(ctx, w, fmt.Errorf("panic: %w", err))
}
