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
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basvanbeek/trace-playground/internal/downstream"
	"github.com/basvanbeek/trace-playground/internal/semattr"
	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
)

const errNameRequired pkg.Error = "name path parameter required"

// EventRequestReceived marks the start of the hello handler on the server
// span.
const EventRequestReceived = "Request received"

// hello greets the named user after looking them up in the database and
// fetching their recommendations. A database failure fails the request; a
// recommendations failure degrades the response only.
func (ep *Endpoints) hello(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	name, ok := mux.Vars(r)["name"]
	if !ok || name == "" {
		ep.writeResponse(ctx, w, response{
			Code:  http.StatusBadRequest,
			Error: errNameRequired.Error(),
		})
		return nil
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(semconv.CodeFunctionName("service.Endpoints.hello"))
	span.AddEvent(EventRequestReceived, trace.WithAttributes(semattr.KeyParam.String(name)))

	log := logging.FromContext(ctx)
	policy := featureflag.Current(ctx)
	log.Info("hello request", zap.String("name", name), zap.String("mode", string(policy.Mode)))

	if err := ep.Sleeper(ctx, policy.Controller.Latency.Pick(ep.Source)); err != nil {
		return err
	}

	user, err := ep.repository.FindUserByName(ctx, name)
	if err != nil {
		return err
	}

	recs, err := ep.client.Recommend(ctx, name)
	if err != nil {
		return err
	}
	degraded := recs.Outcome == downstream.OutcomeDegraded
	if degraded {
		log.Info("serving degraded recommendations", zap.Int("upstream_status", recs.StatusCode))
	}

	span.SetStatus(codes.Ok, "")
	ep.writeResponse(ctx, w, response{
		Code:            http.StatusOK,
		Message:         fmt.Sprintf("Hello, %s!", name),
		User:            user.String(),
		Recommendations: recs.Text,
		Degraded:        degraded,
	})
	return nil
}
