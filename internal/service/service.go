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

// Package service holds the instrumented HTTP endpoints of the playground.
package service

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tetratelabs/run"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/basvanbeek/trace-playground/internal/downstream"
	"github.com/basvanbeek/trace-playground/internal/metrics"
	"github.com/basvanbeek/trace-playground/internal/propagator"
	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
)

const (
	errTelemetry    pkg.Error = "missing telemetry providers"
	errFeatureFlags pkg.Error = "missing feature flag resolver"
)

// routes
const (
	PathHello   = "/v1/hello/{name}"
	PathMetrics = "/metrics"
)

// Telemetry hands out the process wide providers.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
	Propagator() propagation.TextMapPropagator
	MetricsHandler() http.Handler
}

// Endpoints implements a run.Group compatible group of Endpoints which will
// register themselves on the provided http service, instrumenting every
// request with the provided telemetry.
type Endpoints struct {
	// dependencies
	Telemetry    Telemetry
	FeatureFlags *featureflag.Service
	Logging      *logging.Service

	ServiceName string

	// optional overrides of the simulated dependencies
	Source    featureflag.Source
	Sleeper   downstream.Sleeper
	Transport http.RoundTripper

	handler    http.Handler
	log        *zap.Logger
	propagator *propagator.Propagator
	metrics    *metrics.Instruments
	repository *downstream.Repository
	client     *downstream.Client
}

// Name implements run.Unit.
func (ep *Endpoints) Name() string {
	return "endpoints"
}

// GroupName implements run.Namer so the service name returned in responses
// defaults to the name of the run.Group.
func (ep *Endpoints) GroupName(name string) {
	if ep.ServiceName == "" {
		ep.ServiceName = name
	}
}

// PreRun implements run.PreRunner.
func (ep *Endpoints) PreRun() error {
	if ep.Telemetry == nil || ep.Telemetry.TracerProvider() == nil {
		return errTelemetry
	}
	if ep.FeatureFlags == nil {
		return errFeatureFlags
	}
	ep.log = ep.Logging.Base().Named(ep.Name())

	var err error
	if ep.metrics, err = metrics.New(ep.Telemetry.MeterProvider()); err != nil {
		return errors.Join(errors.New("unable to create instruments"), err)
	}
	ep.propagator = propagator.New(ep.Telemetry.TracerProvider(), ep.Telemetry.Propagator())

	var opts []downstream.Option
	if ep.Source == nil {
		ep.Source = featureflag.DefaultSource
	}
	opts = append(opts, downstream.WithSource(ep.Source))
	if ep.Sleeper == nil {
		ep.Sleeper = downstream.Sleep
	}
	opts = append(opts, downstream.WithSleeper(ep.Sleeper))

	ep.repository = downstream.NewRepository(ep.propagator, ep.metrics, opts...)
	ep.client = downstream.NewClient(ep.propagator, ep.metrics, ep.Transport, opts...)

	// create our service router
	router := mux.NewRouter()
	router.Methods("GET").Path(PathMetrics).Handler(ep.Telemetry.MetricsHandler())

	api := router.NewRoute().Subrouter()
	api.Use(ep.instrument)
	api.Methods("GET").Path(PathHello).Handler(ep.handle(ep.hello))

	ep.handler = router

	return nil
}

// Handler returns an HTTP handler that can be attached to an HTTP service.
// The handler holds a router to the endpoints with the sub handlers.
func (ep *Endpoints) Handler() http.Handler {
	return ep.handler
}

var _ run.PreRunner = (*Endpoints)(nil)
