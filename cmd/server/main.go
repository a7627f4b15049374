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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/run"
	"github.com/tetratelabs/run/pkg/signal"

	"github.com/basvanbeek/trace-playground/internal/service"
	pkgff "github.com/basvanbeek/trace-playground/pkg/featureflag"
	pkghttp "github.com/basvanbeek/trace-playground/pkg/http"
	pkglog "github.com/basvanbeek/trace-playground/pkg/logging"
	pkgobs "github.com/basvanbeek/trace-playground/pkg/observability"
	pkgotlp "github.com/basvanbeek/trace-playground/pkg/observability/otlp"
	pkgstdout "github.com/basvanbeek/trace-playground/pkg/observability/stdout"
	pkgzipkin "github.com/basvanbeek/trace-playground/pkg/observability/zipkin"
)

const (
	defaultServiceName       = "otel-playground"
	defaultHTTPListenAddress = ":8080"

	defaultTraceExporter   = "otlp"
	defaultMetricsExporter = pkgobs.ExporterPrometheus
	defaultSampleRate      = 1.0
)

func main() {
	// we take the serviceName from an environment variable as we need
	// this information to be available prior to run.Group bootstrap.
	serviceName := os.Getenv("SVCNAME")
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	serviceInstanceName := os.Getenv("HOSTNAME")
	if serviceInstanceName == "" {
		serviceInstanceName = serviceName
	}

	g := run.Group{
		Name:     serviceName,
		HelpText: "HTTP service demonstrating trace context propagation",
	}

	// init with sensible defaults
	svcLog := &pkglog.Service{}
	svcFlags := &pkgff.Service{}
	svcObs := &pkgobs.Service{
		ServiceName:     serviceName,
		InstanceID:      serviceInstanceName,
		TraceExporter:   defaultTraceExporter,
		MetricsExporter: defaultMetricsExporter,
		SampleRate:      defaultSampleRate,
		Exporters: []pkgobs.SpanExporterService{
			&pkgotlp.Service{},
			&pkgstdout.Service{},
			&pkgzipkin.Service{},
		},
	}
	svcEndpoints := &service.Endpoints{
		ServiceName:  serviceName,
		Telemetry:    svcObs,
		FeatureFlags: svcFlags,
		Logging:      svcLog,
	}
	svcHTTP := &pkghttp.Service{
		ListenAddress: defaultHTTPListenAddress,
	}
	g.Register(
		new(signal.Handler),
		svcLog,
		svcFlags,
		svcObs,
		svcEndpoints,
		run.NewPreRunner(serviceName, func() error {
			svcEndpoints.ServiceName = svcObs.ServiceName
			svcHTTP.Handler = svcEndpoints.Handler()
			svcHTTP.Logger = svcLog.Base()
			return nil
		}),
		svcHTTP,
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			// We had an actual fatal error.
			os.Exit(-1)
		}
	}
}
