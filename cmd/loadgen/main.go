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

	"github.com/basvanbeek/trace-playground/internal/loadgen"
	pkglog "github.com/basvanbeek/trace-playground/pkg/logging"
	pkgobs "github.com/basvanbeek/trace-playground/pkg/observability"
	pkgotlp "github.com/basvanbeek/trace-playground/pkg/observability/otlp"
	pkgstdout "github.com/basvanbeek/trace-playground/pkg/observability/stdout"
	pkgzipkin "github.com/basvanbeek/trace-playground/pkg/observability/zipkin"
)

const (
	defaultServiceName = "otel-playground-loadgen"
)

func main() {
	g := run.Group{
		Name:     defaultServiceName,
		HelpText: "Traced load generator for the playground hello endpoint",
	}

	svcLog := &pkglog.Service{}
	svcObs := &pkgobs.Service{
		ServiceName:     defaultServiceName,
		TraceExporter:   pkgobs.ExporterNone,
		MetricsExporter: pkgobs.ExporterNone,
		Exporters: []pkgobs.SpanExporterService{
			&pkgotlp.Service{},
			&pkgstdout.Service{},
			&pkgzipkin.Service{},
		},
	}
	svcLoad := &loadgen.Service{
		Telemetry: svcObs,
		Logging:   svcLog,
	}

	g.Register(
		new(signal.Handler),
		svcLog,
		svcObs,
		svcLoad,
	)

	if err := g.Run(); err != nil {
		fmt.Printf("%s exit: %v\n", g.Name, err)
		if !errors.Is(err, run.ErrRequestedShutdown) {
			os.Exit(-1)
		}
	}
}
