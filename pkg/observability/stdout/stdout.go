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

// Package stdout writes traces and metrics as JSON for local debugging.
package stdout

import (
	"context"
	"io"
	"os"

	"github.com/tetratelabs/run"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/basvanbeek/trace-playground/pkg/observability"
)

// flags
const (
	PrettyPrint = "stdout-pretty-print"
)

// Service implements observability.SpanExporterService and
// observability.MetricExporterService.
type Service struct {
	Writer      io.Writer
	PrettyPrint bool
}

// static compile time interface validation
var (
	_ observability.SpanExporterService   = (*Service)(nil)
	_ observability.MetricExporterService = (*Service)(nil)
)

// Name implements run.Unit.
func (s Service) Name() string {
	return "stdout"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	flags := run.NewFlagSet("Stdout Exporter Config")

	flags.BoolVar(
		&s.PrettyPrint,
		PrettyPrint,
		s.PrettyPrint,
		`Indent exported telemetry`)

	return flags
}

// Validate implements run.Config.
func (s Service) Validate() error {
	return nil
}

func (s Service) writer() io.Writer {
	if s.Writer == nil {
		return os.Stdout
	}
	return s.Writer
}

// SpanExporter implements observability.SpanExporterService.
func (s *Service) SpanExporter(_ context.Context) (sdktrace.SpanExporter, error) {
	opts := []stdouttrace.Option{stdouttrace.WithWriter(s.writer())}
	if s.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	return stdouttrace.New(opts...)
}

// MetricExporter implements observability.MetricExporterService.
func (s *Service) MetricExporter(_ context.Context) (sdkmetric.Exporter, error) {
	opts := []stdoutmetric.Option{stdoutmetric.WithWriter(s.writer())}
	if s.PrettyPrint {
		opts = append(opts, stdoutmetric.WithPrettyPrint())
	}
	return stdoutmetric.New(opts...)
}
