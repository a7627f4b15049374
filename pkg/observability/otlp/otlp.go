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

// Package otlp configures OTLP/HTTP exporters for traces and metrics.
package otlp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/observability"
)

// flags
const (
	Endpoint = "otlp-endpoint"
	Timeout  = "otlp-timeout"
)

// signal paths appended to the collector base URL
const (
	TracesPath  = "/v1/traces"
	MetricsPath = "/v1/metrics"
)

const (
	defaultEndpoint = "http://localhost:4318"
	defaultTimeout  = 10 * time.Second
)

// Service implements observability.SpanExporterService and
// observability.MetricExporterService.
type Service struct {
	Endpoint string
	Timeout  time.Duration
}

// static compile time interface validation
var (
	_ observability.SpanExporterService   = (*Service)(nil)
	_ observability.MetricExporterService = (*Service)(nil)
)

// Name implements run.Unit.
func (s Service) Name() string {
	return "otlp"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.Endpoint == "" {
		s.Endpoint = defaultEndpoint
	}
	if s.Timeout == 0 {
		s.Timeout = defaultTimeout
	}

	flags := run.NewFlagSet("OTLP Exporter Config")

	flags.StringVar(
		&s.Endpoint,
		Endpoint,
		s.Endpoint,
		`Base URL of the OTLP/HTTP collector, signal paths are appended`)
	flags.DurationVar(
		&s.Timeout,
		Timeout,
		s.Timeout,
		`Maximum duration of a single export`)

	return flags
}

// Validate implements run.Config.
func (s Service) Validate() error {
	var mErr error

	if s.Endpoint == "" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, Endpoint, pkg.ErrRequired))
	} else if u, err := url.ParseRequestURI(s.Endpoint); err != nil {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, Endpoint, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, Endpoint, errors.New("scheme must be http or https")))
	}
	if s.Timeout <= 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, Timeout, errors.New("expected positive duration")))
	}

	return mErr
}

// SignalURL returns the collector URL for the signal path p.
func (s Service) SignalURL(p string) (string, error) {
	return url.JoinPath(s.Endpoint, p)
}

// SpanExporter implements observability.SpanExporterService.
func (s *Service) SpanExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	u, err := s.SignalURL(TracesPath)
	if err != nil {
		return nil, err
	}
	return otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(u),
		otlptracehttp.WithTimeout(s.Timeout),
	)
}

// MetricExporter implements observability.MetricExporterService.
func (s *Service) MetricExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	u, err := s.SignalURL(MetricsPath)
	if err != nil {
		return nil, err
	}
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpointURL(u),
		otlpmetrichttp.WithTimeout(s.Timeout),
	)
}
