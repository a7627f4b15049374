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

// Package zipkin provides an OpenTelemetry span exporter reporting to a
// Zipkin collector.
package zipkin

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/openzipkin/zipkin-go"
	"github.com/openzipkin/zipkin-go/model"
	"github.com/openzipkin/zipkin-go/reporter"
	zrpr "github.com/openzipkin/zipkin-go/reporter/http"
	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/observability"
)

// flags
const (
	ReporterEndpoint = "zipkin-reporter-endpoint"
	LocalHostport    = "zipkin-local-hostport"
)

const (
	// default configuration values
	defaultReporterAddr = "http://zipkin:9411/api/v2/spans"
)

// Service implements observability.SpanExporterService.
type Service struct {
	Address       string
	LocalHostport string
	Reporter      reporter.Reporter
}

// static compile time interface validation
var _ observability.SpanExporterService = (*Service)(nil)

// Name implements run.Unit.
func (s Service) Name() string {
	return "zipkin"
}

// FlagSet implements run.Config
func (s *Service) FlagSet() *run.FlagSet {
	// set defaults if needed
	if s.Address == "" {
		s.Address = defaultReporterAddr
	}

	// create our configuration flags
	flags := run.NewFlagSet("Zipkin Exporter Config")

	flags.StringVar(
		&s.Address,
		ReporterEndpoint,
		s.Address,
		`Full address, including URI, of the Zipkin HTTP collector`)
	flags.StringVar(
		&s.LocalHostport,
		LocalHostport,
		s.LocalHostport,
		`Local ip:port to report`)

	return flags
}

// Validate implements run.Config
func (s Service) Validate() error {
	var mErr error

	if s.Reporter == nil {
		if s.Address == "" {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ReporterEndpoint, pkg.ErrRequired))
		} else if _, err := url.ParseRequestURI(s.Address); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, ReporterEndpoint, err))
		}
	}
	if s.LocalHostport != "" {
		if _, _, err := net.SplitHostPort(s.LocalHostport); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, LocalHostport, err))
		}
	}

	return mErr
}

// SpanExporter implements observability.SpanExporterService.
func (s *Service) SpanExporter(_ context.Context) (sdktrace.SpanExporter, error) {
	// the service name is taken from each span's resource
	ep, err := zipkin.NewEndpoint("", s.LocalHostport)
	if err != nil {
		return nil, err
	}

	rep := s.Reporter
	ownsReporter := false
	if rep == nil {
		// we handle the lifecycle of the reporter internally
		ownsReporter = true
		rep = zrpr.NewReporter(s.Address)
	}

	return &Exporter{
		reporter:     rep,
		local:        ep,
		ownsReporter: ownsReporter,
	}, nil
}

// Exporter converts finished spans to the Zipkin v2 model and hands them to
// a Zipkin reporter.
type Exporter struct {
	reporter     reporter.Reporter
	ownsReporter bool

	mu      sync.RWMutex
	local   *model.Endpoint
	stopped bool
}

// NewExporter returns an Exporter sending spans to rep. The caller keeps
// ownership of rep.
func NewExporter(rep reporter.Reporter) *Exporter {
	return &Exporter{reporter: rep}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return nil
	}
	for _, span := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.reporter.Send(toModel(span, e.local))
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true
	if !e.ownsReporter {
		return ctx.Err()
	}
	return e.reporter.Close()
}
