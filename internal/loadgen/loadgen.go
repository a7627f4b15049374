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

// Package loadgen drives traced traffic against the hello endpoint.
package loadgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/basvanbeek/trace-playground/internal/downstream"
	"github.com/basvanbeek/trace-playground/internal/semattr"
	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
)

// flags
const (
	flagTarget           = "loadgen-target"
	flagNames            = "loadgen-names"
	flagWorkers          = "loadgen-workers"
	flagMinDelay         = "loadgen-min-delay"
	flagMaxDelay         = "loadgen-max-delay"
	flagHighLatencyRatio = "loadgen-high-latency-ratio"
	flagRequests         = "loadgen-requests"
	flagRate             = "loadgen-rate"
)

const (
	defaultTarget   = "http://localhost:8080"
	defaultWorkers  = 3
	defaultMinDelay = 500 * time.Millisecond
	defaultMaxDelay = 1500 * time.Millisecond
	requestTimeout  = 20 * time.Second

	// SpanName is the name of the client span wrapping each request.
	SpanName = "GET /v1/hello/:name"
)

var defaultNames = []string{"alpha", "beta", "gamma"}

// Telemetry hands out the providers used to trace outgoing requests.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	Propagator() propagation.TextMapPropagator
}

// Result describes one completed request.
type Result struct {
	Name        string
	HighLatency bool
	StatusCode  int
	TraceID     string
	Degraded    bool
}

// Service implements a run.Group compatible load generator.
type Service struct {
	// dependencies
	Telemetry Telemetry
	Logging   *logging.Service

	Target           string
	Names            []string
	Workers          int
	MinDelay         time.Duration
	MaxDelay         time.Duration
	HighLatencyRatio float64
	Requests         int64
	Rate             float64

	// optional overrides
	Source    featureflag.Source
	Sleeper   downstream.Sleeper
	Transport http.RoundTripper
	// OnResult, when set, observes every completed request.
	OnResult func(Result)

	client  *http.Client
	tracer  trace.Tracer
	limiter *rate.Limiter
	log     *zap.Logger
	issued  atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "loadgen"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.Target == "" {
		s.Target = defaultTarget
	}
	if len(s.Names) == 0 {
		s.Names = append([]string(nil), defaultNames...)
	}
	if s.Workers == 0 {
		s.Workers = defaultWorkers
	}
	if s.MinDelay == 0 {
		s.MinDelay = defaultMinDelay
	}
	if s.MaxDelay == 0 {
		s.MaxDelay = defaultMaxDelay
	}

	flags := run.NewFlagSet("Load generator options")

	flags.StringVar(&s.Target, flagTarget, s.Target,
		`Base URL of the service under load`)
	flags.StringSliceVar(&s.Names, flagNames, s.Names,
		`User names to request, picked at random`)
	flags.IntVar(&s.Workers, flagWorkers, s.Workers,
		`Number of concurrent workers`)
	flags.DurationVar(&s.MinDelay, flagMinDelay, s.MinDelay,
		`Minimum pause of a worker between requests`)
	flags.DurationVar(&s.MaxDelay, flagMaxDelay, s.MaxDelay,
		`Maximum pause of a worker between requests`)
	flags.Float64Var(&s.HighLatencyRatio, flagHighLatencyRatio, s.HighLatencyRatio,
		`Ratio of requests sent with the high-latency feature flag`)
	flags.Int64Var(&s.Requests, flagRequests, s.Requests,
		`Total number of requests to send, 0 runs until stopped`)
	flags.Float64Var(&s.Rate, flagRate, s.Rate,
		`Maximum requests per second across all workers, 0 is unlimited`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if u, err := url.ParseRequestURI(s.Target); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, flagTarget, err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagTarget, errors.New("scheme must be http or https")))
	}
	names := 0
	for _, n := range s.Names {
		if strings.TrimSpace(n) != "" {
			names++
		}
	}
	if names == 0 {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, flagNames, pkg.ErrRequired))
	}
	if s.Workers < 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagWorkers, errors.New("expected at least 1 worker")))
	}
	if s.MinDelay < 0 || s.MaxDelay < s.MinDelay {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagMaxDelay, errors.New("expected 0 <= min delay <= max delay")))
	}
	if s.HighLatencyRatio < 0 || s.HighLatencyRatio > 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagHighLatencyRatio, errors.New("expected value between 0.0 and 1.0")))
	}
	if s.Requests < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagRequests, errors.New("expected zero or more requests")))
	}
	if s.Rate < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagRate, errors.New("expected zero or positive rate")))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	if s.Telemetry == nil || s.Telemetry.TracerProvider() == nil {
		return errors.New("missing telemetry providers")
	}
	clean := s.Names[:0]
	for _, n := range s.Names {
		if n = strings.TrimSpace(n); n != "" {
			clean = append(clean, n)
		}
	}
	s.Names = clean
	if s.Source == nil {
		s.Source = featureflag.DefaultSource
	}
	if s.Sleeper == nil {
		s.Sleeper = downstream.Sleep
	}
	s.limiter = rate.NewLimiter(rate.Inf, 1)
	if s.Rate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(s.Rate), 1)
	}
	s.client = &http.Client{Transport: s.Transport, Timeout: requestTimeout}
	s.tracer = s.Telemetry.TracerProvider().Tracer(semattr.InstrumentationName,
		trace.WithSchemaURL(semattr.SchemaURL))
	s.log = s.Logging.Base().Named(s.Name())
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// Serve implements run.Service. It returns once the configured number of
// requests completed or the service is stopped.
func (s *Service) Serve() error {
	g, ctx := errgroup.WithContext(s.ctx)
	for i := 0; i < s.Workers; i++ {
		worker := i
		g.Go(func() error {
			return s.work(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) next() bool {
	if s.Requests == 0 {
		return true
	}
	return s.issued.Add(1) <= s.Requests
}

func (s *Service) work(ctx context.Context, worker int) error {
	log := s.log.With(zap.Int("worker", worker))
	delay := featureflag.Range{Min: s.MinDelay, Max: s.MaxDelay}
	for s.next() {
		if err := s.limiter.Wait(ctx); err != nil {
			return context.Canceled
		}
		res, err := s.Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			log.Warn("request failed", zap.String("name", res.Name), zap.Error(err))
		} else {
			log.Info("request completed",
				zap.String("name", res.Name),
				zap.Bool("high_latency", res.HighLatency),
				zap.Int("status", res.StatusCode),
				zap.String(logging.KeyTraceID, res.TraceID),
				zap.Bool("degraded", res.Degraded),
			)
		}
		if s.OnResult != nil {
			s.OnResult(res)
		}
		if err := s.Sleeper(ctx, delay.Pick(s.Source)); err != nil {
			return context.Canceled
		}
	}
	return nil
}

// Do sends a single traced request for a randomly picked name.
func (s *Service) Do(ctx context.Context) (Result, error) {
	res := Result{
		Name:        s.Names[s.Source.Int64N(int64(len(s.Names)))],
		HighLatency: s.HighLatencyRatio > 0 && s.Source.Float64() < s.HighLatencyRatio,
	}

	target, err := url.JoinPath(s.Target, "v1", "hello", url.PathEscape(res.Name))
	if err != nil {
		return res, err
	}

	ctx, span := s.tracer.Start(ctx, SpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodGet,
			semconv.URLFull(target),
		),
	)
	defer span.End()
	res.TraceID = span.SpanContext().TraceID().String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.HighLatency {
		req.Header.Set(featureflag.HeaderName, string(featureflag.ModeHighLatency))
	}
	s.Telemetry.Propagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()

	res.StatusCode = resp.StatusCode
	span.SetAttributes(semconv.HTTPResponseStatusCode(resp.StatusCode))

	var body struct {
		TraceID  string `json:"traceID"`
		Degraded bool   `json:"degraded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		res.Degraded = body.Degraded
		if body.TraceID != "" {
			res.TraceID = body.TraceID
		}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
	}
	return res, nil
}
