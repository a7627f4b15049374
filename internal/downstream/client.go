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

package downstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.uber.org/zap"

	"github.com/basvanbeek/trace-playground/internal/metrics"
	"github.com/basvanbeek/trace-playground/internal/propagator"
	"github.com/basvanbeek/trace-playground/internal/semattr"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
)

// simulated recommendations service coordinates
const (
	RecommendSpanName  = "HTTP POST /api/v1/recommend"
	RecommendHost      = "recommendations.internal"
	RecommendPort      = 443
	RecommendEndpoint  = "https://" + RecommendHost + "/api/v1/recommend"
	RecommendPeerLabel = "recommendations"

	EventServerError = "Recommendations service returned 500 error"

	RecommendationOK       = "Learn deeper!"
	RecommendationDegraded = "Error response"
)

// Recommendations is the result of a recommendations call. A server error
// yields OutcomeDegraded instead of an error.
type Recommendations struct {
	Text       string
	StatusCode int
	Outcome    Outcome
}

// Client calls the recommendations service. By default requests are served
// by an in-process transport simulating the remote service.
type Client struct {
	base
	endpoint string
	http     *http.Client
}

// NewClient returns a Client creating spans through p and recording durations
// on m. rt, when not nil, replaces the simulated transport.
func NewClient(p *propagator.Propagator, m *metrics.Instruments, rt http.RoundTripper, opts ...Option) *Client {
	c := &Client{
		base:     newBase(p, m, opts),
		endpoint: RecommendEndpoint,
	}
	if rt == nil {
		rt = &SimulatedTransport{src: c.src, sleep: c.sleep}
	}
	c.http = &http.Client{Transport: rt}
	return c
}

// Recommend fetches recommendations for userName. Transport failures and
// cancellation are returned as errors; server errors are not.
func (c *Client) Recommend(ctx context.Context, userName string) (Recommendations, error) {
	scope, span := c.propagator.StartClientSpan(ctx, RecommendSpanName,
		semconv.HTTPRequestMethodPost,
		semconv.ClientAddress(RecommendHost),
		semconv.ClientPort(RecommendPort),
		semconv.ServerAddress(RecommendHost),
		semconv.ServerPort(RecommendPort),
	)
	defer func() {
		span.End()
		scope.Close()
	}()
	ctx = scope.Context()
	log := logging.FromContext(ctx)

	metricAttrs := func(extra ...attribute.KeyValue) []attribute.KeyValue {
		return append([]attribute.KeyValue{
			semconv.ClientAddress(RecommendPeerLabel),
			semattr.Method(http.MethodPost),
		}, extra...)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"?userName="+url.QueryEscape(userName), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Recommendations{}, err
	}
	c.propagator.Inject(ctx, req.Header)

	res, err := c.http.Do(req)
	if err != nil {
		err = fmt.Errorf("recommendations: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordClient(ctx, time.Since(start), semattr.OutcomeError,
			metricAttrs(semattr.ErrorType(err))...)
		log.Warn("recommendations call failed", zap.Error(err))
		return Recommendations{}, err
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()

	span.SetAttributes(semconv.HTTPResponseStatusCode(res.StatusCode))

	if res.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", res.StatusCode))
		span.AddEvent(EventServerError)
		c.metrics.RecordClient(ctx, time.Since(start), semattr.OutcomeError, metricAttrs()...)
		log.Info("recommendations degraded", zap.Int("status", res.StatusCode))
		return Recommendations{
			Text:       RecommendationDegraded,
			StatusCode: res.StatusCode,
			Outcome:    OutcomeDegraded,
		}, nil
	}

	span.SetStatus(codes.Ok, "")
	c.metrics.RecordClient(ctx, time.Since(start), semattr.OutcomeSuccess, metricAttrs()...)
	return Recommendations{
		Text:       RecommendationOK,
		StatusCode: res.StatusCode,
		Outcome:    OutcomeOK,
	}, nil
}

// SimulatedTransport answers recommendation requests in-process, applying the
// remote phase of the request's fault injection policy.
type SimulatedTransport struct {
	src   featureflag.Source
	sleep Sleeper
}

// RoundTrip implements http.RoundTripper.
func (t *SimulatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b := newBase(nil, nil, nil)
	if t.src != nil {
		b.src = t.src
	}
	if t.sleep != nil {
		b.sleep = t.sleep
	}
	ctx := req.Context()
	failed, err := b.simulate(ctx, featureflag.Current(ctx).Remote)
	if err != nil {
		return nil, err
	}

	status, body := http.StatusOK, `{"recommendation":"`+RecommendationOK+`"}`
	if failed {
		status, body = http.StatusInternalServerError, `{"error":"internal error"}`
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}
