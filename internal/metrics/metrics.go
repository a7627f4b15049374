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

// Package metrics holds the process wide instruments and records request and
// downstream measurements with the attribute sets used on the spans.
package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basvanbeek/trace-playground/internal/semattr"
)

// instrument names
const (
	ServerDuration = "http.server.request.duration"
	ClientDuration = "http.client.request.duration"
	DBDuration     = "db.client.operation.duration"
	ServerRequests = "http.server.requests"
	ActiveRequests = "http.server.active_requests"
)

// DurationBuckets are the histogram boundaries, in seconds, of every duration
// instrument.
var DurationBuckets = []float64{0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 3, 5, 7}

// Instruments records the request and downstream measurements. It is safe for
// concurrent use.
type Instruments struct {
	serverDuration metric.Float64Histogram
	clientDuration metric.Float64Histogram
	dbDuration     metric.Float64Histogram
	requests       metric.Int64Counter
	active         metric.Int64UpDownCounter
}

// New creates the instruments on a meter obtained from mp.
func New(mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(semattr.InstrumentationName,
		metric.WithSchemaURL(semattr.SchemaURL))

	var (
		m    Instruments
		err  error
		errs []error
	)
	hist := func(name, desc string) metric.Float64Histogram {
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(DurationBuckets...),
		)
		errs = append(errs, err)
		return h
	}

	m.serverDuration = hist(ServerDuration, "Duration of inbound HTTP requests.")
	m.clientDuration = hist(ClientDuration, "Duration of outbound HTTP requests.")
	m.dbDuration = hist(DBDuration, "Duration of database operations.")

	m.requests, err = meter.Int64Counter(ServerRequests,
		metric.WithDescription("Number of completed inbound HTTP requests."),
		metric.WithUnit("1"),
	)
	errs = append(errs, err)

	m.active, err = meter.Int64UpDownCounter(ActiveRequests,
		metric.WithDescription("Number of inbound HTTP requests in flight."),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}
	return &m, nil
}

// Request tracks the measurements of one inbound request.
type Request struct {
	m      *Instruments
	method string
	route  string
	start  time.Time
	once   sync.Once
}

// RequestStarted increments the active request counter. Every returned
// Request must be finished exactly once.
func (m *Instruments) RequestStarted(ctx context.Context, method, route string) *Request {
	r := &Request{m: m, method: method, route: route, start: time.Now()}
	m.active.Add(ctx, 1, metric.WithAttributes(semattr.Server(method, route)...))
	return r
}

// Finish records the request duration, counts the request and decrements the
// active request counter. Only the first call records; it reports whether it
// did.
func (r *Request) Finish(ctx context.Context, status int) (recorded bool) {
	r.once.Do(func() {
		recorded = true
		elapsed := time.Since(r.start).Seconds()
		attrs := metric.WithAttributes(semattr.ServerStatus(r.method, r.route, status)...)
		r.m.serverDuration.Record(ctx, elapsed, attrs)
		r.m.requests.Add(ctx, 1, attrs)
		// matches the attribute set of the increment so the series nets to zero
		r.m.active.Add(ctx, -1, metric.WithAttributes(semattr.Server(r.method, r.route)...))
	})
	return recorded
}

// RecordDB records a database operation duration.
func (m *Instruments) RecordDB(ctx context.Context, d time.Duration, outcome string, extra ...attribute.KeyValue) {
	m.dbDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		semattr.Downstream(semattr.ComponentDB, outcome, extra...)...))
}

// RecordClient records an outbound HTTP call duration.
func (m *Instruments) RecordClient(ctx context.Context, d time.Duration, outcome string, extra ...attribute.KeyValue) {
	m.clientDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		semattr.Downstream(semattr.ComponentHTTPClient, outcome, extra...)...))
}
