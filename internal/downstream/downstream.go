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

// Package downstream simulates the database and remote service dependencies
// of the hello endpoint. Each call opens its own CLIENT span, applies the
// request's fault injection policy and records its duration.
package downstream

import (
	"context"
	"time"

	"github.com/basvanbeek/trace-playground/internal/metrics"
	"github.com/basvanbeek/trace-playground/internal/propagator"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
)

// Outcome distinguishes a successful call from one that failed softly and was
// translated into a business response.
type Outcome int

// Outcome values.
const (
	OutcomeOK Outcome = iota
	OutcomeDegraded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Sleeper suspends the caller for d unless ctx ends first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep blocks for d or until ctx is done, in which case it returns the
// context error.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Option configures the simulated dependencies.
type Option func(*base)

// WithSource sets the randomness used for latencies and failures.
func WithSource(src featureflag.Source) Option {
	return func(b *base) {
		b.src = src
	}
}

// WithSleeper replaces the latency simulation.
func WithSleeper(fn Sleeper) Option {
	return func(b *base) {
		b.sleep = fn
	}
}

type base struct {
	propagator *propagator.Propagator
	metrics    *metrics.Instruments
	src        featureflag.Source
	sleep      Sleeper
}

func newBase(p *propagator.Propagator, m *metrics.Instruments, opts []Option) base {
	b := base{
		propagator: p,
		metrics:    m,
		src:        featureflag.DefaultSource,
		sleep:      Sleep,
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// simulate waits for a latency drawn from phase and then draws the failure
// outcome. A canceled wait reports the context error.
func (b base) simulate(ctx context.Context, phase featureflag.Phase) (failed bool, err error) {
	if err = b.sleep(ctx, phase.Latency.Pick(b.src)); err != nil {
		return true, err
	}
	return phase.Fails(b.src), nil
}
