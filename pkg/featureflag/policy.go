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

// Package featureflag resolves the per request fault injection policy used by
// the simulated downstream operations.
package featureflag

import (
	"math/rand/v2"
	"strings"
	"time"
)

// HeaderName is the inbound header selecting the fault injection mode.
const HeaderName = "X-Feature-Flag"

// Mode names a fault injection policy.
type Mode string

// Supported modes.
const (
	ModeBaseline    Mode = "baseline"
	ModeHighLatency Mode = "high-latency"
)

// Default error rate shared by the baseline and high-latency modes.
const DefaultErrorRate = 0.10

// Source provides the randomness used to pick latencies and failures.
// *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Float64() float64
	Int64N(n int64) int64
}

type globalSource struct{}

func (globalSource) Float64() float64     { return rand.Float64() }
func (globalSource) Int64N(n int64) int64 { return rand.Int64N(n) }

// DefaultSource draws from the concurrency safe math/rand/v2 top level
// generator.
var DefaultSource Source = globalSource{}

// Range is an inclusive latency interval.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Millis returns a Range from millisecond bounds.
func Millis(lo, hi int64) Range {
	return Range{
		Min: time.Duration(lo) * time.Millisecond,
		Max: time.Duration(hi) * time.Millisecond,
	}
}

// Pick returns a uniformly distributed duration within the range.
func (r Range) Pick(src Source) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(src.Int64N(int64(r.Max-r.Min)+1))
}

// Covers reports whether r contains every duration of o.
func (r Range) Covers(o Range) bool {
	return r.Min <= o.Min && r.Max >= o.Max
}

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	u := r
	if o.Min < u.Min {
		u.Min = o.Min
	}
	if o.Max > u.Max {
		u.Max = o.Max
	}
	return u
}

func (r Range) valid() bool {
	return r.Min >= 0 && r.Max >= r.Min
}

// Phase holds the fault parameters of one simulated stage.
type Phase struct {
	Latency   Range
	ErrorRate float64
}

// Fails draws a uniform sample in [0,1) and reports a failure when it falls
// below the error rate.
func (p Phase) Fails(src Source) bool {
	return src.Float64() < p.ErrorRate
}

// Policy is the fault injection configuration for a single request. The
// controller phase only adds latency.
type Policy struct {
	Mode       Mode
	Controller Phase
	Database   Phase
	Remote     Phase
}

// Baseline returns the default policy applied when no mode was requested.
func Baseline() Policy {
	return Policy{
		Mode:       ModeBaseline,
		Controller: Phase{Latency: Millis(50, 150)},
		Database:   Phase{Latency: Millis(200, 800), ErrorRate: DefaultErrorRate},
		Remote:     Phase{Latency: Millis(200, 800), ErrorRate: DefaultErrorRate},
	}
}

// high-latency ranges before they are merged with the baseline ranges.
var (
	highLatencyController = Millis(300, 1000)
	highLatencyDatabase   = Millis(1000, 3000)
	highLatencyRemote     = Millis(1000, 2000)
)

// Degrade derives the high-latency policy from a baseline. Every latency range
// widens to cover the baseline range; error rates are carried over unchanged.
func Degrade(base Policy) Policy {
	p := base
	p.Mode = ModeHighLatency
	p.Controller.Latency = base.Controller.Latency.Union(highLatencyController)
	p.Database.Latency = base.Database.Latency.Union(highLatencyDatabase)
	p.Remote.Latency = base.Remote.Latency.Union(highLatencyRemote)
	return p
}

// ParseMode maps a free text signal onto a Mode. Unknown or empty signals
// yield ModeBaseline.
func ParseMode(signal string) Mode {
	if strings.EqualFold(strings.TrimSpace(signal), string(ModeHighLatency)) {
		return ModeHighLatency
	}
	return ModeBaseline
}

// Resolve returns the default policy for the provided signal.
func Resolve(signal string) Policy {
	if ParseMode(signal) == ModeHighLatency {
		return Degrade(Baseline())
	}
	return Baseline()
}
