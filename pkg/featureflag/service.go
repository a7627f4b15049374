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

package featureflag

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"

	"github.com/basvanbeek/trace-playground/pkg"
)

// flags
const (
	ErrorRate            = "ff-error-rate"
	RemoteLatencyMin     = "ff-remote-latency-min"
	RemoteLatencyMax     = "ff-remote-latency-max"
	RemoteErrorThreshold = "ff-remote-error-threshold"
)

// environment variables seeding the remote client flag defaults
const (
	EnvClientLatencyMin     = "CLIENT_LATENCY_MIN_MS"
	EnvClientLatencyMax     = "CLIENT_LATENCY_MAX_MS"
	EnvClientErrorThreshold = "CLIENT_ERROR_THRESHOLD"
)

// MaxErrorThreshold is the upper bound of the remote error threshold. A
// threshold t yields an error rate of (MaxErrorThreshold-t)/(MaxErrorThreshold+1).
const MaxErrorThreshold = 14

const (
	errErrorRate pkg.Error = "expected error rate in [0,1)"
	errLatency   pkg.Error = "expected 0 <= min latency <= max latency"
	errThreshold pkg.Error = "expected error threshold between 0 and 14, or -1 to disable"
)

// Service implements a run.Group compatible fault injection policy resolver.
type Service struct {
	ErrorRate            float64
	RemoteLatencyMin     time.Duration
	RemoteLatencyMax     time.Duration
	RemoteErrorThreshold int

	envErr   error
	baseline Policy
	degraded Policy
	ready    bool
}

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "feature-flags"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	base := Baseline()
	if s.ErrorRate == 0 {
		s.ErrorRate = DefaultErrorRate
	}
	if s.RemoteLatencyMin == 0 && s.RemoteLatencyMax == 0 {
		s.RemoteLatencyMin = base.Remote.Latency.Min
		s.RemoteLatencyMax = base.Remote.Latency.Max
	}
	if s.RemoteErrorThreshold == 0 {
		s.RemoteErrorThreshold = -1
	}
	s.loadEnv()

	flags := run.NewFlagSet("Fault injection options")

	flags.Float64Var(&s.ErrorRate, ErrorRate, s.ErrorRate,
		`Error rate of the simulated database and remote calls, in [0,1)`)

	flags.DurationVar(&s.RemoteLatencyMin, RemoteLatencyMin, s.RemoteLatencyMin,
		`Minimum baseline latency of the simulated remote call (env `+EnvClientLatencyMin+`)`)

	flags.DurationVar(&s.RemoteLatencyMax, RemoteLatencyMax, s.RemoteLatencyMax,
		`Maximum baseline latency of the simulated remote call (env `+EnvClientLatencyMax+`)`)

	flags.IntVar(&s.RemoteErrorThreshold, RemoteErrorThreshold, s.RemoteErrorThreshold,
		`Remote call error threshold 0..14, a draw above it fails; -1 uses the error rate (env `+
			EnvClientErrorThreshold+`)`)

	return flags
}

func (s *Service) loadEnv() {
	var mErr error
	if v, ok := os.LookupEnv(EnvClientLatencyMin); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.RemoteLatencyMin = time.Duration(ms) * time.Millisecond
		} else {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", EnvClientLatencyMin, err))
		}
	}
	if v, ok := os.LookupEnv(EnvClientLatencyMax); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.RemoteLatencyMax = time.Duration(ms) * time.Millisecond
		} else {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", EnvClientLatencyMax, err))
		}
	}
	if v, ok := os.LookupEnv(EnvClientErrorThreshold); ok {
		if t, err := strconv.Atoi(v); err == nil {
			s.RemoteErrorThreshold = t
		} else {
			mErr = multierror.Append(mErr, fmt.Errorf("%s: %w", EnvClientErrorThreshold, err))
		}
	}
	s.envErr = mErr
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	mErr := s.envErr

	if s.ErrorRate < 0 || s.ErrorRate >= 1 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, ErrorRate, errErrorRate))
	}
	if !(Range{Min: s.RemoteLatencyMin, Max: s.RemoteLatencyMax}).valid() {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, RemoteLatencyMax, errLatency))
	}
	if s.RemoteErrorThreshold < -1 || s.RemoteErrorThreshold > MaxErrorThreshold {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, RemoteErrorThreshold, errThreshold))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	s.baseline = Baseline()
	s.baseline.Database.ErrorRate = s.ErrorRate
	s.baseline.Remote.ErrorRate = s.ErrorRate
	if s.RemoteLatencyMin != 0 || s.RemoteLatencyMax != 0 {
		s.baseline.Remote.Latency = Range{Min: s.RemoteLatencyMin, Max: s.RemoteLatencyMax}
	}
	if s.RemoteErrorThreshold >= 0 {
		s.baseline.Remote.ErrorRate = ThresholdRate(s.RemoteErrorThreshold)
	}
	s.degraded = Degrade(s.baseline)
	s.ready = true
	return nil
}

// ThresholdRate converts a remote error threshold into an error rate.
func ThresholdRate(threshold int) float64 {
	if threshold >= MaxErrorThreshold {
		return 0
	}
	if threshold < 0 {
		threshold = 0
	}
	return float64(MaxErrorThreshold-threshold) / float64(MaxErrorThreshold+1)
}

// Baseline returns the configured baseline policy.
func (s *Service) Baseline() Policy {
	if !s.ready {
		return Baseline()
	}
	return s.baseline
}

// Resolve returns the configured policy for signal.
func (s *Service) Resolve(signal string) Policy {
	if !s.ready {
		return Resolve(signal)
	}
	if ParseMode(signal) == ModeHighLatency {
		return s.degraded
	}
	return s.baseline
}

// Attach resolves signal and binds the policy to the returned context. The
// returned Handle must be cleared when the request ends.
func (s *Service) Attach(ctx context.Context, signal string) (context.Context, *Handle) {
	return attach(ctx, s.Resolve(signal), s.Baseline())
}
