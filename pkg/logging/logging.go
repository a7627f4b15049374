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

// Package logging provides the zap based structured logger of this binary
// and request scoped log correlation.
package logging

import (
	"fmt"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/basvanbeek/trace-playground/pkg"
)

// flags
const (
	LogLevel  = "log-level"
	LogFormat = "log-format"
)

// supported encodings
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

const errFormat pkg.Error = "expected json or console"

// Service implements a run.Group compatible zap logger.
type Service struct {
	Level  string
	Format string
	// Logger, when set, is used as is and the flags are ignored.
	Logger *zap.Logger

	level  zapcore.Level
	closer chan error
}

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Name implements run.Unit.
func (s *Service) Name() string {
	return "logging"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.Level == "" {
		s.Level = "info"
	}
	if s.Format == "" {
		s.Format = FormatJSON
	}
	flags := run.NewFlagSet("Logging options")

	flags.StringVar(&s.Level, LogLevel, s.Level,
		`Minimum log level, one of debug, info, warn or error`)

	flags.StringVar(&s.Format, LogFormat, s.Format,
		`Log encoding, one of json or console`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if err := s.level.UnmarshalText([]byte(s.Level)); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, LogLevel, err))
	}
	if s.Format != FormatJSON && s.Format != FormatConsole {
		mErr = multierror.Append(mErr, fmt.Errorf(pkg.FlagErr, LogFormat, errFormat))
	}

	return mErr
}

// PreRun implements run.PreRunner.
func (s *Service) PreRun() error {
	s.closer = make(chan error)
	if s.Logger != nil {
		return nil
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(s.level),
		Development:       s.Format == FormatConsole,
		Encoding:          s.Format,
		EncoderConfig:     encoderConfig(s.Format),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: s.Format != FormatConsole,
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	s.Logger = logger

	return nil
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	return <-s.closer
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	close(s.closer)
	_ = s.Logger.Sync() // nolint: errcheck
}

// Base returns the process wide logger, or a no-op logger before PreRun.
func (s *Service) Base() *zap.Logger {
	if s == nil || s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func encoderConfig(format string) zapcore.EncoderConfig {
	if format == FormatConsole {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	return cfg
}
