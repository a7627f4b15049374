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

// Package http provides a run.Group compatible HTTP server.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tetratelabs/multierror"
	"github.com/tetratelabs/run"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/basvanbeek/trace-playground/pkg"
)

const (
	flagListenAddress  = "http-listen-address"
	flagMaxConnections = "http-max-connections"

	defaultListenAddress  = ":8080"
	defaultMaxConnections = 200
)

var (
	_ run.Config    = (*Service)(nil)
	_ run.PreRunner = (*Service)(nil)
	_ run.Service   = (*Service)(nil)
)

// Service implements a run.Group compatible HTTP Server.
type Service struct {
	ListenAddress  string
	MaxConnections int
	Logger         *zap.Logger

	*http.Server
	l net.Listener
}

// Name implements run.Unit.
func (s *Service) Name() string {
	return "http"
}

// FlagSet implements run.Config.
func (s *Service) FlagSet() *run.FlagSet {
	if s.ListenAddress == "" {
		s.ListenAddress = defaultListenAddress
	}
	if s.MaxConnections == 0 {
		s.MaxConnections = defaultMaxConnections
	}
	if s.Server == nil {
		s.Server = &http.Server{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
	}
	flags := run.NewFlagSet("HTTP server options")

	flags.StringVarP(
		&s.ListenAddress,
		flagListenAddress, "a",
		s.ListenAddress,
		`HTTP server listen address, e.g. ":443" or "localhost:80"`)
	flags.IntVar(
		&s.MaxConnections,
		flagMaxConnections,
		s.MaxConnections,
		`Maximum number of simultaneous connections, 0 is unbounded`)

	return flags
}

// Validate implements run.Config.
func (s *Service) Validate() error {
	var mErr error

	if s.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
			mErr = multierror.Append(mErr,
				fmt.Errorf(pkg.FlagErr, flagListenAddress, err))
		}
	} else {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagListenAddress, pkg.ErrRequired))
	}
	if s.MaxConnections < 0 {
		mErr = multierror.Append(mErr,
			fmt.Errorf(pkg.FlagErr, flagMaxConnections, errors.New("expected zero or more connections")))
	}

	return mErr
}

// PreRun implements run.PreRunner. The listener is bound here so the
// resolved address is known before Serve is called.
func (s *Service) PreRun() (err error) {
	if s.Server == nil {
		return errors.New("missing http server, FlagSet was not called")
	}
	if s.Logger != nil {
		s.Server.ErrorLog = zap.NewStdLog(s.Logger.Named(s.Name()))
	}
	l, err := net.Listen("tcp", s.ListenAddress)
	if err != nil {
		return err
	}
	s.l = l
	if s.MaxConnections > 0 {
		s.l = netutil.LimitListener(l, s.MaxConnections)
	}
	return nil
}

// Addr returns the bound listener address.
func (s *Service) Addr() net.Addr {
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Serve implements run.Service.
func (s *Service) Serve() error {
	if err := s.Server.Serve(s.l); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GracefulStop implements run.Service.
func (s *Service) GracefulStop() {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(5*time.Second))
	defer cancel()

	if s.Server != nil {
		_ = s.Server.Shutdown(ctx)
	}
	if s.l != nil {
		_ = s.l.Close()
	}
}
