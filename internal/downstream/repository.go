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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.uber.org/zap"

	"github.com/basvanbeek/trace-playground/internal/metrics"
	"github.com/basvanbeek/trace-playground/internal/propagator"
	"github.com/basvanbeek/trace-playground/internal/semattr"
	"github.com/basvanbeek/trace-playground/pkg"
	"github.com/basvanbeek/trace-playground/pkg/featureflag"
	"github.com/basvanbeek/trace-playground/pkg/logging"
)

// ErrDatabaseUnreachable is returned when the simulated database fails.
const ErrDatabaseUnreachable pkg.Error = "database not reachable"

// simulated database coordinates
const (
	DBSpanName   = "DB SELECT users"
	DBNamespace  = "appdb"
	DBCollection = "users"
	DBOperation  = "SELECT"
	DBQuery      = "SELECT * FROM users WHERE name = ?"
	DBHost       = "db01.internal"
	DBPort       = 9999
)

func dbAttributes(extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		semconv.DBSystemNamePostgreSQL,
		semconv.DBNamespace(DBNamespace),
		semconv.DBOperationName(DBOperation),
		semconv.DBCollectionName(DBCollection),
	}, extra...)
}

// User is the record returned by the simulated database.
type User struct {
	Name string
}

// String renders the lookup result shown to callers.
func (u User) String() string {
	return "Found user: " + u.Name
}

// Repository simulates a user table lookup.
type Repository struct {
	base
}

// NewRepository returns a Repository creating spans through p and recording
// durations on m.
func NewRepository(p *propagator.Propagator, m *metrics.Instruments, opts ...Option) *Repository {
	return &Repository{base: newBase(p, m, opts)}
}

// FindUserByName looks up name. A failure is a hard failure that the caller
// must propagate.
func (r *Repository) FindUserByName(ctx context.Context, name string) (User, error) {
	scope, span := r.propagator.StartClientSpan(ctx, DBSpanName, dbAttributes(
		semconv.CodeFunctionName("downstream.Repository.FindUserByName"),
		semconv.DBQueryText(DBQuery),
		semconv.NetworkPeerAddress(DBHost),
		semconv.NetworkPeerPort(DBPort),
	)...)
	defer func() {
		span.End()
		scope.Close()
	}()
	ctx = scope.Context()
	log := logging.FromContext(ctx)

	start := time.Now()
	failed, err := r.simulate(ctx, featureflag.Current(ctx).Database)
	if failed {
		if err == nil {
			err = ErrDatabaseUnreachable
		}
		err = fmt.Errorf("%s %s: %w", DBOperation, DBCollection, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordDB(ctx, time.Since(start), semattr.OutcomeError,
			dbAttributes(semattr.ErrorType(err))...)
		log.Warn("database lookup failed", zap.String("user", name), zap.Error(err))
		return User{}, err
	}

	span.SetStatus(codes.Ok, "")
	r.metrics.RecordDB(ctx, time.Since(start), semattr.OutcomeSuccess, dbAttributes()...)
	log.Debug("database lookup", zap.String("user", name))
	return User{Name: name}, nil
}
