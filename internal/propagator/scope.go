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

package propagator

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
)

// Scope is the handle of an activated context. Closing it cancels the
// activated context and hands back the context that was ambient before.
type Scope struct {
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	span      trace.Span
	requestID string

	once   sync.Once
	closed atomic.Bool
}

func newScope(parent, ctx context.Context, span trace.Span, requestID string) *Scope {
	ctx, cancel := context.WithCancel(ctx)
	return &Scope{
		parent:    parent,
		ctx:       ctx,
		cancel:    cancel,
		span:      span,
		requestID: requestID,
	}
}

// Context returns the activated context.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Span returns the span activated by this scope.
func (s *Scope) Span() trace.Span {
	return s.span
}

// RequestID returns the request correlation id visible in this scope.
func (s *Scope) RequestID() string {
	return s.requestID
}

// Close deactivates the scope and returns the previously ambient context.
// Additional calls are no-ops returning the same context.
func (s *Scope) Close() context.Context {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
	return s.parent
}

// Closed reports whether Close was called.
func (s *Scope) Closed() bool {
	return s.closed.Load()
}
