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
	"sync/atomic"
)

type handleKey struct{}

// Handle owns the policy attached to a request context. Once cleared, readers
// holding the context observe the fallback policy.
type Handle struct {
	fallback Policy
	current  atomic.Pointer[Policy]
}

// Attach stores p in a new Handle bound to the returned context. Readers fall
// back to Baseline once the handle is cleared.
func Attach(ctx context.Context, p Policy) (context.Context, *Handle) {
	return attach(ctx, p, Baseline())
}

func attach(ctx context.Context, p, fallback Policy) (context.Context, *Handle) {
	h := &Handle{fallback: fallback}
	h.current.Store(&p)
	return context.WithValue(ctx, handleKey{}, h), h
}

// Policy returns the attached policy or the fallback when cleared.
func (h *Handle) Policy() Policy {
	if h == nil {
		return Baseline()
	}
	if p := h.current.Load(); p != nil {
		return *p
	}
	return h.fallback
}

// Cleared reports whether Clear was called.
func (h *Handle) Cleared() bool {
	return h == nil || h.current.Load() == nil
}

// Clear detaches the policy. It is safe to call more than once and on a nil
// Handle.
func (h *Handle) Clear() {
	if h == nil {
		return
	}
	h.current.Store(nil)
}

// Current returns the policy attached to ctx, or Baseline when none was
// attached.
func Current(ctx context.Context) Policy {
	h, _ := ctx.Value(handleKey{}).(*Handle)
	return h.Policy()
}
