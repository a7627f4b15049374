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

// Package pkg holds the error primitives shared by all trace-playground
// packages.
package pkg

import "errors"

// FlagErr is the format used to report a configuration error for a flag.
const FlagErr = "--%s error: %w"

// ErrRequired is returned when a mandatory flag was left empty.
const ErrRequired Error = "required"

// Error allows for constant sentinel errors.
type Error string

// Error implements error.
func (e Error) Error() string {
	return string(e)
}

// HasError returns true if err is target or holds target anywhere in its
// chain, including inside multierrors exposing their wrapped errors.
func HasError(err, target error) bool {
	if err == nil || target == nil {
		return err == target
	}
	if errors.Is(err, target) {
		return true
	}
	var multi interface{ WrappedErrors() []error }
	if errors.As(err, &multi) {
		for _, e := range multi.WrappedErrors() {
			if HasError(e, target) {
				return true
			}
		}
	}
	return false
}
