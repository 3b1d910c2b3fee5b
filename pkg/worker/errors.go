// Copyright 2025 Deckhand Authors
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

package worker

import "errors"

var (
	// ErrNotRegistered is returned when Launch is called before Register.
	ErrNotRegistered = errors.New("worker supervisor not registered")

	// ErrExecutableNotFound is returned when the worker executable is missing.
	ErrExecutableNotFound = errors.New("worker executable not found")

	// ErrEncodePayload is returned when the run request cannot be serialized.
	ErrEncodePayload = errors.New("failed to encode worker payload")

	// ErrMissingCapability is returned when the sandbox capability for the
	// run's output directory cannot be acquired.
	ErrMissingCapability = errors.New("missing sandbox capability")

	// ErrUnknownRun is returned when an operation names a run that is not tracked.
	ErrUnknownRun = errors.New("unknown run")
)
