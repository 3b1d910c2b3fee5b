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

// Package worker launches, tracks and cancels one-shot worker processes in
// isolated scoped directories.
package worker

import (
	"context"

	"github.com/deckhand-io/deckhand/pkg/models"
)

// Handle tracks one launched worker process.
type Handle struct {
	RunID string
	// PID of the child process.
	PID int
	// LogDir is preserved after the run for inspection.
	LogDir string
	// OutputDir is disposable scratch space, removed when the run ends.
	OutputDir string
	// LogPath is the structured event log the worker appends to.
	LogPath string
	// Done delivers exactly one terminal result.
	Done <-chan models.WorkerRunResult
}

// Supervisor defines the process-supervision interface. A concrete adapter
// implements it per target platform.
type Supervisor interface {
	// Register prepares the launch mechanism. It is idempotent.
	Register(ctx context.Context) error

	// Launch starts one worker process for the given request.
	Launch(ctx context.Context, req models.WorkerRunRequest) (*Handle, error)

	// Cancel requests termination of the tracked process. It is idempotent
	// and always triggers output-directory cleanup.
	Cancel(ctx context.Context, runID string) error

	// Running reports whether the run is still tracked.
	Running(runID string) bool
}
