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

import (
	"context"
	"sync"

	"github.com/deckhand-io/deckhand/pkg/models"
)

// MockSupervisor is an in-memory Supervisor for tests. Results are delivered
// by calling Finish.
type MockSupervisor struct {
	RegisterError error
	LaunchError   error

	mu       sync.Mutex
	launched []models.WorkerRunRequest
	canceled []string
	runs     map[string]chan models.WorkerRunResult
}

// NewMockSupervisor creates a MockSupervisor.
func NewMockSupervisor() *MockSupervisor {
	return &MockSupervisor{runs: make(map[string]chan models.WorkerRunResult)}
}

func (m *MockSupervisor) Register(ctx context.Context) error {
	return m.RegisterError
}

func (m *MockSupervisor) Launch(ctx context.Context, req models.WorkerRunRequest) (*Handle, error) {
	if m.LaunchError != nil {
		return nil, m.LaunchError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	done := make(chan models.WorkerRunResult, 1)
	m.runs[req.RunID] = done
	m.launched = append(m.launched, req)

	return &Handle{
		RunID:     req.RunID,
		PID:       1000 + len(m.launched),
		LogDir:    req.LogDir,
		OutputDir: req.OutputDir,
		Done:      done,
	}, nil
}

func (m *MockSupervisor) Cancel(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.canceled = append(m.canceled, runID)

	if done, ok := m.runs[runID]; ok {
		done <- models.WorkerRunResult{Status: models.RunCanceled, ExitCode: -1}
		close(done)
		delete(m.runs, runID)
	}

	return nil
}

func (m *MockSupervisor) Running(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.runs[runID]

	return ok
}

// Finish delivers a terminal result for a tracked run.
func (m *MockSupervisor) Finish(runID string, result models.WorkerRunResult) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if done, ok := m.runs[runID]; ok {
		done <- result
		close(done)
		delete(m.runs, runID)
	}
}

// Launched returns the requests handed to Launch, in order.
func (m *MockSupervisor) Launched() []models.WorkerRunRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.WorkerRunRequest, len(m.launched))
	copy(out, m.launched)

	return out
}

// Canceled returns the run IDs handed to Cancel, in order.
func (m *MockSupervisor) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, len(m.canceled))
	copy(out, m.canceled)

	return out
}
