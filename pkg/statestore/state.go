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

// Package statestore persists the supervisor's scheduling state so the system
// can resume safely after an unexpected restart.
package statestore

import "time"

// ActiveRunSnapshot is the persisted counterpart of a run lock.
type ActiveRunSnapshot struct {
	RunID           string    `json:"runId"`
	CardKey         string    `json:"cardKey"`
	Flow            string    `json:"flow"`
	PipelineName    string    `json:"pipelineName,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	WorkerProcessID int       `json:"workerProcessId,omitempty"`
}

// QueuedCardSnapshot is work accepted but not yet dispatched.
type QueuedCardSnapshot struct {
	CardKey      string    `json:"cardKey"`
	Flow         string    `json:"flow"`
	PipelineName string    `json:"pipelineName,omitempty"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Attempts     int       `json:"attempts"`
}

// SupervisorState is the single durable root. It is loaded at start, mutated
// on every scheduling transition, and saved after each mutation.
type SupervisorState struct {
	ActiveRuns    map[string]ActiveRunSnapshot `json:"activeRuns"`
	QueuedCards   []QueuedCardSnapshot         `json:"queuedCards"`
	FailureCounts map[string]int               `json:"failureCounts"`
	LastUpdated   time.Time                    `json:"lastUpdated"`
}

// NewSupervisorState returns an empty state with initialized maps.
func NewSupervisorState() SupervisorState {
	return SupervisorState{
		ActiveRuns:    make(map[string]ActiveRunSnapshot),
		QueuedCards:   nil,
		FailureCounts: make(map[string]int),
	}
}

// normalize ensures maps are non-nil after decoding.
func (s *SupervisorState) normalize() {
	if s.ActiveRuns == nil {
		s.ActiveRuns = make(map[string]ActiveRunSnapshot)
	}

	if s.FailureCounts == nil {
		s.FailureCounts = make(map[string]int)
	}
}
