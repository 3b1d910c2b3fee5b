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

// Package models holds the domain types shared between the scheduler, worker
// supervisor, pipeline orchestrator and coordinator.
package models

import "time"

// CardStatus is the lifecycle status of a card as this core tracks it.
// The card store owns the field; we only read it and request updates.
type CardStatus string

const (
	CardStatusIdle      CardStatus = "idle"
	CardStatusQueued    CardStatus = "queued"
	CardStatusRunning   CardStatus = "running"
	CardStatusSucceeded CardStatus = "succeeded"
	CardStatusFailed    CardStatus = "failed"
	CardStatusCanceled  CardStatus = "canceled"
)

// CardRef is the slice of a card this core cares about. Key is an opaque
// path or identifier owned by the card store.
type CardRef struct {
	Key    string     `json:"key"    yaml:"key"`
	Flow   string     `json:"flow"   yaml:"flow"`
	Status CardStatus `json:"status" yaml:"status"`
	Branch string     `json:"branch,omitempty" yaml:"branch,omitempty"`
	// Exclusive cards run alone; nothing else starts while their run lives.
	Exclusive bool `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// CardEventKind describes what happened to a card in the backlog.
type CardEventKind string

const (
	CardEventAdded    CardEventKind = "added"
	CardEventModified CardEventKind = "modified"
	CardEventRemoved  CardEventKind = "removed"
)

// CardEvent is one debounced backlog notification.
type CardEvent struct {
	Kind CardEventKind
	Card CardRef
}

// Backend names the model backend a worker should talk to. The wire protocol
// lives entirely inside the worker process.
type Backend string

const (
	BackendDefault Backend = "default"
	BackendLocal   Backend = "local"
)

// WorkerRunRequest is the immutable instruction handed to a worker process.
// It is serialized as the payload artifact inside the run directory.
type WorkerRunRequest struct {
	RunID           string   `json:"runId"`
	Flow            string   `json:"flow"`
	CardKey         string   `json:"cardKey"`
	CapabilityToken []byte   `json:"sandboxCapabilityToken,omitempty"`
	LogDir          string   `json:"logDir"`
	OutputDir       string   `json:"outputDir"`
	AllowNetwork    bool     `json:"allowNetwork"`
	ExtraArgs       []string `json:"extraArgs,omitempty"`
	Backend         Backend  `json:"backend"`
}

// RunStatus is the terminal status of one worker run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// WorkerRunResult is the terminal outcome of exactly one worker process.
type WorkerRunResult struct {
	Status       RunStatus `json:"status"`
	ExitCode     int       `json:"exitCode"`
	DurationMs   int64     `json:"durationMs"`
	BytesRead    int64     `json:"bytesRead"`
	BytesWritten int64     `json:"bytesWritten"`
	Summary      string    `json:"summary,omitempty"`
}

// RunRecord is one entry in the bounded run-history file, most recent first.
// It exists for reporting only, never for recovery.
type RunRecord struct {
	RunID      string          `json:"runId"`
	CardKey    string          `json:"cardKey"`
	Flow       string          `json:"flow"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Result     WorkerRunResult `json:"result"`
}
