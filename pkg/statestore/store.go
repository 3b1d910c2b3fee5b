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

package statestore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/config/ctxmutex"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// Store persists SupervisorState as a single JSON file with atomic writes.
//
// The convenience mutators do load-mutate-save. That is sufficient under the
// coordinator's single-writer discipline; it is NOT safe against concurrent
// external writers of the same file.
type Store struct {
	path      string
	fsService filesystem.Service
	log       *zap.SugaredLogger

	// mutexAtomicUpdate serializes full load-mutate-save cycles.
	mutexAtomicUpdate *ctxmutex.CtxMutex
}

// NewStore creates a Store writing to the given file path.
func NewStore(path string, fsService filesystem.Service) *Store {
	return &Store{
		path:              path,
		fsService:         fsService,
		log:               logger.For(logger.ComponentStateStore),
		mutexAtomicUpdate: ctxmutex.NewCtxMutex(),
	}
}

// Load reads the persisted state. A missing file yields an empty state and no
// error. A corrupt file yields an empty state and the decode error, so the
// caller can start fresh while surfacing the problem.
func (s *Store) Load(ctx context.Context) (SupervisorState, error) {
	if err := s.mutexAtomicUpdate.Lock(ctx); err != nil {
		return NewSupervisorState(), err
	}
	defer s.mutexAtomicUpdate.Unlock()

	return s.loadLocked(ctx)
}

func (s *Store) loadLocked(ctx context.Context) (SupervisorState, error) {
	exists, err := s.fsService.PathExists(ctx, s.path)
	if err != nil {
		return NewSupervisorState(), fmt.Errorf("failed to check state file: %w", err)
	}

	if !exists {
		return NewSupervisorState(), nil
	}

	data, err := s.fsService.ReadFile(ctx, s.path)
	if err != nil {
		return NewSupervisorState(), fmt.Errorf("failed to read state file: %w", err)
	}

	var state SupervisorState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warnf("State file %s is corrupt, starting from empty state: %v", s.path, err)

		return NewSupervisorState(), fmt.Errorf("failed to decode state file: %w", err)
	}

	state.normalize()

	return state, nil
}

// Save persists the state atomically (write-temp-then-rename).
func (s *Store) Save(ctx context.Context, state SupervisorState) error {
	if err := s.mutexAtomicUpdate.Lock(ctx); err != nil {
		return err
	}
	defer s.mutexAtomicUpdate.Unlock()

	return s.saveLocked(ctx, state)
}

func (s *Store) saveLocked(ctx context.Context, state SupervisorState) error {
	state.LastUpdated = time.Now().UTC()

	if err := s.fsService.EnsureDirectory(ctx, filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := s.fsService.WriteFileAtomic(ctx, s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	return nil
}

// Clear removes the persisted state file.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.mutexAtomicUpdate.Lock(ctx); err != nil {
		return err
	}
	defer s.mutexAtomicUpdate.Unlock()

	return s.fsService.Remove(ctx, s.path)
}

// mutate runs one load-mutate-save cycle under the update mutex.
func (s *Store) mutate(ctx context.Context, fn func(*SupervisorState)) error {
	if err := s.mutexAtomicUpdate.Lock(ctx); err != nil {
		return err
	}
	defer s.mutexAtomicUpdate.Unlock()

	state, err := s.loadLocked(ctx)
	if err != nil {
		// A corrupt file is replaced by the mutated empty state.
		s.log.Warnf("Proceeding from empty state: %v", err)
	}

	fn(&state)

	return s.saveLocked(ctx, state)
}

// AddActiveRun records a dispatched run.
func (s *Store) AddActiveRun(ctx context.Context, run ActiveRunSnapshot) error {
	return s.mutate(ctx, func(state *SupervisorState) {
		state.ActiveRuns[run.RunID] = run
	})
}

// RemoveActiveRun drops a finished or cleared run.
func (s *Store) RemoveActiveRun(ctx context.Context, runID string) error {
	return s.mutate(ctx, func(state *SupervisorState) {
		delete(state.ActiveRuns, runID)
	})
}

// EnqueueCard records accepted-but-undispatched work.
func (s *Store) EnqueueCard(ctx context.Context, card QueuedCardSnapshot) error {
	return s.mutate(ctx, func(state *SupervisorState) {
		state.QueuedCards = append(state.QueuedCards, card)
	})
}

// DequeueCard removes the queued entry for the given card key.
func (s *Store) DequeueCard(ctx context.Context, cardKey string) error {
	return s.mutate(ctx, func(state *SupervisorState) {
		for i, qc := range state.QueuedCards {
			if qc.CardKey == cardKey {
				state.QueuedCards = append(state.QueuedCards[:i], state.QueuedCards[i+1:]...)

				return
			}
		}
	})
}

// UpdateFailureCount sets the failure counter for a card; zero removes it.
func (s *Store) UpdateFailureCount(ctx context.Context, cardKey string, count int) error {
	return s.mutate(ctx, func(state *SupervisorState) {
		if count <= 0 {
			delete(state.FailureCounts, cardKey)

			return
		}

		state.FailureCounts[cardKey] = count
	})
}

// ClearStaleRuns removes and returns the IDs of active runs whose StartedAt is
// older than now-timeout. Used exclusively at startup for crash recovery.
func (s *Store) ClearStaleRuns(ctx context.Context, timeout time.Duration, now time.Time) ([]string, error) {
	var stale []string

	err := s.mutate(ctx, func(state *SupervisorState) {
		cutoff := now.Add(-timeout)

		for runID, run := range state.ActiveRuns {
			if run.StartedAt.Before(cutoff) {
				stale = append(stale, runID)
				delete(state.ActiveRuns, runID)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return stale, nil
}
