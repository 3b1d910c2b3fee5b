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

// Package scheduler owns the run-lock table and the concurrency-bounded
// dispatch queue. All lock acquisition and release is serialized through the
// scheduler's single mutex; no other component touches the lock table.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/metrics"
	"github.com/deckhand-io/deckhand/pkg/models"
)

// RunLock marks a card as having exactly one in-flight run, either queued or
// running. At most one lock exists per card key at any time.
type RunLock struct {
	CardKey   string
	RunID     string
	Flow      string
	StartedAt time.Time
}

// QueuedCard is work accepted but not yet dispatched.
type QueuedCard struct {
	CardKey      string
	RunID        string
	Flow         string
	PipelineName string
	EnqueuedAt   time.Time
	Attempts     int
	Exclusive    bool
}

// Decision is the outcome of an Enqueue call.
type Decision interface {
	decision()
}

// Enqueued means a lock was created. When Queued is false the caller must
// dispatch the run now; otherwise the run starts on a later Promote.
type Enqueued struct {
	RunID  string
	Queued bool
}

// AlreadyRunning means the card already holds a lock; no side effects occurred.
type AlreadyRunning struct {
	RunID string
}

// Deferred is the backpressure signal: both run slots and the queue are full.
// Nothing was enqueued; the caller decides whether to retry later.
type Deferred struct {
	Depth int
	Limit int
}

func (Enqueued) decision()       {}
func (AlreadyRunning) decision() {}
func (Deferred) decision()       {}

// Snapshot is a point-in-time occupancy report.
type Snapshot struct {
	Running int
	Queued  int
}

// Scheduler enforces the two scheduling constraints: global concurrency and
// at most one in-flight run per card.
type Scheduler struct {
	mu sync.Mutex

	maxConcurrent int
	maxQueued     int

	// locks is keyed by card key and covers both queued and running work.
	locks   map[string]*RunLock
	running map[string]string // runID -> cardKey
	queue   []QueuedCard

	// exclusiveRunning is set while a non-parallelizable run holds the floor.
	exclusiveRunning bool
	exclusiveRunID   string

	log *zap.SugaredLogger
}

// New creates a Scheduler. maxQueued <= 0 defaults to maxConcurrent.
func New(maxConcurrent, maxQueued int) *Scheduler {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	if maxQueued <= 0 {
		maxQueued = maxConcurrent
	}

	return &Scheduler{
		maxConcurrent: maxConcurrent,
		maxQueued:     maxQueued,
		locks:         make(map[string]*RunLock),
		running:       make(map[string]string),
		log:           logger.For(logger.ComponentScheduler),
	}
}

// Enqueue requests a run of flow for the given card.
func (s *Scheduler) Enqueue(cardKey, flow, pipelineName string, parallelizable bool) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[cardKey]; ok {
		return AlreadyRunning{RunID: lock.RunID}
	}

	runID := uuid.NewString()

	if s.canStartLocked(parallelizable) {
		s.locks[cardKey] = &RunLock{
			CardKey:   cardKey,
			RunID:     runID,
			Flow:      flow,
			StartedAt: time.Now(),
		}
		s.running[runID] = cardKey

		if !parallelizable {
			s.exclusiveRunning = true
			s.exclusiveRunID = runID
		}

		s.publishOccupancyLocked()
		s.log.Debugf("Dispatching run %s for card %s flow %s", runID, cardKey, flow)

		return Enqueued{RunID: runID}
	}

	if len(s.queue) >= s.maxQueued {
		metrics.IncDeferred()
		s.log.Debugf("Deferring card %s: queue depth %d at limit %d", cardKey, len(s.queue), s.maxQueued)

		return Deferred{Depth: len(s.queue), Limit: s.maxQueued}
	}

	s.locks[cardKey] = &RunLock{
		CardKey:   cardKey,
		RunID:     runID,
		Flow:      flow,
		StartedAt: time.Now(),
	}
	s.queue = append(s.queue, QueuedCard{
		CardKey:      cardKey,
		RunID:        runID,
		Flow:         flow,
		PipelineName: pipelineName,
		EnqueuedAt:   time.Now(),
		Exclusive:    !parallelizable,
	})

	s.publishOccupancyLocked()
	s.log.Debugf("Queued run %s for card %s flow %s", runID, cardKey, flow)

	return Enqueued{RunID: runID, Queued: true}
}

// canStartLocked reports whether a new run may start right now.
func (s *Scheduler) canStartLocked(parallelizable bool) bool {
	if s.exclusiveRunning {
		return false
	}

	if !parallelizable {
		return len(s.running) == 0
	}

	return len(s.running) < s.maxConcurrent
}

// Finish releases the card's lock for the given run. It is an error to finish
// a run the scheduler does not know about.
func (s *Scheduler) Finish(runID string, outcome models.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cardKey, ok := s.running[runID]
	if !ok {
		// The run may still be queued (canceled before dispatch).
		for i, qc := range s.queue {
			if qc.RunID == runID {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				delete(s.locks, qc.CardKey)
				s.publishOccupancyLocked()

				return nil
			}
		}

		return fmt.Errorf("unknown run %s", runID)
	}

	delete(s.running, runID)
	delete(s.locks, cardKey)

	if s.exclusiveRunID == runID {
		s.exclusiveRunning = false
		s.exclusiveRunID = ""
	}

	s.publishOccupancyLocked()
	s.log.Debugf("Finished run %s for card %s with outcome %s", runID, cardKey, outcome)

	return nil
}

// Promote moves the first runnable queued item into the running set and
// returns it. Returns nil when nothing can start.
func (s *Scheduler) Promote() *QueuedCard {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, qc := range s.queue {
		if !s.canStartLocked(!qc.Exclusive) {
			continue
		}

		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.running[qc.RunID] = qc.CardKey

		if lock, ok := s.locks[qc.CardKey]; ok {
			lock.StartedAt = time.Now()
		}

		if qc.Exclusive {
			s.exclusiveRunning = true
			s.exclusiveRunID = qc.RunID
		}

		s.publishOccupancyLocked()
		s.log.Debugf("Promoted queued run %s for card %s", qc.RunID, qc.CardKey)

		promoted := qc

		return &promoted
	}

	return nil
}

// IsLocked reports whether the card currently holds a run lock.
func (s *Scheduler) IsLocked(cardKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.locks[cardKey]

	return ok
}

// Snapshot returns the current occupancy for observability.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{Running: len(s.running), Queued: len(s.queue)}
}

// Locks returns a copy of the lock table, for persistence.
func (s *Scheduler) Locks() []RunLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunLock, 0, len(s.locks))
	for _, lock := range s.locks {
		out = append(out, *lock)
	}

	return out
}

// QueuedItems returns a copy of the queue, for persistence.
func (s *Scheduler) QueuedItems() []QueuedCard {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedCard, len(s.queue))
	copy(out, s.queue)

	return out
}

func (s *Scheduler) publishOccupancyLocked() {
	metrics.SetSchedulerOccupancy(len(s.running), len(s.queue))
}
