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

package backlog

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// Source emits card events. Subscribe returns the event channel and an
// unsubscribe function; the channel is closed when the source stops or the
// subscriber unsubscribes.
type Source interface {
	Subscribe() (<-chan models.CardEvent, func())
}

// DirSource watches a card directory by periodic rescan. Changes observed in
// one scan are held for a short debounce window so rapid churn on the same
// card collapses into a single event.
type DirSource struct {
	dir       string
	interval  time.Duration
	debounce  time.Duration
	fsService filesystem.Service
	store     CardStore
	log       *zap.SugaredLogger

	mu          sync.Mutex
	seen        map[string]cardFingerprint
	pending     map[string]models.CardEvent
	subscribers map[int]chan models.CardEvent
	nextSubID   int
	started     bool
	stopped     bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// cardFingerprint is what a scan remembers about a card to detect changes.
type cardFingerprint struct {
	modTime time.Time
	size    int64
	ref     models.CardRef
}

// NewDirSource creates a DirSource over dir. Zero interval and debounce get
// the defaults.
func NewDirSource(dir string, interval, debounce time.Duration, fsService filesystem.Service, store CardStore) *DirSource {
	if interval <= 0 {
		interval = constants.DefaultRescanInterval
	}

	if debounce <= 0 {
		debounce = constants.DefaultBacklogDebounce
	}

	return &DirSource{
		dir:         dir,
		interval:    interval,
		debounce:    debounce,
		fsService:   fsService,
		store:       store,
		log:         logger.For(logger.ComponentBacklog),
		seen:        make(map[string]cardFingerprint),
		pending:     make(map[string]models.CardEvent),
		subscribers: make(map[int]chan models.CardEvent),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start begins the scan loop. It returns immediately; scanning stops when
// ctx is canceled or Stop is called.
func (s *DirSource) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()

		return
	}
	s.started = true
	s.mu.Unlock()

	go s.loop(ctx)
}

// Stop terminates the scan loop and closes all subscriber channels.
func (s *DirSource) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()

		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	close(s.stopCh)

	if started {
		<-s.doneCh
	} else {
		s.closeAll()
	}
}

func (s *DirSource) Subscribe() (<-chan models.CardEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSubID
	s.nextSubID++

	ch := make(chan models.CardEvent, 64)
	if s.stopped {
		close(ch)

		return ch, func() {}
	}

	s.subscribers[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if sub, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(sub)
		}
	}
}

// Rescan forces an immediate scan outside the regular interval.
func (s *DirSource) Rescan(ctx context.Context) {
	s.scan(ctx)
	s.flushAfter(ctx, s.debounce)
}

func (s *DirSource) loop(ctx context.Context) {
	defer s.closeAll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.scan(ctx)
	s.flushAfter(ctx, s.debounce)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scan(ctx)
			s.flushAfter(ctx, s.debounce)
		}
	}
}

// scan diffs the directory against the previous snapshot and parks the
// resulting events in the pending buffer. A later event for the same card
// replaces the earlier one, except that added followed by removed collapses
// to nothing.
func (s *DirSource) scan(ctx context.Context) {
	entries, err := s.fsService.ReadDir(ctx, s.dir)
	if err != nil {
		s.log.Warnf("failed to scan card directory %s: %v", s.dir, err)

		return
	}

	current := make(map[string]cardFingerprint)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if strings.HasPrefix(name, ".") || IsSidecar(name) {
			continue
		}

		key := filepath.Join(s.dir, name)

		info, err := entry.Info()
		if err != nil {
			continue
		}

		ref, err := s.store.Read(ctx, key)
		if err != nil {
			s.log.Warnf("failed to read card %s: %v", key, err)

			continue
		}

		fp := cardFingerprint{modTime: info.ModTime(), size: info.Size(), ref: ref}

		// Sidecar edits do not touch the card file, so the sidecar's
		// mtime counts toward the fingerprint too.
		if scInfo, scErr := s.fsService.Stat(ctx, SidecarPath(key)); scErr == nil {
			if scInfo.ModTime().After(fp.modTime) {
				fp.modTime = scInfo.ModTime()
			}
		}

		current[key] = fp
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, fp := range current {
		prev, existed := s.seen[key]

		switch {
		case !existed:
			s.queueLocked(key, models.CardEvent{Kind: models.CardEventAdded, Card: fp.ref})
		case !fp.modTime.Equal(prev.modTime) || fp.size != prev.size || fp.ref != prev.ref:
			s.queueLocked(key, models.CardEvent{Kind: models.CardEventModified, Card: fp.ref})
		}
	}

	for key, prev := range s.seen {
		if _, still := current[key]; !still {
			s.queueLocked(key, models.CardEvent{Kind: models.CardEventRemoved, Card: prev.ref})
		}
	}

	s.seen = current
}

func (s *DirSource) queueLocked(key string, ev models.CardEvent) {
	prev, ok := s.pending[key]
	if ok && prev.Kind == models.CardEventAdded && ev.Kind == models.CardEventRemoved {
		delete(s.pending, key)

		return
	}

	if ok && prev.Kind == models.CardEventAdded && ev.Kind == models.CardEventModified {
		ev.Kind = models.CardEventAdded
	}

	s.pending[key] = ev
}

// flushAfter waits out the debounce window and delivers whatever is pending.
func (s *DirSource) flushAfter(ctx context.Context, wait time.Duration) {
	s.mu.Lock()
	empty := len(s.pending) == 0
	s.mu.Unlock()

	if empty {
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-s.stopCh:
		return
	case <-timer.C:
	}

	s.mu.Lock()
	events := make([]models.CardEvent, 0, len(s.pending))
	for _, ev := range s.pending {
		events = append(events, ev)
	}
	s.pending = make(map[string]models.CardEvent)

	subs := make([]chan models.CardEvent, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			select {
			case sub <- ev:
			default:
				s.log.Warnf("dropping card event for %s, subscriber channel full", ev.Card.Key)
			}
		}
	}
}

func (s *DirSource) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true

	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub)
	}

	close(s.doneCh)
}
