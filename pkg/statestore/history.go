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

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/config/ctxmutex"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// History is the bounded run-history file, most recent first. It exists for
// reporting only; recovery never reads it.
type History struct {
	path      string
	limit     int
	fsService filesystem.Service
	log       *zap.SugaredLogger

	mutexAtomicUpdate *ctxmutex.CtxMutex
}

// NewHistory creates a History capped at limit records.
func NewHistory(path string, limit int, fsService filesystem.Service) *History {
	if limit < 1 {
		limit = 1
	}

	return &History{
		path:              path,
		limit:             limit,
		fsService:         fsService,
		log:               logger.For(logger.ComponentHistory),
		mutexAtomicUpdate: ctxmutex.NewCtxMutex(),
	}
}

// Append prepends a record and truncates to the cap.
func (h *History) Append(ctx context.Context, record models.RunRecord) error {
	if err := h.mutexAtomicUpdate.Lock(ctx); err != nil {
		return err
	}
	defer h.mutexAtomicUpdate.Unlock()

	records, err := h.loadLocked(ctx)
	if err != nil {
		h.log.Warnf("Run history unreadable, starting a fresh file: %v", err)

		records = nil
	}

	records = append([]models.RunRecord{record}, records...)
	if len(records) > h.limit {
		records = records[:h.limit]
	}

	if err := h.fsService.EnsureDirectory(ctx, filepath.Dir(h.path)); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run history: %w", err)
	}

	if err := h.fsService.WriteFileAtomic(ctx, h.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write run history: %w", err)
	}

	return nil
}

// Recent returns up to n records, most recent first.
func (h *History) Recent(ctx context.Context, n int) ([]models.RunRecord, error) {
	if err := h.mutexAtomicUpdate.Lock(ctx); err != nil {
		return nil, err
	}
	defer h.mutexAtomicUpdate.Unlock()

	records, err := h.loadLocked(ctx)
	if err != nil {
		return nil, err
	}

	if n > 0 && len(records) > n {
		records = records[:n]
	}

	return records, nil
}

func (h *History) loadLocked(ctx context.Context) ([]models.RunRecord, error) {
	exists, err := h.fsService.PathExists(ctx, h.path)
	if err != nil {
		return nil, fmt.Errorf("failed to check history file: %w", err)
	}

	if !exists {
		return nil, nil
	}

	data, err := h.fsService.ReadFile(ctx, h.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read history file: %w", err)
	}

	var records []models.RunRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode history file: %w", err)
	}

	return records, nil
}
