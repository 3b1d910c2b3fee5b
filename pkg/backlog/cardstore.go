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

// Package backlog adapts the external card backlog to the coordinator. It
// owns the sidecar files that carry a card's flow and status fields and
// turns directory churn into debounced card events.
package backlog

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// SidecarSuffix is appended to a card key to form its sidecar path. The
// sidecar lives next to the card file and holds only the fields this core
// reads and writes.
const SidecarSuffix = ".state.yaml"

// CardStore reads and writes the flow and status fields of a card. Keys are
// opaque to callers; this implementation treats them as file paths.
type CardStore interface {
	// Read returns the card's current sidecar fields. A card without a
	// sidecar is idle with no flow assigned.
	Read(ctx context.Context, key string) (models.CardRef, error)
	// WriteStatus updates the card's status, preserving the other fields.
	WriteStatus(ctx context.Context, key string, status models.CardStatus) error
	// WriteFlow updates the card's flow, preserving the other fields.
	WriteFlow(ctx context.Context, key string, flow string) error
}

// sidecar is the on-disk shape of a card's state file.
type sidecar struct {
	Flow      string            `yaml:"flow,omitempty"`
	Status    models.CardStatus `yaml:"status,omitempty"`
	Branch    string            `yaml:"branch,omitempty"`
	Exclusive bool              `yaml:"exclusive,omitempty"`
}

// FileCardStore keeps card state in YAML sidecar files next to the card
// files themselves.
type FileCardStore struct {
	fsService filesystem.Service
}

// NewFileCardStore creates a FileCardStore on the given filesystem service.
func NewFileCardStore(fsService filesystem.Service) *FileCardStore {
	return &FileCardStore{fsService: fsService}
}

// SidecarPath returns the sidecar path for a card key.
func SidecarPath(key string) string {
	return key + SidecarSuffix
}

// IsSidecar reports whether a path names a sidecar file.
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, SidecarSuffix)
}

func (s *FileCardStore) Read(ctx context.Context, key string) (models.CardRef, error) {
	ref := models.CardRef{Key: key, Status: models.CardStatusIdle}

	exists, err := s.fsService.PathExists(ctx, SidecarPath(key))
	if err != nil {
		return ref, fmt.Errorf("failed to check sidecar for %s: %w", key, err)
	}

	if !exists {
		return ref, nil
	}

	data, err := s.fsService.ReadFile(ctx, SidecarPath(key))
	if err != nil {
		return ref, fmt.Errorf("failed to read sidecar for %s: %w", key, err)
	}

	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return ref, fmt.Errorf("failed to parse sidecar for %s: %w", key, err)
	}

	ref.Flow = sc.Flow
	ref.Branch = sc.Branch
	ref.Exclusive = sc.Exclusive

	if sc.Status != "" {
		ref.Status = sc.Status
	}

	return ref, nil
}

func (s *FileCardStore) WriteStatus(ctx context.Context, key string, status models.CardStatus) error {
	return s.update(ctx, key, func(sc *sidecar) {
		sc.Status = status
	})
}

func (s *FileCardStore) WriteFlow(ctx context.Context, key string, flow string) error {
	return s.update(ctx, key, func(sc *sidecar) {
		sc.Flow = flow
	})
}

func (s *FileCardStore) update(ctx context.Context, key string, mutate func(*sidecar)) error {
	ref, err := s.Read(ctx, key)
	if err != nil {
		return err
	}

	sc := sidecar{Flow: ref.Flow, Status: ref.Status, Branch: ref.Branch, Exclusive: ref.Exclusive}
	mutate(&sc)

	data, err := yaml.Marshal(&sc)
	if err != nil {
		return fmt.Errorf("failed to encode sidecar for %s: %w", key, err)
	}

	if err := s.fsService.WriteFileAtomic(ctx, SidecarPath(key), data, 0o644); err != nil {
		return fmt.Errorf("failed to write sidecar for %s: %w", key, err)
	}

	return nil
}
