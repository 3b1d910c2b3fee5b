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

package config

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/deckhand-io/deckhand/pkg/config/ctxmutex"
	"github.com/deckhand-io/deckhand/pkg/config/ctxrwmutex"
	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// ConfigManager is the interface for config management.
type ConfigManager interface {
	// GetConfig returns the current config, read fresh from disk with
	// defaults applied.
	GetConfig(ctx context.Context) (FullConfig, error)
	// GetConfigOrCreateNew loads the config, creating the file with
	// defaults when it is absent.
	GetConfigOrCreateNew(ctx context.Context) (FullConfig, error)
	// AtomicSetDefaultPipeline updates the default pipeline kind under the
	// config manager's update mutex.
	AtomicSetDefaultPipeline(ctx context.Context, kind string) error
}

// FileConfigManager implements ConfigManager on a YAML file.
//
// All writes to the config go through mutexAtomicUpdate so that two
// read-modify-write cycles cannot interleave; mutexReadOrWrite additionally
// lets plain reads run in parallel while excluding writers. Both are context
// aware to avoid deadlocks on cancellation.
type FileConfigManager struct {
	configPath string
	fsService  filesystem.Service
	logger     *zap.SugaredLogger

	mutexAtomicUpdate ctxmutex.CtxMutex
	mutexReadOrWrite  ctxrwmutex.CtxRWMutex
}

// NewFileConfigManager creates a FileConfigManager on the default path.
func NewFileConfigManager() *FileConfigManager {
	return &FileConfigManager{
		configPath:        constants.DefaultConfigPath,
		fsService:         filesystem.NewDefaultService(),
		logger:            logger.For(logger.ComponentConfigManager),
		mutexAtomicUpdate: *ctxmutex.NewCtxMutex(),
		mutexReadOrWrite:  *ctxrwmutex.NewCtxRWMutex(),
	}
}

// WithConfigPath sets a custom config file path.
func (m *FileConfigManager) WithConfigPath(path string) *FileConfigManager {
	m.configPath = path
	return m
}

// WithFileSystemService allows setting a custom filesystem service,
// useful for testing.
func (m *FileConfigManager) WithFileSystemService(fsService filesystem.Service) *FileConfigManager {
	m.fsService = fsService
	return m
}

// GetConfig returns the current config, always reading fresh from disk.
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	err := m.mutexReadOrWrite.RLock(ctx)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.RUnlock()

	return m.readConfig(ctx)
}

// readConfig reads and parses the file. Callers hold at least a read lock.
func (m *FileConfigManager) readConfig(ctx context.Context) (FullConfig, error) {
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, err
	}

	if !exists {
		return FullConfig{}, fmt.Errorf("config file does not exist: %s", m.configPath)
	}

	data, err := m.fsService.ReadFile(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var config FullConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return withDefaults(config), nil
}

// GetConfigOrCreateNew loads the config, writing a fresh default file when
// none exists yet.
func (m *FileConfigManager) GetConfigOrCreateNew(ctx context.Context) (FullConfig, error) {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config for update: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to check config file: %w", err)
	}

	if exists {
		return m.GetConfig(ctx)
	}

	config := DefaultConfig()
	if err := m.writeConfig(ctx, config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to write new config: %w", err)
	}

	m.logger.Infof("created default config at %s", m.configPath)

	return config, nil
}

// AtomicSetDefaultPipeline performs a read-modify-write cycle on the default
// pipeline kind.
func (m *FileConfigManager) AtomicSetDefaultPipeline(ctx context.Context, kind string) error {
	err := m.mutexAtomicUpdate.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config for update: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	config, err := m.GetConfig(ctx)
	if err != nil {
		return err
	}

	config.Supervisor.DefaultPipeline = kind

	return m.writeConfig(ctx, config)
}

// writeConfig writes the config to the file. It is not exposed; all writes
// happen under mutexAtomicUpdate via the atomic set methods.
func (m *FileConfigManager) writeConfig(ctx context.Context, config FullConfig) error {
	err := m.mutexReadOrWrite.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	dir := filepath.Dir(m.configPath)
	if err := m.fsService.EnsureDirectory(ctx, dir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := m.fsService.WriteFileAtomic(ctx, m.configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
