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
	"sync"
)

// MockConfigManager is an in-memory ConfigManager for tests.
type MockConfigManager struct {
	mu     sync.Mutex
	Config FullConfig
	Err    error
}

// NewMockConfigManager returns a MockConfigManager seeded with defaults.
func NewMockConfigManager() *MockConfigManager {
	return &MockConfigManager{Config: DefaultConfig()}
}

func (m *MockConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return FullConfig{}, m.Err
	}

	return withDefaults(m.Config), nil
}

func (m *MockConfigManager) GetConfigOrCreateNew(ctx context.Context) (FullConfig, error) {
	return m.GetConfig(ctx)
}

func (m *MockConfigManager) AtomicSetDefaultPipeline(ctx context.Context, kind string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	m.Config.Supervisor.DefaultPipeline = kind

	return nil
}
