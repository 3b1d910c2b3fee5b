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

// Package config loads and persists the supervisor configuration file.
package config

import (
	"time"

	"github.com/deckhand-io/deckhand/pkg/backoff"
	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/pipeline"
)

// AgentConfig holds process-level settings unrelated to scheduling.
type AgentConfig struct {
	// MetricsPort serves the Prometheus endpoint; unset falls back to the
	// default port.
	MetricsPort int `yaml:"metricsPort,omitempty"`
	// SentryDSN enables crash reporting when set.
	SentryDSN string `yaml:"sentryDsn,omitempty"`
}

// WorkerConfig describes how worker processes are launched.
type WorkerConfig struct {
	// Executable is the worker binary resolved via PATH lookup.
	Executable string `yaml:"executable"`
	// AllowNetwork is passed through to every worker.
	AllowNetwork bool `yaml:"allowNetwork,omitempty"`
	// Backend selects the model backend workers talk to.
	Backend models.Backend `yaml:"backend,omitempty"`
	// ExtraArgs are appended to every worker invocation.
	ExtraArgs []string `yaml:"extraArgs,omitempty"`
}

// BackoffConfig mirrors backoff.Config in YAML form.
type BackoffConfig struct {
	BaseDelay      time.Duration `yaml:"baseDelay,omitempty"`
	Multiplier     float64       `yaml:"multiplier,omitempty"`
	JitterFraction float64       `yaml:"jitterFraction,omitempty"`
	MaxDelay       time.Duration `yaml:"maxDelay,omitempty"`
	MaxRetries     int           `yaml:"maxRetries,omitempty"`
}

// SupervisorConfig holds the scheduling and supervision settings.
type SupervisorConfig struct {
	// MaxConcurrent bounds globally parallel worker processes.
	MaxConcurrent int `yaml:"maxConcurrent,omitempty"`
	// MaxQueued bounds the accepted-but-not-dispatched queue; 0 means
	// MaxConcurrent.
	MaxQueued int `yaml:"maxQueued,omitempty"`
	// StaleRunTimeout ages out active runs left behind by a crash.
	StaleRunTimeout time.Duration `yaml:"staleRunTimeout,omitempty"`
	// RescanInterval is the maintenance tick and backlog scan interval.
	RescanInterval time.Duration `yaml:"rescanInterval,omitempty"`
	// WorkerGracePeriod is the SIGTERM-to-SIGKILL window on cancel.
	WorkerGracePeriod time.Duration `yaml:"workerGracePeriod,omitempty"`
	// CardsDir is the backlog directory scanned for cards.
	CardsDir string `yaml:"cardsDir,omitempty"`
	// DataDir roots state, run directories and history.
	DataDir string `yaml:"dataDir,omitempty"`
	// HistoryLimit caps the run-history file.
	HistoryLimit int `yaml:"historyLimit,omitempty"`
	// DefaultPipeline is used when an enqueue names no pipeline kind.
	DefaultPipeline string `yaml:"defaultPipeline,omitempty"`

	Worker  WorkerConfig  `yaml:"worker"`
	Backoff BackoffConfig `yaml:"backoff,omitempty"`
}

// FullConfig is the root of the config file.
type FullConfig struct {
	Agent      AgentConfig      `yaml:"agent,omitempty"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// DefaultConfig returns a FullConfig with every field at its default.
func DefaultConfig() FullConfig {
	return FullConfig{
		Agent: AgentConfig{
			MetricsPort: constants.DefaultMetricsPort,
		},
		Supervisor: SupervisorConfig{
			MaxConcurrent:     constants.DefaultMaxConcurrentRuns,
			StaleRunTimeout:   constants.DefaultStaleRunTimeout,
			RescanInterval:    constants.DefaultRescanInterval,
			WorkerGracePeriod: constants.DefaultWorkerGracePeriod,
			CardsDir:          constants.DefaultCardsDir,
			DataDir:           constants.DefaultDataDir,
			HistoryLimit:      constants.DefaultHistoryLimit,
			DefaultPipeline:   pipeline.KindSingle,
			Worker: WorkerConfig{
				Executable: "deckhand-worker",
				Backend:    models.BackendDefault,
			},
			Backoff: BackoffConfig{
				BaseDelay:      constants.DefaultBackoffBase,
				Multiplier:     constants.DefaultBackoffMultiplier,
				JitterFraction: constants.DefaultBackoffJitterFraction,
				MaxDelay:       constants.DefaultBackoffMax,
				MaxRetries:     constants.DefaultMaxRetries,
			},
		},
	}
}

// withDefaults fills every zero field from DefaultConfig. Explicit values
// survive untouched.
func withDefaults(config FullConfig) FullConfig {
	defaults := DefaultConfig()

	if config.Agent.MetricsPort == 0 {
		config.Agent.MetricsPort = defaults.Agent.MetricsPort
	}

	s := &config.Supervisor
	d := defaults.Supervisor

	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = d.MaxConcurrent
	}
	if s.StaleRunTimeout <= 0 {
		s.StaleRunTimeout = d.StaleRunTimeout
	}
	if s.RescanInterval <= 0 {
		s.RescanInterval = d.RescanInterval
	}
	if s.WorkerGracePeriod <= 0 {
		s.WorkerGracePeriod = d.WorkerGracePeriod
	}
	if s.CardsDir == "" {
		s.CardsDir = d.CardsDir
	}
	if s.DataDir == "" {
		s.DataDir = d.DataDir
	}
	if s.HistoryLimit <= 0 {
		s.HistoryLimit = d.HistoryLimit
	}
	if s.DefaultPipeline == "" {
		s.DefaultPipeline = d.DefaultPipeline
	}
	if s.Worker.Executable == "" {
		s.Worker.Executable = d.Worker.Executable
	}
	if s.Worker.Backend == "" {
		s.Worker.Backend = d.Worker.Backend
	}
	if s.Backoff.BaseDelay <= 0 {
		s.Backoff.BaseDelay = d.Backoff.BaseDelay
	}
	if s.Backoff.Multiplier <= 0 {
		s.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if s.Backoff.JitterFraction < 0 {
		s.Backoff.JitterFraction = d.Backoff.JitterFraction
	}
	if s.Backoff.MaxDelay <= 0 {
		s.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	if s.Backoff.MaxRetries <= 0 {
		s.Backoff.MaxRetries = d.Backoff.MaxRetries
	}

	return config
}

// BackoffPolicyConfig converts the YAML backoff section to the policy's
// config type.
func (c FullConfig) BackoffPolicyConfig() backoff.Config {
	b := c.Supervisor.Backoff

	return backoff.Config{
		BaseDelay:      b.BaseDelay,
		Multiplier:     b.Multiplier,
		JitterFraction: b.JitterFraction,
		MaxDelay:       b.MaxDelay,
		MaxRetries:     b.MaxRetries,
	}
}
