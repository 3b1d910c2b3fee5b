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

	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/env"
	"github.com/deckhand-io/deckhand/pkg/sentry"
)

// LoadConfigWithEnvOverrides loads the config file, applies environment
// variable overrides and returns the result. The file is created with
// defaults when it does not exist. Overrides are not written back; they
// apply to the running process only.
//
// Order of precedence (highest to lowest):
//  1. Environment variables (DECKHAND_*)
//  2. Config file values
//  3. Defaults
func LoadConfigWithEnvOverrides(ctx context.Context, configManager ConfigManager, log *zap.SugaredLogger) (FullConfig, error) {
	config, err := configManager.GetConfigOrCreateNew(ctx)
	if err != nil {
		return FullConfig{}, err
	}

	if v, err := env.GetAsString("DECKHAND_CARDS_DIR", false, ""); err == nil && v != "" {
		config.Supervisor.CardsDir = v
	}

	if v, err := env.GetAsString("DECKHAND_DATA_DIR", false, ""); err == nil && v != "" {
		config.Supervisor.DataDir = v
	}

	if v, err := env.GetAsString("DECKHAND_WORKER_EXECUTABLE", false, ""); err == nil && v != "" {
		config.Supervisor.Worker.Executable = v
	}

	maxConcurrent, err := env.GetAsInt("DECKHAND_MAX_CONCURRENT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DECKHAND_MAX_CONCURRENT: %v", err)
	}
	if maxConcurrent > 0 {
		config.Supervisor.MaxConcurrent = maxConcurrent
	}

	metricsPort, err := env.GetAsInt("DECKHAND_METRICS_PORT", false, 0)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DECKHAND_METRICS_PORT: %v", err)
	}
	if metricsPort > 0 {
		config.Agent.MetricsPort = metricsPort
	}

	if v, err := env.GetAsString("DECKHAND_SENTRY_DSN", false, ""); err == nil && v != "" {
		config.Agent.SentryDSN = v
	}

	allowNetwork, err := env.GetAsBool("DECKHAND_ALLOW_NETWORK", false, config.Supervisor.Worker.AllowNetwork)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, log, "Failed to get DECKHAND_ALLOW_NETWORK: %v", err)
	} else {
		config.Supervisor.Worker.AllowNetwork = allowNetwork
	}

	if v, err := env.GetAsDuration("DECKHAND_STALE_RUN_TIMEOUT", false, 0); err == nil && v > 0 {
		config.Supervisor.StaleRunTimeout = v
	}

	if v, err := env.GetAsString("DECKHAND_DEFAULT_PIPELINE", false, ""); err == nil && v != "" {
		config.Supervisor.DefaultPipeline = v
	}

	return config, nil
}
