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

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/deckhand-io/deckhand/pkg/backlog"
	backoffpkg "github.com/deckhand-io/deckhand/pkg/backoff"
	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/coordinator"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/metrics"
	"github.com/deckhand-io/deckhand/pkg/pipeline"
	"github.com/deckhand-io/deckhand/pkg/scheduler"
	"github.com/deckhand-io/deckhand/pkg/sentry"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
	"github.com/deckhand-io/deckhand/pkg/statestore"
	"github.com/deckhand-io/deckhand/pkg/version"
	"github.com/deckhand-io/deckhand/pkg/worker"
	"github.com/deckhand-io/deckhand/pkg/worker/capability"
)

func main() {
	logger.Initialize()

	log := logger.For(logger.ComponentCore)
	log.Infof("Starting deckhand %s...", version.GetAppVersion())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	configManager := config.NewFileConfigManager()

	configData, err := config.LoadConfigWithEnvOverrides(ctx, configManager, log)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to load config: %v", err)
		os.Exit(1)
	}

	sentry.InitSentry(version.GetAppVersion(), configData.Agent.SentryDSN)
	defer sentry.Flush(2 * time.Second)

	server := metrics.SetupMetricsEndpoint(fmt.Sprintf(":%d", configData.Agent.MetricsPort))
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to shutdown metrics server: %v", err)
		}
	}()

	fsService := filesystem.NewDefaultService()
	dataDir := configData.Supervisor.DataDir

	store := statestore.NewStore(filepath.Join(dataDir, constants.StateFileName), fsService)
	history := statestore.NewHistory(filepath.Join(dataDir, constants.HistoryFileName), configData.Supervisor.HistoryLimit, fsService)

	policy := backoffpkg.NewPolicy(configData.BackoffPolicyConfig(), rand.New(rand.NewSource(time.Now().UnixNano())))
	orchestrator := pipeline.NewOrchestrator(policy)
	sched := scheduler.New(configData.Supervisor.MaxConcurrent, configData.Supervisor.MaxQueued)

	supervisor := worker.NewDefaultSupervisor(
		configData.Supervisor.Worker.Executable,
		dataDir,
		configData.Supervisor.WorkerGracePeriod,
		fsService,
		capability.NewRegistry(),
	)

	cards := backlog.NewFileCardStore(fsService)
	source := backlog.NewDirSource(
		configData.Supervisor.CardsDir,
		configData.Supervisor.RescanInterval,
		constants.DefaultBacklogDebounce,
		fsService,
		cards,
	)

	coord := coordinator.New(configData, sched, orchestrator, supervisor, store, history, cards, source)

	if err := coord.Start(ctx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeFatal, log, "Failed to start coordinator: %v", err)
		os.Exit(1)
	}

	log.Info("Deckhand is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)

	sig := <-sigCh
	log.Infof("Received %s, shutting down...", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := coord.Stop(stopCtx); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeError, log, "Failed to stop coordinator cleanly: %v", err)
	}

	source.Stop()

	log.Info("Deckhand stopped")

	_ = logger.Sync()
}
