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

package config_test

import (
	"context"
	"errors"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

var _ = Describe("LoadConfigWithEnvOverrides", func() {
	var (
		ctx     context.Context
		manager *config.FileConfigManager
	)

	overrideVars := []string{
		"DECKHAND_CARDS_DIR",
		"DECKHAND_DATA_DIR",
		"DECKHAND_WORKER_EXECUTABLE",
		"DECKHAND_MAX_CONCURRENT",
		"DECKHAND_METRICS_PORT",
		"DECKHAND_SENTRY_DSN",
		"DECKHAND_ALLOW_NETWORK",
		"DECKHAND_STALE_RUN_TIMEOUT",
		"DECKHAND_DEFAULT_PIPELINE",
	}

	BeforeEach(func() {
		ctx = context.Background()
		manager = config.NewFileConfigManager().
			WithConfigPath("/data/deckhand/config.yaml").
			WithFileSystemService(filesystem.NewMockFileSystem())

		for _, key := range overrideVars {
			Expect(os.Unsetenv(key)).To(Succeed())
		}
	})

	AfterEach(func() {
		for _, key := range overrideVars {
			Expect(os.Unsetenv(key)).To(Succeed())
		}
	})

	It("returns the file config when no overrides are set", func() {
		cfg, err := config.LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg).To(Equal(config.DefaultConfig()))
	})

	It("applies string, int, bool and duration overrides", func() {
		Expect(os.Setenv("DECKHAND_CARDS_DIR", "/elsewhere/cards")).To(Succeed())
		Expect(os.Setenv("DECKHAND_WORKER_EXECUTABLE", "alt-worker")).To(Succeed())
		Expect(os.Setenv("DECKHAND_MAX_CONCURRENT", "5")).To(Succeed())
		Expect(os.Setenv("DECKHAND_ALLOW_NETWORK", "true")).To(Succeed())
		Expect(os.Setenv("DECKHAND_STALE_RUN_TIMEOUT", "45m")).To(Succeed())
		Expect(os.Setenv("DECKHAND_DEFAULT_PIPELINE", "implement-review")).To(Succeed())

		cfg, err := config.LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Supervisor.CardsDir).To(Equal("/elsewhere/cards"))
		Expect(cfg.Supervisor.Worker.Executable).To(Equal("alt-worker"))
		Expect(cfg.Supervisor.MaxConcurrent).To(Equal(5))
		Expect(cfg.Supervisor.Worker.AllowNetwork).To(BeTrue())
		Expect(cfg.Supervisor.StaleRunTimeout).To(Equal(45 * time.Minute))
		Expect(cfg.Supervisor.DefaultPipeline).To(Equal("implement-review"))
	})

	It("does not write overrides back to the file", func() {
		Expect(os.Setenv("DECKHAND_MAX_CONCURRENT", "5")).To(Succeed())

		_, err := config.LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())

		onDisk, err := manager.GetConfig(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(onDisk.Supervisor.MaxConcurrent).NotTo(Equal(5))
	})

	It("applies overrides on top of values loaded from the manager", func() {
		mock := config.NewMockConfigManager()
		mock.Config.Supervisor.CardsDir = "/from-file"
		Expect(os.Setenv("DECKHAND_CARDS_DIR", "/from-env")).To(Succeed())

		cfg, err := config.LoadConfigWithEnvOverrides(ctx, mock, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Supervisor.CardsDir).To(Equal("/from-env"))
	})

	It("propagates config manager failures", func() {
		mock := config.NewMockConfigManager()
		mock.Err = errors.New("config backend unavailable")

		_, err := config.LoadConfigWithEnvOverrides(ctx, mock, logger.For(logger.ComponentConfigManager))
		Expect(err).To(HaveOccurred())
	})

	It("keeps the file value when a numeric override is malformed", func() {
		Expect(os.Setenv("DECKHAND_MAX_CONCURRENT", "lots")).To(Succeed())

		cfg, err := config.LoadConfigWithEnvOverrides(ctx, manager, logger.For(logger.ComponentConfigManager))
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Supervisor.MaxConcurrent).To(Equal(config.DefaultConfig().Supervisor.MaxConcurrent))
	})
})
