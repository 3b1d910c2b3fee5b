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

package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
	"github.com/deckhand-io/deckhand/pkg/worker"
	"github.com/deckhand-io/deckhand/pkg/worker/capability"
)

// writeScript drops an executable shell script into dir and returns its path.
func writeScript(dir, name, body string) string {
	path := filepath.Join(dir, name)
	Expect(os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755)).To(Succeed())

	return path
}

var _ = Describe("DefaultSupervisor", func() {
	var (
		ctx     context.Context
		dataDir string
		binDir  string
		fs      filesystem.Service
		caps    *capability.Registry
	)

	newSupervisor := func(executable string) *worker.DefaultSupervisor {
		return worker.NewDefaultSupervisor(executable, dataDir, 250*time.Millisecond, fs, caps)
	}

	BeforeEach(func() {
		ctx = context.Background()
		dataDir = GinkgoT().TempDir()
		binDir = GinkgoT().TempDir()
		fs = filesystem.NewDefaultService()
		caps = capability.NewRegistry()
	})

	Describe("Register", func() {
		It("fails when the executable cannot be resolved", func() {
			sup := newSupervisor(filepath.Join(binDir, "does-not-exist"))

			err := sup.Register(ctx)
			Expect(err).To(MatchError(worker.ErrExecutableNotFound))
		})

		It("prepares the runs and logs directories", func() {
			exe := writeScript(binDir, "noop", "exit 0\n")
			sup := newSupervisor(exe)

			Expect(sup.Register(ctx)).To(Succeed())
			Expect(filepath.Dir(sup.RunDir("r"))).To(BeADirectory())
			Expect(filepath.Dir(sup.LogDir("r"))).To(BeADirectory())
		})
	})

	Describe("Launch", func() {
		It("refuses to launch before registration", func() {
			sup := newSupervisor("ignored")

			_, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1"})
			Expect(err).To(MatchError(worker.ErrNotRegistered))
		})

		It("runs a worker to successful completion", func() {
			exe := writeScript(binDir, "ok", "exit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1", CardKey: "card-a", Flow: "implement"})
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.PID).To(BeNumerically(">", 0))

			var result models.WorkerRunResult
			Eventually(handle.Done, 5*time.Second).Should(Receive(&result))
			Expect(result.Status).To(Equal(models.RunSucceeded))
			Expect(result.ExitCode).To(BeZero())
			Expect(sup.Running("run-1")).To(BeFalse())
		})

		It("reports a non-zero exit as failed", func() {
			exe := writeScript(binDir, "bad", "exit 3\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1"})
			Expect(err).NotTo(HaveOccurred())

			var result models.WorkerRunResult
			Eventually(handle.Done, 5*time.Second).Should(Receive(&result))
			Expect(result.Status).To(Equal(models.RunFailed))
			Expect(result.ExitCode).To(Equal(3))
		})

		It("prefers the worker's own finished record", func() {
			exe := writeScript(binDir, "rich",
				`echo '{"event":"workerFinished","status":"succeeded","exitCode":0,"summary":"merged 2 files"}' > "$DECKHAND_LOG_DIR/events.ndjson"`+"\nexit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1"})
			Expect(err).NotTo(HaveOccurred())

			var result models.WorkerRunResult
			Eventually(handle.Done, 5*time.Second).Should(Receive(&result))
			Expect(result.Status).To(Equal(models.RunSucceeded))
			Expect(result.Summary).To(Equal("merged 2 files"))
		})

		It("hands the run parameters to the worker through the environment", func() {
			exe := writeScript(binDir, "env",
				`echo "$DECKHAND_RUN_ID $DECKHAND_FLOW $DECKHAND_ALLOW_NETWORK" > "$DECKHAND_LOG_DIR/seen"`+"\nexit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-9", Flow: "review", AllowNetwork: true})
			Expect(err).NotTo(HaveOccurred())
			Eventually(handle.Done, 5*time.Second).Should(Receive())

			seen, err := os.ReadFile(filepath.Join(sup.LogDir("run-9"), "seen"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(seen)).To(Equal("run-9 review true\n"))
		})

		It("removes the output directory after exit and keeps the log directory", func() {
			exe := writeScript(binDir, "ok", "exit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(handle.Done, 5*time.Second).Should(Receive())

			Expect(handle.OutputDir).NotTo(BeADirectory())
			Expect(handle.LogDir).To(BeADirectory())
		})

		It("writes the payload into the run directory before the worker starts", func() {
			exe := writeScript(binDir, "copy",
				`cp payload.json "$DECKHAND_LOG_DIR/payload.json"`+"\nexit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1", CardKey: "card-a", Flow: "implement"})
			Expect(err).NotTo(HaveOccurred())
			Eventually(handle.Done, 5*time.Second).Should(Receive())

			payload, err := os.ReadFile(filepath.Join(sup.LogDir("run-1"), "payload.json"))
			Expect(err).NotTo(HaveOccurred())
			Expect(string(payload)).To(ContainSubstring(`"cardKey": "card-a"`))
			Expect(string(payload)).To(ContainSubstring(`"sandboxCapabilityToken"`))
		})

		It("rejects a forged capability token", func() {
			exe := writeScript(binDir, "ok", "exit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			_, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1", CapabilityToken: []byte("forged")})
			Expect(err).To(MatchError(worker.ErrMissingCapability))
			Expect(sup.RunDir("run-1")).NotTo(BeADirectory())
		})
	})

	Describe("Cancel", func() {
		It("terminates a running worker and reports it canceled", func() {
			exe := writeScript(binDir, "slow", "sleep 30\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			handle, err := sup.Launch(ctx, models.WorkerRunRequest{RunID: "run-1"})
			Expect(err).NotTo(HaveOccurred())
			Expect(sup.Running("run-1")).To(BeTrue())

			Expect(sup.Cancel(ctx, "run-1")).To(Succeed())

			var result models.WorkerRunResult
			Eventually(handle.Done, 5*time.Second).Should(Receive(&result))
			Expect(result.Status).To(Equal(models.RunCanceled))
			Expect(sup.Running("run-1")).To(BeFalse())
		})

		It("removes the output directory even when the run already exited", func() {
			exe := writeScript(binDir, "ok", "exit 0\n")
			sup := newSupervisor(exe)
			Expect(sup.Register(ctx)).To(Succeed())

			leftover := sup.RunDir("run-gone")
			Expect(os.MkdirAll(leftover, 0o755)).To(Succeed())

			Expect(sup.Cancel(ctx, "run-gone")).To(Succeed())
			Expect(leftover).NotTo(BeADirectory())
		})
	})
})
