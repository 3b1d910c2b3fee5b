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

package coordinator_test

import (
	"context"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/backlog"
	"github.com/deckhand-io/deckhand/pkg/backoff"
	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/coordinator"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/pipeline"
	"github.com/deckhand-io/deckhand/pkg/scheduler"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
	"github.com/deckhand-io/deckhand/pkg/statestore"
	"github.com/deckhand-io/deckhand/pkg/worker"
)

// stubSource is a hand-fed backlog source.
type stubSource struct {
	ch chan models.CardEvent
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan models.CardEvent, 16)}
}

func (s *stubSource) Subscribe() (<-chan models.CardEvent, func()) {
	return s.ch, func() {}
}

func (s *stubSource) emit(ev models.CardEvent) {
	s.ch <- ev
}

var _ = Describe("Coordinator", func() {
	var (
		ctx     context.Context
		cfg     config.FullConfig
		fs      *filesystem.MockFileSystem
		sup     *worker.MockSupervisor
		store   *statestore.Store
		history *statestore.History
		cards   *backlog.FileCardStore
		source  *stubSource
		coord   *coordinator.Coordinator
	)

	const (
		cardA = "/cards/a.md"
		cardB = "/cards/b.md"
		cardC = "/cards/c.md"
	)

	// build wires a coordinator from the current cfg. Tests that change cfg
	// call it again before Start.
	build := func() {
		sched := scheduler.New(cfg.Supervisor.MaxConcurrent, cfg.Supervisor.MaxQueued)
		policy := backoff.NewPolicy(cfg.BackoffPolicyConfig(), rand.New(rand.NewSource(1)))
		pipe := pipeline.NewOrchestrator(policy)
		coord = coordinator.New(cfg, sched, pipe, sup, store, history, cards, source)
	}

	cardStatus := func(key string) models.CardStatus {
		ref, err := cards.Read(ctx, key)
		if err != nil {
			return ""
		}

		return ref.Status
	}

	launchedFlows := func() []string {
		flows := make([]string, 0)
		for _, req := range sup.Launched() {
			flows = append(flows, req.Flow)
		}

		return flows
	}

	BeforeEach(func() {
		ctx = context.Background()
		fs = filesystem.NewMockFileSystem()
		sup = worker.NewMockSupervisor()
		store = statestore.NewStore("/data/deckhand/state.json", fs)
		history = statestore.NewHistory("/data/deckhand/history.json", 10, fs)
		cards = backlog.NewFileCardStore(fs)
		source = newStubSource()

		cfg = config.DefaultConfig()
		cfg.Supervisor.MaxConcurrent = 1
		cfg.Supervisor.RescanInterval = 25 * time.Millisecond
		cfg.Supervisor.Backoff.BaseDelay = 10 * time.Millisecond
		cfg.Supervisor.Backoff.Multiplier = 1.0
		cfg.Supervisor.Backoff.JitterFraction = 0
		cfg.Supervisor.Backoff.MaxDelay = time.Second
		cfg.Supervisor.Backoff.MaxRetries = 3

		build()
	})

	AfterEach(func() {
		if coord.Current() != coordinator.StateStopped {
			Expect(coord.Stop(ctx)).To(Succeed())
		}
	})

	Describe("lifecycle", func() {
		It("starts stopped and transitions through running", func() {
			Expect(coord.Current()).To(Equal(coordinator.StateStopped))

			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.Current()).To(Equal(coordinator.StateRunning))

			Expect(coord.Pause(ctx)).To(Succeed())
			Expect(coord.Current()).To(Equal(coordinator.StatePaused))

			Expect(coord.Resume(ctx)).To(Succeed())
			Expect(coord.Current()).To(Equal(coordinator.StateRunning))

			Expect(coord.Stop(ctx)).To(Succeed())
			Expect(coord.Current()).To(Equal(coordinator.StateStopped))
		})

		It("refuses a second start", func() {
			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.Start(ctx)).NotTo(Succeed())
		})

		It("refuses to start when worker registration fails", func() {
			sup.RegisterError = worker.ErrExecutableNotFound

			Expect(coord.Start(ctx)).NotTo(Succeed())
			Expect(coord.Current()).To(Equal(coordinator.StateStopped))
		})

		It("rejects new work unless running", func() {
			err := coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")

			var notAccepting coordinator.NotAcceptingError
			Expect(err).To(BeAssignableToTypeOf(notAccepting))

			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.Pause(ctx)).To(Succeed())

			err = coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")
			Expect(err).To(BeAssignableToTypeOf(notAccepting))
		})
	})

	Describe("EnqueueCard", func() {
		BeforeEach(func() {
			Expect(coord.Start(ctx)).To(Succeed())
		})

		It("launches a worker and marks the card running", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			launched := sup.Launched()
			Expect(launched).To(HaveLen(1))
			Expect(launched[0].CardKey).To(Equal(cardA))
			Expect(launched[0].Flow).To(Equal("implement"))
			Expect(cardStatus(cardA)).To(Equal(models.CardStatusRunning))
		})

		It("rejects a card that is already in flight", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			err := coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")

			var already coordinator.AlreadyRunningError
			Expect(err).To(BeAssignableToTypeOf(already))
		})

		It("queues beyond capacity and defers beyond the queue bound", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardB}, "", "")).To(Succeed())

			Expect(sup.Launched()).To(HaveLen(1))
			Expect(cardStatus(cardB)).To(Equal(models.CardStatusQueued))

			err := coord.EnqueueCard(ctx, models.CardRef{Key: cardC}, "", "")

			var deferred coordinator.DeferredError
			Expect(err).To(BeAssignableToTypeOf(deferred))
		})

		It("promotes the queued card when the running one finishes", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardB}, "", "")).To(Succeed())

			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunSucceeded})

			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(2))
			Expect(sup.Launched()[1].CardKey).To(Equal(cardB))
			Eventually(func() models.CardStatus { return cardStatus(cardA) }).Should(Equal(models.CardStatusSucceeded))
		})

		It("marks the card succeeded when its pipeline completes", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunSucceeded})

			Eventually(func() models.CardStatus { return cardStatus(cardA) }).Should(Equal(models.CardStatusSucceeded))
		})

		It("starts at the flow recorded on the card", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA, Flow: "review"}, "", pipeline.KindImplementReview)).To(Succeed())

			launched := sup.Launched()
			Expect(launched).To(HaveLen(1))
			Expect(launched[0].Flow).To(Equal("review"))

			// Review is the last step, so its success completes the pipeline.
			sup.Finish(launched[0].RunID, models.WorkerRunResult{Status: models.RunSucceeded})
			Eventually(func() models.CardStatus { return cardStatus(cardA) }).Should(Equal(models.CardStatusSucceeded))
			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(Equal(1))
		})

		It("rejects a flow the pipeline does not contain", func() {
			err := coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "triage", pipeline.KindImplementReview)
			Expect(err).To(HaveOccurred())

			Expect(sup.Launched()).To(BeEmpty())
		})

		It("records finished runs in the history", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			runID := sup.Launched()[0].RunID
			sup.Finish(runID, models.WorkerRunResult{Status: models.RunSucceeded, DurationMs: 1200})

			Eventually(func() []models.RunRecord {
				records, _ := history.Recent(ctx, 10)

				return records
			}).Should(HaveLen(1))

			records, err := history.Recent(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(records[0].RunID).To(Equal(runID))
			Expect(records[0].CardKey).To(Equal(cardA))
			Expect(records[0].Result.Status).To(Equal(models.RunSucceeded))
		})
	})

	Describe("retry and pipeline progression", func() {
		BeforeEach(func() {
			cfg.Supervisor.DefaultPipeline = pipeline.KindImplementReview
			build()
			Expect(coord.Start(ctx)).To(Succeed())
		})

		It("retries a failed flow after backoff and then advances", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardC}, "", "")).To(Succeed())

			// Two failures on implement, each followed by a backoff retry.
			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(2))
			Expect(sup.Launched()[1].Flow).To(Equal("implement"))

			sup.Finish(sup.Launched()[1].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(3))
			Expect(sup.Launched()[2].Flow).To(Equal("implement"))

			// Success advances to review without repeating implement.
			sup.Finish(sup.Launched()[2].RunID, models.WorkerRunResult{Status: models.RunSucceeded})
			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(4))
			Expect(sup.Launched()[3].Flow).To(Equal("review"))

			sup.Finish(sup.Launched()[3].RunID, models.WorkerRunResult{Status: models.RunSucceeded})
			Eventually(func() models.CardStatus { return cardStatus(cardC) }).Should(Equal(models.CardStatusSucceeded))
			Expect(launchedFlows()).To(Equal([]string{"implement", "implement", "implement", "review"}))
		})

		It("marks the card failed once retries are exhausted", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardC}, "", "")).To(Succeed())

			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(2))

			sup.Finish(sup.Launched()[1].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(3))

			sup.Finish(sup.Launched()[2].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() models.CardStatus { return cardStatus(cardC) }).Should(Equal(models.CardStatusFailed))

			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(Equal(3))
		})
	})

	Describe("cancellation", func() {
		BeforeEach(func() {
			Expect(coord.Start(ctx)).To(Succeed())
		})

		It("cancels an in-flight run and marks the card canceled", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			runID := sup.Launched()[0].RunID
			Expect(coord.CancelCard(ctx, cardA)).To(Succeed())

			Expect(sup.Canceled()).To(ContainElement(runID))
			Eventually(func() models.CardStatus { return cardStatus(cardA) }).Should(Equal(models.CardStatusCanceled))
		})

		It("drops a queued card without launching it", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardB}, "", "")).To(Succeed())

			Expect(coord.CancelCard(ctx, cardB)).To(Succeed())

			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunSucceeded})
			Eventually(func() models.CardStatus { return cardStatus(cardA) }).Should(Equal(models.CardStatusSucceeded))
			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(Equal(1))
		})

		It("tolerates canceling an unknown card", func() {
			Expect(coord.CancelCard(ctx, "/cards/never-seen.md")).To(Succeed())
		})
	})

	Describe("backlog events", func() {
		BeforeEach(func() {
			Expect(coord.Start(ctx)).To(Succeed())
		})

		It("enqueues a queued card announced by the backlog", func() {
			source.emit(models.CardEvent{
				Kind: models.CardEventAdded,
				Card: models.CardRef{Key: cardA, Status: models.CardStatusQueued},
			})

			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(1))
			Expect(sup.Launched()[0].CardKey).To(Equal(cardA))
		})

		It("ignores cards that are not queued", func() {
			source.emit(models.CardEvent{
				Kind: models.CardEventAdded,
				Card: models.CardRef{Key: cardA, Status: models.CardStatusIdle},
			})

			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(BeZero())
		})

		It("holds a card announced while paused and enqueues it on resume", func() {
			Expect(coord.Pause(ctx)).To(Succeed())

			source.emit(models.CardEvent{
				Kind: models.CardEventAdded,
				Card: models.CardRef{Key: cardA, Status: models.CardStatusQueued},
			})

			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(BeZero())

			Expect(coord.Resume(ctx)).To(Succeed())

			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(1))
			Expect(sup.Launched()[0].CardKey).To(Equal(cardA))
		})

		It("drops a held card that is removed before resume", func() {
			Expect(coord.Pause(ctx)).To(Succeed())

			source.emit(models.CardEvent{
				Kind: models.CardEventAdded,
				Card: models.CardRef{Key: cardA, Status: models.CardStatusQueued},
			})
			source.emit(models.CardEvent{
				Kind: models.CardEventRemoved,
				Card: models.CardRef{Key: cardA},
			})

			// Both events must drain before resuming.
			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(BeZero())

			Expect(coord.Resume(ctx)).To(Succeed())

			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(BeZero())
		})

		It("cancels the run when its card is removed", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())
			runID := sup.Launched()[0].RunID

			source.emit(models.CardEvent{
				Kind: models.CardEventRemoved,
				Card: models.CardRef{Key: cardA},
			})

			Eventually(sup.Canceled).Should(ContainElement(runID))
		})
	})

	Describe("pending retries across a pause", func() {
		BeforeEach(func() {
			cfg.Supervisor.Backoff.BaseDelay = 150 * time.Millisecond
			build()
			Expect(coord.Start(ctx)).To(Succeed())
		})

		It("fires the retry after resume when its delay elapsed while paused", func() {
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardC}, "", "")).To(Succeed())

			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() models.CardStatus { return cardStatus(cardC) }).Should(Equal(models.CardStatusQueued))
			Expect(coord.Pause(ctx)).To(Succeed())

			// The whole backoff delay passes while paused.
			Consistently(func() int { return len(sup.Launched()) }, 300*time.Millisecond).Should(Equal(1))

			Expect(coord.Resume(ctx)).To(Succeed())

			Eventually(func() int { return len(sup.Launched()) }, 2*time.Second).Should(Equal(2))
			Expect(sup.Launched()[1].CardKey).To(Equal(cardC))
			Expect(sup.Launched()[1].Flow).To(Equal("implement"))
		})
	})

	Describe("Stop", func() {
		It("cancels in-flight runs and requeues their cards", func() {
			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())

			runID := sup.Launched()[0].RunID
			Expect(coord.Stop(ctx)).To(Succeed())

			Expect(sup.Canceled()).To(ContainElement(runID))
			Expect(cardStatus(cardA)).To(Equal(models.CardStatusQueued))
		})

		It("does not promote queued cards during shutdown", func() {
			Expect(coord.Start(ctx)).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardA}, "", "")).To(Succeed())
			Expect(coord.EnqueueCard(ctx, models.CardRef{Key: cardB}, "", "")).To(Succeed())

			stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()

			Expect(coord.Stop(stopCtx)).To(Succeed())
			Expect(stopCtx.Err()).To(BeNil())

			Expect(sup.Launched()).To(HaveLen(1))
			Expect(cardStatus(cardB)).To(Equal(models.CardStatusQueued))
		})
	})

	Describe("crash recovery", func() {
		It("requeues cards whose worker died with the previous instance", func() {
			Expect(store.AddActiveRun(ctx, statestore.ActiveRunSnapshot{
				RunID:           "run-dead",
				CardKey:         cardA,
				Flow:            "implement",
				PipelineName:    pipeline.KindSingle,
				StartedAt:       time.Now(),
				WorkerProcessID: 1 << 30,
			})).To(Succeed())

			Expect(coord.Start(ctx)).To(Succeed())

			state, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.ActiveRuns).NotTo(HaveKey("run-dead"))
			Expect(cardStatus(cardA)).To(Equal(models.CardStatusQueued))
		})

		It("clears runs that outlived the stale-run timeout", func() {
			Expect(store.AddActiveRun(ctx, statestore.ActiveRunSnapshot{
				RunID:        "run-old",
				CardKey:      cardA,
				Flow:         "implement",
				PipelineName: pipeline.KindSingle,
				StartedAt:    time.Now().Add(-time.Hour),
			})).To(Succeed())

			Expect(coord.Start(ctx)).To(Succeed())

			state, err := store.Load(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.ActiveRuns).To(BeEmpty())
		})

		It("re-submits cards that were queued when the previous instance died", func() {
			Expect(store.EnqueueCard(ctx, statestore.QueuedCardSnapshot{
				CardKey:      cardB,
				Flow:         "implement",
				PipelineName: pipeline.KindSingle,
				EnqueuedAt:   time.Now(),
			})).To(Succeed())

			Expect(coord.Start(ctx)).To(Succeed())

			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(1))
			Expect(sup.Launched()[0].CardKey).To(Equal(cardB))
		})

		It("resumes a queued card at its recorded flow", func() {
			Expect(store.EnqueueCard(ctx, statestore.QueuedCardSnapshot{
				CardKey:      cardB,
				Flow:         "review",
				PipelineName: pipeline.KindImplementReview,
				EnqueuedAt:   time.Now(),
			})).To(Succeed())

			Expect(coord.Start(ctx)).To(Succeed())

			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(1))
			Expect(sup.Launched()[0].Flow).To(Equal("review"))

			// Review is the pipeline's last step, so success completes it
			// without re-running review.
			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunSucceeded})
			Eventually(func() models.CardStatus { return cardStatus(cardB) }).Should(Equal(models.CardStatusSucceeded))
			Consistently(func() int { return len(sup.Launched()) }, 100*time.Millisecond).Should(Equal(1))
		})

		It("restores persisted failure counts for requeued cards", func() {
			Expect(store.EnqueueCard(ctx, statestore.QueuedCardSnapshot{
				CardKey:      cardC,
				Flow:         "implement",
				PipelineName: pipeline.KindSingle,
				EnqueuedAt:   time.Now(),
			})).To(Succeed())
			Expect(store.UpdateFailureCount(ctx, cardC, 2)).To(Succeed())

			Expect(coord.Start(ctx)).To(Succeed())
			Eventually(func() int { return len(sup.Launched()) }).Should(Equal(1))

			// One more failure reaches the retry limit straight away.
			sup.Finish(sup.Launched()[0].RunID, models.WorkerRunResult{Status: models.RunFailed, ExitCode: 1})
			Eventually(func() models.CardStatus { return cardStatus(cardC) }).Should(Equal(models.CardStatusFailed))
		})
	})
})
