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

// Package coordinator wires backlog events through the scheduler, pipeline
// orchestrator and worker supervisor, and persists scheduling state after
// every transition that changes active or queued work.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/backlog"
	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/metrics"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/pipeline"
	"github.com/deckhand-io/deckhand/pkg/scheduler"
	"github.com/deckhand-io/deckhand/pkg/sentry"
	"github.com/deckhand-io/deckhand/pkg/statestore"
	"github.com/deckhand-io/deckhand/pkg/worker"
)

// Lifecycle states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StatePaused   = "paused"
)

// Lifecycle events.
const (
	eventStart   = "start"
	eventStarted = "started"
	eventPause   = "pause"
	eventResume  = "resume"
	eventStop    = "stop"
)

// activeRun is the in-memory record of one dispatched run.
type activeRun struct {
	cardKey      string
	flow         string
	pipelineName string
	exclusive    bool
	startedAt    time.Time
	pid          int
}

// rescanner is implemented by backlog sources that support an on-demand scan.
type rescanner interface {
	Rescan(ctx context.Context)
}

// Coordinator is the single owner of scheduling decisions. Lock acquisition,
// queue promotion and pipeline transitions all funnel through it.
type Coordinator struct {
	cfg     config.FullConfig
	sched   *scheduler.Scheduler
	pipe    *pipeline.Orchestrator
	workers worker.Supervisor
	store   *statestore.Store
	history *statestore.History
	cards   backlog.CardStore
	source  backlog.Source

	lifecycle *fsm.FSM
	log       *zap.SugaredLogger

	mu          sync.Mutex
	active      map[string]activeRun
	retryTimers map[string]*time.Timer
	held        map[string]models.CardEvent
	unsubscribe func()
	cancelLoop  context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a stopped Coordinator.
func New(
	cfg config.FullConfig,
	sched *scheduler.Scheduler,
	pipe *pipeline.Orchestrator,
	workers worker.Supervisor,
	store *statestore.Store,
	history *statestore.History,
	cards backlog.CardStore,
	source backlog.Source,
) *Coordinator {
	c := &Coordinator{
		cfg:         cfg,
		sched:       sched,
		pipe:        pipe,
		workers:     workers,
		store:       store,
		history:     history,
		cards:       cards,
		source:      source,
		log:         logger.For(logger.ComponentCoordinator),
		active:      make(map[string]activeRun),
		retryTimers: make(map[string]*time.Timer),
		held:        make(map[string]models.CardEvent),
	}

	c.lifecycle = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: eventStart, Src: []string{StateStopped}, Dst: StateStarting},
			{Name: eventStarted, Src: []string{StateStarting}, Dst: StateRunning},
			{Name: eventPause, Src: []string{StateRunning}, Dst: StatePaused},
			{Name: eventResume, Src: []string{StatePaused}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateStarting, StateRunning, StatePaused}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Infof("Coordinator %s -> %s", e.Src, e.Dst)
			},
		},
	)

	return c
}

// Current returns the lifecycle state.
func (c *Coordinator) Current() string {
	return c.lifecycle.Current()
}

// Start restores persisted state, recovers from a prior crash, subscribes to
// the backlog source and begins the maintenance tick.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.lifecycle.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("cannot start: %w", err)
	}

	if err := c.workers.Register(ctx); err != nil {
		_ = c.lifecycle.Event(ctx, eventStop)

		return fmt.Errorf("failed to register worker supervisor: %w", err)
	}

	c.recover(ctx)

	events, unsubscribe := c.source.Subscribe()

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.cancelLoop = cancel
	c.mu.Unlock()

	if src, ok := c.source.(interface{ Start(context.Context) }); ok {
		src.Start(loopCtx)
	}

	c.wg.Add(1)
	go c.loop(loopCtx, events)

	if err := c.lifecycle.Event(ctx, eventStarted); err != nil {
		return err
	}

	c.replayHeld(ctx)

	return nil
}

// recover rebuilds scheduling state from the last persisted snapshot. Runs
// whose worker process is confirmed dead, and runs older than the stale-run
// timeout, are cleared; their cards go back to queued.
func (c *Coordinator) recover(ctx context.Context) {
	stale, err := c.store.ClearStaleRuns(ctx, c.cfg.Supervisor.StaleRunTimeout, time.Now())
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Failed to clear stale runs: %v", err)
	}

	for _, runID := range stale {
		c.log.Warnf("Cleared stale run %s from a previous instance", runID)
	}

	state, err := c.store.Load(ctx)
	if err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "State file unreadable, starting from empty state: %v", err)
	}

	for runID, run := range state.ActiveRuns {
		alive := false

		if run.WorkerProcessID > 0 {
			exists, perr := process.PidExistsWithContext(ctx, int32(run.WorkerProcessID))
			alive = perr == nil && exists
		}

		if alive {
			// Cannot re-attach to the orphan; leave the snapshot until it
			// ages out as stale.
			c.log.Warnf("Run %s (pid %d) from a previous instance is still alive, leaving it until stale",
				runID, run.WorkerProcessID)

			continue
		}

		c.log.Warnf("Run %s for card %s died with the previous instance, requeueing card", runID, run.CardKey)

		if err := c.store.RemoveActiveRun(ctx, runID); err != nil {
			c.log.Warnf("Failed to remove dead run %s: %v", runID, err)
		}

		if err := c.cards.WriteStatus(ctx, run.CardKey, models.CardStatusQueued); err != nil {
			c.log.Warnf("Failed to requeue card %s: %v", run.CardKey, err)
		}
	}

	for _, qc := range state.QueuedCards {
		card, cerr := c.cards.Read(ctx, qc.CardKey)
		if cerr != nil {
			c.log.Warnf("Failed to read queued card %s: %v", qc.CardKey, cerr)

			card = models.CardRef{Key: qc.CardKey}
		}

		card.Key = qc.CardKey

		if err := c.submit(ctx, card, qc.Flow, qc.PipelineName); err != nil {
			c.log.Warnf("Failed to requeue card %s: %v", qc.CardKey, err)
		}
	}

	// Counts go in after the resubmissions above; starting a pipeline resets
	// the card's counter, which would discard what the crash left behind.
	for cardKey, count := range state.FailureCounts {
		c.pipe.SetFailureCount(cardKey, count)
	}
}

// Stop cancels pending retries and in-flight workers, unsubscribes from the
// backlog and persists the final state.
func (c *Coordinator) Stop(ctx context.Context) error {
	if err := c.lifecycle.Event(ctx, eventStop); err != nil {
		return fmt.Errorf("cannot stop: %w", err)
	}

	c.mu.Lock()
	for cardKey, timer := range c.retryTimers {
		timer.Stop()
		delete(c.retryTimers, cardKey)
	}

	c.held = make(map[string]models.CardEvent)

	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancelLoop
	c.cancelLoop = nil

	active := make(map[string]activeRun, len(c.active))
	for runID, info := range c.active {
		active[runID] = info
	}
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	for runID := range active {
		if err := c.workers.Cancel(ctx, runID); err != nil {
			c.log.Warnf("Failed to cancel run %s: %v", runID, err)
		}
	}

	if cancel != nil {
		cancel()
	}

	waitDone := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		c.log.Warnf("Gave up waiting for run completions: %v", ctx.Err())
	}

	// Runs canceled by shutdown should resume on the next start.
	for _, info := range active {
		if err := c.cards.WriteStatus(ctx, info.cardKey, models.CardStatusQueued); err != nil {
			c.log.Warnf("Failed to requeue card %s: %v", info.cardKey, err)
		}
	}

	c.persist(ctx)

	return nil
}

// Pause stops accepting new work. In-flight runs and subscriptions survive.
func (c *Coordinator) Pause(ctx context.Context) error {
	return c.lifecycle.Event(ctx, eventPause)
}

// Resume re-enables new work. Backlog events held during the pause are
// replayed first, then an immediate rescan catches anything the source has
// not announced yet.
func (c *Coordinator) Resume(ctx context.Context) error {
	if err := c.lifecycle.Event(ctx, eventResume); err != nil {
		return err
	}

	c.replayHeld(ctx)

	if r, ok := c.source.(rescanner); ok {
		r.Rescan(ctx)
	}

	c.dispatchQueued(ctx)
	c.persist(ctx)

	return nil
}

// EnqueueCard requests a run for the card. A missing pipeline kind resolves
// to the configured default; a missing flow resolves to the card's current
// pipeline step.
func (c *Coordinator) EnqueueCard(ctx context.Context, card models.CardRef, flowOverride, pipelineKind string) error {
	if state := c.lifecycle.Current(); state != StateRunning {
		return NotAcceptingError{State: state}
	}

	return c.submit(ctx, card, flowOverride, pipelineKind)
}

// submit starts or continues the card's pipeline execution and asks the
// scheduler for a slot.
func (c *Coordinator) submit(ctx context.Context, card models.CardRef, flowOverride, pipelineKind string) error {
	kind := pipelineKind
	flow := flowOverride

	if exec, ok := c.pipe.ExecutionFor(card.Key); ok {
		if kind == "" {
			kind = exec.PipelineKind
		}

		switch flow {
		case "":
			flow = exec.CurrentFlow()
		case exec.CurrentFlow():
		default:
			if err := c.pipe.AdvanceTo(card.Key, flow); err != nil {
				return err
			}
		}
	} else {
		if kind == "" {
			kind = c.cfg.Supervisor.DefaultPipeline
		}

		// Without an override the card resumes at the step its sidecar
		// records.
		if flow == "" {
			flow = card.Flow
		}

		firstFlow, err := c.pipe.Start(card.Key, kind)
		if err != nil {
			return err
		}

		switch flow {
		case "", firstFlow:
			flow = firstFlow
		default:
			// The fresh execution starts at step zero; move it to the
			// requested flow so completions credit the right step.
			if err := c.pipe.AdvanceTo(card.Key, flow); err != nil {
				c.pipe.Abandon(card.Key)

				return err
			}
		}
	}

	decision := c.sched.Enqueue(card.Key, flow, kind, !card.Exclusive)

	switch d := decision.(type) {
	case scheduler.AlreadyRunning:
		return AlreadyRunningError{CardKey: card.Key, RunID: d.RunID}

	case scheduler.Deferred:
		return DeferredError{Depth: d.Depth, Limit: d.Limit}

	case scheduler.Enqueued:
		if d.Queued {
			if err := c.store.EnqueueCard(ctx, statestore.QueuedCardSnapshot{
				CardKey:      card.Key,
				Flow:         flow,
				PipelineName: kind,
				EnqueuedAt:   time.Now(),
			}); err != nil {
				sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Failed to persist queued card %s: %v", card.Key, err)
			}

			if err := c.cards.WriteStatus(ctx, card.Key, models.CardStatusQueued); err != nil {
				c.log.Warnf("Failed to update card %s status: %v", card.Key, err)
			}

			return nil
		}

		return c.dispatch(ctx, d.RunID, card, flow, kind)
	}

	return nil
}

// dispatch launches a worker for a run the scheduler already admitted.
func (c *Coordinator) dispatch(ctx context.Context, runID string, card models.CardRef, flow, kind string) error {
	if ctx.Err() != nil {
		_ = c.sched.Finish(runID, models.RunCanceled)

		return ctx.Err()
	}

	if c.lifecycle.Current() == StateStopped {
		_ = c.sched.Finish(runID, models.RunCanceled)

		if err := c.cards.WriteStatus(ctx, card.Key, models.CardStatusQueued); err != nil {
			c.log.Warnf("Failed to update card %s status: %v", card.Key, err)
		}

		return fmt.Errorf("not launching card %s, coordinator is stopped", card.Key)
	}

	req := models.WorkerRunRequest{
		RunID:        runID,
		Flow:         flow,
		CardKey:      card.Key,
		AllowNetwork: c.cfg.Supervisor.Worker.AllowNetwork,
		ExtraArgs:    c.cfg.Supervisor.Worker.ExtraArgs,
		Backend:      c.cfg.Supervisor.Worker.Backend,
	}

	handle, err := c.workers.Launch(ctx, req)
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentCoordinator, card.Key)
		sentry.ReportIssuef(sentry.IssueTypeError, c.log, "Failed to launch worker for card %s: %v", card.Key, err)

		if ferr := c.sched.Finish(runID, models.RunFailed); ferr != nil {
			c.log.Warnf("Failed to release lock for run %s: %v", runID, ferr)
		}

		// A launch failure counts as a failed flow so backoff applies.
		action, aerr := c.pipe.OnFlowCompleted(card.Key, runID, flow, models.WorkerRunResult{
			Status:   models.RunFailed,
			ExitCode: -1,
		})
		if aerr == nil {
			c.applyAction(ctx, card.Key, flow, kind, action)
		}

		c.persist(ctx)

		return fmt.Errorf("failed to launch worker for card %s: %w", card.Key, err)
	}

	c.mu.Lock()
	c.active[runID] = activeRun{
		cardKey:      card.Key,
		flow:         flow,
		pipelineName: kind,
		exclusive:    card.Exclusive,
		startedAt:    time.Now(),
		pid:          handle.PID,
	}
	c.mu.Unlock()

	if err := c.store.AddActiveRun(ctx, statestore.ActiveRunSnapshot{
		RunID:           runID,
		CardKey:         card.Key,
		Flow:            flow,
		PipelineName:    kind,
		StartedAt:       time.Now(),
		WorkerProcessID: handle.PID,
	}); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Failed to persist active run %s: %v", runID, err)
	}

	if err := c.cards.WriteStatus(ctx, card.Key, models.CardStatusRunning); err != nil {
		c.log.Warnf("Failed to update card %s status: %v", card.Key, err)
	}

	c.wg.Add(1)
	go c.await(runID, handle)

	return nil
}

// await delivers the run's terminal result into the completion path.
func (c *Coordinator) await(runID string, handle *worker.Handle) {
	defer c.wg.Done()

	result, ok := <-handle.Done
	if !ok {
		result = models.WorkerRunResult{Status: models.RunFailed, ExitCode: -1}
	}

	c.mu.Lock()
	info, tracked := c.active[runID]
	c.mu.Unlock()

	if !tracked {
		return
	}

	// Completions run to the end even during shutdown.
	if err := c.OnFlowCompleted(context.Background(), info.cardKey, runID, result); err != nil {
		c.log.Warnf("Failed to complete run %s: %v", runID, err)
	}
}

// OnFlowCompleted releases the scheduler's bookkeeping for the run, asks the
// pipeline orchestrator for the next action and executes it.
func (c *Coordinator) OnFlowCompleted(ctx context.Context, cardKey, runID string, result models.WorkerRunResult) error {
	c.mu.Lock()
	info, tracked := c.active[runID]
	delete(c.active, runID)
	c.mu.Unlock()

	if err := c.sched.Finish(runID, result.Status); err != nil {
		c.log.Debugf("Scheduler did not know run %s: %v", runID, err)
	}

	if err := c.store.RemoveActiveRun(ctx, runID); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Failed to remove active run %s: %v", runID, err)
	}

	flow := ""
	kind := ""

	if tracked {
		flow = info.flow
		kind = info.pipelineName

		metrics.ObserveRunDuration(flow, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)

		if err := c.history.Append(ctx, models.RunRecord{
			RunID:      runID,
			CardKey:    cardKey,
			Flow:       flow,
			StartedAt:  info.startedAt,
			FinishedAt: time.Now(),
			Result:     result,
		}); err != nil {
			c.log.Warnf("Failed to append run history for %s: %v", runID, err)
		}
	}

	action, err := c.pipe.OnFlowCompleted(cardKey, runID, flow, result)
	if err != nil {
		c.dispatchQueued(ctx)
		c.persist(ctx)

		var noExec pipeline.ErrNoExecution
		if errors.As(err, &noExec) {
			return nil
		}

		return err
	}

	c.applyAction(ctx, cardKey, flow, kind, action)
	c.dispatchQueued(ctx)
	c.persist(ctx)

	return nil
}

// applyAction executes one pipeline decision for a card.
func (c *Coordinator) applyAction(ctx context.Context, cardKey, flow, kind string, action pipeline.Action) {
	switch a := action.(type) {
	case pipeline.ContinueToNextFlow:
		if err := c.cards.WriteFlow(ctx, cardKey, a.NextFlow); err != nil {
			c.log.Warnf("Failed to update card %s flow: %v", cardKey, err)
		}

		card, err := c.cards.Read(ctx, cardKey)
		if err != nil {
			c.log.Warnf("Failed to read card %s: %v", cardKey, err)

			card = models.CardRef{Key: cardKey}
		}

		card.Key = cardKey

		if err := c.submit(ctx, card, a.NextFlow, kind); err != nil {
			var deferred DeferredError
			if errors.As(err, &deferred) {
				// The next flow waits for capacity; the card stays queued
				// and a later rescan picks it up.
				if werr := c.cards.WriteStatus(ctx, cardKey, models.CardStatusQueued); werr != nil {
					c.log.Warnf("Failed to update card %s status: %v", cardKey, werr)
				}

				return
			}

			c.log.Warnf("Failed to continue card %s to flow %s: %v", cardKey, a.NextFlow, err)
		}

	case pipeline.PipelineComplete:
		if err := c.cards.WriteStatus(ctx, cardKey, models.CardStatusSucceeded); err != nil {
			c.log.Warnf("Failed to update card %s status: %v", cardKey, err)
		}

		if err := c.store.UpdateFailureCount(ctx, cardKey, 0); err != nil {
			c.log.Warnf("Failed to clear failure count for card %s: %v", cardKey, err)
		}

	case pipeline.RetryWithBackoff:
		if err := c.store.UpdateFailureCount(ctx, cardKey, a.FailureCount); err != nil {
			c.log.Warnf("Failed to persist failure count for card %s: %v", cardKey, err)
		}

		if err := c.cards.WriteStatus(ctx, cardKey, models.CardStatusQueued); err != nil {
			c.log.Warnf("Failed to update card %s status: %v", cardKey, err)
		}

		c.scheduleRetry(cardKey, flow, kind, a.Delay)

	case pipeline.Abort:
		status := models.CardStatusFailed
		if a.Reason == "canceled" {
			status = models.CardStatusCanceled
		}

		if err := c.cards.WriteStatus(ctx, cardKey, status); err != nil {
			c.log.Warnf("Failed to update card %s status: %v", cardKey, err)
		}

		if err := c.store.UpdateFailureCount(ctx, cardKey, 0); err != nil {
			c.log.Warnf("Failed to clear failure count for card %s: %v", cardKey, err)
		}

		if status == models.CardStatusFailed {
			sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Card %s aborted: %s", cardKey, a.Reason)
		}
	}
}

// scheduleRetry arms the card's retry timer. A prior pending retry for the
// same card is canceled first, so at most one timer exists per card.
func (c *Coordinator) scheduleRetry(cardKey, flow, kind string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timer, ok := c.retryTimers[cardKey]; ok {
		timer.Stop()
	}

	metrics.IncRetryScheduled()

	c.retryTimers[cardKey] = time.AfterFunc(delay, func() {
		c.retryFire(cardKey, flow, kind)
	})
}

// retryFire re-enqueues the card's current pipeline step after its backoff
// delay has elapsed.
func (c *Coordinator) retryFire(cardKey, flow, kind string) {
	c.mu.Lock()
	delete(c.retryTimers, cardKey)
	c.mu.Unlock()

	if state := c.lifecycle.Current(); state != StateRunning {
		// A pause keeps the retry armed; only Stop drops it for good.
		if state != StateStopped {
			c.scheduleRetry(cardKey, flow, kind, c.cfg.Supervisor.RescanInterval)
		}

		return
	}

	ctx := context.Background()

	card, err := c.cards.Read(ctx, cardKey)
	if err != nil {
		c.log.Warnf("Failed to read card %s for retry: %v", cardKey, err)

		card = models.CardRef{Key: cardKey}
	}

	card.Key = cardKey

	if err := c.submit(ctx, card, flow, kind); err != nil {
		var deferred DeferredError
		if errors.As(err, &deferred) {
			c.scheduleRetry(cardKey, flow, kind, c.cfg.Supervisor.RescanInterval)

			return
		}

		var already AlreadyRunningError
		if errors.As(err, &already) {
			return
		}

		c.log.Warnf("Failed to retry card %s: %v", cardKey, err)

		return
	}

	c.persist(ctx)
}

// loop consumes backlog events and drives the maintenance tick.
func (c *Coordinator) loop(ctx context.Context, events <-chan models.CardEvent) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Supervisor.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}

			c.handleCardEvent(ctx, ev)

		case <-ticker.C:
			c.replayHeld(ctx)
			c.dispatchQueued(ctx)
			c.persist(ctx)
		}
	}
}

// replayHeld re-feeds backlog events that arrived while the coordinator was
// not accepting work. While still paused the events just go back on hold.
func (c *Coordinator) replayHeld(ctx context.Context) {
	c.mu.Lock()
	held := make([]models.CardEvent, 0, len(c.held))
	for _, ev := range c.held {
		held = append(held, ev)
	}
	c.held = make(map[string]models.CardEvent)
	c.mu.Unlock()

	for _, ev := range held {
		c.handleCardEvent(ctx, ev)
	}
}

// handleCardEvent turns one backlog notification into scheduling work.
func (c *Coordinator) handleCardEvent(ctx context.Context, ev models.CardEvent) {
	switch ev.Kind {
	case models.CardEventAdded, models.CardEventModified:
		if c.lifecycle.Current() != StateRunning {
			// The source has already fingerprinted the card, so a later
			// rescan stays silent about it. Hold the event for Resume.
			c.mu.Lock()
			c.held[ev.Card.Key] = ev
			c.mu.Unlock()

			return
		}

		if ev.Card.Status != models.CardStatusQueued {
			return
		}

		if c.sched.IsLocked(ev.Card.Key) {
			return
		}

		if err := c.submit(ctx, ev.Card, "", ""); err != nil {
			var already AlreadyRunningError

			var deferred DeferredError

			switch {
			case errors.As(err, &already):
				c.log.Debugf("Card %s already in flight", ev.Card.Key)
			case errors.As(err, &deferred):
				c.log.Debugf("Card %s deferred: %v", ev.Card.Key, err)
			default:
				c.log.Warnf("Failed to enqueue card %s: %v", ev.Card.Key, err)
			}
		}

	case models.CardEventRemoved:
		c.mu.Lock()
		delete(c.held, ev.Card.Key)
		c.mu.Unlock()

		if err := c.CancelCard(ctx, ev.Card.Key); err != nil {
			c.log.Warnf("Failed to cancel removed card %s: %v", ev.Card.Key, err)
		}
	}
}

// CancelCard cancels the card's in-flight run, queued entry and any pending
// retry. It is a no-op for unknown cards.
func (c *Coordinator) CancelCard(ctx context.Context, cardKey string) error {
	c.mu.Lock()
	if timer, ok := c.retryTimers[cardKey]; ok {
		timer.Stop()
		delete(c.retryTimers, cardKey)
	}

	runID := ""

	for id, info := range c.active {
		if info.cardKey == cardKey {
			runID = id

			break
		}
	}
	c.mu.Unlock()

	if runID != "" {
		// The canceled result flows through the normal completion path.
		return c.workers.Cancel(ctx, runID)
	}

	for _, qc := range c.sched.QueuedItems() {
		if qc.CardKey != cardKey {
			continue
		}

		if err := c.sched.Finish(qc.RunID, models.RunCanceled); err != nil {
			c.log.Warnf("Failed to drop queued run %s: %v", qc.RunID, err)
		}

		if err := c.store.DequeueCard(ctx, cardKey); err != nil {
			c.log.Warnf("Failed to dequeue card %s: %v", cardKey, err)
		}

		c.pipe.Abandon(cardKey)
		c.persist(ctx)

		return nil
	}

	c.pipe.Abandon(cardKey)

	return nil
}

// dispatchQueued promotes queued work while capacity allows. Promotion only
// happens while running; completions during a pause or shutdown leave the
// queue alone.
func (c *Coordinator) dispatchQueued(ctx context.Context) {
	if c.lifecycle.Current() != StateRunning {
		return
	}

	for {
		qc := c.sched.Promote()
		if qc == nil {
			return
		}

		if err := c.store.DequeueCard(ctx, qc.CardKey); err != nil {
			c.log.Warnf("Failed to dequeue card %s: %v", qc.CardKey, err)
		}

		card, err := c.cards.Read(ctx, qc.CardKey)
		if err != nil {
			c.log.Warnf("Failed to read card %s: %v", qc.CardKey, err)

			card = models.CardRef{Key: qc.CardKey}
		}

		card.Key = qc.CardKey
		card.Exclusive = qc.Exclusive

		if err := c.dispatch(ctx, qc.RunID, card, qc.Flow, qc.PipelineName); err != nil {
			c.log.Warnf("Failed to dispatch queued card %s: %v", qc.CardKey, err)
		}
	}
}

// persist writes the current scheduling state. Persistence failures are
// reported but never fatal.
func (c *Coordinator) persist(ctx context.Context) {
	state := statestore.NewSupervisorState()

	c.mu.Lock()
	for runID, info := range c.active {
		state.ActiveRuns[runID] = statestore.ActiveRunSnapshot{
			RunID:           runID,
			CardKey:         info.cardKey,
			Flow:            info.flow,
			PipelineName:    info.pipelineName,
			StartedAt:       info.startedAt,
			WorkerProcessID: info.pid,
		}
	}
	c.mu.Unlock()

	for _, qc := range c.sched.QueuedItems() {
		state.QueuedCards = append(state.QueuedCards, statestore.QueuedCardSnapshot{
			CardKey:      qc.CardKey,
			Flow:         qc.Flow,
			PipelineName: qc.PipelineName,
			EnqueuedAt:   qc.EnqueuedAt,
			Attempts:     qc.Attempts,
		})
	}

	state.FailureCounts = c.pipe.FailureCounts()

	if err := c.store.Save(ctx, state); err != nil {
		sentry.ReportIssuef(sentry.IssueTypeWarning, c.log, "Failed to persist supervisor state: %v", err)
	}
}
