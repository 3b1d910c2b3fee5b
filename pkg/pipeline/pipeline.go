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

// Package pipeline maps pipeline kinds to ordered flow sequences and decides
// what happens to a card after each flow result. A pipeline kind is nothing
// more than a named ordered list of flow names; advancing, retrying and
// aborting are the same logic for every kind.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deckhand-io/deckhand/pkg/backoff"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/models"
)

// Well-known pipeline kinds. A new kind is a new entry in the registry,
// not new code.
const (
	KindSingle                = "single"
	KindImplementReview       = "implement-review"
	KindTriageImplementReview = "triage-implement-review"
)

// FlowResult records the outcome of one completed pipeline step.
type FlowResult struct {
	RunID      string           `json:"runId"`
	Flow       string           `json:"flow"`
	Status     models.RunStatus `json:"status"`
	FinishedAt time.Time        `json:"finishedAt"`
}

// Execution tracks a card's progress through a pipeline. It is created by
// Start, advanced one step per successful flow and removed on completion
// or abort.
type Execution struct {
	CardKey          string       `json:"cardKey"`
	PipelineKind     string       `json:"pipelineKind"`
	CurrentStepIndex int          `json:"currentStepIndex"`
	StartedAt        time.Time    `json:"startedAt"`
	StepResults      []FlowResult `json:"stepResults"`

	steps []string
}

// IsComplete reports whether every step of the pipeline has succeeded.
func (e *Execution) IsComplete() bool {
	return e.CurrentStepIndex >= len(e.steps)
}

// CurrentFlow returns the flow name for the step the execution is on.
// It returns "" when the execution is complete.
func (e *Execution) CurrentFlow() string {
	if e.IsComplete() {
		return ""
	}

	return e.steps[e.CurrentStepIndex]
}

// Action is the sealed set of decisions returned by OnFlowCompleted.
type Action interface {
	isAction()
}

// ContinueToNextFlow instructs the caller to enqueue the next flow of the
// pipeline for the same card.
type ContinueToNextFlow struct {
	NextFlow string
}

// PipelineComplete signals that every step succeeded and the execution has
// been removed.
type PipelineComplete struct{}

// RetryWithBackoff instructs the caller to re-run the same step after the
// given delay.
type RetryWithBackoff struct {
	Delay        time.Duration
	FailureCount int
}

// Abort signals that the execution has been removed without completing.
type Abort struct {
	Reason string
}

func (ContinueToNextFlow) isAction() {}
func (PipelineComplete) isAction()   {}
func (RetryWithBackoff) isAction()   {}
func (Abort) isAction()              {}

// ErrUnknownKind is returned by Start for a kind missing from the registry.
type ErrUnknownKind struct {
	Kind string
}

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown pipeline kind %q", e.Kind)
}

// ErrNoExecution is returned by OnFlowCompleted when the card has no active
// execution.
type ErrNoExecution struct {
	CardKey string
}

func (e ErrNoExecution) Error() string {
	return fmt.Sprintf("no active pipeline execution for card %q", e.CardKey)
}

// Orchestrator owns the pipeline-execution map and the per-card failure
// counters. All methods are safe for concurrent use; state transitions are
// serialized through a single mutex.
type Orchestrator struct {
	mu            sync.Mutex
	kinds         map[string][]string
	executions    map[string]*Execution
	failureCounts map[string]int
	policy        *backoff.Policy
	log           *zap.SugaredLogger
}

// NewOrchestrator creates an Orchestrator with the built-in pipeline kinds
// registered. The backoff policy decides retry delays for failed steps.
func NewOrchestrator(policy *backoff.Policy) *Orchestrator {
	return &Orchestrator{
		kinds: map[string][]string{
			KindSingle:                {"implement"},
			KindImplementReview:       {"implement", "review"},
			KindTriageImplementReview: {"triage", "implement", "review"},
		},
		executions:    make(map[string]*Execution),
		failureCounts: make(map[string]int),
		policy:        policy,
		log:           logger.For(logger.ComponentPipeline),
	}
}

// RegisterKind adds or replaces a pipeline kind. Steps must be non-empty.
func (o *Orchestrator) RegisterKind(kind string, steps []string) error {
	if len(steps) == 0 {
		return fmt.Errorf("pipeline kind %q needs at least one step", kind)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.kinds[kind] = append([]string(nil), steps...)

	return nil
}

// Start begins a fresh execution for the card and returns the first flow to
// run. Any prior execution for the card is replaced and the card's failure
// counter is reset.
func (o *Orchestrator) Start(cardKey, kind string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	steps, ok := o.kinds[kind]
	if !ok {
		return "", ErrUnknownKind{Kind: kind}
	}

	exec := &Execution{
		CardKey:      cardKey,
		PipelineKind: kind,
		StartedAt:    time.Now(),
		steps:        steps,
	}
	o.executions[cardKey] = exec
	o.failureCounts[cardKey] = 0

	o.log.Debugf("started pipeline %s for card %s, first flow %s", kind, cardKey, steps[0])

	return steps[0], nil
}

// AdvanceTo moves the card's execution to the step that runs the named flow.
// Used when a card re-enters mid-pipeline, for example after a crash left it
// queued at a later step.
func (o *Orchestrator) AdvanceTo(cardKey, flow string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok := o.executions[cardKey]
	if !ok {
		return ErrNoExecution{CardKey: cardKey}
	}

	for i, step := range exec.steps {
		if step == flow {
			exec.CurrentStepIndex = i

			return nil
		}
	}

	return fmt.Errorf("pipeline %s has no flow %q", exec.PipelineKind, flow)
}

// OnFlowCompleted records the terminal result of a flow run and returns the
// next action for the card. Retries repeat the same step index; no step is
// ever skipped.
func (o *Orchestrator) OnFlowCompleted(cardKey, runID, flow string, result models.WorkerRunResult) (Action, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok := o.executions[cardKey]
	if !ok {
		return nil, ErrNoExecution{CardKey: cardKey}
	}

	exec.StepResults = append(exec.StepResults, FlowResult{
		RunID:      runID,
		Flow:       flow,
		Status:     result.Status,
		FinishedAt: time.Now(),
	})

	switch result.Status {
	case models.RunSucceeded:
		o.failureCounts[cardKey] = 0
		exec.CurrentStepIndex++

		if exec.IsComplete() {
			delete(o.executions, cardKey)
			delete(o.failureCounts, cardKey)
			o.log.Infof("pipeline %s complete for card %s", exec.PipelineKind, cardKey)

			return PipelineComplete{}, nil
		}

		next := exec.steps[exec.CurrentStepIndex]
		o.log.Debugf("card %s advancing to flow %s", cardKey, next)

		return ContinueToNextFlow{NextFlow: next}, nil

	case models.RunFailed:
		o.failureCounts[cardKey]++
		count := o.failureCounts[cardKey]

		if count >= o.policy.MaxRetries() {
			delete(o.executions, cardKey)
			delete(o.failureCounts, cardKey)
			o.log.Warnf("card %s aborted after %d failures on flow %s", cardKey, count, flow)

			return Abort{Reason: fmt.Sprintf("flow %s failed %d times", flow, count)}, nil
		}

		delay := o.policy.Delay(count)
		o.log.Infof("card %s flow %s failed (attempt %d), retrying in %s", cardKey, flow, count, delay)

		return RetryWithBackoff{Delay: delay, FailureCount: count}, nil

	case models.RunCanceled:
		delete(o.executions, cardKey)
		delete(o.failureCounts, cardKey)

		return Abort{Reason: "canceled"}, nil

	default:
		return nil, fmt.Errorf("unknown run status %q for card %q", result.Status, cardKey)
	}
}

// ExecutionFor returns a copy of the card's active execution, if any.
func (o *Orchestrator) ExecutionFor(cardKey string) (Execution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	exec, ok := o.executions[cardKey]
	if !ok {
		return Execution{}, false
	}

	out := *exec
	out.StepResults = append([]FlowResult(nil), exec.StepResults...)

	return out, true
}

// FailureCounts returns a copy of all non-zero failure counters, for
// persistence.
func (o *Orchestrator) FailureCounts() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make(map[string]int, len(o.failureCounts))
	for key, count := range o.failureCounts {
		if count > 0 {
			out[key] = count
		}
	}

	return out
}

// SetFailureCount restores a persisted failure counter. Zero removes it.
func (o *Orchestrator) SetFailureCount(cardKey string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if count <= 0 {
		delete(o.failureCounts, cardKey)

		return
	}

	o.failureCounts[cardKey] = count
}

// FailureCount returns the card's current consecutive-failure count.
func (o *Orchestrator) FailureCount(cardKey string) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.failureCounts[cardKey]
}

// Abandon removes any active execution and failure counter for the card.
// It is a no-op when the card has none.
func (o *Orchestrator) Abandon(cardKey string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.executions, cardKey)
	delete(o.failureCounts, cardKey)
}

// HasExecution reports whether the card has an active execution.
func (o *Orchestrator) HasExecution(cardKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.executions[cardKey]

	return ok
}
