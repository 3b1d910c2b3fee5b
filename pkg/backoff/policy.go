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

// Package backoff computes retry delays for failed runs and classifies
// errors into ignored, transient and permanent categories.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/deckhand-io/deckhand/pkg/constants"
)

// Config holds the immutable parameters of a backoff policy.
type Config struct {
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration
	// Multiplier grows the delay exponentially per additional failure.
	Multiplier float64
	// JitterFraction draws uniform jitter from +/- this fraction of the
	// exponential delay.
	JitterFraction float64
	// MaxDelay clamps the computed delay.
	MaxDelay time.Duration
	// MaxRetries caps the exponent; it is also the failure count at which
	// callers abort instead of retrying.
	MaxRetries int
}

// DefaultConfig returns the stock policy parameters.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      constants.DefaultBackoffBase,
		Multiplier:     constants.DefaultBackoffMultiplier,
		JitterFraction: constants.DefaultBackoffJitterFraction,
		MaxDelay:       constants.DefaultBackoffMax,
		MaxRetries:     constants.DefaultMaxRetries,
	}
}

// Policy computes retry delays from failure counts. It carries no mutable
// state besides its random source.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPolicy creates a Policy. A nil rng gets a time-seeded source; tests
// inject a fixed-seed source for determinism.
func NewPolicy(cfg Config, rng *rand.Rand) *Policy {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Policy{cfg: cfg, rng: rng}
}

// Config returns the policy parameters.
func (p *Policy) Config() Config {
	return p.cfg
}

// MaxRetries returns the failure count at which callers should abort.
func (p *Policy) MaxRetries() int {
	return p.cfg.MaxRetries
}

// Delay returns the retry delay for the given failure count.
// failureCount <= 0 yields zero. The exponent is capped at MaxRetries, jitter
// is uniform within +/- JitterFraction of the exponential delay, and the
// result is clamped to [0, MaxDelay]. The result is never negative.
func (p *Policy) Delay(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}

	exponent := failureCount - 1
	if exponent > p.cfg.MaxRetries {
		exponent = p.cfg.MaxRetries
	}

	exponential := time.Duration(float64(p.cfg.BaseDelay) * math.Pow(p.cfg.Multiplier, float64(exponent)))

	delay := exponential
	if p.cfg.JitterFraction > 0 {
		p.mu.Lock()
		unit := p.rng.Float64()*2 - 1
		p.mu.Unlock()

		delay += time.Duration(unit * p.cfg.JitterFraction * float64(exponential))
	}

	if delay < 0 {
		delay = 0
	}

	if p.cfg.MaxDelay > 0 && delay > p.cfg.MaxDelay {
		delay = p.cfg.MaxDelay
	}

	return delay
}
