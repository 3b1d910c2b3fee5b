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

package backoff_test

import (
	"errors"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/backoff"
)

var _ = Describe("Policy", func() {
	var cfg backoff.Config

	BeforeEach(func() {
		cfg = backoff.Config{
			BaseDelay:      2 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0,
			MaxDelay:       5 * time.Minute,
			MaxRetries:     3,
		}
	})

	It("returns zero for a failure count of zero or less", func() {
		policy := backoff.NewPolicy(cfg, nil)

		Expect(policy.Delay(0)).To(Equal(time.Duration(0)))
		Expect(policy.Delay(-1)).To(Equal(time.Duration(0)))
	})

	It("grows exponentially without jitter", func() {
		policy := backoff.NewPolicy(cfg, nil)

		Expect(policy.Delay(1)).To(Equal(2 * time.Second))
		Expect(policy.Delay(2)).To(Equal(4 * time.Second))
		Expect(policy.Delay(3)).To(Equal(8 * time.Second))
	})

	It("caps the exponent at the retry limit", func() {
		policy := backoff.NewPolicy(cfg, nil)

		atLimit := policy.Delay(cfg.MaxRetries + 1)
		beyond := policy.Delay(cfg.MaxRetries + 10)

		Expect(beyond).To(Equal(atLimit))
	})

	It("clamps the delay to the maximum", func() {
		cfg.MaxDelay = 5 * time.Second
		policy := backoff.NewPolicy(cfg, nil)

		Expect(policy.Delay(3)).To(Equal(5 * time.Second))
	})

	It("keeps jittered delays within the configured band", func() {
		cfg.JitterFraction = 0.2
		policy := backoff.NewPolicy(cfg, rand.New(rand.NewSource(42)))

		for i := 0; i < 100; i++ {
			delay := policy.Delay(2)
			Expect(delay).To(BeNumerically(">=", time.Duration(float64(4*time.Second)*0.8)))
			Expect(delay).To(BeNumerically("<=", time.Duration(float64(4*time.Second)*1.2)))
		}
	})

	It("is deterministic with a fixed seed", func() {
		cfg.JitterFraction = 0.2

		first := backoff.NewPolicy(cfg, rand.New(rand.NewSource(7)))
		second := backoff.NewPolicy(cfg, rand.New(rand.NewSource(7)))

		for i := 1; i <= 5; i++ {
			Expect(first.Delay(i)).To(Equal(second.Delay(i)))
		}
	})

	It("never returns a negative delay", func() {
		cfg.JitterFraction = 1.0
		policy := backoff.NewPolicy(cfg, rand.New(rand.NewSource(1)))

		for i := 1; i <= 50; i++ {
			Expect(policy.Delay(i)).To(BeNumerically(">=", time.Duration(0)))
		}
	})
})

var _ = Describe("Error categories", func() {
	It("classifies transient errors", func() {
		err := backoff.NewTransientError(errors.New("boom"))

		Expect(backoff.IsTransientError(err)).To(BeTrue())
		Expect(backoff.IsPermanentError(err)).To(BeFalse())
	})

	It("treats uncategorized errors as transient", func() {
		Expect(backoff.IsTransientError(backoff.CategorizeError(errors.New("boom")))).To(BeTrue())
	})

	It("preserves an existing category when categorizing", func() {
		err := backoff.NewIgnoredError(errors.New("already running"))

		Expect(backoff.IsIgnoredError(backoff.CategorizeError(err))).To(BeTrue())
	})

	It("classifies permanent errors", func() {
		err := backoff.NewPermanentError(errors.New("bad config"))

		Expect(backoff.IsPermanentError(err)).To(BeTrue())
	})
})
