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

package capability_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/worker/capability"
)

var _ = Describe("Registry", func() {
	var registry *capability.Registry

	BeforeEach(func() {
		registry = capability.NewRegistry()
	})

	It("resolves an issued token to its directory", func() {
		token, err := registry.Acquire("/data/deckhand/runs/run-1")
		Expect(err).NotTo(HaveOccurred())

		dir, err := registry.Resolve(token)
		Expect(err).NotTo(HaveOccurred())
		Expect(dir).To(Equal("/data/deckhand/runs/run-1"))
	})

	It("rejects an empty scope", func() {
		_, err := registry.Acquire("")

		Expect(err).To(HaveOccurred())
	})

	It("refuses tokens it never issued", func() {
		_, err := registry.Resolve(capability.Token("forged"))

		Expect(err).To(MatchError(capability.ErrUnknownToken))
	})

	It("refuses a released token", func() {
		token, err := registry.Acquire("/data/deckhand/runs/run-1")
		Expect(err).NotTo(HaveOccurred())

		registry.Release(token)

		_, err = registry.Resolve(token)
		Expect(err).To(MatchError(capability.ErrUnknownToken))
	})

	It("ignores releasing an unknown token", func() {
		registry.Release(capability.Token("never issued"))
	})

	Describe("Authorize", func() {
		var token capability.Token

		BeforeEach(func() {
			var err error
			token, err = registry.Acquire("/data/deckhand/runs/run-1")
			Expect(err).NotTo(HaveOccurred())
		})

		It("allows the granted directory itself", func() {
			Expect(registry.Authorize(token, "/data/deckhand/runs/run-1")).To(Succeed())
		})

		It("allows paths inside the tree", func() {
			Expect(registry.Authorize(token, "/data/deckhand/runs/run-1/out/result.json")).To(Succeed())
		})

		It("rejects paths outside the tree", func() {
			err := registry.Authorize(token, "/data/deckhand/runs/run-2/out.json")

			Expect(err).To(MatchError(capability.ErrOutsideScope))
		})

		It("rejects sibling prefixes that only share a name prefix", func() {
			err := registry.Authorize(token, "/data/deckhand/runs/run-10/out.json")

			Expect(err).To(MatchError(capability.ErrOutsideScope))
		})

		It("rejects traversal escapes", func() {
			err := registry.Authorize(token, "/data/deckhand/runs/run-1/../run-2/out.json")

			Expect(err).To(MatchError(capability.ErrOutsideScope))
		})
	})
})
