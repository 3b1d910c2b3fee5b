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

package backlog_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/backlog"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

var _ = Describe("FileCardStore", func() {
	var (
		ctx   context.Context
		fs    *filesystem.MockFileSystem
		store *backlog.FileCardStore
	)

	const key = "/cards/card-a.md"

	BeforeEach(func() {
		ctx = context.Background()
		fs = filesystem.NewMockFileSystem()
		store = backlog.NewFileCardStore(fs)
	})

	Describe("Read", func() {
		It("returns an idle card when no sidecar exists", func() {
			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Key).To(Equal(key))
			Expect(ref.Status).To(Equal(models.CardStatusIdle))
			Expect(ref.Flow).To(BeEmpty())
		})

		It("returns the sidecar fields when one exists", func() {
			sidecar := []byte("flow: implement\nstatus: queued\nbranch: feature/x\nexclusive: true\n")
			Expect(fs.WriteFile(ctx, backlog.SidecarPath(key), sidecar, 0o644)).To(Succeed())

			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Flow).To(Equal("implement"))
			Expect(ref.Status).To(Equal(models.CardStatusQueued))
			Expect(ref.Branch).To(Equal("feature/x"))
			Expect(ref.Exclusive).To(BeTrue())
		})

		It("defaults the status to idle when the sidecar omits it", func() {
			Expect(fs.WriteFile(ctx, backlog.SidecarPath(key), []byte("flow: review\n"), 0o644)).To(Succeed())

			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Flow).To(Equal("review"))
			Expect(ref.Status).To(Equal(models.CardStatusIdle))
		})

		It("fails on a malformed sidecar", func() {
			Expect(fs.WriteFile(ctx, backlog.SidecarPath(key), []byte("{not yaml: ["), 0o644)).To(Succeed())

			_, err := store.Read(ctx, key)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("WriteStatus", func() {
		It("creates the sidecar when none exists", func() {
			Expect(store.WriteStatus(ctx, key, models.CardStatusQueued)).To(Succeed())

			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Status).To(Equal(models.CardStatusQueued))
		})

		It("preserves the other sidecar fields", func() {
			sidecar := []byte("flow: implement\nstatus: queued\nbranch: feature/x\nexclusive: true\n")
			Expect(fs.WriteFile(ctx, backlog.SidecarPath(key), sidecar, 0o644)).To(Succeed())

			Expect(store.WriteStatus(ctx, key, models.CardStatusRunning)).To(Succeed())

			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Status).To(Equal(models.CardStatusRunning))
			Expect(ref.Flow).To(Equal("implement"))
			Expect(ref.Branch).To(Equal("feature/x"))
			Expect(ref.Exclusive).To(BeTrue())
		})
	})

	Describe("WriteFlow", func() {
		It("updates the flow and keeps the status", func() {
			Expect(store.WriteStatus(ctx, key, models.CardStatusRunning)).To(Succeed())
			Expect(store.WriteFlow(ctx, key, "review")).To(Succeed())

			ref, err := store.Read(ctx, key)
			Expect(err).NotTo(HaveOccurred())
			Expect(ref.Flow).To(Equal("review"))
			Expect(ref.Status).To(Equal(models.CardStatusRunning))
		})
	})

	Describe("sidecar paths", func() {
		It("derives the sidecar path from the card key", func() {
			Expect(backlog.SidecarPath("/cards/x.md")).To(Equal("/cards/x.md" + backlog.SidecarSuffix))
		})

		It("recognizes sidecar files", func() {
			Expect(backlog.IsSidecar("/cards/x.md" + backlog.SidecarSuffix)).To(BeTrue())
			Expect(backlog.IsSidecar("/cards/x.md")).To(BeFalse())
		})
	})
})
