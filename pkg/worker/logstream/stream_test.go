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

package logstream_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
	"github.com/deckhand-io/deckhand/pkg/worker/logstream"
)

const logPath = "/data/deckhand/logs/run-1/events.ndjson"

var _ = Describe("ReadAll", func() {
	var (
		ctx    context.Context
		mockFS *filesystem.MockFileSystem
	)

	BeforeEach(func() {
		ctx = context.Background()
		mockFS = filesystem.NewMockFileSystem()
	})

	It("parses the lifecycle event sequence", func() {
		content := `{"timestamp":"2026-08-30T10:00:00.000Z","event":"workerReady"}
{"timestamp":"2026-08-30T10:00:01.000Z","event":"progress","percent":50,"message":"halfway"}
{"timestamp":"2026-08-30T10:00:02.000Z","event":"log","message":"building"}
{"timestamp":"2026-08-30T10:00:03.000Z","event":"workerFinished","status":"succeeded","exitCode":0,"durationMs":3000}
`
		Expect(mockFS.WriteFile(ctx, logPath, []byte(content), 0o644)).To(Succeed())

		events, err := logstream.ReadAll(ctx, mockFS, logPath)

		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(4))
		Expect(events[0].Kind).To(Equal(logstream.KindReady))
		Expect(events[1].Kind).To(Equal(logstream.KindProgress))
		Expect(events[1].Percent).To(Equal(50.0))
		Expect(events[1].Message).To(Equal("halfway"))
		Expect(events[2].Kind).To(Equal(logstream.KindMessage))
		Expect(events[3].Kind).To(Equal(logstream.KindFinished))
		Expect(events[3].Result).NotTo(BeNil())
		Expect(events[3].Result.Status).To(Equal(models.RunSucceeded))
	})

	It("turns unparseable lines into message events", func() {
		content := "not json at all\n{\"event\":\"workerReady\"}\n"
		Expect(mockFS.WriteFile(ctx, logPath, []byte(content), 0o644)).To(Succeed())

		events, err := logstream.ReadAll(ctx, mockFS, logPath)

		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].Kind).To(Equal(logstream.KindMessage))
		Expect(events[0].Message).To(Equal("not json at all"))
		Expect(events[1].Kind).To(Equal(logstream.KindReady))
	})

	It("flushes a trailing fragment without a newline", func() {
		content := "{\"event\":\"workerReady\"}\npartial tail"
		Expect(mockFS.WriteFile(ctx, logPath, []byte(content), 0o644)).To(Succeed())

		events, err := logstream.ReadAll(ctx, mockFS, logPath)

		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[1].Kind).To(Equal(logstream.KindMessage))
		Expect(events[1].Message).To(Equal("partial tail"))
	})

	It("fails when the file does not exist", func() {
		_, err := logstream.ReadAll(ctx, mockFS, logPath)

		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Follow", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		mockFS *filesystem.MockFileSystem
		opts   *logstream.Options
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		mockFS = filesystem.NewMockFileSystem()
		opts = &logstream.Options{WaitTimeout: 500 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	})

	AfterEach(func() {
		cancel()
	})

	It("fails when the file never appears", func() {
		_, err := logstream.Follow(ctx, mockFS, logPath, opts)

		Expect(err).To(HaveOccurred())
	})

	It("streams events up to and including the finished record", func() {
		content := `{"event":"workerReady"}
{"event":"workerFinished","status":"failed","exitCode":2}
`
		Expect(mockFS.WriteFile(ctx, logPath, []byte(content), 0o644)).To(Succeed())

		events, err := logstream.Follow(ctx, mockFS, logPath, opts)
		Expect(err).NotTo(HaveOccurred())

		var got []logstream.Event
		Eventually(func() int {
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return len(got)
					}

					got = append(got, ev)
				default:
					return len(got)
				}
			}
		}, time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 2))

		Expect(got[0].Kind).To(Equal(logstream.KindReady))
		Expect(got[1].Kind).To(Equal(logstream.KindFinished))
		Expect(got[1].Result.Status).To(Equal(models.RunFailed))
		Expect(got[1].Result.ExitCode).To(Equal(2))

		Eventually(events).Should(BeClosed())
	})

	It("picks up appended lines across polls", func() {
		Expect(mockFS.WriteFile(ctx, logPath, []byte("{\"event\":\"workerReady\"}\n"), 0o644)).To(Succeed())

		events, err := logstream.Follow(ctx, mockFS, logPath, opts)
		Expect(err).NotTo(HaveOccurred())

		Eventually(events, time.Second).Should(Receive(WithTransform(
			func(ev logstream.Event) logstream.EventKind { return ev.Kind },
			Equal(logstream.KindReady),
		)))

		full := "{\"event\":\"workerReady\"}\n{\"event\":\"workerFinished\",\"status\":\"succeeded\"}\n"
		Expect(mockFS.WriteFile(ctx, logPath, []byte(full), 0o644)).To(Succeed())

		Eventually(events, time.Second).Should(Receive(WithTransform(
			func(ev logstream.Event) logstream.EventKind { return ev.Kind },
			Equal(logstream.KindFinished),
		)))
		Eventually(events).Should(BeClosed())
	})
})

var _ = Describe("FinalResult", func() {
	It("returns the last finished record", func() {
		ctx := context.Background()
		mockFS := filesystem.NewMockFileSystem()

		content := `{"event":"workerFinished","status":"failed","exitCode":1}
{"event":"workerFinished","status":"succeeded","exitCode":0,"summary":"second attempt"}
`
		Expect(mockFS.WriteFile(ctx, logPath, []byte(content), 0o644)).To(Succeed())

		result, ok := logstream.FinalResult(ctx, mockFS, logPath)

		Expect(ok).To(BeTrue())
		Expect(result.Status).To(Equal(models.RunSucceeded))
		Expect(result.Summary).To(Equal("second attempt"))
	})

	It("reports absence when no finished record exists", func() {
		ctx := context.Background()
		mockFS := filesystem.NewMockFileSystem()

		Expect(mockFS.WriteFile(ctx, logPath, []byte("{\"event\":\"workerReady\"}\n"), 0o644)).To(Succeed())

		_, ok := logstream.FinalResult(ctx, mockFS, logPath)

		Expect(ok).To(BeFalse())
	})
})
