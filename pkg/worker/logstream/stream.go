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

package logstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/deckhand-io/deckhand/pkg/constants"
	"github.com/deckhand-io/deckhand/pkg/logger"
	"github.com/deckhand-io/deckhand/pkg/models"
	"github.com/deckhand-io/deckhand/pkg/service/filesystem"
)

// Options tunes a Follow call. The zero value uses the stock constants.
type Options struct {
	// WaitTimeout bounds the wait for the log file to appear.
	WaitTimeout time.Duration
	// PollInterval is the tail poll interval once the file exists.
	PollInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		WaitTimeout:  constants.DefaultLogWaitTimeout,
		PollInterval: constants.DefaultLogPollInterval,
	}

	if o != nil {
		if o.WaitTimeout > 0 {
			out.WaitTimeout = o.WaitTimeout
		}

		if o.PollInterval > 0 {
			out.PollInterval = o.PollInterval
		}
	}

	return out
}

// Follow tails the log file at path and delivers typed events until a
// finished record arrives or ctx is canceled. The file may not exist yet;
// Follow waits for it with a bounded backoff before failing. A partial
// trailing line is buffered until its newline arrives and flushed as a
// best-effort message when the stream closes.
func Follow(ctx context.Context, fsService filesystem.Service, path string, opts *Options) (<-chan Event, error) {
	o := opts.withDefaults()
	log := logger.For(logger.ComponentLogStream)

	if err := waitForFile(ctx, fsService, path, o.WaitTimeout); err != nil {
		return nil, err
	}

	events := make(chan Event, 16)

	go func() {
		defer close(events)

		var (
			offset  int64
			pending string
		)

		ticker := time.NewTicker(o.PollInterval)
		defer ticker.Stop()

		flushPending := func() {
			if strings.TrimSpace(pending) != "" {
				events <- parseLine(pending)
			}
		}

		for {
			chunk, newSize, err := fsService.ReadFileRange(ctx, path, offset)
			if err != nil {
				if ctx.Err() == nil {
					log.Debugf("Stopped tailing %s: %v", path, err)
				}

				flushPending()

				return
			}

			offset = newSize

			var parsed []Event
			parsed, pending = parseChunk(pending, chunk)

			for _, ev := range parsed {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}

				if ev.Kind == KindFinished {
					return
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				flushPending()

				return
			}
		}
	}()

	return events, nil
}

// ReadAll is the non-streaming fallback: it reads the whole file and returns
// the same event sequence Follow would produce. A trailing fragment without a
// newline is flushed as a final message event.
func ReadAll(ctx context.Context, fsService filesystem.Service, path string) ([]Event, error) {
	data, err := fsService.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker log: %w", err)
	}

	events, pending := parseChunk("", data)
	if strings.TrimSpace(pending) != "" {
		events = append(events, parseLine(pending))
	}

	return events, nil
}

// FinalResult scans the log for the last finished record.
func FinalResult(ctx context.Context, fsService filesystem.Service, path string) (models.WorkerRunResult, bool) {
	events, err := ReadAll(ctx, fsService, path)
	if err != nil {
		return models.WorkerRunResult{}, false
	}

	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == KindFinished && events[i].Result != nil {
			return *events[i].Result, true
		}
	}

	return models.WorkerRunResult{}, false
}

// waitForFile polls until the file exists, bounded by timeout.
func waitForFile(ctx context.Context, fsService filesystem.Service, path string, timeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = timeout

	check := func() error {
		exists, err := fsService.PathExists(ctx, path)
		if err != nil {
			return backoff.Permanent(err)
		}

		if !exists {
			return fmt.Errorf("log file %s does not exist yet", path)
		}

		return nil
	}

	if err := backoff.Retry(check, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("timed out waiting for log file %s: %w", path, err)
	}

	return nil
}
